package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotAuthenticated is returned before any request when no token is set
// for an endpoint that needs one.
var ErrNotAuthenticated = errors.New("remote: not signed in")

// Error is a non-2xx answer decoded from the server's {code, error} envelope.
// Status is 0 for errors reported inside a completion stream.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %s (%d %s)", e.Message, e.Status, e.Code)
	}
	return fmt.Sprintf("remote: %s (%d)", e.Message, e.Status)
}

// Temporary reports whether retrying the same read may succeed.
func (e *Error) Temporary() bool {
	switch {
	case e.Status == http.StatusTooManyRequests, e.Status == http.StatusRequestTimeout:
		return true
	case e.Status >= 500:
		return true
	default:
		return false
	}
}

func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func IsUnauthorized(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

func hasStatus(err error, status int) bool {
	var remoteErr *Error
	return errors.As(err, &remoteErr) && remoteErr.Status == status
}
