package store

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

type User struct {
	ID                string
	Email             string
	DisplayName       string
	AvatarURL         string
	PreferredModel    string
	SystemPrompt      string
	Anonymous         bool
	DailyMessageCount int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// UserPatch carries the profile fields a user may change; nil leaves a field as is.
type UserPatch struct {
	DisplayName    *string
	AvatarURL      *string
	PreferredModel *string
	SystemPrompt   *string
}

type Chat struct {
	ID           string
	UserID       string
	Title        string
	Model        string
	SystemPrompt string
	Public       bool
	ProjectID    *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Message struct {
	ID        string
	ChatID    string
	UserID    string
	Role      string
	Content   string
	Parts     json.RawMessage
	Model     string
	CreatedAt time.Time
}

type Feedback struct {
	MessageID string
	UserID    string
	Rating    string
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserKey is a provider API key sealed by internal/keys; the plaintext never
// reaches the database.
type UserKey struct {
	UserID       string
	Provider     string
	EncryptedKey string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Attachment struct {
	ID          string
	UserID      string
	ChatID      *string
	ObjectKey   string
	FileName    string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}
