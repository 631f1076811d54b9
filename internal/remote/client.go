// Package remote is the HTTP client for the parley API. It keeps no state
// beyond the bearer token.
package remote

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"parley/internal/model"
	"parley/internal/sources"
)

const (
	DefaultMaxAttempts = 3
	retryBaseDelay     = 500 * time.Millisecond
	retryMaxDelay      = 8 * time.Second
	maxResponseBytes   = 10 << 20
	maxEventBytes      = 1 << 20
)

type Client struct {
	baseURL     string
	http        *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration

	mu    sync.RWMutex
	token string
}

// NewClient targets baseURL, e.g. http://localhost:8787. A nil httpClient
// uses one with a 30s timeout; completions need a longer one.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        httpClient,
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   retryBaseDelay,
		maxDelay:    retryMaxDelay,
	}
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Login signs in by display name (empty for a guest) and keeps the token.
func (c *Client) Login(ctx context.Context, name string) (model.Session, error) {
	var session model.Session
	if err := c.send(ctx, http.MethodPost, "/api/session/login", map[string]string{"name": name}, &session, false); err != nil {
		return model.Session{}, err
	}
	c.SetToken(session.Token)
	return session, nil
}

// Refresh trades a refresh token for a new session and keeps the new token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (model.Session, error) {
	var session model.Session
	if err := c.send(ctx, http.MethodPost, "/api/session/refresh", map[string]string{"refreshToken": refreshToken}, &session, false); err != nil {
		return model.Session{}, err
	}
	c.SetToken(session.Token)
	return session, nil
}

func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	err := c.send(ctx, http.MethodPost, "/api/session/logout", map[string]string{"refreshToken": refreshToken}, nil, c.Token() != "")
	c.SetToken("")
	return err
}

// LogoutEverywhere revokes every refresh token of the signed-in user and
// returns how many were live.
func (c *Client) LogoutEverywhere(ctx context.Context) (int, error) {
	var body struct {
		Revoked int `json:"revoked"`
	}
	if err := c.send(ctx, http.MethodPost, "/api/session/logout-all", nil, &body, true); err != nil {
		return 0, err
	}
	c.SetToken("")
	return body.Revoked, nil
}

// ListChats returns the caller's chats, most recently updated first. The
// server scopes the list to the token; a non-empty userID also drops anything
// owned by someone else.
func (c *Client) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	var body struct {
		Items []model.Chat `json:"items"`
	}
	if err := c.read(ctx, "/api/chats", &body); err != nil {
		return nil, err
	}
	if userID == "" {
		return nonNilChats(body.Items), nil
	}
	out := make([]model.Chat, 0, len(body.Items))
	for _, chat := range body.Items {
		if chat.UserID == userID {
			out = append(out, chat)
		}
	}
	return out, nil
}

func (c *Client) GetChat(ctx context.Context, chatID string) (model.Chat, error) {
	var chat model.Chat
	if err := c.read(ctx, "/api/chats/"+url.PathEscape(chatID), &chat); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

func (c *Client) CreateChat(ctx context.Context, draft model.Draft) (model.Chat, error) {
	var chat model.Chat
	if err := c.send(ctx, http.MethodPost, "/api/chats", draft, &chat, true); err != nil {
		return model.Chat{}, err
	}
	return chat, nil
}

func (c *Client) RenameChat(ctx context.Context, chatID, title string) error {
	return c.send(ctx, http.MethodPatch, "/api/chats/"+url.PathEscape(chatID), map[string]string{"title": title}, nil, true)
}

func (c *Client) DeleteChat(ctx context.Context, chatID string) error {
	return c.send(ctx, http.MethodDelete, "/api/chats/"+url.PathEscape(chatID), nil, nil, true)
}

func (c *Client) BumpChat(ctx context.Context, chatID string) error {
	return c.send(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/bump", nil, nil, true)
}

func (c *Client) ListMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	var body struct {
		Items []model.Message `json:"items"`
	}
	if err := c.read(ctx, "/api/chats/"+url.PathEscape(chatID)+"/messages", &body); err != nil {
		return nil, err
	}
	if body.Items == nil {
		return []model.Message{}, nil
	}
	return body.Items, nil
}

func (c *Client) ChatSources(ctx context.Context, chatID string) ([]sources.NormalizedSource, error) {
	var body struct {
		Items []sources.NormalizedSource `json:"items"`
	}
	if err := c.read(ctx, "/api/chats/"+url.PathEscape(chatID)+"/sources", &body); err != nil {
		return nil, err
	}
	if body.Items == nil {
		return []sources.NormalizedSource{}, nil
	}
	return body.Items, nil
}

func (c *Client) GetUser(ctx context.Context) (model.UserProfile, error) {
	var user model.UserProfile
	if err := c.read(ctx, "/api/user", &user); err != nil {
		return model.UserProfile{}, err
	}
	return user, nil
}

func (c *Client) UpdateUser(ctx context.Context, patch model.UserPatch) (model.UserProfile, error) {
	var user model.UserProfile
	if err := c.send(ctx, http.MethodPatch, "/api/user", patch, &user, true); err != nil {
		return model.UserProfile{}, err
	}
	return user, nil
}

func (c *Client) SendFeedback(ctx context.Context, messageID, rating, comment string) (model.Feedback, error) {
	var saved model.Feedback
	body := model.Feedback{Rating: rating, Comment: comment}
	if err := c.send(ctx, http.MethodPost, "/api/messages/"+url.PathEscape(messageID)+"/feedback", body, &saved, true); err != nil {
		return model.Feedback{}, err
	}
	return saved, nil
}

// Complete asks the server to answer in chatID and calls onPart for every
// streamed part. It returns the stored assistant message.
func (c *Client) Complete(ctx context.Context, chatID string, req model.CompletionRequest, onPart func(sources.MessagePart) error) (model.Message, error) {
	httpReq, err := c.newRequest(ctx, http.MethodPost, "/api/chats/"+url.PathEscape(chatID)+"/completions", req, true)
	if err != nil {
		return model.Message{}, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return model.Message{}, fmt.Errorf("remote: completions request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return model.Message{}, decodeError(resp)
	}
	if !strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return model.Message{}, fmt.Errorf("remote: completions answered %q, want an event stream", resp.Header.Get("Content-Type"))
	}
	return readStream(resp.Body, onPart)
}

func readStream(body io.Reader, onPart func(sources.MessagePart) error) (model.Message, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventBytes)

	var finished *model.Message
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}
		var event model.StreamEvent
		if err := json.Unmarshal([]byte(payload), &event); err != nil {
			return model.Message{}, fmt.Errorf("remote: decode stream event: %w", err)
		}
		switch event.Type {
		case model.EventPart:
			if event.Part == nil || onPart == nil {
				continue
			}
			if err := onPart(*event.Part); err != nil {
				return model.Message{}, err
			}
		case model.EventFinish:
			finished = event.Message
		case model.EventError:
			return model.Message{}, &Error{Code: event.Code, Message: event.Error}
		}
	}
	if err := scanner.Err(); err != nil {
		return model.Message{}, fmt.Errorf("remote: read stream: %w", err)
	}
	if finished == nil {
		return model.Message{}, errors.New("remote: stream ended without a finish event")
	}
	return *finished, nil
}

// read GETs path with bounded exponential backoff on transient failures.
func (c *Client) read(ctx context.Context, path string, target any) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff(attempt)):
			}
		}
		err := c.send(ctx, http.MethodGet, path, nil, target, true)
		if err == nil {
			return nil
		}
		if !retryable(ctx, err) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("remote: giving up after %d attempts: %w", c.maxAttempts, lastErr)
}

// backoff is base * 2^(attempt-1), capped: 500ms, 1s, 2s ... 8s.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay * time.Duration(1<<uint(attempt-1))
	if delay > c.maxDelay || delay <= 0 {
		delay = c.maxDelay
	}
	return delay
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, ErrNotAuthenticated) {
		return false
	}
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Temporary()
	}
	var decodeErr *responseDecodeError
	if errors.As(err, &decodeErr) {
		return false
	}
	return true
}

// responseDecodeError marks a 2xx body that did not parse; retrying cannot help.
type responseDecodeError struct{ err error }

func (e *responseDecodeError) Error() string { return "remote: decode response: " + e.err.Error() }
func (e *responseDecodeError) Unwrap() error { return e.err }

func (c *Client) send(ctx context.Context, method, path string, body, target any, auth bool) error {
	req, err := c.newRequest(ctx, method, path, body, auth)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if target == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(target); err != nil {
		return &responseDecodeError{err: err}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any, auth bool) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("remote: encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("remote: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth {
		token := c.Token()
		if token == "" {
			return nil, ErrNotAuthenticated
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	out := &Error{Status: resp.StatusCode}
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error != "" {
		out.Code = envelope.Code
		out.Message = envelope.Error
		return out
	}
	out.Message = strings.TrimSpace(string(raw))
	if out.Message == "" {
		out.Message = http.StatusText(resp.StatusCode)
	}
	return out
}

func nonNilChats(items []model.Chat) []model.Chat {
	if items == nil {
		return []model.Chat{}
	}
	return items
}
