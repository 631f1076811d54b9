package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/attachments"
	"parley/internal/keys"
	"parley/internal/rbac"
	"parley/internal/store"

	"github.com/google/uuid"
)

type KeyView struct {
	Provider  string    `json:"provider"`
	Masked    string    `json:"masked"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type AttachmentView struct {
	ID          string    `json:"id"`
	ChatID      *string   `json:"chatId,omitempty"`
	FileName    string    `json:"fileName"`
	ContentType string    `json:"contentType"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ListKeys never returns plaintext; keys that fail to open show as "invalid".
func (s *Service) ListKeys(ctx context.Context, session Session) ([]KeyView, error) {
	if s.keys == nil {
		return []KeyView{}, nil
	}
	items, err := s.store.ListUserKeys(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]KeyView, 0, len(items))
	for _, item := range items {
		masked := "invalid"
		if plain, err := s.keys.Open(session.UserID, item.Provider, item.EncryptedKey); err == nil {
			masked = keys.Mask(plain)
		}
		out = append(out, KeyView{Provider: item.Provider, Masked: masked, UpdatedAt: item.UpdatedAt})
	}
	return out, nil
}

func (s *Service) PutKey(ctx context.Context, session Session, provider, value string) (KeyView, error) {
	if s.keys == nil {
		return KeyView{}, domainError(http.StatusServiceUnavailable, "KEYS_UNAVAILABLE", "Provider keys are not configured", nil)
	}
	if session.Anonymous {
		return KeyView{}, domainError(http.StatusForbidden, "FORBIDDEN", "Guests cannot store API keys", nil)
	}
	normalized, ok := keys.NormalizeProvider(provider)
	if !ok {
		return KeyView{}, validationError("invalid provider name")
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return KeyView{}, validationError("key is required")
	}
	sealed, err := s.keys.Seal(session.UserID, normalized, value)
	if err != nil {
		return KeyView{}, err
	}
	if err := s.store.UpsertUserKey(ctx, session.UserID, normalized, sealed); err != nil {
		return KeyView{}, err
	}
	return KeyView{Provider: normalized, Masked: keys.Mask(value), UpdatedAt: s.now().UTC()}, nil
}

func (s *Service) DeleteKey(ctx context.Context, session Session, provider string) error {
	normalized, ok := keys.NormalizeProvider(provider)
	if !ok {
		return validationError("invalid provider name")
	}
	if err := s.store.DeleteUserKey(ctx, session.UserID, normalized); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return notFoundError("Key")
		}
		return err
	}
	return nil
}

func (s *Service) UploadFile(ctx context.Context, session Session, chatID, fileName, contentType string, size int64, body io.Reader) (AttachmentView, error) {
	if s.files == nil || !s.files.Enabled() {
		return AttachmentView{}, domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File uploads are not configured", nil)
	}
	if chatID != "" {
		if _, err := s.authorizeChat(ctx, session, chatID, rbac.ActionWrite); err != nil {
			return AttachmentView{}, err
		}
	}
	item, err := s.files.Upload(ctx, attachments.Upload{
		UserID:      session.UserID,
		ChatID:      chatID,
		FileName:    fileName,
		ContentType: contentType,
		Size:        size,
		Body:        body,
	})
	if err != nil {
		switch {
		case errors.Is(err, attachments.ErrTooLarge):
			return AttachmentView{}, domainError(http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "File exceeds the upload limit", map[string]any{"maxBytes": attachments.MaxUploadBytes})
		case errors.Is(err, attachments.ErrEmpty):
			return AttachmentView{}, validationError("File is empty")
		}
		return AttachmentView{}, err
	}
	return AttachmentView{
		ID:          item.ID,
		ChatID:      item.ChatID,
		FileName:    item.FileName,
		ContentType: item.ContentType,
		Size:        item.Size,
		CreatedAt:   item.CreatedAt,
	}, nil
}

func (s *Service) FileLink(ctx context.Context, session Session, attachmentID string) (string, error) {
	if s.files == nil || !s.files.Enabled() {
		return "", domainError(http.StatusServiceUnavailable, "FILES_UNAVAILABLE", "File uploads are not configured", nil)
	}
	if _, err := uuid.Parse(attachmentID); err != nil {
		return "", notFoundError("File")
	}
	link, err := s.files.Link(ctx, session.UserID, attachmentID)
	if err != nil {
		if errors.Is(err, attachments.ErrForbidden) || errors.Is(err, store.ErrNotFound) {
			return "", notFoundError("File")
		}
		return "", err
	}
	return link, nil
}
