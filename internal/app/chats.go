package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"unicode/utf8"

	"parley/internal/archive"
	"parley/internal/export"
	"parley/internal/model"
	"parley/internal/rbac"
	"parley/internal/search"
	"parley/internal/sources"
	"parley/internal/store"

	"github.com/google/uuid"
)

const (
	maxTitleLen        = 200
	maxSystemPromptLen = 8000
	maxMessageLen      = 100000
)

var allowedRoles = map[string]struct{}{
	"user":      {},
	"assistant": {},
	"system":    {},
}

// AppendMessageInput is a message written by the client, e.g. a user turn
// or an answer produced elsewhere. ID is optional.
type AppendMessageInput struct {
	ID      string          `json:"id"`
	Role    string          `json:"role"`
	Content string          `json:"content"`
	Parts   json.RawMessage `json:"parts"`
	Model   string          `json:"model"`
}

func (s *Service) ListChats(ctx context.Context, session Session) ([]model.Chat, error) {
	chats, err := s.store.ListChats(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Chat, 0, len(chats))
	for _, chat := range chats {
		out = append(out, chatView(chat))
	}
	return out, nil
}

func (s *Service) GetChat(ctx context.Context, session Session, chatID string) (model.Chat, error) {
	chat, err := s.authorizeChat(ctx, session, chatID, rbac.ActionRead)
	if err != nil {
		return model.Chat{}, err
	}
	return chatView(chat), nil
}

func (s *Service) CreateChat(ctx context.Context, session Session, draft model.Draft) (model.Chat, error) {
	if draft.UserID != "" && draft.UserID != session.UserID {
		return model.Chat{}, domainError(http.StatusForbidden, "FORBIDDEN", "Cannot create chats for another user", nil)
	}
	title, err := normalizeTitle(draft.Title)
	if err != nil {
		return model.Chat{}, err
	}
	if utf8.RuneCountInString(draft.SystemPrompt) > maxSystemPromptLen {
		return model.Chat{}, validationError("systemPrompt exceeds %d characters", maxSystemPromptLen)
	}
	created, err := s.store.InsertChat(ctx, store.Chat{
		ID:           uuid.NewString(),
		UserID:       session.UserID,
		Title:        title,
		Model:        strings.TrimSpace(draft.Model),
		SystemPrompt: draft.SystemPrompt,
		ProjectID:    draft.ProjectID,
	})
	if err != nil {
		return model.Chat{}, err
	}
	s.indexChat(created)
	return chatView(created), nil
}

func (s *Service) RenameChat(ctx context.Context, session Session, chatID, title string) (model.Chat, error) {
	chat, err := s.authorizeChat(ctx, session, chatID, rbac.ActionWrite)
	if err != nil {
		return model.Chat{}, err
	}
	normalized, err := normalizeTitle(title)
	if err != nil {
		return model.Chat{}, err
	}
	if err := s.store.RenameChat(ctx, chatID, normalized); err != nil {
		return model.Chat{}, err
	}
	chat.Title = normalized
	s.indexChat(chat)
	return chatView(chat), nil
}

// DeleteChat archives the transcript to the owner's git history, then removes
// the chat, its messages and its search entries.
func (s *Service) DeleteChat(ctx context.Context, session Session, chatID string) error {
	chat, err := s.authorizeChat(ctx, session, chatID, rbac.ActionDelete)
	if err != nil {
		return err
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if s.archive != nil {
		if _, err := s.archive.Archive(session.UserID, session.UserName, archiveRecord(chat, messages)); err != nil {
			return fmt.Errorf("archive chat before delete: %w", err)
		}
	}
	if err := s.store.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	if s.search != nil {
		ids := make([]string, 0, len(messages))
		for _, msg := range messages {
			ids = append(ids, msg.ID)
		}
		s.search.DeleteChat(chatID, ids)
	}
	return nil
}

func (s *Service) BumpChat(ctx context.Context, session Session, chatID string) (model.Chat, error) {
	chat, err := s.authorizeChat(ctx, session, chatID, rbac.ActionWrite)
	if err != nil {
		return model.Chat{}, err
	}
	updatedAt, err := s.store.BumpChat(ctx, chatID)
	if err != nil {
		return model.Chat{}, err
	}
	chat.UpdatedAt = updatedAt
	return chatView(chat), nil
}

func (s *Service) ListMessages(ctx context.Context, session Session, chatID string) ([]model.Message, error) {
	if _, err := s.authorizeChat(ctx, session, chatID, rbac.ActionRead); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return messageViews(messages), nil
}

func (s *Service) AppendMessage(ctx context.Context, session Session, chatID string, input AppendMessageInput) (model.Message, error) {
	chat, err := s.authorizeChat(ctx, session, chatID, rbac.ActionWrite)
	if err != nil {
		return model.Message{}, err
	}
	role := strings.ToLower(strings.TrimSpace(input.Role))
	if _, ok := allowedRoles[role]; !ok {
		return model.Message{}, validationError("role must be user, assistant or system")
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return model.Message{}, validationError("id must be a UUID")
	}
	parts := input.Parts
	if strings.TrimSpace(string(parts)) == "null" {
		parts = nil
	}
	if len(parts) > 0 && sources.ParseParts(parts) == nil {
		return model.Message{}, validationError("parts must be a JSON array")
	}
	content := input.Content
	if content == "" {
		content = sources.TextJSON(parts)
	}
	if len(parts) == 0 && content != "" {
		parts = textParts(content)
	}
	if strings.TrimSpace(content) == "" && len(sources.ParseParts(parts)) == 0 {
		return model.Message{}, validationError("content or parts is required")
	}
	if utf8.RuneCountInString(content) > maxMessageLen {
		return model.Message{}, validationError("content exceeds %d characters", maxMessageLen)
	}

	created, err := s.store.InsertMessage(ctx, store.Message{
		ID:      id,
		ChatID:  chat.ID,
		UserID:  session.UserID,
		Role:    role,
		Content: content,
		Parts:   parts,
		Model:   strings.TrimSpace(input.Model),
	})
	if err != nil {
		return model.Message{}, err
	}
	s.indexMessage(chat, created)
	return messageView(created), nil
}

// ChatSources lists the sources cited anywhere in a chat, first citation first.
func (s *Service) ChatSources(ctx context.Context, session Session, chatID string) ([]sources.NormalizedSource, error) {
	if _, err := s.authorizeChat(ctx, session, chatID, rbac.ActionRead); err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, err
	}
	var parts []sources.MessagePart
	for _, msg := range messages {
		if msg.Role != "assistant" {
			continue
		}
		parts = append(parts, sources.ParseParts(msg.Parts)...)
	}
	return sources.Normalize(parts), nil
}

func (s *Service) SubmitFeedback(ctx context.Context, session Session, messageID string, input model.Feedback) (model.Feedback, error) {
	rating := strings.ToLower(strings.TrimSpace(input.Rating))
	if rating != "up" && rating != "down" {
		return model.Feedback{}, validationError("rating must be 'up' or 'down'")
	}
	if _, err := uuid.Parse(messageID); err != nil {
		return model.Feedback{}, notFoundError("Message")
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Feedback{}, notFoundError("Message")
		}
		return model.Feedback{}, err
	}
	if msg.Role != "assistant" {
		return model.Feedback{}, validationError("feedback is only accepted on assistant messages")
	}
	if _, err := s.authorizeChat(ctx, session, msg.ChatID, rbac.ActionFeedback); err != nil {
		return model.Feedback{}, err
	}
	saved, err := s.store.UpsertFeedback(ctx, store.Feedback{
		MessageID: messageID,
		UserID:    session.UserID,
		Rating:    rating,
		Comment:   strings.TrimSpace(input.Comment),
	})
	if err != nil {
		return model.Feedback{}, err
	}
	return model.Feedback{MessageID: saved.MessageID, Rating: saved.Rating, Comment: saved.Comment, UpdatedAt: saved.UpdatedAt}, nil
}

func (s *Service) ExportChat(ctx context.Context, session Session, chatID string, format export.Format, includeSources bool) (*export.Result, error) {
	if s.export == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export is not configured", nil)
	}
	if _, err := s.authorizeChat(ctx, session, chatID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.export.Export(ctx, export.Request{ChatID: chatID, Format: format, IncludeSources: includeSources})
}

func (s *Service) Search(ctx context.Context, session Session, text string, filter search.ResultType, limit, offset int) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}
	}
	return s.search.Search(ctx, search.Query{
		Text:       text,
		UserID:     session.UserID,
		FilterType: filter,
		Limit:      limit,
		Offset:     offset,
	})
}

// ArchiveHistory lists the caller's archived (deleted) chats, newest first.
func (s *Service) ArchiveHistory(_ context.Context, session Session, limit int) ([]archive.Commit, error) {
	if s.archive == nil {
		return []archive.Commit{}, nil
	}
	return s.archive.History(session.UserID, limit)
}

// authorizeChat loads a chat and checks the caller may perform action on it.
// Chats the caller may not even read are reported as missing.
func (s *Service) authorizeChat(ctx context.Context, session Session, chatID string, action rbac.Action) (store.Chat, error) {
	if _, err := uuid.Parse(chatID); err != nil {
		return store.Chat{}, notFoundError("Chat")
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Chat{}, notFoundError("Chat")
		}
		return store.Chat{}, err
	}
	relation := rbac.RelationTo(chat.UserID, session.UserID, session.Anonymous)
	if rbac.Can(relation, action, chat.Public) {
		return chat, nil
	}
	if !rbac.Can(relation, rbac.ActionRead, chat.Public) {
		return store.Chat{}, notFoundError("Chat")
	}
	return store.Chat{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *Service) indexChat(chat store.Chat) {
	if s.search == nil {
		return
	}
	s.search.IndexChat(search.ChatRecord{ID: chat.ID, UserID: chat.UserID, Title: chat.Title, Model: chat.Model})
}

func (s *Service) indexMessage(chat store.Chat, msg store.Message) {
	if s.search == nil || msg.Role == "system" {
		return
	}
	s.search.IndexMessage(search.MessageRecord{
		ID:      msg.ID,
		ChatID:  chat.ID,
		UserID:  chat.UserID,
		Role:    msg.Role,
		Content: msg.Content,
	})
}

func normalizeTitle(title string) (string, error) {
	title = strings.Join(strings.Fields(title), " ")
	if title == "" {
		return model.DefaultChatTitle, nil
	}
	if utf8.RuneCountInString(title) > maxTitleLen {
		return "", validationError("title exceeds %d characters", maxTitleLen)
	}
	return title, nil
}

func textParts(text string) json.RawMessage {
	raw, err := json.Marshal([]sources.MessagePart{{Type: sources.PartText, Text: text}})
	if err != nil {
		log.Printf("encode text part: %v", err)
		return json.RawMessage("[]")
	}
	return raw
}

func archiveRecord(chat store.Chat, messages []store.Message) archive.Record {
	record := archive.Record{
		ChatID:       chat.ID,
		Title:        chat.Title,
		Model:        chat.Model,
		SystemPrompt: chat.SystemPrompt,
		CreatedAt:    chat.CreatedAt,
		Messages:     make([]archive.Message, 0, len(messages)),
	}
	for _, msg := range messages {
		record.Messages = append(record.Messages, archive.Message{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			Parts:     msg.Parts,
			Model:     msg.Model,
			CreatedAt: msg.CreatedAt,
		})
	}
	return record
}
