package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"parley/internal/keys"
	"parley/internal/llm"
	"parley/internal/model"
	"parley/internal/rbac"
	"parley/internal/sources"
	"parley/internal/store"

	"github.com/google/uuid"
)

// Complete appends the caller's message (if any), streams an answer from the
// model through emit and stores it as an assistant message. Nothing is
// emitted before every check has passed, so callers can still answer errors
// returned before the first emit with a plain JSON error.
func (s *Service) Complete(ctx context.Context, session Session, chatID string, input model.CompletionRequest, emit func(sources.MessagePart) error) (model.Message, error) {
	if s.llm == nil {
		return model.Message{}, domainError(http.StatusServiceUnavailable, "COMPLETIONS_UNAVAILABLE", "No language model is configured", nil)
	}
	chat, err := s.authorizeChat(ctx, session, chatID, rbac.ActionComplete)
	if err != nil {
		return model.Message{}, err
	}
	if !s.limiter.Allow(session.UserID) {
		return model.Message{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, slow down", nil)
	}
	if limit := s.cfg.DailyMessageLimit; limit > 0 {
		used, err := s.store.DailyUsage(ctx, session.UserID)
		if err != nil {
			return model.Message{}, err
		}
		if used >= limit {
			return model.Message{}, domainError(http.StatusTooManyRequests, "QUOTA_EXCEEDED", "Daily message limit reached", map[string]any{"limit": limit, "used": used})
		}
	}
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return model.Message{}, err
	}
	apiKey, err := s.providerKey(ctx, session.UserID, input.Provider)
	if err != nil {
		return model.Message{}, err
	}

	if content := strings.TrimSpace(input.Content); content != "" {
		if _, err := s.AppendMessage(ctx, session, chatID, AppendMessageInput{Role: "user", Content: content}); err != nil {
			return model.Message{}, err
		}
	}
	history, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return model.Message{}, err
	}
	if len(history) == 0 {
		return model.Message{}, validationError("content is required for an empty chat")
	}
	if _, err := s.store.IncrementDailyUsage(ctx, session.UserID); err != nil {
		return model.Message{}, err
	}

	modelName := firstNonBlank(input.Model, chat.Model, user.PreferredModel, s.llm.DefaultModel())
	// Streaming continues after the client goes away and the answer is still
	// stored. The llm client's timeout bounds the call.
	clientGone := false
	completion, err := s.llm.Stream(context.WithoutCancel(ctx), llm.Request{
		Model:    modelName,
		Messages: promptMessages(firstNonBlank(chat.SystemPrompt, user.SystemPrompt), history),
		APIKey:   apiKey,
	}, func(delta llm.Delta) error {
		if clientGone {
			return nil
		}
		for _, part := range deltaParts(delta) {
			if err := emit(part); err != nil {
				log.Printf("completion stream chat=%s: client gone: %v", chat.ID, err)
				clientGone = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		var apiErr *llm.APIError
		if errors.As(err, &apiErr) {
			return model.Message{}, domainError(http.StatusBadGateway, "PROVIDER_ERROR", apiErr.Message, map[string]any{"status": apiErr.Status})
		}
		if errors.Is(err, llm.ErrNotConfigured) {
			return model.Message{}, domainError(http.StatusServiceUnavailable, "COMPLETIONS_UNAVAILABLE", "No API key is configured for this provider", nil)
		}
		return model.Message{}, fmt.Errorf("stream completion: %w", err)
	}

	parts, err := json.Marshal(completion.Parts())
	if err != nil {
		return model.Message{}, fmt.Errorf("encode completion parts: %w", err)
	}
	saved, err := s.store.InsertMessage(context.WithoutCancel(ctx), store.Message{
		ID:      uuid.NewString(),
		ChatID:  chat.ID,
		Role:    "assistant",
		Content: completion.Text,
		Parts:   parts,
		Model:   completion.Model,
	})
	if err != nil {
		return model.Message{}, err
	}
	s.indexMessage(chat, saved)
	return messageView(saved), nil
}

// providerKey opens the caller's stored key for provider. An empty provider
// uses the server key.
func (s *Service) providerKey(ctx context.Context, userID, provider string) (string, error) {
	if strings.TrimSpace(provider) == "" {
		return "", nil
	}
	normalized, ok := keys.NormalizeProvider(provider)
	if !ok {
		return "", validationError("invalid provider name")
	}
	if s.keys == nil {
		return "", domainError(http.StatusServiceUnavailable, "KEYS_UNAVAILABLE", "Provider keys are not configured", nil)
	}
	stored, err := s.store.GetUserKey(ctx, userID, normalized)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", domainError(http.StatusUnprocessableEntity, "KEY_MISSING", fmt.Sprintf("No API key saved for %s", normalized), nil)
		}
		return "", err
	}
	plain, err := s.keys.Open(userID, normalized, stored.EncryptedKey)
	if err != nil {
		log.Printf("open provider key user=%s provider=%s: %v", userID, normalized, err)
		return "", domainError(http.StatusUnprocessableEntity, "KEY_INVALID", "Saved API key could not be read, save it again", nil)
	}
	return plain, nil
}

func promptMessages(systemPrompt string, history []store.Message) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" {
		out = append(out, llm.Message{Role: "system", Content: systemPrompt})
	}
	for _, msg := range history {
		text := msg.Content
		if text == "" {
			text = sources.TextJSON(msg.Parts)
		}
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, llm.Message{Role: msg.Role, Content: text})
	}
	return out
}

func deltaParts(delta llm.Delta) []sources.MessagePart {
	var parts []sources.MessagePart
	if delta.Reasoning != "" {
		parts = append(parts, sources.MessagePart{Type: sources.PartReasoning, Reasoning: delta.Reasoning})
	}
	if delta.Text != "" {
		parts = append(parts, sources.MessagePart{Type: sources.PartText, Text: delta.Text})
	}
	for _, src := range delta.Sources {
		raw, err := json.Marshal(src)
		if err != nil {
			continue
		}
		parts = append(parts, sources.MessagePart{Type: sources.PartSource, Source: raw})
	}
	return parts
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
