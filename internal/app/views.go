package app

import (
	"parley/internal/model"
	"parley/internal/sources"
	"parley/internal/store"
)

func userView(user store.User) model.UserProfile {
	return model.UserProfile{
		ID:                user.ID,
		Email:             user.Email,
		DisplayName:       user.DisplayName,
		AvatarURL:         user.AvatarURL,
		PreferredModel:    user.PreferredModel,
		SystemPrompt:      user.SystemPrompt,
		Anonymous:         user.Anonymous,
		DailyMessageCount: user.DailyMessageCount,
		CreatedAt:         user.CreatedAt,
		UpdatedAt:         user.UpdatedAt,
	}
}

func chatView(chat store.Chat) model.Chat {
	return model.Chat{
		ID:           chat.ID,
		UserID:       chat.UserID,
		Title:        chat.Title,
		Model:        chat.Model,
		SystemPrompt: chat.SystemPrompt,
		Public:       chat.Public,
		ProjectID:    chat.ProjectID,
		CreatedAt:    chat.CreatedAt,
		UpdatedAt:    chat.UpdatedAt,
	}
}

func messageView(msg store.Message) model.Message {
	parts := sources.ParseParts(msg.Parts)
	if parts == nil {
		parts = []sources.MessagePart{}
	}
	content := msg.Content
	if content == "" {
		content = sources.Text(parts)
	}
	return model.Message{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		UserID:    msg.UserID,
		Role:      msg.Role,
		Content:   content,
		Parts:     parts,
		Model:     msg.Model,
		CreatedAt: msg.CreatedAt,
	}
}

func messageViews(items []store.Message) []model.Message {
	out := make([]model.Message, 0, len(items))
	for _, msg := range items {
		out = append(out, messageView(msg))
	}
	return out
}
