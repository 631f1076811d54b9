// Package model holds the wire types shared by the API server and its clients.
package model

import (
	"strings"
	"time"

	"parley/internal/sources"
)

// TempIDPrefix marks chats that exist only in a local cache. Server ids are
// UUIDs and never carry it.
const TempIDPrefix = "optimistic-"

const DefaultChatTitle = "New Chat"

type Chat struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	Public       bool      `json:"public"`
	ProjectID    *string   `json:"projectId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (c Chat) IsTemporary() bool {
	return IsTemporaryID(c.ID)
}

func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

type Message struct {
	ID        string                `json:"id"`
	ChatID    string                `json:"chatId"`
	UserID    string                `json:"userId,omitempty"`
	Role      string                `json:"role"`
	Content   string                `json:"content"`
	Parts     []sources.MessagePart `json:"parts"`
	Model     string                `json:"model,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

type UserProfile struct {
	ID                string    `json:"id"`
	Email             string    `json:"email"`
	DisplayName       string    `json:"displayName"`
	AvatarURL         string    `json:"avatarUrl,omitempty"`
	PreferredModel    string    `json:"preferredModel,omitempty"`
	SystemPrompt      string    `json:"systemPrompt,omitempty"`
	Anonymous         bool      `json:"anonymous"`
	DailyMessageCount int       `json:"dailyMessageCount"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Draft is what a client sends to create a chat.
type Draft struct {
	UserID       string  `json:"userId,omitempty"`
	Title        string  `json:"title"`
	Model        string  `json:"model,omitempty"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
	ProjectID    *string `json:"projectId,omitempty"`
}

// UserPatch leaves nil fields unchanged.
type UserPatch struct {
	DisplayName    *string `json:"displayName,omitempty"`
	AvatarURL      *string `json:"avatarUrl,omitempty"`
	PreferredModel *string `json:"preferredModel,omitempty"`
	SystemPrompt   *string `json:"systemPrompt,omitempty"`
}

// Apply returns p with every non-nil field of the patch written over it.
func (p UserProfile) Apply(patch UserPatch) UserProfile {
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.AvatarURL != nil {
		p.AvatarURL = *patch.AvatarURL
	}
	if patch.PreferredModel != nil {
		p.PreferredModel = *patch.PreferredModel
	}
	if patch.SystemPrompt != nil {
		p.SystemPrompt = *patch.SystemPrompt
	}
	return p
}

type Feedback struct {
	MessageID string    `json:"messageId"`
	Rating    string    `json:"rating"`
	Comment   string    `json:"comment,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
}

// Session is the login answer.
type Session struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken,omitempty"`
	UserID       string `json:"userId"`
	UserName     string `json:"userName"`
	Anonymous    bool   `json:"anonymous"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// CompletionRequest asks the server to answer in a chat. Content, when set,
// is appended as the user's message first.
type CompletionRequest struct {
	Content  string `json:"content"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// StreamEvent is one SSE frame of a completion stream. Part carries message
// parts as they arrive, Message the persisted answer at the end.
type StreamEvent struct {
	Type    string               `json:"type"`
	Part    *sources.MessagePart `json:"part,omitempty"`
	Message *Message             `json:"message,omitempty"`
	Code    string               `json:"code,omitempty"`
	Error   string               `json:"error,omitempty"`
}

const (
	EventPart   = "part"
	EventFinish = "finish"
	EventError  = "error"
)
