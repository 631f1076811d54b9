package export

import (
	"context"
	"fmt"
	"time"

	"parley/internal/sources"
	"parley/internal/store"
)

// DataStore is the read side the exporter needs.
type DataStore interface {
	GetChat(ctx context.Context, chatID string) (store.Chat, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListMessages(ctx context.Context, chatID string) ([]store.Message, error)
}

// PDFRenderer turns rendered HTML into PDF bytes.
type PDFRenderer interface {
	RenderPDF(ctx context.Context, html string) ([]byte, error)
}

type Service struct {
	store DataStore
	pdf   PDFRenderer
	now   func() time.Time
}

// NewService creates an exporter. pdf may be nil, in which case PDF requests
// fail with ErrPDFDependencyMissing.
func NewService(store DataStore, pdf PDFRenderer) *Service {
	return &Service{store: store, pdf: pdf, now: time.Now}
}

func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	transcript, err := s.Transcript(ctx, req.ChatID, req.IncludeSources)
	if err != nil {
		return nil, err
	}
	return s.Render(ctx, transcript, req.Format)
}

// Transcript loads a chat and its messages. System messages are left out.
func (s *Service) Transcript(ctx context.Context, chatID string, includeSources bool) (Transcript, error) {
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return Transcript{}, fmt.Errorf("get chat: %w", err)
	}
	messages, err := s.store.ListMessages(ctx, chatID)
	if err != nil {
		return Transcript{}, fmt.Errorf("list messages: %w", err)
	}

	author := ""
	if user, err := s.store.GetUserByID(ctx, chat.UserID); err == nil {
		author = user.DisplayName
	}

	transcript := Transcript{
		Title:      chat.Title,
		Model:      chat.Model,
		Author:     author,
		CreatedAt:  chat.CreatedAt,
		ExportedAt: s.now().UTC(),
		Messages:   make([]TranscriptMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		if msg.Role == "system" {
			continue
		}
		parts := sources.ParseParts(msg.Parts)
		text := msg.Content
		if text == "" {
			text = sources.Text(parts)
		}
		item := TranscriptMessage{Role: msg.Role, Text: text, Model: msg.Model, CreatedAt: msg.CreatedAt}
		if includeSources && msg.Role == "assistant" {
			item.Sources = sources.Normalize(parts)
		}
		transcript.Messages = append(transcript.Messages, item)
	}
	return transcript, nil
}

func (s *Service) Render(ctx context.Context, transcript Transcript, format Format) (*Result, error) {
	base := sanitizeFilename(transcript.Title)
	switch format {
	case FormatMarkdown:
		return &Result{
			Data:     []byte(RenderMarkdown(transcript)),
			Filename: base + ".md",
			MimeType: "text/markdown; charset=utf-8",
		}, nil
	case FormatHTML:
		html, err := RenderHTML(transcript)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		return &Result{Data: []byte(html), Filename: base + ".html", MimeType: "text/html; charset=utf-8"}, nil
	case FormatPDF:
		if s.pdf == nil {
			return nil, ErrPDFDependencyMissing
		}
		html, err := RenderHTML(transcript)
		if err != nil {
			return nil, fmt.Errorf("render template: %w", err)
		}
		data, err := s.pdf.RenderPDF(ctx, html)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".pdf", MimeType: "application/pdf"}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}
