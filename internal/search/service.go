package search

import (
	"context"
	"log"
)

// index is the write side of Meili, narrowed so tests can fake it.
type index interface {
	Searcher
	IndexChats(chats []ChatRecord) error
	IndexMessages(messages []MessageRecord) error
	DeleteChat(chatID string, messageIDs []string) error
}

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili    index
	fallback Searcher
	loader   recordLoader
}

type recordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ChatRecord, []MessageRecord, error)
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	s := &Service{}
	if meili != nil {
		s.meili = meili
	}
	if pgfts != nil {
		s.fallback = pgfts
		s.loader = pgfts
	}
	return s
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}
	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}

	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexChat indexes a chat (fire-and-forget to Meilisearch).
func (s *Service) IndexChat(chat ChatRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexChats([]ChatRecord{chat}); err != nil {
			log.Printf("search: index chat %s: %v", chat.ID, err)
		}
	}()
}

// IndexMessage indexes a message (fire-and-forget to Meilisearch).
func (s *Service) IndexMessage(msg MessageRecord) {
	if s.meili == nil || !s.meili.Healthy() || msg.Content == "" {
		return
	}
	go func() {
		if err := s.meili.IndexMessages([]MessageRecord{msg}); err != nil {
			log.Printf("search: index message %s: %v", msg.ID, err)
		}
	}()
}

// DeleteChat drops a chat and its messages from the index (fire-and-forget).
func (s *Service) DeleteChat(chatID string, messageIDs []string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.DeleteChat(chatID, messageIDs); err != nil {
			log.Printf("search: delete chat %s: %v", chatID, err)
		}
	}()
}

// ReindexAllFromPG pushes every chat and message from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.loader == nil {
		return
	}
	chats, messages, err := s.loader.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if err := s.meili.IndexChats(chats); err != nil {
		log.Printf("search: reindex chats: %v", err)
	}
	if err := s.meili.IndexMessages(messages); err != nil {
		log.Printf("search: reindex messages: %v", err)
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
