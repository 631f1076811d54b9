package search

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeSearcher struct {
	healthy bool
	results []Result
	err     error
	calls   int
}

func (f *fakeSearcher) Search(_ context.Context, _ Query) ([]Result, int, error) {
	f.calls++
	return f.results, len(f.results), f.err
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

type fakeIndex struct {
	fakeSearcher
	mu       sync.Mutex
	chats    []ChatRecord
	messages []MessageRecord
	deleted  []string
	done     chan struct{}
}

func (f *fakeIndex) IndexChats(chats []ChatRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chats...)
	f.signal()
	return nil
}

func (f *fakeIndex) IndexMessages(messages []MessageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, messages...)
	f.signal()
	return nil
}

func (f *fakeIndex) DeleteChat(chatID string, messageIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, chatID)
	f.deleted = append(f.deleted, messageIDs...)
	f.signal()
	return nil
}

func (f *fakeIndex) signal() {
	if f.done != nil {
		f.done <- struct{}{}
	}
}

func waitSignal(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for index call")
	}
}

func TestServiceSearchPrefersMeili(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: true, results: []Result{{Type: ResultChat, ID: "c1"}}}}
	fallback := &fakeSearcher{healthy: true}
	s := &Service{meili: primary, fallback: fallback}

	resp := s.Search(context.Background(), Query{Text: "hello", UserID: "u1"})
	if len(resp.Results) != 1 || resp.Results[0].ID != "c1" {
		t.Fatalf("Search() = %+v", resp)
	}
	if fallback.calls != 0 {
		t.Fatalf("fallback calls = %d, want 0", fallback.calls)
	}
}

func TestServiceSearchFallsBackOnError(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: true, err: errors.New("down")}}
	fallback := &fakeSearcher{healthy: true, results: []Result{{Type: ResultMessage, ID: "m1", ChatID: "c1"}}}
	s := &Service{meili: primary, fallback: fallback}

	resp := s.Search(context.Background(), Query{Text: "hello", UserID: "u1"})
	if len(resp.Results) != 1 || resp.Results[0].ChatID != "c1" || resp.Query != "hello" {
		t.Fatalf("Search() = %+v", resp)
	}
}

func TestServiceSearchSkipsUnhealthyMeili(t *testing.T) {
	primary := &fakeIndex{fakeSearcher: fakeSearcher{healthy: false}}
	fallback := &fakeSearcher{healthy: true}
	s := &Service{meili: primary, fallback: fallback}

	resp := s.Search(context.Background(), Query{Text: "x", UserID: "u1"})
	if primary.calls != 0 {
		t.Fatalf("meili calls = %d, want 0", primary.calls)
	}
	if resp.Results == nil {
		t.Fatal("Search() results = nil, want empty slice")
	}
}

func TestServiceSearchFallbackErrorReturnsEmpty(t *testing.T) {
	s := &Service{fallback: &fakeSearcher{err: errors.New("sql")}}
	resp := s.Search(context.Background(), Query{Text: "x", UserID: "u1"})
	if resp.Results == nil || len(resp.Results) != 0 || resp.Total != 0 {
		t.Fatalf("Search() = %+v, want empty", resp)
	}
}

func TestServiceIndexAndDelete(t *testing.T) {
	idx := &fakeIndex{fakeSearcher: fakeSearcher{healthy: true}, done: make(chan struct{}, 3)}
	s := &Service{meili: idx}

	s.IndexChat(ChatRecord{ID: "c1", UserID: "u1", Title: "Hello"})
	waitSignal(t, idx.done)
	s.IndexMessage(MessageRecord{ID: "m1", ChatID: "c1", UserID: "u1", Content: "hi"})
	waitSignal(t, idx.done)
	s.IndexMessage(MessageRecord{ID: "m2", ChatID: "c1", UserID: "u1"})
	s.DeleteChat("c1", []string{"m1"})
	waitSignal(t, idx.done)

	idx.mu.Lock()
	defer idx.mu.Unlock()
	if len(idx.chats) != 1 || len(idx.messages) != 1 {
		t.Fatalf("indexed chats=%d messages=%d, want 1/1", len(idx.chats), len(idx.messages))
	}
	if len(idx.deleted) != 2 || idx.deleted[0] != "c1" || idx.deleted[1] != "m1" {
		t.Fatalf("deleted = %v", idx.deleted)
	}
}

func TestNewServiceWithoutMeili(t *testing.T) {
	s := NewService(nil, nil)
	s.IndexChat(ChatRecord{ID: "c1"})
	s.ReindexAllFromPG(context.Background())
	resp := s.Search(context.Background(), Query{Text: "x"})
	if resp.Results == nil {
		t.Fatal("Search() results = nil")
	}
}
