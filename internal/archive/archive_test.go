package archive

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func sampleRecord(chatID, title string) Record {
	return Record{
		ChatID:    chatID,
		Title:     title,
		Model:     "gpt-4o-mini",
		CreatedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Messages: []Message{
			{ID: "m1", Role: "user", Content: "hello", CreatedAt: time.Date(2025, 3, 1, 10, 0, 1, 0, time.UTC)},
			{ID: "m2", Role: "assistant", Parts: json.RawMessage(`[{"type":"text","text":"hi"}]`), CreatedAt: time.Date(2025, 3, 1, 10, 0, 2, 0, time.UTC)},
		},
	}
}

func TestArchiveLifecycle(t *testing.T) {
	dir := t.TempDir()
	svc := New(dir)

	history, err := svc.History("user-1", 10)
	if err != nil {
		t.Fatalf("History() before archive error = %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("History() before archive = %v, want empty", history)
	}
	if _, err := svc.Load("user-1", "chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() before archive error = %v, want ErrNotFound", err)
	}

	first, err := svc.Archive("user-1", "Ada Lovelace", sampleRecord("chat-1", "Trip planning"))
	if err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if len(first.Hash) != 7 || first.Author != "Ada Lovelace" {
		t.Fatalf("Archive() commit = %+v", first)
	}
	if !strings.Contains(first.Message, "Trip planning") {
		t.Fatalf("commit message = %q, want chat title", first.Message)
	}
	if _, err := os.Stat(filepath.Join(dir, "user-1", "chats", "chat-1.json")); err != nil {
		t.Fatalf("archived file missing: %v", err)
	}

	if _, err := svc.Archive("user-1", "Ada Lovelace", sampleRecord("chat-2", "")); err != nil {
		t.Fatalf("Archive() second error = %v", err)
	}

	history, err = svc.History("user-1", 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("History() len = %d, want 2", len(history))
	}
	if !strings.Contains(history[0].Message, "chat-2") {
		t.Fatalf("History()[0] = %+v, want newest first", history[0])
	}

	limited, err := svc.History("user-1", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("History(limit 1) = %v, %v", limited, err)
	}

	loaded, err := svc.Load("user-1", "chat-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Title != "Trip planning" || len(loaded.Messages) != 2 || loaded.ArchivedAt.IsZero() {
		t.Fatalf("Load() = %+v", loaded)
	}
	if string(loaded.Messages[1].Parts) != `[{"type":"text","text":"hi"}]` {
		t.Fatalf("Load() parts = %s", loaded.Messages[1].Parts)
	}

	if _, err := svc.Load("user-1", "chat-3"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load(missing chat) error = %v, want ErrNotFound", err)
	}
}

func TestArchiveKeepsUsersApart(t *testing.T) {
	svc := New(t.TempDir())
	if _, err := svc.Archive("user-a", "A", sampleRecord("chat-1", "Mine")); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if _, err := svc.Load("user-b", "chat-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() other user error = %v, want ErrNotFound", err)
	}
}

func TestArchiveRejectsPathSegments(t *testing.T) {
	svc := New(t.TempDir())
	for _, id := range []string{"", "..", "a/b", `a\b`} {
		if _, err := svc.Archive("user-1", "A", sampleRecord(id, "x")); err == nil {
			t.Fatalf("Archive(chat %q) expected error", id)
		}
		if _, err := svc.Archive(id, "A", sampleRecord("chat-1", "x")); err == nil {
			t.Fatalf("Archive(user %q) expected error", id)
		}
	}
}

func TestArchiveConcurrentWritesSerialize(t *testing.T) {
	svc := New(t.TempDir())
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.Archive("user-1", "A", sampleRecord("chat-"+string(rune('a'+i)), "t"))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Archive() concurrent error = %v", err)
		}
	}
	history, err := svc.History("user-1", 0)
	if err != nil || len(history) != 8 {
		t.Fatalf("History() = %d entries, %v; want 8", len(history), err)
	}
}

func TestSanitizeEmail(t *testing.T) {
	cases := map[string]string{
		"Ada Lovelace": "Ada.Lovelace",
		"a_b-c":        "a.b.c",
		"!!!":          "user",
	}
	for in, want := range cases {
		if got := sanitizeEmail(in); got != want {
			t.Fatalf("sanitizeEmail(%q) = %q, want %q", in, got, want)
		}
	}
}
