// Package localstore keeps the client's last known chats and messages in a
// versioned snapshot that can be persisted between runs.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"parley/internal/model"
)

// ErrNoSnapshot is returned by a Persister that holds nothing under a key.
var ErrNoSnapshot = errors.New("localstore: no snapshot")

const persistTimeout = 5 * time.Second

// Persister stores serialized snapshots by key.
type Persister interface {
	Load(ctx context.Context, key string) ([]byte, error)
	Save(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

type Snapshot struct {
	Version          int64                      `json:"version"`
	Chats            []model.Chat               `json:"chats"`
	MessagesByChatID map[string][]model.Message `json:"messagesByChatId"`
	CurrentChatID    string                     `json:"currentChatId,omitempty"`
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Version:          s.Version,
		Chats:            append([]model.Chat{}, s.Chats...),
		MessagesByChatID: make(map[string][]model.Message, len(s.MessagesByChatID)),
		CurrentChatID:    s.CurrentChatID,
	}
	for chatID, messages := range s.MessagesByChatID {
		out.MessagesByChatID[chatID] = append([]model.Message{}, messages...)
	}
	return out
}

type Store struct {
	mu        sync.Mutex
	snap      Snapshot
	persister Persister
	key       string
	subs      map[int]func(Snapshot)
	nextSub   int
	onError   func(error)
}

// New returns an empty store that lives in memory only.
func New() *Store {
	return &Store{
		snap:    Snapshot{Chats: []model.Chat{}, MessagesByChatID: map[string][]model.Message{}},
		subs:    make(map[int]func(Snapshot)),
		onError: logPersistError,
	}
}

// Open returns a store hydrated from persister under key and saving back to
// it on every write. A missing snapshot starts empty.
func Open(ctx context.Context, persister Persister, key string) (*Store, error) {
	s := New()
	s.persister = persister
	s.key = key

	raw, err := persister.Load(ctx, key)
	if errors.Is(err, ErrNoSnapshot) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		log.Printf("localstore: discarding unreadable snapshot %s: %v", key, err)
		return s, nil
	}
	if snap.Chats == nil {
		snap.Chats = []model.Chat{}
	}
	if snap.MessagesByChatID == nil {
		snap.MessagesByChatID = map[string][]model.Message{}
	}
	s.snap = snap
	return s, nil
}

// OnPersistError replaces the handler for failed saves. The default logs.
func (s *Store) OnPersistError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		fn = logPersistError
	}
	s.onError = fn
}

func (s *Store) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap.Clone()
}

// Set applies fn to a copy of the snapshot and installs the result with the
// next version. Subscribers run after the lock is released.
func (s *Store) Set(fn func(*Snapshot)) {
	s.mu.Lock()
	next := s.snap.Clone()
	fn(&next)
	if next.Chats == nil {
		next.Chats = []model.Chat{}
	}
	if next.MessagesByChatID == nil {
		next.MessagesByChatID = map[string][]model.Message{}
	}
	next.Version = s.snap.Version + 1
	s.snap = next
	s.persistLocked()

	subs := make([]func(Snapshot), 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub(next.Clone())
	}
}

func (s *Store) SetChats(chats []model.Chat) {
	s.Set(func(snap *Snapshot) {
		snap.Chats = append([]model.Chat{}, chats...)
	})
}

func (s *Store) SetMessages(chatID string, messages []model.Message) {
	s.Set(func(snap *Snapshot) {
		snap.MessagesByChatID[chatID] = append([]model.Message{}, messages...)
	})
}

func (s *Store) DeleteMessages(chatID string) {
	s.Set(func(snap *Snapshot) {
		delete(snap.MessagesByChatID, chatID)
	})
}

func (s *Store) SetCurrentChatID(chatID string) {
	s.Set(func(snap *Snapshot) {
		snap.CurrentChatID = chatID
	})
}

// Reset empties the snapshot and removes the persisted copy.
func (s *Store) Reset(ctx context.Context) error {
	s.Set(func(snap *Snapshot) {
		*snap = Snapshot{}
	})
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", s.key, err)
	}
	return nil
}

// Subscribe calls fn with every new snapshot until the returned func is
// called.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) persistLocked() {
	if s.persister == nil {
		return
	}
	raw, err := json.Marshal(s.snap)
	if err != nil {
		s.onError(fmt.Errorf("encode snapshot %s: %w", s.key, err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, s.key, raw); err != nil {
		s.onError(fmt.Errorf("save snapshot %s: %w", s.key, err))
	}
}

func logPersistError(err error) {
	log.Printf("localstore: %v", err)
}
