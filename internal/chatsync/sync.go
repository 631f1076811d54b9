// Package chatsync keeps the client's view of the chat list and the open
// chat's messages in step with the server. Writes are applied locally first
// and rolled back if the server refuses them.
//
// The chats query is cached under one fixed key. A Synchronizer must serve a
// single signed-in user; build a new one after switching accounts.
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"parley/internal/localstore"
	"parley/internal/model"
	"parley/internal/mutation"
	"parley/internal/query"
)

const (
	ChatsKey = "chats"

	DefaultChatsStaleTime    = 2 * time.Minute
	DefaultMessagesStaleTime = time.Minute
)

var ErrClosed = errors.New("chatsync: synchronizer closed")

func MessagesKey(chatID string) string {
	return "messages/" + chatID
}

// Remote is the part of the API client the synchronizer calls.
type Remote interface {
	ListChats(ctx context.Context, userID string) ([]model.Chat, error)
	CreateChat(ctx context.Context, draft model.Draft) (model.Chat, error)
	RenameChat(ctx context.Context, chatID, title string) error
	DeleteChat(ctx context.Context, chatID string) error
	BumpChat(ctx context.Context, chatID string) error
	ListMessages(ctx context.Context, chatID string) ([]model.Message, error)
}

type Options struct {
	UserID            string
	ChatsStaleTime    time.Duration
	MessagesStaleTime time.Duration
	Notifier          Notifier
	// Queries is shared with other stores of the same session. Optional.
	Queries *query.Client
	Now     func() time.Time
}

type Synchronizer struct {
	remote  Remote
	store   *localstore.Store
	queries *query.Client
	opts    Options
	runner  mutation.Runner

	// writeMu orders optimistic local updates against each other and against
	// read results landing in the caches.
	writeMu sync.Mutex

	mu     sync.Mutex
	err    error
	closed bool

	subsMu  sync.Mutex
	subs    map[int]func()
	nextSub int
	unwatch func()
}

func New(remote Remote, store *localstore.Store, opts Options) *Synchronizer {
	if store == nil {
		store = localstore.New()
	}
	if opts.Queries == nil {
		opts.Queries = query.NewClient()
	}
	if opts.ChatsStaleTime <= 0 {
		opts.ChatsStaleTime = DefaultChatsStaleTime
	}
	if opts.MessagesStaleTime <= 0 {
		opts.MessagesStaleTime = DefaultMessagesStaleTime
	}
	if opts.Notifier == nil {
		opts.Notifier = discardNotifier{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Synchronizer{
		remote:  remote,
		store:   store,
		queries: opts.Queries,
		opts:    opts,
		subs:    make(map[int]func()),
	}
	s.unwatch = store.Subscribe(func(localstore.Snapshot) { s.emit() })
	return s
}

// Chats is the chats query data when the query holds any, otherwise the
// local store's list. The two are never merged.
func (s *Synchronizer) Chats() []model.Chat {
	if chats, ok := query.Get[[]model.Chat](s.queries, ChatsKey); ok {
		return append([]model.Chat{}, chats...)
	}
	return s.store.Get().Chats
}

// Messages follows the same rule as Chats for the selected chat.
func (s *Synchronizer) Messages() []model.Message {
	snap := s.store.Get()
	if snap.CurrentChatID == "" {
		return []model.Message{}
	}
	if messages, ok := query.Get[[]model.Message](s.queries, MessagesKey(snap.CurrentChatID)); ok {
		return append([]model.Message{}, messages...)
	}
	if messages := snap.MessagesByChatID[snap.CurrentChatID]; messages != nil {
		return messages
	}
	return []model.Message{}
}

func (s *Synchronizer) CurrentChatID() string {
	return s.store.Get().CurrentChatID
}

func (s *Synchronizer) GetChatByID(chatID string) (model.Chat, bool) {
	for _, chat := range s.Chats() {
		if chat.ID == chatID {
			return chat, true
		}
	}
	return model.Chat{}, false
}

func (s *Synchronizer) IsLoadingChats() bool {
	return s.queries.State(ChatsKey).Fetching
}

func (s *Synchronizer) IsLoadingMessages() bool {
	chatID := s.CurrentChatID()
	return chatID != "" && s.queries.State(MessagesKey(chatID)).Fetching
}

// Err is the last read failure, nil once a read succeeds again. Cached data
// stays visible either way.
func (s *Synchronizer) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Synchronizer) MutationState() mutation.State {
	return s.runner.State()
}

// RefreshChats fetches the chat list unless the cached one is still fresh.
func (s *Synchronizer) RefreshChats(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	_, err := s.queries.Fetch(ctx, ChatsKey, s.opts.ChatsStaleTime, func(ctx context.Context) (any, error) {
		chats, err := s.remote.ListChats(ctx, s.opts.UserID)
		if err != nil {
			return nil, err
		}
		s.commitRead(ctx, ChatsKey, chats, func() { s.store.SetChats(chats) })
		return chats, nil
	})
	if err != nil {
		return s.readFailed(err)
	}
	s.setErr(nil)
	return nil
}

// RefreshMessages fetches the selected chat's messages. It does nothing when
// no chat is selected.
func (s *Synchronizer) RefreshMessages(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	chatID := s.CurrentChatID()
	if chatID == "" || model.IsTemporaryID(chatID) {
		return nil
	}
	key := MessagesKey(chatID)
	_, err := s.queries.Fetch(ctx, key, s.opts.MessagesStaleTime, func(ctx context.Context) (any, error) {
		messages, err := s.remote.ListMessages(ctx, chatID)
		if err != nil {
			return nil, err
		}
		s.commitRead(ctx, key, messages, func() { s.store.SetMessages(chatID, messages) })
		return messages, nil
	})
	if err != nil {
		return s.readFailed(err)
	}
	s.setErr(nil)
	return nil
}

// Refresh runs both reads concurrently.
func (s *Synchronizer) Refresh(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.RefreshChats(ctx) })
	g.Go(func() error { return s.RefreshMessages(ctx) })
	return g.Wait()
}

// SetCurrentChatID selects chatID, or clears the selection when it is empty,
// and loads the selected chat's messages.
func (s *Synchronizer) SetCurrentChatID(ctx context.Context, chatID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	s.store.SetCurrentChatID(chatID)
	if chatID == "" {
		return nil
	}
	return s.RefreshMessages(ctx)
}

// CreateChat shows a placeholder chat at the top of the list until the
// server answers, then reloads the list from the server.
func (s *Synchronizer) CreateChat(ctx context.Context, draft model.Draft) (model.Chat, error) {
	if s.isClosed() {
		return model.Chat{}, ErrClosed
	}
	if draft.UserID == "" {
		draft.UserID = s.opts.UserID
	}
	now := s.opts.Now()
	title := strings.TrimSpace(draft.Title)
	if title == "" {
		title = model.DefaultChatTitle
	}
	placeholder := model.Chat{
		ID:           model.TempIDPrefix + xid.New().String(),
		UserID:       draft.UserID,
		Title:        title,
		Model:        draft.Model,
		SystemPrompt: draft.SystemPrompt,
		ProjectID:    draft.ProjectID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	chat, err := mutation.Run(ctx, &s.runner, mutation.Op[chatsState, model.Chat]{
		Name:     "create_chat",
		Lock:     &s.writeMu,
		Snapshot: s.beginChatsWrite,
		Apply: func(state chatsState) chatsState {
			return state.with(func(chats []model.Chat) []model.Chat {
				return append([]model.Chat{placeholder}, chats...)
			})
		},
		Store:  s.storeChats,
		Commit: func(ctx context.Context) (model.Chat, error) { return s.remote.CreateChat(ctx, draft) },
		OnSuccess: func(model.Chat, chatsState) {
			s.queries.Invalidate(ChatsKey)
		},
		OnError: s.notifyFailure("create chat"),
	})
	if err != nil {
		return model.Chat{}, err
	}
	if err := s.RefreshChats(ctx); err != nil {
		log.Printf("chatsync: reload after create: %v", err)
	}
	return chat, nil
}

// UpdateTitle renames a chat in place. The list is not reloaded afterwards.
func (s *Synchronizer) UpdateTitle(ctx context.Context, chatID, title string) error {
	if s.isClosed() {
		return ErrClosed
	}
	_, err := mutation.Run(ctx, &s.runner, mutation.Op[chatsState, struct{}]{
		Name:     "rename_chat",
		Lock:     &s.writeMu,
		Snapshot: s.beginChatsWrite,
		Apply: func(state chatsState) chatsState {
			return state.with(func(chats []model.Chat) []model.Chat {
				out := append([]model.Chat{}, chats...)
				for i := range out {
					if out[i].ID == chatID {
						out[i].Title = title
					}
				}
				return out
			})
		},
		Store: s.storeChats,
		Commit: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.remote.RenameChat(ctx, chatID, title)
		},
		OnError: s.notifyFailure("rename chat"),
	})
	return err
}

// DeleteChat removes a chat from the list at once. Deleting the selected
// chat clears the selection, and a rollback does not bring it back.
func (s *Synchronizer) DeleteChat(ctx context.Context, chatID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	_, err := mutation.Run(ctx, &s.runner, mutation.Op[chatsState, struct{}]{
		Name:     "delete_chat",
		Lock:     &s.writeMu,
		Snapshot: s.beginChatsWrite,
		Apply: func(state chatsState) chatsState {
			return state.with(func(chats []model.Chat) []model.Chat {
				out := make([]model.Chat, 0, len(chats))
				for _, chat := range chats {
					if chat.ID != chatID {
						out = append(out, chat)
					}
				}
				return out
			})
		},
		Store: func(state chatsState) {
			s.storeChats(state)
			if !state.contains(chatID) && s.CurrentChatID() == chatID {
				s.store.SetCurrentChatID("")
			}
		},
		Commit: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.remote.DeleteChat(ctx, chatID)
		},
		OnSuccess: func(struct{}, chatsState) {
			s.writeMu.Lock()
			defer s.writeMu.Unlock()
			s.queries.Remove(MessagesKey(chatID))
			s.store.DeleteMessages(chatID)
			if s.CurrentChatID() == chatID {
				s.store.SetCurrentChatID("")
			}
		},
		OnError: s.notifyFailure("delete chat"),
	})
	return err
}

// BumpChat moves a chat to the top of the list, e.g. after a new message.
func (s *Synchronizer) BumpChat(ctx context.Context, chatID string) error {
	if s.isClosed() {
		return ErrClosed
	}
	now := s.opts.Now()
	_, err := mutation.Run(ctx, &s.runner, mutation.Op[chatsState, struct{}]{
		Name:     "bump_chat",
		Lock:     &s.writeMu,
		Snapshot: s.beginChatsWrite,
		Apply: func(state chatsState) chatsState {
			return state.with(func(chats []model.Chat) []model.Chat {
				out := make([]model.Chat, 0, len(chats))
				rest := make([]model.Chat, 0, len(chats))
				for _, chat := range chats {
					if chat.ID == chatID {
						chat.UpdatedAt = now
						out = append(out, chat)
						continue
					}
					rest = append(rest, chat)
				}
				return append(out, rest...)
			})
		},
		Store: s.storeChats,
		Commit: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, s.remote.BumpChat(ctx, chatID)
		},
		OnError: s.notifyFailure("move chat"),
	})
	return err
}

// Subscribe calls fn after every change to the synchronizer's state.
// fn may run while a write holds the synchronizer's lock, so it must not
// start another write itself; hand that off to a goroutine.
func (s *Synchronizer) Subscribe(fn func()) func() {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subsMu.Lock()
		defer s.subsMu.Unlock()
		delete(s.subs, id)
	}
}

// Close stops in-flight reads and detaches from the store.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.queries.Cancel(ChatsKey)
	if chatID := s.CurrentChatID(); chatID != "" {
		s.queries.Cancel(MessagesKey(chatID))
	}
	s.unwatch()
	s.subsMu.Lock()
	s.subs = make(map[int]func())
	s.subsMu.Unlock()
}

func (s *Synchronizer) emit() {
	s.subsMu.Lock()
	subs := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

func (s *Synchronizer) readFailed(err error) error {
	// A read cancelled by a write is not a failure worth showing.
	if errors.Is(err, context.Canceled) {
		return err
	}
	s.setErr(err)
	s.emit()
	return err
}

func (s *Synchronizer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Synchronizer) notifyFailure(action string) func(error, chatsState) {
	return func(err error, _ chatsState) {
		s.opts.Notifier.Notify(LevelError, fmt.Sprintf("Failed to %s: %v", action, err))
	}
}

// chatsState is what a chat-list write snapshots and restores: the query
// copy, when there is one, and the local store copy.
type chatsState struct {
	query    []model.Chat
	hasQuery bool
	local    []model.Chat
}

// commitRead writes a read result to the query cache and, through store, to
// the local snapshot. A read cancelled by a write writes nothing, and the
// check happens under writeMu so no optimistic update can slip in between.
func (s *Synchronizer) commitRead(ctx context.Context, key string, data any, store func()) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	s.queries.SetData(key, data)
	store()
}

// beginChatsWrite stops the chats read and snapshots the list. It runs under
// writeMu, so a read finishing now either landed before the snapshot or is
// dropped.
func (s *Synchronizer) beginChatsWrite() chatsState {
	s.queries.Cancel(ChatsKey)
	return s.snapshotChats()
}

func (s *Synchronizer) snapshotChats() chatsState {
	state := chatsState{local: s.store.Get().Chats}
	if chats, ok := query.Get[[]model.Chat](s.queries, ChatsKey); ok {
		state.query = append([]model.Chat{}, chats...)
		state.hasQuery = true
	}
	return state
}

func (s *Synchronizer) storeChats(state chatsState) {
	if state.hasQuery {
		s.queries.SetData(ChatsKey, append([]model.Chat{}, state.query...))
	}
	s.store.SetChats(state.local)
}

func (c chatsState) with(fn func([]model.Chat) []model.Chat) chatsState {
	next := chatsState{hasQuery: c.hasQuery, local: fn(c.local)}
	if c.hasQuery {
		next.query = fn(c.query)
	}
	return next
}

func (c chatsState) contains(chatID string) bool {
	list := c.local
	if c.hasQuery {
		list = c.query
	}
	for _, chat := range list {
		if chat.ID == chatID {
			return true
		}
	}
	return false
}
