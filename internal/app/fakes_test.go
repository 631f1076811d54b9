package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"parley/internal/archive"
	"parley/internal/config"
	"parley/internal/export"
	"parley/internal/keys"
	"parley/internal/llm"
	"parley/internal/search"
	"parley/internal/store"
)

// fakeStore keeps rows in memory. The ...Fn hooks override single methods.
type fakeStore struct {
	mu       sync.Mutex
	users    map[string]store.User
	chats    map[string]store.Chat
	messages map[string][]store.Message
	feedback []store.Feedback
	keys     map[string]store.UserKey
	usage    map[string]int
	revoked  map[string]bool
	refresh  map[string]string
	clock    time.Time

	ensureUserByNameFn func(context.Context, string) (store.User, error)
	insertMessageFn    func(context.Context, store.Message) (store.Message, error)
	deleteChatFn       func(context.Context, string) error
	pingFn             func(context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:    map[string]store.User{},
		chats:    map[string]store.Chat{},
		messages: map[string][]store.Message{},
		keys:     map[string]store.UserKey{},
		usage:    map[string]int{},
		revoked:  map[string]bool{},
		refresh:  map[string]string{},
		clock:    time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (f *fakeStore) tick() time.Time {
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fakeStore) addUser(user store.User) store.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return user
}

func (f *fakeStore) addChat(chat store.Chat) store.Chat {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = f.tick()
		chat.UpdatedAt = chat.CreatedAt
	}
	f.chats[chat.ID] = chat
	return chat
}

func (f *fakeStore) addMessage(msg store.Message) store.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.CreatedAt = f.tick()
	f.messages[msg.ChatID] = append(f.messages[msg.ChatID], msg)
	return msg
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.DisplayName == name {
			return user, nil
		}
	}
	user := store.User{ID: "user-" + name, DisplayName: name}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) CreateGuestUser(_ context.Context, name string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user := store.User{ID: "guest-" + name, DisplayName: name, Anonymous: true}
	f.users[user.ID] = user
	return user, nil
}

func (f *fakeStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	user.DailyMessageCount = f.usage[id]
	return user, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, id string, patch store.UserPatch) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	if patch.DisplayName != nil {
		user.DisplayName = *patch.DisplayName
	}
	if patch.AvatarURL != nil {
		user.AvatarURL = *patch.AvatarURL
	}
	if patch.PreferredModel != nil {
		user.PreferredModel = *patch.PreferredModel
	}
	if patch.SystemPrompt != nil {
		user.SystemPrompt = *patch.SystemPrompt
	}
	f.users[id] = user
	return user, nil
}

func (f *fakeStore) SaveRefreshSession(_ context.Context, hash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh[hash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(_ context.Context, hash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.refresh[hash]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return store.User{ID: id}, nil
}

func (f *fakeStore) RevokeRefreshSession(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.refresh, hash)
	return nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) ListChats(_ context.Context, userID string) ([]store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.Chat, 0)
	for _, chat := range f.chats {
		if chat.UserID == userID {
			out = append(out, chat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (f *fakeStore) GetChat(_ context.Context, id string) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return store.Chat{}, store.ErrNotFound
	}
	return chat, nil
}

func (f *fakeStore) InsertChat(_ context.Context, chat store.Chat) (store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat.CreatedAt = f.tick()
	chat.UpdatedAt = chat.CreatedAt
	f.chats[chat.ID] = chat
	return chat, nil
}

func (f *fakeStore) RenameChat(_ context.Context, id, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return store.ErrNotFound
	}
	chat.Title = title
	f.chats[id] = chat
	return nil
}

func (f *fakeStore) DeleteChat(ctx context.Context, id string) error {
	if f.deleteChatFn != nil {
		return f.deleteChatFn(ctx, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chats[id]; !ok {
		return store.ErrNotFound
	}
	delete(f.chats, id)
	delete(f.messages, id)
	return nil
}

func (f *fakeStore) BumpChat(_ context.Context, id string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chat, ok := f.chats[id]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	chat.UpdatedAt = f.tick()
	f.chats[id] = chat
	return chat.UpdatedAt, nil
}

func (f *fakeStore) ListMessages(_ context.Context, chatID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Message(nil), f.messages[chatID]...), nil
}

func (f *fakeStore) GetMessage(_ context.Context, id string) (store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, items := range f.messages {
		for _, msg := range items {
			if msg.ID == id {
				return msg, nil
			}
		}
	}
	return store.Message{}, store.ErrNotFound
}

func (f *fakeStore) InsertMessage(ctx context.Context, msg store.Message) (store.Message, error) {
	if f.insertMessageFn != nil {
		return f.insertMessageFn(ctx, msg)
	}
	return f.addMessage(msg), nil
}

func (f *fakeStore) UpsertFeedback(_ context.Context, fb store.Feedback) (store.Feedback, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fb.UpdatedAt = f.tick()
	for i, existing := range f.feedback {
		if existing.MessageID == fb.MessageID && existing.UserID == fb.UserID {
			f.feedback[i] = fb
			return fb, nil
		}
	}
	f.feedback = append(f.feedback, fb)
	return fb, nil
}

func (f *fakeStore) ListUserKeys(_ context.Context, userID string) ([]store.UserKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.UserKey, 0)
	for _, key := range f.keys {
		if key.UserID == userID {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (f *fakeStore) GetUserKey(_ context.Context, userID, provider string) (store.UserKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, ok := f.keys[userID+"/"+provider]
	if !ok {
		return store.UserKey{}, store.ErrNotFound
	}
	return key, nil
}

func (f *fakeStore) UpsertUserKey(_ context.Context, userID, provider, sealed string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys[userID+"/"+provider] = store.UserKey{UserID: userID, Provider: provider, EncryptedKey: sealed, UpdatedAt: f.tick()}
	return nil
}

func (f *fakeStore) DeleteUserKey(_ context.Context, userID, provider string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[userID+"/"+provider]; !ok {
		return store.ErrNotFound
	}
	delete(f.keys, userID+"/"+provider)
	return nil
}

func (f *fakeStore) DailyUsage(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[userID], nil
}

func (f *fakeStore) IncrementDailyUsage(_ context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage[userID]++
	return f.usage[userID], nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeSearch struct {
	mu       sync.Mutex
	chats    []search.ChatRecord
	messages []search.MessageRecord
	deleted  []string
	lastQ    search.Query
}

func (f *fakeSearch) Search(_ context.Context, q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQ = q
	results := []search.Result{}
	for _, chat := range f.chats {
		if chat.UserID == q.UserID {
			results = append(results, search.Result{Type: search.ResultChat, ID: chat.ID, ChatID: chat.ID, Title: chat.Title})
		}
	}
	return search.Response{Results: results, Total: len(results), Query: q.Text}
}

func (f *fakeSearch) IndexChat(chat search.ChatRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chats = append(f.chats, chat)
}

func (f *fakeSearch) IndexMessage(msg search.MessageRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
}

func (f *fakeSearch) DeleteChat(chatID string, messageIDs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(append(f.deleted, chatID), messageIDs...)
}

type fakeArchive struct {
	records []archive.Record
	err     error
}

func (f *fakeArchive) Archive(_ string, author string, record archive.Record) (archive.Commit, error) {
	if f.err != nil {
		return archive.Commit{}, f.err
	}
	f.records = append(f.records, record)
	return archive.Commit{Hash: "abc1234", Author: author, Message: "Archive chat"}, nil
}

func (f *fakeArchive) History(string, int) ([]archive.Commit, error) {
	out := make([]archive.Commit, 0, len(f.records))
	for range f.records {
		out = append(out, archive.Commit{Hash: "abc1234"})
	}
	return out, nil
}

type fakeExporter struct {
	last export.Request
}

func (f *fakeExporter) Export(_ context.Context, req export.Request) (*export.Result, error) {
	f.last = req
	if req.Format == export.FormatPDF {
		return nil, export.ErrPDFDependencyMissing
	}
	return &export.Result{Data: []byte("# transcript\n"), Filename: "chat.md", MimeType: "text/markdown; charset=utf-8"}, nil
}

type fakeLLM struct {
	deltas   []llm.Delta
	err      error
	requests []llm.Request
}

func (f *fakeLLM) Stream(_ context.Context, req llm.Request, onDelta func(llm.Delta) error) (llm.Completion, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return llm.Completion{}, f.err
	}
	out := llm.Completion{Model: req.Model}
	for _, delta := range f.deltas {
		if err := onDelta(delta); err != nil {
			return llm.Completion{}, err
		}
		out.Text += delta.Text
		out.Reasoning += delta.Reasoning
		out.Sources = append(out.Sources, delta.Sources...)
	}
	return out, nil
}

func (f *fakeLLM) DefaultModel() string { return "default-model" }

func testSealer() *keys.Sealer {
	sealer, err := keys.NewSealer("test-keys-secret", 1)
	if err != nil {
		panic(err)
	}
	return sealer
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:         "test-secret",
		AccessTTL:         time.Hour,
		RefreshTTL:        24 * time.Hour,
		DailyMessageLimit: 100,
	}
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: fs,
		search:   &fakeSearch{},
		archive:  &fakeArchive{},
		export:   &fakeExporter{},
		llm:      &fakeLLM{},
		keys:     testSealer(),
		now:      time.Now,
	}
}
