package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrNotFound is returned when a user has no archived copy of a chat.
var ErrNotFound = errors.New("archive: not found")

// Record is the transcript written for a deleted chat.
type Record struct {
	ChatID       string    `json:"chatId"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"systemPrompt,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	ArchivedAt   time.Time `json:"archivedAt"`
	Messages     []Message `json:"messages"`
}

type Message struct {
	ID        string          `json:"id"`
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	Parts     json.RawMessage `json:"parts,omitempty"`
	Model     string          `json:"model,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service keeps one git repository per user under baseDir. Every archived
// chat is a commit touching chats/<chatID>.json on main.
type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Service) Archive(userID, author string, record Record) (Commit, error) {
	if err := validateSegment(userID); err != nil {
		return Commit{}, fmt.Errorf("archive chat: user id: %w", err)
	}
	if err := validateSegment(record.ChatID); err != nil {
		return Commit{}, fmt.Errorf("archive chat: chat id: %w", err)
	}
	if record.ArchivedAt.IsZero() {
		record.ArchivedAt = time.Now().UTC()
	}
	if record.Messages == nil {
		record.Messages = []Message{}
	}

	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.ensureRepo(userID)
	if err != nil {
		return Commit{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal record: %w", err)
	}
	rel := chatPath(record.ChatID)
	full := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return Commit{}, fmt.Errorf("create chats dir: %w", err)
	}
	if err := os.WriteFile(full, append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write %s: %w", rel, err)
	}
	if _, err := worktree.Add(rel); err != nil {
		return Commit{}, fmt.Errorf("git add %s: %w", rel, err)
	}

	title := strings.TrimSpace(record.Title)
	if title == "" {
		title = record.ChatID
	}
	hash, err := worktree.Commit(fmt.Sprintf("Archive chat %q", title), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.parley.dev", sanitizeEmail(author)),
			When:  record.ArchivedAt,
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit archive: %w", err)
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists archive commits for a user, newest first. A user who never
// archived anything has an empty history.
func (s *Service) History(userID string, limit int) ([]Commit, error) {
	if err := validateSegment(userID); err != nil {
		return nil, fmt.Errorf("archive history: user id: %w", err)
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// Load returns the latest archived copy of a chat.
func (s *Service) Load(userID, chatID string) (Record, error) {
	if err := validateSegment(userID); err != nil {
		return Record{}, fmt.Errorf("load archive: user id: %w", err)
	}
	if err := validateSegment(chatID); err != nil {
		return Record{}, fmt.Errorf("load archive: chat id: %w", err)
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(userID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("resolve head: %w", err)
	}
	commitObj, err := repo.CommitObject(head.Hash())
	if err != nil {
		return Record{}, fmt.Errorf("read commit: %w", err)
	}
	file, err := commitObj.File(chatPath(chatID))
	if errors.Is(err, object.ErrFileNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load %s: %w", chatPath(chatID), err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Record{}, fmt.Errorf("read %s: %w", chatPath(chatID), err)
	}
	var record Record
	if err := json.Unmarshal([]byte(contents), &record); err != nil {
		return Record{}, fmt.Errorf("decode archived chat: %w", err)
	}
	return record, nil
}

func (s *Service) ensureRepo(userID string) (*git.Repository, error) {
	dir := s.repoPath(userID)
	repo, err := git.PlainOpen(dir)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(dir, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (s *Service) repoPath(userID string) string {
	return filepath.Join(s.baseDir, userID)
}

func (s *Service) userLock(userID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[userID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[userID] = lock
	return lock
}

func chatPath(chatID string) string {
	return path.Join("chats", chatID+".json")
}

func validateSegment(value string) error {
	if value == "" || value == "." || value == ".." || strings.ContainsAny(value, `/\`) {
		return fmt.Errorf("invalid path segment %q", value)
	}
	return nil
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}
