package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"parley/internal/archive"
	"parley/internal/attachments"
	"parley/internal/auth"
	"parley/internal/config"
	"parley/internal/export"
	"parley/internal/llm"
	"parley/internal/model"
	"parley/internal/search"
	"parley/internal/store"
	"parley/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Anonymous    bool
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	EnsureUserByName(context.Context, string) (store.User, error)
	CreateGuestUser(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	UpdateUser(context.Context, string, store.UserPatch) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	ListChats(context.Context, string) ([]store.Chat, error)
	GetChat(context.Context, string) (store.Chat, error)
	InsertChat(context.Context, store.Chat) (store.Chat, error)
	RenameChat(context.Context, string, string) error
	DeleteChat(context.Context, string) error
	BumpChat(context.Context, string) (time.Time, error)
	ListMessages(context.Context, string) ([]store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	InsertMessage(context.Context, store.Message) (store.Message, error)
	UpsertFeedback(context.Context, store.Feedback) (store.Feedback, error)
	ListUserKeys(context.Context, string) ([]store.UserKey, error)
	GetUserKey(context.Context, string, string) (store.UserKey, error)
	UpsertUserKey(context.Context, string, string, string) error
	DeleteUserKey(context.Context, string, string) error
	DailyUsage(context.Context, string) (int, error)
	IncrementDailyUsage(context.Context, string) (int, error)
	Ping(ctx context.Context) error
}

// RefreshSessions stores hashed refresh tokens. Postgres and Redis both
// implement it.
type RefreshSessions interface {
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
}

type searchIndex interface {
	Search(context.Context, search.Query) search.Response
	IndexChat(search.ChatRecord)
	IndexMessage(search.MessageRecord)
	DeleteChat(string, []string)
}

type archiver interface {
	Archive(userID, author string, record archive.Record) (archive.Commit, error)
	History(userID string, limit int) ([]archive.Commit, error)
}

type exporter interface {
	Export(context.Context, export.Request) (*export.Result, error)
}

type completer interface {
	Stream(context.Context, llm.Request, func(llm.Delta) error) (llm.Completion, error)
	DefaultModel() string
}

type fileStore interface {
	Enabled() bool
	Upload(context.Context, attachments.Upload) (store.Attachment, error)
	Link(context.Context, string, string) (string, error)
}

type keySealer interface {
	Seal(userID, provider, plaintext string) (string, error)
	Open(userID, provider, value string) (string, error)
}

// Dependencies are the collaborators wired in cmd/api. Nil optional entries
// switch the matching feature off.
type Dependencies struct {
	Store    *store.PostgresStore
	Sessions RefreshSessions
	Search   *search.Service
	Archive  *archive.Service
	Export   *export.Service
	LLM      *llm.Client
	Files    *attachments.Service
	Keys     keySealer
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions RefreshSessions
	search   searchIndex
	archive  archiver
	export   exporter
	llm      completer
	files    fileStore
	keys     keySealer
	limiter  *userLimiter
	now      func() time.Time
}

func New(cfg config.Config, deps Dependencies) *Service {
	s := &Service{
		cfg:     cfg,
		store:   deps.Store,
		keys:    deps.Keys,
		limiter: newUserLimiter(cfg.CompletionsRPS, cfg.CompletionsBurst),
		now:     time.Now,
	}
	s.sessions = deps.Sessions
	if s.sessions == nil {
		s.sessions = deps.Store
	}
	if deps.Search != nil {
		s.search = deps.Search
	}
	if deps.Archive != nil {
		s.archive = deps.Archive
	}
	if deps.Export != nil {
		s.export = deps.Export
	}
	if deps.LLM != nil {
		s.llm = deps.LLM
	}
	if deps.Files != nil {
		s.files = deps.Files
	}
	return s
}

// Login signs a user in by display name. An empty name creates a guest.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	var (
		user store.User
		err  error
	)
	if userName == "" {
		user, err = s.store.CreateGuestUser(ctx, "Guest "+util.NewID("")[:8])
	} else {
		user, err = s.store.EnsureUserByName(ctx, userName)
	}
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	found, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, found.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       user.ID,
		Name:      user.DisplayName,
		Anonymous: user.Anonymous,
		JTI:       jti,
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Anonymous:    user.Anonymous,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Anonymous: user.Anonymous,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			log.Printf("logout: revoke access token: %v", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			log.Printf("logout: revoke refresh session: %v", err)
		}
	}
	return nil
}

// Ping checks the health of service dependencies (database, etc.)
type pinger interface {
	Ping(context.Context) error
}

// Ping checks the database and, when refresh sessions live elsewhere, that
// store too.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if any(s.sessions) == any(s.store) {
		return nil
	}
	if p, ok := s.sessions.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("session store: %w", err)
		}
	}
	return nil
}

// LogoutEverywhere ends every refresh session of the caller. Only stores that
// index sessions by user support it.
func (s *Service) LogoutEverywhere(ctx context.Context, session Session) (int, error) {
	bulk, ok := s.sessions.(interface {
		RevokeAllForUser(context.Context, string) (int, error)
	})
	if !ok {
		return 0, domainError(http.StatusNotImplemented, "NOT_SUPPORTED", "Session store cannot revoke all sessions", nil)
	}
	if err := s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
		log.Printf("logout everywhere: revoke access token: %v", err)
	}
	return bulk.RevokeAllForUser(ctx, session.UserID)
}

func (s *Service) GetUser(ctx context.Context, session Session) (model.UserProfile, error) {
	user, err := s.store.GetUserByID(ctx, session.UserID)
	if err != nil {
		return model.UserProfile{}, err
	}
	return userView(user), nil
}

func (s *Service) UpdateUser(ctx context.Context, session Session, patch model.UserPatch) (model.UserProfile, error) {
	if patch.DisplayName != nil {
		name := strings.TrimSpace(*patch.DisplayName)
		if name == "" {
			return model.UserProfile{}, validationError("displayName cannot be empty")
		}
		patch.DisplayName = &name
	}
	if patch.SystemPrompt != nil && utf8.RuneCountInString(*patch.SystemPrompt) > maxSystemPromptLen {
		return model.UserProfile{}, validationError("systemPrompt exceeds %d characters", maxSystemPromptLen)
	}
	user, err := s.store.UpdateUser(ctx, session.UserID, store.UserPatch{
		DisplayName:    patch.DisplayName,
		AvatarURL:      patch.AvatarURL,
		PreferredModel: patch.PreferredModel,
		SystemPrompt:   patch.SystemPrompt,
	})
	if err != nil {
		return model.UserProfile{}, err
	}
	return userView(user), nil
}
