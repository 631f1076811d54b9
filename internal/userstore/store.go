// Package userstore resolves the signed-in user's profile from the server,
// falling back to the last persisted copy when the server is unreachable.
package userstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"parley/internal/localstore"
	"parley/internal/model"
	"parley/internal/mutation"
	"parley/internal/query"
)

const (
	QueryKey         = "user"
	DefaultStaleTime = 5 * time.Minute
	defaultKey       = "user"
)

// ErrNoUser is returned by Update before any profile has been resolved.
var ErrNoUser = errors.New("userstore: no user loaded")

type Remote interface {
	GetUser(ctx context.Context) (model.UserProfile, error)
	UpdateUser(ctx context.Context, patch model.UserPatch) (model.UserProfile, error)
}

type Options struct {
	StaleTime time.Duration
	// Persister keeps the last profile between runs. Optional.
	Persister localstore.Persister
	// Key is the persister key, "user" by default.
	Key string
}

type Store struct {
	remote    Remote
	queries   *query.Client
	persister localstore.Persister
	key       string
	staleTime time.Duration
	runner    mutation.Runner

	mu      sync.Mutex
	current *model.UserProfile
	err     error
}

func New(remote Remote, queries *query.Client, opts Options) *Store {
	if queries == nil {
		queries = query.NewClient()
	}
	if opts.StaleTime <= 0 {
		opts.StaleTime = DefaultStaleTime
	}
	if opts.Key == "" {
		opts.Key = defaultKey
	}
	return &Store{
		remote:    remote,
		queries:   queries,
		persister: opts.Persister,
		key:       opts.Key,
		staleTime: opts.StaleTime,
	}
}

// Resolve returns the live profile when the fetch succeeds, else the
// persisted profile, else initial. A live profile is persisted.
func (s *Store) Resolve(ctx context.Context, initial *model.UserProfile) *model.UserProfile {
	data, err := s.queries.Fetch(ctx, QueryKey, s.staleTime, func(ctx context.Context) (any, error) {
		return s.remote.GetUser(ctx)
	})
	if err == nil {
		if user, ok := data.(model.UserProfile); ok {
			s.set(&user, nil)
			s.persist(ctx, user)
			return clone(&user)
		}
		err = fmt.Errorf("userstore: unexpected cached value %T", data)
	}

	if persisted, loadErr := s.load(ctx); loadErr == nil {
		s.set(persisted, err)
		return clone(persisted)
	} else if !errors.Is(loadErr, localstore.ErrNoSnapshot) {
		log.Printf("userstore: %v", loadErr)
	}
	s.set(clone(initial), err)
	return clone(initial)
}

// Update patches the profile optimistically and rolls back on failure.
func (s *Store) Update(ctx context.Context, patch model.UserPatch) (model.UserProfile, error) {
	if s.Current() == nil {
		return model.UserProfile{}, ErrNoUser
	}
	return mutation.Run(ctx, &s.runner, mutation.Op[*model.UserProfile, model.UserProfile]{
		Name:     "update_user",
		Snapshot: s.Current,
		Apply: func(prev *model.UserProfile) *model.UserProfile {
			next := prev.Apply(patch)
			return &next
		},
		Store: func(user *model.UserProfile) {
			s.mu.Lock()
			s.current = clone(user)
			s.mu.Unlock()
			if user != nil {
				s.queries.SetData(QueryKey, *user)
			}
		},
		Commit: func(ctx context.Context) (model.UserProfile, error) {
			return s.remote.UpdateUser(ctx, patch)
		},
		OnSuccess: func(saved model.UserProfile, _ *model.UserProfile) {
			s.set(&saved, nil)
			s.queries.SetData(QueryKey, saved)
			s.persist(ctx, saved)
		},
	})
}

// Clear forgets the profile in memory, in the query cache and on disk.
func (s *Store) Clear(ctx context.Context) error {
	s.set(nil, nil)
	s.queries.Remove(QueryKey)
	if s.persister == nil {
		return nil
	}
	if err := s.persister.Delete(ctx, s.key); err != nil {
		return fmt.Errorf("delete user snapshot: %w", err)
	}
	return nil
}

func (s *Store) Current() *model.UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return clone(s.current)
}

// Err is the error of the last live fetch, nil after a success.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Store) MutationState() mutation.State {
	return s.runner.State()
}

func (s *Store) set(user *model.UserProfile, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = clone(user)
	s.err = err
}

func (s *Store) persist(ctx context.Context, user model.UserProfile) {
	if s.persister == nil {
		return
	}
	raw, err := json.Marshal(user)
	if err != nil {
		log.Printf("userstore: encode profile: %v", err)
		return
	}
	if err := s.persister.Save(ctx, s.key, raw); err != nil {
		log.Printf("userstore: save profile: %v", err)
	}
}

func (s *Store) load(ctx context.Context) (*model.UserProfile, error) {
	if s.persister == nil {
		return nil, localstore.ErrNoSnapshot
	}
	raw, err := s.persister.Load(ctx, s.key)
	if err != nil {
		return nil, err
	}
	var user model.UserProfile
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, fmt.Errorf("decode user snapshot: %w", err)
	}
	return &user, nil
}

func clone(user *model.UserProfile) *model.UserProfile {
	if user == nil {
		return nil
	}
	copied := *user
	return &copied
}
