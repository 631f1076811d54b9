// Package query is a keyed, in-memory read cache with a freshness window,
// one in-flight fetch per key and cancellation that discards late results.
package query

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FetchFunc loads the value for one key.
type FetchFunc func(ctx context.Context) (any, error)

// State is a point-in-time view of one key.
type State struct {
	Data      any
	HasData   bool
	UpdatedAt time.Time
	Fetching  bool
	Err       error
}

type Client struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

type entry struct {
	data      any
	hasData   bool
	updatedAt time.Time
	stale     bool
	err       error
	inflight  *fetch
}

type fetch struct {
	done      chan struct{}
	cancel    context.CancelFunc
	cancelled bool
	data      any
	err       error
}

func NewClient() *Client {
	return &Client{entries: make(map[string]*entry), now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

// Fetch returns the cached value when it is younger than staleTime and has not
// been invalidated. Otherwise it joins the running fetch for key or starts one.
// The fetch outlives a caller that gives up; only Cancel or Remove stop it.
func (c *Client) Fetch(ctx context.Context, key string, staleTime time.Duration, fn FetchFunc) (any, error) {
	c.mu.Lock()
	e := c.entryLocked(key)
	if e.hasData && !e.stale && c.now().Sub(e.updatedAt) < staleTime {
		data := e.data
		c.mu.Unlock()
		return data, nil
	}
	f := e.inflight
	if f == nil {
		f = c.startLocked(ctx, key, e, fn)
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) startLocked(ctx context.Context, key string, e *entry, fn FetchFunc) *fetch {
	fetchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f := &fetch{done: make(chan struct{}), cancel: cancel}
	e.inflight = f
	go func() {
		data, err := fn(fetchCtx)
		cancel()

		c.mu.Lock()
		defer c.mu.Unlock()
		defer close(f.done)
		if f.cancelled {
			f.err = fmt.Errorf("query %s: %w", key, context.Canceled)
			return
		}
		f.data, f.err = data, err
		current, ok := c.entries[key]
		if !ok || current.inflight != f {
			return
		}
		current.inflight = nil
		if err != nil {
			current.err = err
			return
		}
		current.data = data
		current.hasData = true
		current.updatedAt = c.now()
		current.stale = false
		current.err = nil
	}()
	return f
}

// Cancel stops the in-flight fetch for key. Its result, whenever it arrives,
// is dropped. Cached data is left alone.
func (c *Client) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		cancelLocked(e)
	}
}

func cancelLocked(e *entry) {
	if e.inflight == nil {
		return
	}
	e.inflight.cancelled = true
	e.inflight.cancel()
	e.inflight = nil
}

// SetData writes data for key as fresh and clears any recorded error.
func (c *Client) SetData(key string, data any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	e.data = data
	e.hasData = true
	e.updatedAt = c.now()
	e.stale = false
	e.err = nil
}

func (c *Client) GetData(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.hasData {
		return nil, false
	}
	return e.data, true
}

// Invalidate marks key stale so the next Fetch goes to the source.
func (c *Client) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.stale = true
	}
}

// Remove cancels any fetch for key and forgets it.
func (c *Client) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		cancelLocked(e)
		delete(c.entries, key)
	}
}

func (c *Client) State(key string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return State{}
	}
	return State{
		Data:      e.data,
		HasData:   e.hasData,
		UpdatedAt: e.updatedAt,
		Fetching:  e.inflight != nil,
		Err:       e.err,
	}
}

func (c *Client) entryLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		e = &entry{}
		c.entries[key] = e
	}
	return e
}

// Get is GetData with the value asserted to T.
func Get[T any](c *Client, key string) (T, bool) {
	var zero T
	data, ok := c.GetData(key)
	if !ok {
		return zero, false
	}
	typed, ok := data.(T)
	return typed, ok
}
