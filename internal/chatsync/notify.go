package chatsync

import "context"

type Level int

const (
	LevelInfo Level = iota
	LevelError
)

func (l Level) String() string {
	if l == LevelError {
		return "error"
	}
	return "info"
}

// Notifier shows short, transient messages to the user, e.g. after a write
// was rolled back.
type Notifier interface {
	Notify(level Level, msg string)
}

type NotifierFunc func(level Level, msg string)

func (f NotifierFunc) Notify(level Level, msg string) { f(level, msg) }

type discardNotifier struct{}

func (discardNotifier) Notify(Level, string) {}

type contextKey struct{}

// NewContext returns a copy of ctx carrying s.
func NewContext(ctx context.Context, s *Synchronizer) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the Synchronizer attached by NewContext. It panics when
// there is none: that is a wiring bug, not a runtime condition.
func FromContext(ctx context.Context) *Synchronizer {
	s, ok := ctx.Value(contextKey{}).(*Synchronizer)
	if !ok || s == nil {
		panic("chatsync: no Synchronizer in context; attach one with chatsync.NewContext")
	}
	return s
}
