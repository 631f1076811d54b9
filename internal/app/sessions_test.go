package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"parley/internal/session"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisSessions(t *testing.T) (*session.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return session.NewRedisStoreWithClient(client), mr
}

func TestRedisBackedRefreshAndLogoutEverywhere(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs)
	sessions, _ := newRedisSessions(t)
	svc.sessions = sessions

	first := login(t, svc, "Ada")
	second := login(t, svc, "Ada")
	if len(fs.refresh) != 0 {
		t.Fatalf("refresh sessions written to the database: %v", fs.refresh)
	}

	next, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	count, err := svc.LogoutEverywhere(context.Background(), next)
	if err != nil {
		t.Fatalf("LogoutEverywhere() error = %v", err)
	}
	if count != 2 {
		t.Fatalf("revoked = %d, want 2", count)
	}
	for _, token := range []string{second.RefreshToken, next.RefreshToken} {
		if _, err := svc.Refresh(context.Background(), token); err == nil {
			t.Fatal("Refresh() succeeded after logout everywhere")
		}
	}
}

func TestLogoutEverywhereNeedsIndexedStore(t *testing.T) {
	svc := newTestService(newFakeStore())
	current := login(t, svc, "Ada")

	_, err := svc.LogoutEverywhere(context.Background(), current)
	requireDomainError(t, err, http.StatusNotImplemented, "NOT_SUPPORTED")
}

func TestPingChecksSessionStore(t *testing.T) {
	svc := newTestService(newFakeStore())
	sessions, mr := newRedisSessions(t)
	svc.sessions = sessions

	if err := svc.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
	mr.Close()
	if err := svc.Ping(context.Background()); err == nil {
		t.Fatal("Ping() with redis down = nil")
	}

	svc.sessions = svc.store.(*fakeStore)
	svc.store.(*fakeStore).pingFn = func(context.Context) error { return errors.New("db down") }
	if err := svc.Ping(context.Background()); err == nil || err.Error() != "db down" {
		t.Fatalf("Ping() = %v, want db down", err)
	}
}
