package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client, "", 0)
}

func TestRedisStoreSaveLoad(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	sess := NewSessionData("chat", "alice")
	sess.Append(NewMessage(RoleUser, "hello"), 0)
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := store.Load(ctx, "chat", sess.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.ID != sess.ID || len(loaded.Messages) != 1 {
		t.Errorf("loaded wrong session: %+v", loaded)
	}
}

func TestRedisStoreLoadNotFound(t *testing.T) {
	store := newTestRedisStore(t)

	_, err := store.Load(context.Background(), "chat", "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestRedisStoreListOrderFilterLimit(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, userID := range []string{"alice", "bob", "alice"} {
		sess := NewSessionData("chat", userID)
		sess.UpdatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := store.Save(ctx, sess); err != nil {
			t.Fatalf("save session %d: %v", i, err)
		}
	}

	all, err := store.List(ctx, "chat", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].UpdatedAt.After(all[i-1].UpdatedAt) {
			t.Errorf("sessions not ordered by recency at index %d", i)
		}
	}

	alice, err := store.List(ctx, "chat", ListOptions{UserID: "alice", Limit: 1})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(alice) != 1 || alice[0].UserID != "alice" {
		t.Fatalf("filter/limit not applied: %+v", alice)
	}
}

func TestRedisStoreDelete(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	sess := NewSessionData("chat", "alice")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.Delete(ctx, "chat", sess.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, "chat", sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}

	// The index entry goes with it.
	sessions, err := store.List(ctx, "chat", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected empty list after delete, got %d", len(sessions))
	}
}

func TestRedisStoreListCleansStaleIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewRedisStoreFromClient(client, "conductor:session:", 0)
	ctx := context.Background()

	sess := NewSessionData("chat", "alice")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate TTL expiry of the data key while the index entry survives.
	mr.Del("conductor:session:data:chat:" + sess.ID)

	sessions, err := store.List(ctx, "chat", ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected stale session to be skipped, got %d", len(sessions))
	}

	members, err := client.SMembers(ctx, "conductor:session:workflow:chat").Result()
	if err != nil {
		t.Fatalf("smembers: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("stale index entry not cleaned up: %v", members)
	}
}

func TestRedisStoreClosed(t *testing.T) {
	store := newTestRedisStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := store.Load(context.Background(), "chat", "id"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if err := store.Ping(context.Background()); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed from ping, got %v", err)
	}
}
