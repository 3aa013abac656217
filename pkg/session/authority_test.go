package session

import (
	"context"
	"testing"
)

func newTestAuthority(t *testing.T, maxMessages int) (*Authority, *Registry, *FileStore) {
	t.Helper()
	store := newTestFileStore(t)
	registry := NewRegistry(store)
	return NewAuthority(registry, store, maxMessages), registry, store
}

func TestGetOrCreateNewSession(t *testing.T) {
	a, registry, store := newTestAuthority(t, 100)
	ctx := context.Background()

	res, err := a.GetOrCreate(ctx, "chat", "alice", "")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !res.IsNew {
		t.Error("expected a new session")
	}
	if res.DisplacedSessionID != "" {
		t.Errorf("nothing to displace, got %q", res.DisplacedSessionID)
	}
	if !registry.IsActive("alice", "chat", res.Session.ID) {
		t.Error("new session not registered as active")
	}
	if _, err := store.Load(ctx, "chat", res.Session.ID); err != nil {
		t.Errorf("new session not persisted: %v", err)
	}
}

func TestGetOrCreateReusesActiveSession(t *testing.T) {
	a, _, _ := newTestAuthority(t, 100)
	ctx := context.Background()

	first, err := a.GetOrCreate(ctx, "chat", "alice", "")
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	second, err := a.GetOrCreate(ctx, "chat", "alice", "")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.IsNew {
		t.Error("expected the active session to be reused")
	}
	if second.Session.ID != first.Session.ID {
		t.Errorf("got session %s, want %s", second.Session.ID, first.Session.ID)
	}
}

func TestGetOrCreateExplicitIDWins(t *testing.T) {
	a, _, store := newTestAuthority(t, 100)
	ctx := context.Background()

	res, err := a.GetOrCreate(ctx, "chat", "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A pinned ID that both loads and is active is returned unchanged.
	pinned, err := a.GetOrCreate(ctx, "chat", "alice", res.Session.ID)
	if err != nil {
		t.Fatalf("pinned: %v", err)
	}
	if pinned.IsNew || pinned.Session.ID != res.Session.ID {
		t.Errorf("pinned active session not reused: %+v", pinned)
	}

	// A pinned ID that is persisted but no longer active gets replaced.
	stale := NewSessionData("chat", "alice")
	if err := store.Save(ctx, stale); err != nil {
		t.Fatalf("save stale: %v", err)
	}
	replaced, err := a.GetOrCreate(ctx, "chat", "alice", stale.ID)
	if err != nil {
		t.Fatalf("replaced: %v", err)
	}
	if !replaced.IsNew {
		t.Error("stale session should be replaced by a new one")
	}
	if replaced.DisplacedSessionID != res.Session.ID {
		t.Errorf("displaced %q, want %q", replaced.DisplacedSessionID, res.Session.ID)
	}
}

func TestGetOrCreateMissingIDCreates(t *testing.T) {
	a, registry, _ := newTestAuthority(t, 100)
	ctx := context.Background()

	res, err := a.GetOrCreate(ctx, "chat", "alice", "never-existed")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if !res.IsNew {
		t.Error("expected a replacement session for a missing ID")
	}
	if !registry.IsActive("alice", "chat", res.Session.ID) {
		t.Error("replacement session not registered")
	}
}

func TestShutdownOnlyWhenStillActive(t *testing.T) {
	a, registry, _ := newTestAuthority(t, 100)
	ctx := context.Background()

	first, err := a.GetOrCreate(ctx, "chat", "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	registry.Register("alice", "chat", "newer-session")

	// A stale shutdown must not unregister the newer session.
	a.Shutdown("chat", "alice", first.Session.ID)
	if !registry.IsActive("alice", "chat", "newer-session") {
		t.Error("stale shutdown unregistered the active session")
	}

	a.Shutdown("chat", "alice", "newer-session")
	if registry.Get("alice", "chat") != nil {
		t.Error("shutdown of the active session did not unregister it")
	}
}

func TestActiveSessionIDRecoversFromStore(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	// Persisted in a previous process lifetime.
	sess := NewSessionData("chat", "alice")
	if err := store.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}

	registry := NewRegistry(store)
	a := NewAuthority(registry, store, 100)

	id, ok := a.ActiveSessionID(ctx, "chat", "alice")
	if !ok || id != sess.ID {
		t.Fatalf("expected recovery of %s, got %q (ok=%v)", sess.ID, id, ok)
	}
	if !registry.IsActive("alice", "chat", sess.ID) {
		t.Error("recovered session not re-registered")
	}
}

func TestAppendAndSaveAppliesCap(t *testing.T) {
	a, _, store := newTestAuthority(t, 2)
	ctx := context.Background()

	res, err := a.GetOrCreate(ctx, "chat", "alice", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, content := range []string{"one", "two", "three"} {
		if err := a.AppendAndSave(ctx, res.Session, NewMessage(RoleUser, content)); err != nil {
			t.Fatalf("append %q: %v", content, err)
		}
	}

	loaded, err := store.Load(ctx, "chat", res.Session.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Messages) != 2 {
		t.Fatalf("expected capped history of 2, got %d", len(loaded.Messages))
	}
	if loaded.Messages[0].Content != "two" {
		t.Errorf("oldest message not evicted, got %q", loaded.Messages[0].Content)
	}
}
