package session

import (
	"context"
	"testing"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry(newTestFileStore(t))

	if r.Get("alice", "chat") != nil {
		t.Fatal("expected no active session before registration")
	}

	r.Register("alice", "chat", "sess-1")
	entry := r.Get("alice", "chat")
	if entry == nil || entry.SessionID != "sess-1" {
		t.Fatalf("expected sess-1 active, got %+v", entry)
	}

	// Pairs are independent per workflow and per user.
	if r.Get("alice", "research") != nil {
		t.Error("different workflow should have no active session")
	}
	if r.Get("bob", "chat") != nil {
		t.Error("different user should have no active session")
	}
}

func TestRegistryReturnsCopies(t *testing.T) {
	r := NewRegistry(newTestFileStore(t))
	r.Register("alice", "chat", "sess-1")

	entry := r.Get("alice", "chat")
	entry.SessionID = "mutated"

	if got := r.Get("alice", "chat"); got.SessionID != "sess-1" {
		t.Fatalf("registry state mutated through returned copy: %q", got.SessionID)
	}
}

func TestRegistryDisplacement(t *testing.T) {
	r := NewRegistry(newTestFileStore(t))

	r.Register("alice", "chat", "sess-1")
	r.Register("alice", "chat", "sess-2")

	if r.IsActive("alice", "chat", "sess-1") {
		t.Error("displaced session still reported active")
	}
	if !r.IsActive("alice", "chat", "sess-2") {
		t.Error("newly registered session not active")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 registered pair, got %d", r.Len())
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry(newTestFileStore(t))

	r.Register("alice", "chat", "sess-1")
	r.Unregister("alice", "chat")

	if r.Get("alice", "chat") != nil {
		t.Error("session still active after unregister")
	}

	// Unregistering an absent pair is a no-op.
	r.Unregister("bob", "chat")
}

func TestSweepRemovesOrphanedEntries(t *testing.T) {
	store := newTestFileStore(t)
	r := NewRegistry(store)
	ctx := context.Background()

	backed := NewSessionData("chat", "alice")
	if err := store.Save(ctx, backed); err != nil {
		t.Fatalf("save: %v", err)
	}
	r.Register("alice", "chat", backed.ID)

	// Registered but never persisted: the sweep should drop it.
	r.Register("bob", "chat", "ghost-session")

	r.Sweep()

	if !r.IsActive("alice", "chat", backed.ID) {
		t.Error("sweep removed a session that still exists in the store")
	}
	if r.IsActive("bob", "chat", "ghost-session") {
		t.Error("sweep kept an entry with no backing session")
	}
}

func TestStartSweeperRejectsBadInterval(t *testing.T) {
	r := NewRegistry(newTestFileStore(t))
	if err := r.StartSweeper(0); err == nil {
		t.Fatal("expected error for non-positive interval")
	}
}

func TestStopSweeperWithoutStart(t *testing.T) {
	r := NewRegistry(newTestFileStore(t))
	r.StopSweeper()
}
