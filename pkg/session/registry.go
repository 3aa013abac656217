package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ActiveSession records which session is currently active for one
// (user, workflow) pair. Owned exclusively by the Registry; callers receive
// copies and cannot mutate registry state through them.
type ActiveSession struct {
	Workflow     string
	SessionID    string
	UserID       string
	CreatedAt    time.Time
	LastAccessed time.Time
}

type pairKey struct {
	userID   string
	workflow string
}

// Registry is the process-wide, thread-safe source of truth for "which
// session is currently active" per (user, workflow). It holds no persisted
// data itself; the background sweep reconciles it against the Store.
type Registry struct {
	mu     sync.Mutex
	active map[pairKey]*ActiveSession

	store   Store
	sweeper *cron.Cron
}

// NewRegistry creates an empty registry backed by the given store.
// The orphan sweep is not started here; call StartSweeper from the service
// lifecycle once the process is ready to run background work.
func NewRegistry(store Store) *Registry {
	return &Registry{
		active: make(map[pairKey]*ActiveSession),
		store:  store,
	}
}

// Get returns a copy of the active entry for the pair and touches its
// last-accessed time. Returns nil when no session is active.
func (r *Registry) Get(userID, workflow string) *ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[pairKey{userID, workflow}]
	if !ok {
		return nil
	}
	entry.LastAccessed = time.Now().UTC()

	cp := *entry
	return &cp
}

// Register inserts or replaces the active entry for the pair and returns a
// copy of it. A previously registered session with a different ID is
// logically displaced; cleaning up its transient resources is the caller's
// responsibility — the registry never deletes persisted data.
func (r *Registry) Register(userID, workflow, sessionID string) *ActiveSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{userID, workflow}
	now := time.Now().UTC()

	if prev, ok := r.active[key]; ok && prev.SessionID != sessionID {
		log.Printf("session registry: displacing session %s for user=%s workflow=%s", prev.SessionID, userID, workflow)
	}

	entry := &ActiveSession{
		Workflow:     workflow,
		SessionID:    sessionID,
		UserID:       userID,
		CreatedAt:    now,
		LastAccessed: now,
	}
	r.active[key] = entry

	cp := *entry
	return &cp
}

// Unregister removes the mapping for the pair. No-op if absent.
func (r *Registry) Unregister(userID, workflow string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, pairKey{userID, workflow})
}

// IsActive reports whether sessionID is the currently registered session
// for the pair.
func (r *Registry) IsActive(userID, workflow, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.active[pairKey{userID, workflow}]
	return ok && entry.SessionID == sessionID
}

// Len returns the number of registered pairs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// StartSweeper schedules the orphan sweep at the given interval. The sweep
// verifies every registered session still exists in the store and
// unregisters entries whose backing session was deleted externally.
func (r *Registry) StartSweeper(interval time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sweeper != nil {
		return fmt.Errorf("session registry: sweeper already started")
	}
	if interval <= 0 {
		return fmt.Errorf("session registry: sweep interval must be positive, got %s", interval)
	}

	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", interval), r.Sweep); err != nil {
		return fmt.Errorf("schedule session sweep: %w", err)
	}
	c.Start()
	r.sweeper = c

	return nil
}

// StopSweeper stops the background sweep and waits for a running sweep to
// finish. Safe to call when the sweeper was never started.
func (r *Registry) StopSweeper() {
	r.mu.Lock()
	c := r.sweeper
	r.sweeper = nil
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one reconciliation pass. It snapshots the registered pairs
// under the mutex, then performs store lookups without holding it, so a
// slow store never blocks request handling.
func (r *Registry) Sweep() {
	r.mu.Lock()
	snapshot := make([]*ActiveSession, 0, len(r.active))
	for _, entry := range r.active {
		cp := *entry
		snapshot = append(snapshot, &cp)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, entry := range snapshot {
		_, err := r.store.Load(ctx, entry.Workflow, entry.SessionID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrSessionNotFound) {
			// Store trouble is not evidence the session is gone.
			log.Printf("session registry: sweep load failed for %s/%s: %v", entry.Workflow, entry.SessionID, err)
			continue
		}

		// Re-check under the lock: the entry may have been replaced while
		// the store call was in flight.
		r.mu.Lock()
		key := pairKey{entry.UserID, entry.Workflow}
		if cur, ok := r.active[key]; ok && cur.SessionID == entry.SessionID {
			delete(r.active, key)
			log.Printf("session registry: swept orphaned session %s for user=%s workflow=%s", entry.SessionID, entry.UserID, entry.Workflow)
		}
		r.mu.Unlock()
	}
}
