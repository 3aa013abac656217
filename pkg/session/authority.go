package session

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Authority is the single permitted path for obtaining or creating a
// session. It layers get-or-create semantics over the Registry and Store
// and enforces "exactly one active session per (user, workflow)".
type Authority struct {
	registry *Registry
	store    Store

	// maxMessages caps per-session history length (0 = unbounded).
	maxMessages int
}

// NewAuthority creates an Authority over the given registry and store.
func NewAuthority(registry *Registry, store Store, maxMessages int) *Authority {
	return &Authority{
		registry:    registry,
		store:       store,
		maxMessages: maxMessages,
	}
}

// MaxMessages returns the configured per-session history cap.
func (a *Authority) MaxMessages() int { return a.maxMessages }

// Resolution is the result of GetOrCreate.
type Resolution struct {
	// Session is the resolved session.
	Session *SessionData
	// IsNew reports whether the session was created by this call.
	IsNew bool
	// DisplacedSessionID is the previously active session ID that this
	// call replaced, or empty when nothing was displaced.
	DisplacedSessionID string
}

// GetOrCreate resolves the session new turns should append to.
//
// Resolution order: an explicit existingID wins, otherwise the registry's
// current active ID for the pair. A resolved ID is returned unchanged only
// when it both loads from the store and matches the registered active
// session; in every other case (no ID, load failure, or a stale ID) a new
// session is created, registered, and the displaced ID reported.
//
// Store read errors are treated as not-found and fall through to creation;
// store write errors are fatal to the call.
func (a *Authority) GetOrCreate(ctx context.Context, workflow, userID, existingID string) (*Resolution, error) {
	targetID := existingID
	var displaced string

	if current := a.registry.Get(userID, workflow); current != nil {
		displaced = current.SessionID
		if targetID == "" {
			targetID = current.SessionID
		}
	}

	if targetID != "" {
		sess, err := a.store.Load(ctx, workflow, targetID)
		if err == nil && a.registry.IsActive(userID, workflow, targetID) {
			return &Resolution{Session: sess, IsNew: false}, nil
		}
		if err != nil && !errors.Is(err, ErrSessionNotFound) {
			// Read failures degrade to creation; only write failures abort.
			log.Printf("session authority: load %s/%s failed, creating replacement: %v", workflow, targetID, err)
		}
	}

	sess := NewSessionData(workflow, userID)
	if err := a.store.Save(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session for user=%s workflow=%s: %w", userID, workflow, err)
	}

	a.registry.Register(userID, workflow, sess.ID)

	if displaced == sess.ID {
		displaced = ""
	}

	return &Resolution{
		Session:            sess,
		IsNew:              true,
		DisplacedSessionID: displaced,
	}, nil
}

// Shutdown unregisters the session only if it is still the currently
// active one for the pair; otherwise it logs and no-ops, protecting
// against a stale caller unregistering a session that was already replaced.
func (a *Authority) Shutdown(workflow, userID, sessionID string) {
	if !a.registry.IsActive(userID, workflow, sessionID) {
		log.Printf("session authority: skip shutdown of %s for user=%s workflow=%s: no longer active", sessionID, userID, workflow)
		return
	}
	a.registry.Unregister(userID, workflow)
}

// ActiveSessionID returns the active session ID for the pair. On a registry
// miss it scans the store for the most recently updated session and
// registers it, so the registry self-populates after a process restart.
func (a *Authority) ActiveSessionID(ctx context.Context, workflow, userID string) (string, bool) {
	if entry := a.registry.Get(userID, workflow); entry != nil {
		return entry.SessionID, true
	}

	sessions, err := a.store.List(ctx, workflow, ListOptions{UserID: userID, Limit: 1})
	if err != nil {
		log.Printf("session authority: recovery scan for user=%s workflow=%s failed: %v", userID, workflow, err)
		return "", false
	}
	if len(sessions) == 0 {
		return "", false
	}

	a.registry.Register(userID, workflow, sessions[0].ID)
	return sessions[0].ID, true
}

// AppendAndSave appends a message to the session under the configured cap
// and persists it. Write failures are wrapped with session identifiers.
func (a *Authority) AppendAndSave(ctx context.Context, sess *SessionData, msg *Message) error {
	sess.Append(msg, a.maxMessages)
	if err := a.store.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session %s/%s: %w", sess.Workflow, sess.ID, err)
	}
	return nil
}
