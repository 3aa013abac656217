// Package session provides per-(user, workflow) conversation persistence
// and the single-active-session bookkeeping built on top of it. A session
// holds the ordered message history for one user talking to one workflow;
// the registry and authority guarantee that at most one session per pair
// is the target for new turns.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single entry in a session's conversation history.
type Message struct {
	// ID is the unique message identifier.
	ID string `json:"id"`
	// Role indicates who authored the message.
	Role Role `json:"role"`
	// Content is the message text.
	Content string `json:"content"`
	// Timestamp is when the message was created (UTC).
	Timestamp time.Time `json:"timestamp"`
	// Metadata carries optional message-level data (artifact refs, flags).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewMessage creates a message with a fresh ID and UTC timestamp.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// SessionData is the persisted conversation state for one (user, workflow)
// pair. It is manipulated by the core and stored by a Store implementation.
type SessionData struct {
	// ID is the unique session identifier.
	ID string `json:"id"`
	// UserID identifies the owning user.
	UserID string `json:"userId"`
	// Workflow is the workflow this session belongs to.
	Workflow string `json:"workflow"`
	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"createdAt"`
	// UpdatedAt is when the session was last modified.
	UpdatedAt time.Time `json:"updatedAt"`
	// Title is a short human-readable label, derived from the first
	// user message when not set explicitly.
	Title string `json:"title,omitempty"`
	// Messages is the ordered conversation history.
	Messages []*Message `json:"messages"`
	// Metadata carries optional session-level data.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewSessionData creates an empty session for a user and workflow.
func NewSessionData(workflow, userID string) *SessionData {
	now := time.Now().UTC()
	return &SessionData{
		ID:        uuid.New().String(),
		UserID:    userID,
		Workflow:  workflow,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  make([]*Message, 0),
	}
}

// Append adds a message to the history, evicting the oldest messages when
// the list would exceed maxMessages (maxMessages <= 0 means unbounded).
// The first user message also seeds the session title.
func (s *SessionData) Append(msg *Message, maxMessages int) {
	if msg == nil {
		return
	}

	s.Messages = append(s.Messages, msg)
	if maxMessages > 0 && len(s.Messages) > maxMessages {
		// FIFO eviction: drop from the front.
		s.Messages = s.Messages[len(s.Messages)-maxMessages:]
	}

	if s.Title == "" && msg.Role == RoleUser {
		s.Title = deriveTitle(msg.Content)
	}

	s.UpdatedAt = time.Now().UTC()
}

// LastMessage returns the most recent message, or nil for an empty history.
func (s *SessionData) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

const maxTitleLen = 60

func deriveTitle(content string) string {
	for i, r := range content {
		if r == '\n' {
			content = content[:i]
			break
		}
	}
	if runes := []rune(content); len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen]) + "..."
	}
	return content
}
