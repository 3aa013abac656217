package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-dev/conductor/pkg/observability"
	"github.com/conductor-dev/conductor/pkg/security"
)

// ApprovalState tracks one command through the human-in-the-loop protocol.
// Transitions: StateRequested → StateApproved | StateRejected (terminal).
type ApprovalState string

const (
	StateRequested ApprovalState = "requested"
	StateApproved  ApprovalState = "approved"
	StateRejected  ApprovalState = "rejected"
)

// Approval is one pending or resolved command-approval exchange. It
// snapshots the session/workflow context at request time; all resumption
// state lives here, carried by the caller — the engine holds nothing
// across the human-decision gap.
type Approval struct {
	ID        string        `json:"id"`
	Command   string        `json:"command"`
	Workflow  string        `json:"workflow"`
	UserID    string        `json:"userId"`
	SessionID string        `json:"sessionId"`
	State     ApprovalState `json:"state"`
	// Reason explains a rejection (user decision or security verdict).
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	ResolvedAt  time.Time `json:"resolvedAt,omitempty"`
}

// Recorder persists a synthesized assistant message into the approval's
// session history. Recording is best-effort: failures are logged, never
// allowed to block the protocol.
type Recorder func(ctx context.Context, a *Approval, note string) error

// Notifier receives live updates when a command awaits approval.
type Notifier interface {
	ApprovalRequested(a *Approval)
}

// Protocol implements the command-approval sub-protocol. The zero value is
// not usable; construct with NewProtocol.
type Protocol struct {
	validator *security.CommandValidator
	recorder  Recorder
	notifier  Notifier
}

// NewProtocol creates an approval protocol. recorder and notifier may be
// nil, in which case recording/notification are skipped.
func NewProtocol(validator *security.CommandValidator, recorder Recorder, notifier Notifier) *Protocol {
	return &Protocol{
		validator: validator,
		recorder:  recorder,
		notifier:  notifier,
	}
}

// Request opens a new approval exchange: snapshots the session context,
// notifies any attached live-update channel, and records a request message
// into the session history.
func (p *Protocol) Request(ctx context.Context, workflow, userID, sessionID, command string) *Approval {
	a := &Approval{
		ID:          uuid.New().String(),
		Command:     command,
		Workflow:    workflow,
		UserID:      userID,
		SessionID:   sessionID,
		State:       StateRequested,
		RequestedAt: time.Now().UTC(),
	}

	if p.notifier != nil {
		p.notifier.ApprovalRequested(a)
	}

	p.record(ctx, a, fmt.Sprintf("Command approval requested: `%s`", command))
	return a
}

// Resolve applies a human decision to a pending approval. Approval always
// passes through the security validator; a denied command is rejected even
// when the human approved it. The returned response is non-nil only for an
// approved, validated command and is meant to be forwarded into a fresh
// continuation of the agent run.
func (p *Protocol) Resolve(ctx context.Context, a *Approval, approve bool) (*ApprovalResponsePayload, error) {
	if a.State != StateRequested {
		return nil, fmt.Errorf("approval %s already resolved to %s", a.ID, a.State)
	}

	if !approve {
		p.reject(ctx, a, "rejected by user")
		return nil, nil
	}

	decision := p.validator.Validate(a.Command)
	if !decision.Allowed {
		observability.RecordCommandValidation("denied")
		log.Printf("approval: security rejection for %s/%s: %s", a.Workflow, a.SessionID, decision.Reason)
		p.reject(ctx, a, decision.Reason)
		return nil, nil
	}
	observability.RecordCommandValidation("allowed")

	a.State = StateApproved
	a.ResolvedAt = time.Now().UTC()
	p.record(ctx, a, fmt.Sprintf("Command approved: `%s`", a.Command))

	return &ApprovalResponsePayload{Execute: true, Command: a.Command}, nil
}

// Vet applies the security validator to an approval response arriving on
// the event stream. Allowed responses are forwarded unchanged; denied ones
// are dropped and a rejection notice is returned instead.
func (p *Protocol) Vet(resp *ApprovalResponsePayload) (*ApprovalResponsePayload, string) {
	if resp == nil || !resp.Execute {
		return nil, ""
	}
	decision := p.validator.Validate(resp.Command)
	if !decision.Allowed {
		observability.RecordCommandValidation("denied")
		return nil, fmt.Sprintf("Command `%s` was blocked: %s", resp.Command, decision.Reason)
	}
	observability.RecordCommandValidation("allowed")
	return resp, ""
}

func (p *Protocol) reject(ctx context.Context, a *Approval, reason string) {
	a.State = StateRejected
	a.Reason = reason
	a.ResolvedAt = time.Now().UTC()
	p.record(ctx, a, fmt.Sprintf("Command rejected: `%s` (%s)", a.Command, reason))
}

func (p *Protocol) record(ctx context.Context, a *Approval, note string) {
	if p.recorder == nil {
		return
	}
	if err := p.recorder(ctx, a, note); err != nil {
		log.Printf("approval: recording %q for session %s failed: %v", note, a.SessionID, err)
	}
}
