package conductor

import (
	"context"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/pkg/observability"
	"github.com/conductor-dev/conductor/pkg/session"
)

// TurnRequest is one user message addressed to a workflow.
type TurnRequest struct {
	// Workflow names the agent pipeline to run.
	Workflow string
	// UserID identifies the submitting user.
	UserID string
	// SessionID optionally pins the turn to a session. Empty targets the
	// user's active session for the workflow, creating one if needed.
	SessionID string
	// Input is the user's message text.
	Input string
	// OnProgress, when set, receives live planning updates.
	OnProgress func(stage, detail string)
}

// TurnResult is the outcome of one turn.
type TurnResult struct {
	// SessionID is the session the turn was appended to.
	SessionID string
	// IsNewSession reports whether the turn created its session.
	IsNewSession bool
	// DisplacedSessionID is a previously active session this turn replaced.
	DisplacedSessionID string
	// ResponseText is the assistant's response with citations resolved.
	ResponseText string
	// Planning is the last planning update seen during the run.
	Planning string
	// Artifacts are outputs generated during the run.
	Artifacts []engine.Artifact
	// Citations resolve references in ResponseText to their sources.
	Citations []engine.Citation
	// Approval is non-nil when the run paused awaiting a human decision
	// on a command; resume with ResolveApproval.
	Approval *engine.Approval
	// Rejections lists security notices for blocked commands.
	Rejections []string
}

// HandleTurn runs one conversation turn end to end: admits it through the
// rate limiter, resolves the session, starts the agent run, drains its
// event stream, and persists both sides of the exchange.
//
// When the run pauses on a command-approval request, the returned result
// carries the pending Approval and no assistant message is persisted; the
// conversation resumes through ResolveApproval.
func (s *Service) HandleTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	if req.Workflow == "" || req.UserID == "" {
		return nil, fmt.Errorf("turn requires a workflow and a user")
	}

	wf, ok := s.cfg.Workflows[req.Workflow]
	if len(s.cfg.Workflows) > 0 && !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, req.Workflow)
	}

	if !s.limiter.Allow(req.UserID) {
		observability.RecordRateLimitRejection()
		return nil, fmt.Errorf("turn for user %s: %w", req.UserID, ErrRateLimited)
	}

	start := time.Now()

	res, err := s.authority.GetOrCreate(ctx, req.Workflow, req.UserID, req.SessionID)
	if err != nil {
		observability.RecordTurn(req.Workflow, "error", time.Since(start))
		return nil, err
	}
	sess := res.Session
	if res.IsNew {
		observability.RecordSessionCreated(req.Workflow)
		if res.DisplacedSessionID != "" {
			observability.RecordSessionDisplaced(req.Workflow)
		}
	}
	observability.SetActiveSessions(s.registry.Len())

	// History is the conversation before this turn's input.
	history := make([]*session.Message, len(sess.Messages))
	copy(history, sess.Messages)

	if err := s.authority.AppendAndSave(ctx, sess, session.NewMessage(session.RoleUser, req.Input)); err != nil {
		observability.RecordTurn(req.Workflow, "error", time.Since(start))
		return nil, err
	}

	run, err := s.runner.StartRun(ctx, engine.RunRequest{
		Workflow: req.Workflow,
		Input:    req.Input,
		History:  history,
	})
	if err != nil {
		observability.RecordTurn(req.Workflow, "error", time.Since(start))
		return nil, fmt.Errorf("start run for %s/%s: %w", req.Workflow, sess.ID, err)
	}

	outcome, err := s.engine.Drain(ctx, run, engine.DrainOptions{
		Workflow:      req.Workflow,
		UserID:        req.UserID,
		SessionID:     sess.ID,
		AllowApproval: wf.AllowApproval,
		OnProgress:    req.OnProgress,
	})
	if err != nil {
		observability.RecordTurn(req.Workflow, "error", time.Since(start))
		return nil, err
	}

	result := &TurnResult{
		SessionID:          sess.ID,
		IsNewSession:       res.IsNew,
		DisplacedSessionID: res.DisplacedSessionID,
		ResponseText:       outcome.ResponseText,
		Planning:           outcome.Planning,
		Artifacts:          outcome.Artifacts,
		Citations:          outcome.Citations,
		Approval:           outcome.Approval,
		Rejections:         outcome.Rejections,
	}

	if outcome.Intercepted() {
		// The approval note was already recorded; the assistant's real
		// response arrives after ResolveApproval.
		observability.RecordTurn(req.Workflow, "approval_pending", time.Since(start))
		return result, nil
	}

	if err := s.persistAssistantResponse(ctx, sess, outcome); err != nil {
		observability.RecordTurn(req.Workflow, "error", time.Since(start))
		return nil, err
	}

	observability.RecordTurn(req.Workflow, "ok", time.Since(start))
	return result, nil
}

// ResolveApproval applies a human decision to a pending approval and, when
// the command clears both the human and the security validator, resumes
// the paused conversation with a fresh run carrying the decision.
func (s *Service) ResolveApproval(ctx context.Context, a *engine.Approval, approve bool) (*TurnResult, error) {
	resp, err := s.protocol.Resolve(ctx, a, approve)
	if err != nil {
		return nil, err
	}

	result := &TurnResult{SessionID: a.SessionID}

	if resp == nil {
		// Rejected, by the user or by the validator. The rejection note is
		// already in the session history.
		observability.RecordApproval(a.Workflow, string(engine.StateRejected))
		result.Rejections = append(result.Rejections, a.Reason)
		return result, nil
	}
	observability.RecordApproval(a.Workflow, string(engine.StateApproved))

	sess, err := s.store.Load(ctx, a.Workflow, a.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s/%s for approval continuation: %w", a.Workflow, a.SessionID, err)
	}

	run, err := s.runner.StartRun(ctx, engine.RunRequest{
		Workflow:         a.Workflow,
		History:          sess.Messages,
		ApprovalResponse: resp,
	})
	if err != nil {
		return nil, fmt.Errorf("resume run for %s/%s: %w", a.Workflow, a.SessionID, err)
	}

	outcome, err := s.engine.Drain(ctx, run, engine.DrainOptions{
		Workflow:      a.Workflow,
		UserID:        a.UserID,
		SessionID:     a.SessionID,
		AllowApproval: true,
	})
	if err != nil {
		return nil, err
	}

	result.ResponseText = outcome.ResponseText
	result.Planning = outcome.Planning
	result.Artifacts = outcome.Artifacts
	result.Citations = outcome.Citations
	result.Approval = outcome.Approval
	result.Rejections = append(result.Rejections, outcome.Rejections...)

	if outcome.Intercepted() {
		return result, nil
	}

	if err := s.persistAssistantResponse(ctx, sess, outcome); err != nil {
		return nil, err
	}
	return result, nil
}

// persistAssistantResponse appends the assistant's message, carrying
// artifacts and citations in its metadata, and saves the session.
func (s *Service) persistAssistantResponse(ctx context.Context, sess *session.SessionData, outcome *engine.Outcome) error {
	msg := session.NewMessage(session.RoleAssistant, outcome.ResponseText)
	if len(outcome.Artifacts) > 0 || len(outcome.Citations) > 0 {
		msg.Metadata = map[string]any{}
		if len(outcome.Artifacts) > 0 {
			msg.Metadata["artifacts"] = outcome.Artifacts
		}
		if len(outcome.Citations) > 0 {
			msg.Metadata["citations"] = outcome.Citations
		}
	}
	return s.authority.AppendAndSave(ctx, sess, msg)
}
