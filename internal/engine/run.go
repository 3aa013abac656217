package engine

import (
	"context"

	"github.com/conductor-dev/conductor/pkg/session"
)

// Run is one in-flight agent/workflow execution, consumed as an opaque
// asynchronous task. The events channel must be closed by the runtime when
// no more events will be emitted; Result then yields the terminal value.
//
// Different runtimes surface data either via stream events or only in the
// terminal value; consumers must handle both (see Engine.Drain).
type Run interface {
	// Events returns the run's event stream. The channel is closed when
	// the stream is exhausted.
	Events() <-chan Event

	// Result blocks until the run resolves and returns its final value.
	// It is valid to never call Result (e.g. after an approval
	// interception); the runtime owns the run's ultimate disposal.
	Result(ctx context.Context) (*Result, error)
}

// Result is the terminal value of a run. Any field may be empty; fields
// duplicate stream content for runtimes that only report terminally.
type Result struct {
	Text      string
	Artifacts []Artifact
	Sources   []Source
}

// RunRequest describes one run to start.
type RunRequest struct {
	// Workflow names the pre-built agent pipeline to execute.
	Workflow string
	// Input is the user or upstream-step text for this turn.
	Input string
	// History is the session's prior conversation, oldest first.
	History []*session.Message
	// ApprovalResponse, when set, resumes a run that paused on a
	// human-approval request.
	ApprovalResponse *ApprovalResponsePayload
}

// Runner starts agent runs. It is the boundary to the agent/LLM execution
// runtime, which is external to this module.
type Runner interface {
	StartRun(ctx context.Context, req RunRequest) (Run, error)
}
