// Package engine drives a single agent run to completion, classifying its
// heterogeneous event stream into typed outcomes: text deltas, generated
// artifacts, retrieval sources, and human-approval requests.
package engine

import "time"

// EventKind discriminates run events. The classifier switches on the kind;
// each kind carries an explicit, typed payload.
type EventKind string

const (
	// KindProgress carries planning/progress text for UI display.
	KindProgress EventKind = "progress"
	// KindArtifact carries a generated file-like output.
	KindArtifact EventKind = "artifact"
	// KindSource carries a retrieval source node used for citations.
	KindSource EventKind = "source"
	// KindApprovalRequest asks a human to approve a proposed command.
	KindApprovalRequest EventKind = "approval_request"
	// KindApprovalResponse carries a human decision on a prior request.
	KindApprovalResponse EventKind = "approval_response"
	// KindTextDelta carries a fragment of the assistant response text.
	KindTextDelta EventKind = "text_delta"
	// KindCompleted marks logical completion of the run. Events may still
	// follow it; the engine drains the stream fully regardless.
	KindCompleted EventKind = "completed"
	// KindUnknown is anything the runtime emits that we don't recognize.
	KindUnknown EventKind = "unknown"
)

// Event is one element of a run's event stream. Exactly the payload field
// matching Kind is set; the rest are nil (Text for KindTextDelta).
type Event struct {
	Kind EventKind

	Progress         *ProgressPayload
	Artifact         *Artifact
	Source           *Source
	ApprovalRequest  *ApprovalRequestPayload
	ApprovalResponse *ApprovalResponsePayload
	Text             string
}

// ProgressPayload describes what the run is currently doing.
type ProgressPayload struct {
	// Stage names the current phase (e.g. "planning", "executing").
	Stage string
	// Detail is display text for the phase; may be empty, in which case
	// the event is ignored for correctness.
	Detail string
}

// Artifact is a normalized generated output: document, chart, or code.
type Artifact struct {
	Type      string         `json:"type"`
	Language  string         `json:"language,omitempty"`
	FileName  string         `json:"fileName,omitempty"`
	Content   string         `json:"content"`
	Title     string         `json:"title,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Source is a raw retrieval source node, accumulated during the run and
// resolved against [citation:uuid] markers afterwards.
type Source struct {
	UUID     string         `json:"uuid"`
	Title    string         `json:"title,omitempty"`
	Content  string         `json:"content,omitempty"`
	URL      string         `json:"url,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ApprovalRequestPayload asks for a human decision on a shell command the
// agent wants to run.
type ApprovalRequestPayload struct {
	Command string
}

// ApprovalResponsePayload carries the human decision back into a run.
type ApprovalResponsePayload struct {
	Execute bool
	Command string
}
