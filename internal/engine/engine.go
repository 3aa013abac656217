package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/conductor-dev/conductor/internal/observability"
)

// Outcome is the structured result of draining one agent run.
type Outcome struct {
	// ResponseText is the assembled assistant response, with citation
	// markers already resolved to [n] references.
	ResponseText string
	// Planning is the last progress/planning text seen on the stream.
	Planning string
	// Artifacts are the generated outputs collected during the run.
	Artifacts []Artifact
	// Citations are resolved from sources and markers in ResponseText.
	Citations []Citation
	// Approval is non-nil when the run paused on a human-approval
	// request; the run's final value was deliberately not awaited.
	Approval *Approval
	// Rejections lists security notices for approval responses that were
	// dropped instead of forwarded.
	Rejections []string
}

// Intercepted reports whether the run stopped on an approval request.
func (o *Outcome) Intercepted() bool { return o.Approval != nil }

// DrainOptions configures one Drain call.
type DrainOptions struct {
	// Workflow/UserID/SessionID identify the turn, for approval snapshots
	// and error wrapping.
	Workflow  string
	UserID    string
	SessionID string
	// AllowApproval enables the human-in-the-loop sub-protocol. Only
	// workflows that declare the capability should set it; otherwise
	// approval-request events are treated as unknown.
	AllowApproval bool
	// OnProgress, when set, receives each non-empty progress detail.
	OnProgress func(stage, detail string)
}

// Engine drives one agent run to completion, classifying its event stream
// and falling back to the terminal value for whatever the stream did not
// carry. Engine is stateless across calls and safe for concurrent use.
type Engine struct {
	protocol *Protocol
}

// NewEngine creates an engine using the given approval protocol.
func NewEngine(protocol *Protocol) *Engine {
	return &Engine{protocol: protocol}
}

// responseFallbackLen is the response length below which the terminal
// value is consulted for text the stream did not deliver.
const responseFallbackLen = 2

// Drain consumes the run's event stream to exhaustion and returns the
// classified outcome.
//
// The stream is always drained fully rather than stopping on a completion
// marker: some runtimes emit artifacts after logical completion. The one
// exception is an approval request, which returns immediately without
// awaiting the run's final value — resuming is the caller's job, via a
// fresh run carrying the human decision.
func (e *Engine) Drain(ctx context.Context, run Run, opts DrainOptions) (*Outcome, error) {
	ctx, span := observability.StartSpan(ctx, "engine.drain",
		trace.WithAttributes(
			attribute.String("workflow", opts.Workflow),
			attribute.String("session.id", opts.SessionID),
			attribute.Bool("approval.enabled", opts.AllowApproval),
		),
	)
	defer span.End()

	start := time.Now()
	out := &Outcome{}
	var sources []Source
	var text string

drain:
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("drain run for %s/%s: %w", opts.Workflow, opts.SessionID, ctx.Err())
		case ev, ok := <-run.Events():
			if !ok {
				break drain
			}

			switch ev.Kind {
			case KindProgress:
				if ev.Progress != nil && ev.Progress.Detail != "" {
					out.Planning = ev.Progress.Detail
					if opts.OnProgress != nil {
						opts.OnProgress(ev.Progress.Stage, ev.Progress.Detail)
					}
				}

			case KindArtifact:
				if a, err := normalizeArtifact(ev.Artifact); err != nil {
					// Extraction failures skip the event, never the run.
					log.Printf("engine: skipping malformed artifact event for %s/%s: %v", opts.Workflow, opts.SessionID, err)
				} else {
					out.Artifacts = append(out.Artifacts, *a)
				}

			case KindSource:
				if ev.Source != nil {
					sources = append(sources, *ev.Source)
				}

			case KindApprovalRequest:
				if !opts.AllowApproval || ev.ApprovalRequest == nil {
					log.Printf("engine: ignoring approval request from %s/%s: capability not declared", opts.Workflow, opts.SessionID)
					continue
				}
				// Deliberate early return: the run's completion stays
				// pending until a later invocation supplies the decision.
				out.Approval = e.protocol.Request(ctx, opts.Workflow, opts.UserID, opts.SessionID, ev.ApprovalRequest.Command)
				out.ResponseText, out.Citations = ResolveCitations(text, sources)
				span.SetAttributes(attribute.Bool("approval.intercepted", true))
				return out, nil

			case KindApprovalResponse:
				if forwarded, notice := e.protocol.Vet(ev.ApprovalResponse); forwarded == nil && notice != "" {
					out.Rejections = append(out.Rejections, notice)
				}

			case KindTextDelta:
				text += ev.Text

			case KindCompleted:
				// Keep draining: late artifact events are legitimate.

			default:
				log.Printf("engine: unrecognized event kind %q from %s/%s", ev.Kind, opts.Workflow, opts.SessionID)
			}
		}
	}

	result, err := run.Result(ctx)
	if err != nil {
		return nil, fmt.Errorf("await run result for %s/%s: %w", opts.Workflow, opts.SessionID, err)
	}

	// Two-tier extraction: prefer the stream, fall back to the terminal
	// value for anything the stream did not surface.
	if result != nil {
		if len(text) <= responseFallbackLen && result.Text != "" {
			text = result.Text
		}
		if len(out.Artifacts) == 0 {
			out.Artifacts = append(out.Artifacts, result.Artifacts...)
		}
		if len(sources) == 0 {
			sources = append(sources, result.Sources...)
		}
	}

	out.ResponseText, out.Citations = ResolveCitations(text, sources)

	span.SetAttributes(
		attribute.Int("artifacts.count", len(out.Artifacts)),
		attribute.Int("citations.count", len(out.Citations)),
		attribute.Int64("drain.duration_ms", time.Since(start).Milliseconds()),
	)
	return out, nil
}

// normalizeArtifact validates a raw artifact event and fills defaults.
func normalizeArtifact(a *Artifact) (*Artifact, error) {
	if a == nil {
		return nil, fmt.Errorf("artifact event carries no payload")
	}
	if a.Content == "" {
		return nil, fmt.Errorf("artifact %q has no content", a.FileName)
	}

	norm := *a
	if norm.Type == "" {
		norm.Type = "file"
	}
	if norm.CreatedAt.IsZero() {
		norm.CreatedAt = time.Now().UTC()
	}
	return &norm, nil
}
