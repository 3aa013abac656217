package main

import (
	"context"
	"fmt"

	"github.com/conductor-dev/conductor/internal/engine"
)

// echoRunner is a development stand-in for an agent runtime: every run
// streams its input back as the response. It exists so the service can be
// smoke-tested end to end without an LLM backend attached.
type echoRunner struct{}

func newEchoRunner() engine.Runner { return &echoRunner{} }

func (r *echoRunner) StartRun(ctx context.Context, req engine.RunRequest) (engine.Run, error) {
	text := fmt.Sprintf("echo(%s): %s", req.Workflow, req.Input)

	events := make(chan engine.Event, 2)
	events <- engine.Event{Kind: engine.KindTextDelta, Text: text}
	events <- engine.Event{Kind: engine.KindCompleted}
	close(events)

	return &echoRun{events: events, text: text}, nil
}

type echoRun struct {
	events chan engine.Event
	text   string
}

func (r *echoRun) Events() <-chan engine.Event { return r.events }

func (r *echoRun) Result(ctx context.Context) (*engine.Result, error) {
	return &engine.Result{Text: r.text}, nil
}
