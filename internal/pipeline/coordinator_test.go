package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/engine"
	obs "github.com/conductor-dev/conductor/pkg/observability"
	"github.com/conductor-dev/conductor/pkg/security"
)

// scriptRunner answers runs from a per-workflow script and records every
// request it sees.
type scriptRunner struct {
	mu       sync.Mutex
	requests []engine.RunRequest
	handle   func(req engine.RunRequest) (*engine.Result, error)
}

func (r *scriptRunner) StartRun(ctx context.Context, req engine.RunRequest) (engine.Run, error) {
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	result, err := r.handle(req)
	if err != nil {
		return nil, err
	}
	return newScriptRun(result), nil
}

func (r *scriptRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}

type scriptRun struct {
	events chan engine.Event
	result *engine.Result
}

func newScriptRun(result *engine.Result) *scriptRun {
	events := make(chan engine.Event, 4)
	events <- engine.Event{Kind: engine.KindTextDelta, Text: result.Text}
	for i := range result.Artifacts {
		events <- engine.Event{Kind: engine.KindArtifact, Artifact: &result.Artifacts[i]}
	}
	events <- engine.Event{Kind: engine.KindCompleted}
	close(events)
	return &scriptRun{events: events, result: result}
}

func (r *scriptRun) Events() <-chan engine.Event { return r.events }

func (r *scriptRun) Result(ctx context.Context) (*engine.Result, error) {
	return r.result, nil
}

// hangingRun never produces events and never closes, for timeout tests.
type hangingRun struct{ events chan engine.Event }

func (r *hangingRun) Events() <-chan engine.Event { return r.events }

func (r *hangingRun) Result(ctx context.Context) (*engine.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newTestCoordinator(handle func(req engine.RunRequest) (*engine.Result, error)) (*Coordinator, *scriptRunner) {
	runner := &scriptRunner{handle: handle}
	eng := engine.NewEngine(engine.NewProtocol(security.NewCommandValidator(), nil, nil))
	return NewCoordinator(runner, eng), runner
}

func echoHandler(req engine.RunRequest) (*engine.Result, error) {
	return &engine.Result{Text: req.Workflow + ":" + req.Input}, nil
}

func TestSequentialChainsOutputs(t *testing.T) {
	coord, runner := newTestCoordinator(echoHandler)

	cfg := &Config{
		Name:       "chain",
		Transition: TransitionSequential,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "wb"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Results, 2)
	assert.Equal(t, "wa:start", res.Results[0].Output)
	assert.Equal(t, "wb:wa:start", res.Results[1].Output)
	assert.Equal(t, "wb:wa:start", res.FinalOutput)
	assert.Equal(t, 2, runner.callCount())
	assert.Len(t, res.Log, 2)
}

func TestTransformsApplied(t *testing.T) {
	coord, _ := newTestCoordinator(echoHandler)

	cfg := &Config{
		Name:       "transforms",
		Transition: TransitionSequential,
		Steps: []Step{{
			AgentID:         "a",
			Workflow:        "wa",
			InputTransform:  func(s string) string { return "in(" + s + ")" },
			OutputTransform: func(s string) string { return "out(" + s + ")" },
		}},
	}

	res, err := coord.Execute(context.Background(), cfg, "x")
	require.NoError(t, err)

	assert.Equal(t, "out(wa:in(x))", res.FinalOutput)
}

func TestFailFastOmitsFailedStepFromResults(t *testing.T) {
	coord, runner := newTestCoordinator(func(req engine.RunRequest) (*engine.Result, error) {
		if req.Workflow == "boom" {
			return nil, errors.New("agent unavailable")
		}
		return echoHandler(req)
	})

	cfg := &Config{
		Name:          "failing",
		Transition:    TransitionSequential,
		FailurePolicy: FailFast,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "boom"},
			{AgentID: "c", Workflow: "wc"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	assert.Equal(t, StatusFailure, res.Status)
	// Only the successful step appears in the results; the failure lives
	// in the execution log.
	require.Len(t, res.Results, 1)
	assert.Equal(t, "a", res.Results[0].AgentID)
	require.Len(t, res.Log, 2)
	assert.False(t, res.Log[1].Success)
	assert.Contains(t, res.Error, "b")
	// Step c never ran.
	assert.Equal(t, 2, runner.callCount())
}

func TestContinueCarriesInputPastFailure(t *testing.T) {
	coord, _ := newTestCoordinator(func(req engine.RunRequest) (*engine.Result, error) {
		if req.Workflow == "boom" {
			return nil, errors.New("agent unavailable")
		}
		return echoHandler(req)
	})

	cfg := &Config{
		Name:          "tolerant",
		Transition:    TransitionSequential,
		FailurePolicy: Continue,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "boom"},
			{AgentID: "c", Workflow: "wc"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Results, 3)
	assert.False(t, res.Results[1].Success)
	// Step c received step a's output, not the failed step's.
	assert.Equal(t, "wc:wa:start", res.Results[2].Output)
}

func TestRetryReexecutesFailingStep(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	coord, _ := newTestCoordinator(func(req engine.RunRequest) (*engine.Result, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return echoHandler(req)
	})

	cfg := &Config{
		Name:          "retrying",
		Transition:    TransitionSequential,
		FailurePolicy: Retry,
		Steps:         []Step{{AgentID: "a", Workflow: "wa", RetryCount: 2}},
	}

	res, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, res.Status)
	require.Len(t, res.Results, 1)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, 3, attempts)
}

func TestParallelProducesResultPerStep(t *testing.T) {
	coord, _ := newTestCoordinator(func(req engine.RunRequest) (*engine.Result, error) {
		if req.Workflow == "boom" {
			return nil, errors.New("agent unavailable")
		}
		return echoHandler(req)
	})

	cfg := &Config{
		Name:       "fanout",
		Transition: TransitionParallel,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "boom"},
			{AgentID: "c", Workflow: "wc"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	// One result per step regardless of the failure; positions match the
	// step declaration order.
	require.Len(t, res.Results, 3)
	assert.True(t, res.Results[0].Success)
	assert.False(t, res.Results[1].Success)
	assert.True(t, res.Results[2].Success)
	assert.Equal(t, StatusSuccess, res.Status)

	// Every step saw the same initial input.
	assert.Equal(t, "wa:start", res.Results[0].Output)
	assert.Equal(t, "wc:start", res.Results[2].Output)
}

func TestConditionalFollowsNext(t *testing.T) {
	coord, _ := newTestCoordinator(echoHandler)

	cfg := &Config{
		Name:       "branching",
		Transition: TransitionConditional,
		Steps: []Step{
			{AgentID: "triage", Workflow: "wt", ConditionalNext: "resolve"},
			{AgentID: "escalate", Workflow: "we"},
			{AgentID: "resolve", Workflow: "wr"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "ticket")
	require.NoError(t, err)

	require.Len(t, res.Results, 2)
	assert.Equal(t, "triage", res.Results[0].AgentID)
	assert.Equal(t, "resolve", res.Results[1].AgentID)
	assert.Equal(t, "wr:wt:ticket", res.FinalOutput)
}

func TestConditionalCycleRejectedBeforeExecution(t *testing.T) {
	coord, runner := newTestCoordinator(echoHandler)

	cfg := &Config{
		Name:       "looping",
		Transition: TransitionConditional,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa", ConditionalNext: "b"},
			{AgentID: "b", Workflow: "wb", ConditionalNext: "a"},
		},
	}

	_, err := coord.Execute(context.Background(), cfg, "start")
	assert.ErrorContains(t, err, "cycle")
	assert.Equal(t, 0, runner.callCount())
}

func TestStepTimeout(t *testing.T) {
	eng := engine.NewEngine(engine.NewProtocol(security.NewCommandValidator(), nil, nil))
	coord := NewCoordinator(&hangingRunner{}, eng)

	cfg := &Config{
		Name:          "slow",
		Transition:    TransitionSequential,
		FailurePolicy: Continue,
		Steps:         []Step{{AgentID: "a", Workflow: "wa", Timeout: 30 * time.Millisecond}},
	}

	res, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Success)
	assert.True(t, res.Results[0].TimedOut)
	assert.Equal(t, StatusFailure, res.Status)
}

type hangingRunner struct{}

func (r *hangingRunner) StartRun(ctx context.Context, req engine.RunRequest) (engine.Run, error) {
	return &hangingRun{events: make(chan engine.Event)}, nil
}

func TestInvalidConfigRejectedBeforeExecution(t *testing.T) {
	coord, runner := newTestCoordinator(echoHandler)

	cfg := &Config{Name: "broken", Transition: TransitionSequential}
	_, err := coord.Execute(context.Background(), cfg, "start")

	assert.Error(t, err)
	assert.Equal(t, 0, runner.callCount())
}

func TestAggregateAllSteps(t *testing.T) {
	coord, _ := newTestCoordinator(echoHandler)

	cfg := &Config{
		Name:        "gather",
		Transition:  TransitionParallel,
		Aggregation: AggregateAllSteps,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "wb"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "x")
	require.NoError(t, err)

	final, ok := res.FinalOutput.(map[string]any)
	require.True(t, ok)
	outputs, ok := final["outputs"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "wa:x", outputs["a"])
	assert.Equal(t, "wb:x", outputs["b"])
}

func TestAggregateAllStepsIncludesFailures(t *testing.T) {
	coord, _ := newTestCoordinator(func(req engine.RunRequest) (*engine.Result, error) {
		if req.Workflow == "boom" {
			return nil, errors.New("agent unavailable")
		}
		return echoHandler(req)
	})

	cfg := &Config{
		Name:          "gather",
		Transition:    TransitionSequential,
		FailurePolicy: Continue,
		Aggregation:   AggregateAllSteps,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "boom"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "x")
	require.NoError(t, err)

	final, ok := res.FinalOutput.(map[string]any)
	require.True(t, ok)
	outputs := final["outputs"].(map[string]string)
	assert.Equal(t, "wa:x", outputs["a"])
	// The failed step is still present, with its error alongside.
	assert.Contains(t, outputs, "b")
	assert.Empty(t, outputs["b"])
	failures := final["errors"].(map[string]string)
	assert.Contains(t, failures["b"], "agent unavailable")
}

func TestStepDurationsRecorded(t *testing.T) {
	obs.InitMetrics()
	coord, _ := newTestCoordinator(echoHandler)

	cfg := &Config{
		Name:       "timed",
		Transition: TransitionSequential,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "wb"},
		},
	}

	_, err := coord.Execute(context.Background(), cfg, "start")
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "conductor_pipeline_step_duration_seconds")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, 2)
}

func TestArtifactsAccumulateAcrossSteps(t *testing.T) {
	coord, _ := newTestCoordinator(func(req engine.RunRequest) (*engine.Result, error) {
		return &engine.Result{
			Text:      req.Workflow + ":" + req.Input,
			Artifacts: []engine.Artifact{{FileName: req.Workflow + ".md", Content: "doc"}},
		}, nil
	})

	cfg := &Config{
		Name:        "artifacts",
		Transition:  TransitionSequential,
		Aggregation: AggregateLastStep,
		Steps: []Step{
			{AgentID: "a", Workflow: "wa"},
			{AgentID: "b", Workflow: "wb"},
		},
	}

	res, err := coord.Execute(context.Background(), cfg, "x")
	require.NoError(t, err)

	// Intermediate artifacts survive last_step aggregation.
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, "wa.md", res.Artifacts[0].FileName)
	assert.Equal(t, "wb.md", res.Artifacts[1].FileName)
}

func TestSharedContextConcurrentAccess(t *testing.T) {
	sc := NewSharedContext()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sc.AppendExchange("in", "out")
			sc.SetVariable("k", n)
			sc.RecordStep("agent", "out", true, "", time.Millisecond)
		}(i)
	}
	wg.Wait()

	assert.Len(t, sc.Memory(), 32)
	assert.Len(t, sc.Log(), 16)
	_, ok := sc.Variable("k")
	assert.True(t, ok)
}
