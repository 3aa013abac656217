package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/internal/observability"
	obs "github.com/conductor-dev/conductor/pkg/observability"
)

// Status is the terminal state of a pipeline execution.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// StepResult is the outcome of one executed step.
type StepResult struct {
	AgentID   string            `json:"agentId"`
	Output    string            `json:"output"`
	Success   bool              `json:"success"`
	TimedOut  bool              `json:"timedOut,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Artifacts []engine.Artifact `json:"artifacts,omitempty"`
	Citations []engine.Citation `json:"citations,omitempty"`
}

// Result is the structured outcome of a pipeline execution. A failed
// pipeline still yields a Result carrying everything that completed before
// the failure; Execute returns a bare error only for invalid configs or a
// cancelled context.
type Result struct {
	PipelineID    string            `json:"pipelineId"`
	Name          string            `json:"name"`
	Status        Status            `json:"status"`
	ExecutionTime time.Duration     `json:"executionTime"`
	Results       []StepResult      `json:"results"`
	FinalOutput   any               `json:"finalOutput,omitempty"`
	Artifacts     []engine.Artifact `json:"artifacts,omitempty"`
	Citations     []engine.Citation `json:"citations,omitempty"`
	Variables     map[string]any    `json:"variables,omitempty"`
	Log           []LogEntry        `json:"log"`
	Error         string            `json:"error,omitempty"`
}

// Coordinator executes pipelines over an agent runner, draining each
// step's run through the event engine. It is stateless across executions
// and safe for concurrent use.
type Coordinator struct {
	runner engine.Runner
	engine *engine.Engine
}

// NewCoordinator creates a coordinator over the given runner and engine.
func NewCoordinator(runner engine.Runner, eng *engine.Engine) *Coordinator {
	return &Coordinator{runner: runner, engine: eng}
}

// Execute runs one pipeline to completion. The config is validated first;
// an invalid config is rejected before any step runs. Step failures are
// routed through the configured failure policy and reported inside the
// returned Result rather than as an error.
func (c *Coordinator) Execute(ctx context.Context, cfg *Config, input string) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate pipeline: %w", err)
	}

	shared := NewSharedContext()

	ctx, span := observability.StartSpan(ctx, "pipeline.execute",
		trace.WithAttributes(
			attribute.String("pipeline.name", cfg.Name),
			attribute.String("pipeline.id", shared.PipelineID),
			attribute.String("pipeline.transition", string(cfg.Transition)),
			attribute.Int("pipeline.steps", len(cfg.Steps)),
		),
	)
	defer span.End()

	start := time.Now()
	log.Printf("pipeline %s (%s): starting %s execution with %d steps",
		cfg.Name, shared.PipelineID, cfg.Transition, len(cfg.Steps))

	var (
		results []StepResult
		aborted bool
		err     error
	)
	switch cfg.Transition {
	case TransitionParallel:
		results, err = c.runParallel(ctx, cfg, input, shared)
	case TransitionConditional:
		results, aborted, err = c.runConditional(ctx, cfg, input, shared)
	default:
		results, aborted, err = c.runSequential(ctx, cfg, input, shared)
	}
	if err != nil {
		return nil, err
	}

	res := c.aggregate(cfg, shared, results, aborted)
	res.ExecutionTime = time.Since(start)

	if cfg.MaxExecutionTime > 0 && res.ExecutionTime > cfg.MaxExecutionTime {
		log.Printf("pipeline %s (%s): execution took %s, over the %s budget",
			cfg.Name, shared.PipelineID, res.ExecutionTime, cfg.MaxExecutionTime)
	}

	span.SetAttributes(
		attribute.String("pipeline.status", string(res.Status)),
		attribute.Int("pipeline.results", len(res.Results)),
		attribute.Int64("pipeline.duration_ms", res.ExecutionTime.Milliseconds()),
	)
	log.Printf("pipeline %s (%s): finished with status %s in %s",
		cfg.Name, shared.PipelineID, res.Status, res.ExecutionTime)
	return res, nil
}

// runSequential executes steps in declaration order, feeding each step's
// output as the next step's input. aborted reports a failure-policy abort.
func (c *Coordinator) runSequential(ctx context.Context, cfg *Config, input string, shared *SharedContext) ([]StepResult, bool, error) {
	var results []StepResult
	current := input

	for i := range cfg.Steps {
		if err := ctx.Err(); err != nil {
			return nil, false, fmt.Errorf("pipeline %s cancelled: %w", cfg.Name, err)
		}

		step := &cfg.Steps[i]
		res := c.executeStep(ctx, cfg, step, current, shared)

		if !res.Success {
			switch cfg.FailurePolicy {
			case Continue:
				// The failed step still appears in the results; the
				// previous successful output carries forward unchanged.
				results = append(results, res)
				continue
			default:
				// FailFast, and Retry once attempts are exhausted: the
				// failure lives in the execution log only.
				return results, true, nil
			}
		}

		results = append(results, res)
		current = res.Output
	}
	return results, false, nil
}

// runParallel executes every step concurrently against the same initial
// input. One result is produced per step regardless of individual
// failures; goroutines never cancel their siblings.
func (c *Coordinator) runParallel(ctx context.Context, cfg *Config, input string, shared *SharedContext) ([]StepResult, error) {
	results := make([]StepResult, len(cfg.Steps))

	g, gctx := errgroup.WithContext(ctx)
	for i := range cfg.Steps {
		step := &cfg.Steps[i]
		idx := i
		g.Go(func() error {
			results[idx] = c.executeStep(gctx, cfg, step, input, shared)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Name, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pipeline %s cancelled: %w", cfg.Name, err)
	}
	return results, nil
}

// runConditional starts at the first step and follows each successful
// step's ConditionalNext edge until a step fails, names no successor, or
// the cycle guard trips. A tripped guard aborts the pipeline; everything
// that completed stays in the results.
func (c *Coordinator) runConditional(ctx context.Context, cfg *Config, input string, shared *SharedContext) ([]StepResult, bool, error) {
	var results []StepResult
	current := input
	step := &cfg.Steps[0]

	// Each step runs at most once per execution. Validate rejects cycles
	// statically; the guard backstops configs mutated after validation.
	visited := make(map[string]bool, len(cfg.Steps))

	for step != nil {
		if err := ctx.Err(); err != nil {
			return nil, false, fmt.Errorf("pipeline %s cancelled: %w", cfg.Name, err)
		}
		if visited[step.AgentID] {
			shared.RecordStep(step.AgentID, "", false, "conditional cycle detected", 0)
			return results, true, nil
		}
		visited[step.AgentID] = true

		res := c.executeStep(ctx, cfg, step, current, shared)
		if !res.Success {
			if cfg.FailurePolicy == Continue {
				results = append(results, res)
			}
			// A failed step has no successful branch to follow.
			return results, cfg.FailurePolicy != Continue, nil
		}

		results = append(results, res)
		current = res.Output

		if step.ConditionalNext == "" {
			break
		}
		next, _ := cfg.stepByID(step.ConditionalNext)
		step = next
	}
	return results, false, nil
}

// executeStep runs one step, applying transforms, the per-attempt timeout,
// and the retry policy, and records the outcome in the shared context.
func (c *Coordinator) executeStep(ctx context.Context, cfg *Config, step *Step, input string, shared *SharedContext) StepResult {
	if step.InputTransform != nil {
		input = step.InputTransform(input)
	}

	attempts := 1
	if cfg.FailurePolicy == Retry {
		attempts += step.RetryCount
	}

	var res StepResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res = c.attemptStep(ctx, step, input, shared)
		if res.Success || attempt == attempts {
			break
		}

		// Linear backoff between attempts.
		backoff := time.Duration(attempt) * retryBackoffUnit
		log.Printf("pipeline %s: step %s attempt %d/%d failed (%s), retrying in %s",
			cfg.Name, step.AgentID, attempt, attempts, res.Error, backoff)
		select {
		case <-ctx.Done():
			return res
		case <-time.After(backoff):
		}
	}

	shared.RecordStep(step.AgentID, res.Output, res.Success, res.Error, res.Duration)
	obs.RecordPipelineStep(cfg.Name, step.AgentID, res.Duration)
	return res
}

const retryBackoffUnit = 500 * time.Millisecond

// attemptStep performs a single execution attempt of a step.
func (c *Coordinator) attemptStep(ctx context.Context, step *Step, input string, shared *SharedContext) StepResult {
	res := StepResult{AgentID: step.AgentID}
	start := time.Now()

	runCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	run, err := c.runner.StartRun(runCtx, engine.RunRequest{
		Workflow: step.Workflow,
		Input:    input,
		History:  shared.Memory(),
	})
	if err != nil {
		res.Duration = time.Since(start)
		res.Error = fmt.Sprintf("start run: %v", err)
		res.TimedOut = errors.Is(err, context.DeadlineExceeded)
		return res
	}

	outcome, err := c.engine.Drain(runCtx, run, engine.DrainOptions{Workflow: step.Workflow})
	res.Duration = time.Since(start)
	if err != nil {
		res.Error = err.Error()
		res.TimedOut = errors.Is(err, context.DeadlineExceeded)
		return res
	}

	output := outcome.ResponseText
	if step.OutputTransform != nil {
		output = step.OutputTransform(output)
	}

	res.Success = true
	res.Output = output
	res.Artifacts = outcome.Artifacts
	res.Citations = outcome.Citations
	shared.AppendExchange(input, output)
	return res
}

// aggregate assembles the final Result from the per-step results and the
// shared context. Artifacts and citations accumulated across all steps are
// attached regardless of aggregation mode.
func (c *Coordinator) aggregate(cfg *Config, shared *SharedContext, results []StepResult, aborted bool) *Result {
	res := &Result{
		PipelineID: shared.PipelineID,
		Name:       cfg.Name,
		Status:     StatusSuccess,
		Results:    results,
		Variables:  shared.Variables(),
		Log:        shared.Log(),
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
		res.Artifacts = append(res.Artifacts, r.Artifacts...)
		res.Citations = append(res.Citations, r.Citations...)
	}

	if aborted || succeeded == 0 {
		res.Status = StatusFailure
		for i := len(res.Log) - 1; i >= 0; i-- {
			if !res.Log[i].Success {
				res.Error = fmt.Sprintf("step %s failed: %s", res.Log[i].AgentID, res.Log[i].Error)
				break
			}
		}
	}

	switch cfg.Aggregation {
	case AggregateAllSteps:
		outputs := make(map[string]string, len(results))
		failures := make(map[string]string)
		for _, r := range results {
			outputs[r.AgentID] = r.Output
			if !r.Success {
				failures[r.AgentID] = r.Error
			}
		}
		final := map[string]any{
			"outputs":   outputs,
			"variables": res.Variables,
		}
		if len(failures) > 0 {
			final["errors"] = failures
		}
		res.FinalOutput = final
	case AggregateCustom:
		res.FinalOutput = map[string]any{
			"results":   results,
			"variables": res.Variables,
			"log":       res.Log,
		}
	default:
		// last_step: the most recent successful output.
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].Success {
				res.FinalOutput = results[i].Output
				break
			}
		}
	}

	return res
}
