// Package pipeline orchestrates ordered multi-agent step execution:
// sequential chains, parallel fan-out, and conditional branching over an
// opaque agent-run abstraction, with shared memory across steps and
// configurable failure and aggregation policies.
package pipeline

import (
	"fmt"
	"time"
)

// TransitionType selects how a pipeline moves between steps.
type TransitionType string

const (
	TransitionSequential  TransitionType = "sequential"
	TransitionParallel    TransitionType = "parallel"
	TransitionConditional TransitionType = "conditional"
)

// FailurePolicy controls what a step failure does to the pipeline.
type FailurePolicy string

const (
	// FailFast aborts the pipeline on the first failing step.
	FailFast FailurePolicy = "fail_fast"
	// Continue proceeds to the next step, carrying the previous
	// successful input forward.
	Continue FailurePolicy = "continue"
	// Retry re-executes a failing step up to its RetryCount before
	// aborting like FailFast.
	Retry FailurePolicy = "retry"
)

// Aggregation selects how the final output is assembled.
type Aggregation string

const (
	// AggregateLastStep returns the last successful step's output.
	AggregateLastStep Aggregation = "last_step"
	// AggregateAllSteps returns every executed step's output plus the
	// shared variable bag; failed steps carry an empty output and an
	// errors entry.
	AggregateAllSteps Aggregation = "all_steps"
	// AggregateCustom returns the raw execution results plus the shared
	// context, for callers that post-process themselves.
	AggregateCustom Aggregation = "custom"
)

// Transform rewrites a step's input or output text. Transforms are part of
// programmatic configuration only and never serialized.
type Transform func(string) string

// Step is one immutable node in a pipeline graph.
type Step struct {
	// AgentID is unique within the pipeline.
	AgentID string `yaml:"agent_id" json:"agent_id"`
	// Workflow names the agent pipeline this step invokes.
	Workflow string `yaml:"workflow" json:"workflow"`
	// InputTransform rewrites the step input before the run starts.
	InputTransform Transform `yaml:"-" json:"-"`
	// OutputTransform rewrites the step output before it is passed on.
	OutputTransform Transform `yaml:"-" json:"-"`
	// Timeout bounds one execution attempt (0 = no per-step bound).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// RetryCount is the number of re-executions under the Retry policy.
	// Reserved (ignored) under the other policies.
	RetryCount int `yaml:"retry_count" json:"retry_count"`
	// ConditionalNext names the step control moves to after this step
	// succeeds, for conditional pipelines. Empty terminates the pipeline.
	ConditionalNext string `yaml:"conditional_next,omitempty" json:"conditional_next,omitempty"`
}

// Config describes one pipeline.
type Config struct {
	Name       string         `yaml:"name" json:"name"`
	Steps      []Step         `yaml:"steps" json:"steps"`
	Transition TransitionType `yaml:"transition" json:"transition"`
	// MaxExecutionTime is an advisory overall budget. The coordinator
	// does not enforce it; callers that need a hard wall-clock bound
	// wrap Execute in a deadline context.
	MaxExecutionTime time.Duration `yaml:"max_execution_time" json:"max_execution_time"`
	FailurePolicy    FailurePolicy `yaml:"failure_policy" json:"failure_policy"`
	Aggregation      Aggregation   `yaml:"aggregation" json:"aggregation"`
}

// Validate checks structural invariants: steps non-empty, agent IDs
// unique, conditional references resolvable and acyclic, enums known. A
// config that fails validation is rejected before any step runs.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("pipeline name is required")
	}
	if len(c.Steps) == 0 {
		return fmt.Errorf("pipeline %s: at least one step is required", c.Name)
	}

	ids := make(map[string]bool, len(c.Steps))
	for i, step := range c.Steps {
		if step.AgentID == "" {
			return fmt.Errorf("pipeline %s: step %d has no agent_id", c.Name, i)
		}
		if step.Workflow == "" {
			return fmt.Errorf("pipeline %s: step %s has no workflow", c.Name, step.AgentID)
		}
		if ids[step.AgentID] {
			return fmt.Errorf("pipeline %s: duplicate agent_id %s", c.Name, step.AgentID)
		}
		ids[step.AgentID] = true
		if step.RetryCount < 0 {
			return fmt.Errorf("pipeline %s: step %s has negative retry_count", c.Name, step.AgentID)
		}
	}

	for _, step := range c.Steps {
		if step.ConditionalNext != "" && !ids[step.ConditionalNext] {
			return fmt.Errorf("pipeline %s: step %s references unknown step %s", c.Name, step.AgentID, step.ConditionalNext)
		}
	}

	switch c.Transition {
	case TransitionSequential, TransitionParallel, TransitionConditional:
	default:
		return fmt.Errorf("pipeline %s: unknown transition type %q", c.Name, c.Transition)
	}

	if c.Transition == TransitionConditional {
		// The chain from the first step is statically followable; a
		// revisited step means the conditional_next edges could never
		// terminate.
		seen := make(map[string]bool, len(c.Steps))
		step := &c.Steps[0]
		for step != nil {
			if seen[step.AgentID] {
				return fmt.Errorf("pipeline %s: conditional_next edges form a cycle at step %s", c.Name, step.AgentID)
			}
			seen[step.AgentID] = true
			if step.ConditionalNext == "" {
				break
			}
			step, _ = c.stepByID(step.ConditionalNext)
		}
	}

	switch c.FailurePolicy {
	case FailFast, Continue, Retry, "":
	default:
		return fmt.Errorf("pipeline %s: unknown failure policy %q", c.Name, c.FailurePolicy)
	}

	switch c.Aggregation {
	case AggregateLastStep, AggregateAllSteps, AggregateCustom, "":
	default:
		return fmt.Errorf("pipeline %s: unknown aggregation %q", c.Name, c.Aggregation)
	}

	return nil
}

// stepByID returns the step with the given agent ID.
func (c *Config) stepByID(id string) (*Step, bool) {
	for i := range c.Steps {
		if c.Steps[i].AgentID == id {
			return &c.Steps[i], true
		}
	}
	return nil, false
}
