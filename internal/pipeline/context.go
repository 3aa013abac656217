package pipeline

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-dev/conductor/pkg/session"
)

// LogEntry is one record in a pipeline's execution log. Every executed
// step appends exactly one entry, success or failure.
type LogEntry struct {
	AgentID   string        `json:"agentId"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
}

// SharedContext is the memory shared across one pipeline execution:
// accumulated conversation history, an arbitrary variable bag, the
// execution log, and per-step outputs keyed by agent ID. All methods are
// safe for concurrent use; parallel steps write through the same context.
type SharedContext struct {
	// PipelineID identifies this execution.
	PipelineID string

	mu        sync.Mutex
	memory    []*session.Message
	variables map[string]any
	log       []LogEntry
	outputs   map[string]string
}

// NewSharedContext creates an empty shared context with a fresh pipeline ID.
func NewSharedContext() *SharedContext {
	return &SharedContext{
		PipelineID: uuid.New().String(),
		variables:  make(map[string]any),
		outputs:    make(map[string]string),
	}
}

// AppendExchange records one step's input/output pair as a user/assistant
// message pair in the shared conversation memory.
func (c *SharedContext) AppendExchange(input, output string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.memory = append(c.memory,
		session.NewMessage(session.RoleUser, input),
		session.NewMessage(session.RoleAssistant, output),
	)
}

// Memory returns a snapshot of the shared conversation history, oldest
// first, suitable for passing as run history to a downstream step.
func (c *SharedContext) Memory() []*session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*session.Message, len(c.memory))
	copy(out, c.memory)
	return out
}

// SetVariable stores a value in the shared variable bag.
func (c *SharedContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[key] = value
}

// Variable returns a value from the shared variable bag.
func (c *SharedContext) Variable(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[key]
	return v, ok
}

// Variables returns a snapshot of the shared variable bag.
func (c *SharedContext) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// RecordStep appends the step's log entry and, on success, stores its
// output for downstream steps.
func (c *SharedContext) RecordStep(agentID, output string, success bool, errText string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, LogEntry{
		AgentID:   agentID,
		Success:   success,
		Error:     errText,
		Duration:  duration,
		Timestamp: time.Now().UTC(),
	})
	if success {
		c.outputs[agentID] = output
	}
}

// Output returns a step's recorded output by agent ID.
func (c *SharedContext) Output(agentID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.outputs[agentID]
	return out, ok
}

// Log returns a snapshot of the execution log in append order.
func (c *SharedContext) Log() []LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]LogEntry, len(c.log))
	copy(out, c.log)
	return out
}
