// Package conductor is the orchestration core for multi-user AI assistant
// services: it resolves which session each turn belongs to, drives agent
// runs through the event engine, mediates command approval, and executes
// multi-agent pipelines.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/internal/pipeline"
	"github.com/conductor-dev/conductor/pkg/config"
	"github.com/conductor-dev/conductor/pkg/observability"
	"github.com/conductor-dev/conductor/pkg/security"
	"github.com/conductor-dev/conductor/pkg/session"
)

// ErrRateLimited is returned when a user exceeds the submission budget.
var ErrRateLimited = errors.New("rate limit exceeded")

// ErrUnknownWorkflow is returned for turns targeting an undeclared workflow.
var ErrUnknownWorkflow = errors.New("unknown workflow")

// ErrUnknownPipeline is returned for submissions naming an unregistered
// pipeline.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Service wires the session authority, event engine, approval protocol,
// and pipeline coordinator into one orchestration core. All methods are
// safe for concurrent use.
type Service struct {
	cfg       *config.Config
	store     session.Store
	registry  *session.Registry
	authority *session.Authority
	engine    *engine.Engine
	protocol  *engine.Protocol
	coord     *pipeline.Coordinator
	runner    engine.Runner
	limiter   *security.RateLimiter

	mu        sync.RWMutex
	pipelines map[string]*pipeline.Config
}

// Option customizes service construction.
type Option func(*options)

type options struct {
	store    session.Store
	notifier engine.Notifier
}

// WithStore overrides the config-selected session store. Used by embedders
// and tests that bring their own backend.
func WithStore(store session.Store) Option {
	return func(o *options) { o.store = store }
}

// WithNotifier attaches a live-update channel for approval requests.
func WithNotifier(n engine.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// NewService assembles the orchestration core from configuration and an
// agent runner. The runner is the boundary to the agent/LLM execution
// runtime and must be provided by the embedder.
func NewService(cfg *config.Config, runner engine.Runner, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if runner == nil {
		return nil, errors.New("an agent runner is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	store := o.store
	if store == nil {
		var err error
		store, err = newStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	registry := session.NewRegistry(store)
	authority := session.NewAuthority(registry, store, cfg.Session.MaxMessages)

	s := &Service{
		cfg:       cfg,
		store:     store,
		registry:  registry,
		authority: authority,
		runner:    runner,
		limiter:   security.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		pipelines: make(map[string]*pipeline.Config),
	}

	protocol := engine.NewProtocol(security.NewCommandValidator(), s.recordApprovalNote, o.notifier)
	s.protocol = protocol
	s.engine = engine.NewEngine(protocol)
	s.coord = pipeline.NewCoordinator(runner, s.engine)

	for _, spec := range cfg.Pipelines {
		pc := pipelineFromSpec(spec)
		if err := pc.Validate(); err != nil {
			return nil, fmt.Errorf("configured pipeline %s: %w", spec.Name, err)
		}
		s.pipelines[pc.Name] = pc
	}

	return s, nil
}

// newStore builds the session store selected by configuration.
func newStore(cfg *config.Config) (session.Store, error) {
	switch cfg.Session.Backend {
	case "redis":
		store, err := session.NewRedisStore(session.RedisConfig{
			Addr:       cfg.Session.Redis.Addr,
			Password:   cfg.Session.Redis.Password,
			DB:         cfg.Session.Redis.DB,
			Prefix:     cfg.Session.Redis.KeyPrefix,
			SessionTTL: cfg.Session.Redis.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("create redis session store: %w", err)
		}
		return store, nil
	default:
		store, err := session.NewFileStore(cfg.Session.DataDir)
		if err != nil {
			return nil, fmt.Errorf("create file session store: %w", err)
		}
		return store, nil
	}
}

// Start begins background work: the registry's orphan sweep.
func (s *Service) Start() error {
	if err := s.registry.StartSweeper(s.cfg.Session.SweepInterval); err != nil {
		return fmt.Errorf("start session sweeper: %w", err)
	}
	log.Printf("conductor: started (backend=%s, sweep=%s)", s.cfg.Session.Backend, s.cfg.Session.SweepInterval)
	return nil
}

// Close stops background work and releases the session store.
func (s *Service) Close() error {
	s.registry.StopSweeper()
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close session store: %w", err)
	}
	return nil
}

// HealthChecker builds the service's health probes.
func (s *Service) HealthChecker() *observability.HealthChecker {
	hc := observability.NewHealthChecker()
	hc.RegisterCheck(observability.StoreCheck(func(ctx context.Context) error {
		if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
			return p.Ping(ctx)
		}
		// The file backend has no connection to probe; a listable base
		// directory is the equivalent signal.
		_, err := s.store.List(ctx, "healthcheck", session.ListOptions{Limit: 1})
		return err
	}))
	return hc
}

// RegisterPipeline adds or replaces a named pipeline at runtime.
func (s *Service) RegisterPipeline(cfg *pipeline.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("register pipeline: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[cfg.Name] = cfg
	return nil
}

// Pipeline returns a registered pipeline config by name.
func (s *Service) Pipeline(name string) (*pipeline.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pc, ok := s.pipelines[name]
	return pc, ok
}

// SubmitPipeline executes a registered pipeline by name on behalf of a
// user. A positive timeout bounds the whole execution.
func (s *Service) SubmitPipeline(ctx context.Context, userID, name, input string, timeout time.Duration) (*pipeline.Result, error) {
	pc, ok := s.Pipeline(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return s.ExecutePipeline(ctx, userID, pc, input, timeout)
}

// ExecutePipeline executes an inline pipeline config on behalf of a user.
func (s *Service) ExecutePipeline(ctx context.Context, userID string, pc *pipeline.Config, input string, timeout time.Duration) (*pipeline.Result, error) {
	if !s.limiter.Allow(userID) {
		observability.RecordRateLimitRejection()
		return nil, fmt.Errorf("pipeline %s for user %s: %w", pc.Name, userID, ErrRateLimited)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := s.coord.Execute(ctx, pc, input)
	if err != nil {
		observability.RecordPipelineExecution(pc.Name, "error", time.Since(start))
		return nil, err
	}
	observability.RecordPipelineExecution(pc.Name, string(res.Status), res.ExecutionTime)
	return res, nil
}

// Sessions lists a user's sessions for a workflow, most recent first.
func (s *Service) Sessions(ctx context.Context, workflow, userID string, limit int) ([]*session.SessionData, error) {
	return s.store.List(ctx, workflow, session.ListOptions{UserID: userID, Limit: limit})
}

// EndSession releases the active-session claim without deleting history.
func (s *Service) EndSession(workflow, userID, sessionID string) {
	s.authority.Shutdown(workflow, userID, sessionID)
	observability.SetActiveSessions(s.registry.Len())
}

// DeleteSession removes a session's persisted history and, if it was the
// active one, its registration.
func (s *Service) DeleteSession(ctx context.Context, workflow, userID, sessionID string) error {
	if s.registry.IsActive(userID, workflow, sessionID) {
		s.registry.Unregister(userID, workflow)
	}
	if err := s.store.Delete(ctx, workflow, sessionID); err != nil {
		return fmt.Errorf("delete session %s/%s: %w", workflow, sessionID, err)
	}
	observability.SetActiveSessions(s.registry.Len())
	return nil
}

// recordApprovalNote persists an approval-protocol message into the
// approval's session history.
func (s *Service) recordApprovalNote(ctx context.Context, a *engine.Approval, note string) error {
	sess, err := s.store.Load(ctx, a.Workflow, a.SessionID)
	if err != nil {
		return fmt.Errorf("load session for approval note: %w", err)
	}
	msg := session.NewMessage(session.RoleAssistant, note)
	msg.Metadata = map[string]any{"approvalId": a.ID, "approvalState": string(a.State)}
	return s.authority.AppendAndSave(ctx, sess, msg)
}

// pipelineFromSpec converts a configuration pipeline spec to an executable
// pipeline config.
func pipelineFromSpec(spec config.PipelineSpec) *pipeline.Config {
	steps := make([]pipeline.Step, 0, len(spec.Steps))
	for _, st := range spec.Steps {
		steps = append(steps, pipeline.Step{
			AgentID:         st.AgentID,
			Workflow:        st.Workflow,
			Timeout:         st.Timeout,
			RetryCount:      st.RetryCount,
			ConditionalNext: st.ConditionalNext,
		})
	}
	transition := pipeline.TransitionType(spec.Transition)
	if transition == "" {
		transition = pipeline.TransitionSequential
	}
	return &pipeline.Config{
		Name:             spec.Name,
		Steps:            steps,
		Transition:       transition,
		MaxExecutionTime: spec.MaxExecutionTime,
		FailurePolicy:    pipeline.FailurePolicy(spec.FailurePolicy),
		Aggregation:      pipeline.Aggregation(spec.Aggregation),
	}
}
