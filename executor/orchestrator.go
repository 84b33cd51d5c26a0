package executor

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openpanda/framebox/config"
	"github.com/openpanda/framebox/frame"
	"github.com/openpanda/framebox/policy"
	"github.com/openpanda/framebox/sandbox"
)

// Orchestrator validates scripts and runs them through an isolation backend.
// It is safe for concurrent use: every execution gets its own scratch state
// inside the backend, and the orchestrator itself holds no per-execution
// state.
type Orchestrator struct {
	logger   *zap.Logger
	config   *config.Config
	rules    *policy.RuleSet
	backend  sandbox.Executor
	fallback sandbox.Executor
}

// Option defines a functional option for Orchestrator
type Option func(*Orchestrator)

// WithBackend overrides the primary isolation backend
func WithBackend(backend sandbox.Executor) Option {
	return func(o *Orchestrator) {
		o.backend = backend
	}
}

// WithFallback overrides the fallback backend. Pass nil to disable fallback.
func WithFallback(fallback sandbox.Executor) Option {
	return func(o *Orchestrator) {
		o.fallback = fallback
	}
}

// New creates an Orchestrator from the application configuration.
func New(logger *zap.Logger, cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	sandboxCfg := &sandbox.Config{
		TimeoutSec:   cfg.Sandbox.TimeoutSec,
		MemoryMB:     cfg.Sandbox.MemoryMB,
		CPUSeconds:   cfg.Sandbox.CPUSeconds,
		MaxResultMB:  cfg.Sandbox.MaxResultMB,
		WorkerBinary: cfg.Sandbox.WorkerBinary,
		Image:        cfg.Sandbox.Image,
	}

	backend, err := sandbox.NewExecutor(logger, sandboxCfg, cfg.Sandbox.Backend)
	if err != nil {
		return nil, fmt.Errorf("creating isolation backend: %w", err)
	}

	o := &Orchestrator{
		logger:  logger,
		config:  cfg,
		rules:   policy.DefaultRules(),
		backend: backend,
	}

	// A container runtime that is absent or broken should degrade the
	// deployment, not break it: one retry on the subprocess backend.
	if cfg.Sandbox.Backend != sandbox.BackendSubprocess && cfg.Sandbox.FallbackToSubprocess {
		o.fallback = sandbox.NewSubprocessExecutor(logger, sandboxCfg)
	}

	for _, opt := range opts {
		opt(o)
	}

	return o, nil
}

// Validate statically checks a script against the policy without running it.
func (o *Orchestrator) Validate(script string) policy.Verdict {
	return o.rules.Validate(script)
}

// Execute runs one script against one dataset and returns the outcome.
// timeoutSec overrides the configured time budget when positive. A non-nil
// error means the request itself was unusable; everything that happened to
// the script is reported through the outcome.
func (o *Orchestrator) Execute(ctx context.Context, script string, dataset *frame.Frame, timeoutSec int) (sandbox.Outcome, error) {
	if dataset == nil {
		return sandbox.Outcome{}, fmt.Errorf("nil dataset")
	}

	executionID := uuid.NewString()
	log := o.logger.With(zap.String("execution_id", executionID))

	verdict := o.rules.Validate(script)
	if !verdict.Allowed {
		log.Info("script rejected by policy",
			zap.String("violation_kind", string(verdict.Kind)),
			zap.String("detail", verdict.Detail))
		return sandbox.Outcome{
			Status:        sandbox.StatusSecurityViolation,
			Message:       verdict.Detail,
			ViolationKind: verdict.Kind,
		}, nil
	}

	frameJSON, err := sandbox.MarshalFrame(dataset)
	if err != nil {
		return sandbox.Outcome{}, fmt.Errorf("preparing dataset snapshot: %w", err)
	}

	// Callers may shorten the time budget but never extend it past the
	// configured ceiling.
	if timeoutSec <= 0 || timeoutSec > o.config.Sandbox.TimeoutSec {
		timeoutSec = o.config.Sandbox.TimeoutSec
	}
	req := sandbox.Request{
		Script:      script,
		FrameJSON:   frameJSON,
		TimeoutSec:  timeoutSec,
		MemoryMB:    o.config.Sandbox.MemoryMB,
		CPUSeconds:  o.config.Sandbox.CPUSeconds,
		MaxResultMB: o.config.Sandbox.MaxResultMB,
	}

	log.Debug("dispatching script to sandbox",
		zap.Int("rows", dataset.NumRows()),
		zap.Int("columns", dataset.NumColumns()),
		zap.Int("timeout_sec", timeoutSec))

	outcome, err := o.backend.Execute(ctx, req)
	if err != nil {
		return sandbox.Outcome{}, fmt.Errorf("executing script: %w", err)
	}

	if outcome.Status == sandbox.StatusBoundaryError && o.fallback != nil {
		log.Warn("primary backend failed, retrying on subprocess backend",
			zap.String("message", outcome.Message))
		outcome, err = o.fallback.Execute(ctx, req)
		if err != nil {
			return sandbox.Outcome{}, fmt.Errorf("executing script on fallback backend: %w", err)
		}
	}

	log.Info("script execution finished",
		zap.String("status", string(outcome.Status)),
		zap.Duration("duration", outcome.Duration))
	return outcome, nil
}
