package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"webagentaa/internal/core"
)

// Backend executes one natural-language prompt in a browser session.
type Backend interface {
	Execute(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error)
}

// Negotiator reports whether a backend can honour the remote settings of a config.
type Negotiator interface {
	Negotiate(ctx context.Context, cfg core.ExecutionConfig) core.Negotiation
}

// Dispatcher runs eligible tasks through a backend and aggregates their outcomes.
type Dispatcher struct {
	backend    Backend
	negotiator Negotiator
	logger     *zap.Logger
	progress   Progress
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger.With(zap.String("component", "dispatcher"))
		}
	}
}

// WithProgress sets the task lifecycle observer.
func WithProgress(progress Progress) Option {
	return func(d *Dispatcher) {
		if progress != nil {
			d.progress = progress
		}
	}
}

// WithSleeper replaces the inter-task delay implementation.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// WithClock replaces the time source used for outcome timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithNegotiator overrides the capability negotiator. By default the backend
// is used when it implements Negotiator.
func WithNegotiator(negotiator Negotiator) Option {
	return func(d *Dispatcher) {
		d.negotiator = negotiator
	}
}

// New creates a dispatcher for backend.
func New(backend Backend, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backend:  backend,
		logger:   zap.NewNop(),
		progress: NoopProgress{},
		sleep:    sleepContext,
		now:      time.Now,
	}
	if negotiator, ok := backend.(Negotiator); ok {
		d.negotiator = negotiator
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run executes every task accepted by filter and returns their outcomes in
// source order. A nil filter selects active tasks.
//
// Per-task failures never surface as errors. The returned error is either an
// *IntegrityError or wraps ErrInterrupted; in both cases the result holds the
// outcomes recorded so far and is flagged incomplete.
func (d *Dispatcher) Run(ctx context.Context, tasks []core.TaskSpec, cfg core.ExecutionConfig, filter core.Predicate) (core.RunResult, error) {
	startedAt := d.now()
	eligible := core.Select(tasks, filter)
	agg := NewAggregator(len(eligible))

	var warnings []string
	var runErr error
	if err := cfg.Validate(); err != nil {
		d.logger.Error("invalid execution config", zap.Error(err))
		runErr = d.recordNotStarted(eligible, cfg, fmt.Errorf("invalid execution config: %w", err), agg)
	} else {
		cfg, warnings = d.negotiate(ctx, cfg)
		d.logger.Info("dispatching tasks",
			zap.Int("eligible", len(eligible)),
			zap.Int("loaded", len(tasks)),
			zap.String("mode", string(cfg.Mode)),
			zap.Stringer("pool", cfg.Pool),
			zap.Duration("delay", cfg.TaskDelay),
			zap.String("execution", cfg.ExecutionTarget()),
		)
		if cfg.Mode == core.ModeParallel {
			runErr = d.runParallel(ctx, eligible, cfg, warnings, agg)
		} else {
			runErr = d.runSequential(ctx, eligible, cfg, warnings, agg)
		}
	}

	var result core.RunResult
	switch {
	case runErr != nil:
		result = agg.FinalizePartial()
	case agg.Recorded() < len(eligible) && ctx.Err() != nil:
		result = agg.FinalizePartial()
		runErr = fmt.Errorf("%w: %w", ErrInterrupted, ctx.Err())
	default:
		result, runErr = agg.Finalize()
		if runErr != nil {
			result = agg.FinalizePartial()
		}
	}
	result.ID = core.NewID()
	result.Warnings = warnings
	result.StartedAt = startedAt
	result.FinishedAt = d.now()
	return result, runErr
}

func (d *Dispatcher) negotiate(ctx context.Context, cfg core.ExecutionConfig) (core.ExecutionConfig, []string) {
	if !cfg.Remote.Enabled || d.negotiator == nil {
		return cfg, nil
	}
	negotiation := d.negotiator.Negotiate(ctx, cfg)
	if negotiation.Remote == core.CapabilitySupported {
		d.logger.Info("remote execution supported", zap.Any("remote", cfg.Remote.Redacted()))
		return cfg, nil
	}
	warning := negotiation.FallbackWarning()
	d.logger.Warn("remote execution unsupported, falling back to local", zap.String("reason", negotiation.Reason))
	return cfg.WithLocalFallback(), []string{warning}
}

func (d *Dispatcher) runSequential(ctx context.Context, eligible []core.TaskSpec, cfg core.ExecutionConfig, warnings []string, agg *Aggregator) error {
	for i, task := range eligible {
		if i > 0 && cfg.TaskDelay > 0 {
			d.logger.Debug("waiting before next task", zap.Duration("delay", cfg.TaskDelay))
			if err := d.sleep(ctx, cfg.TaskDelay); err != nil {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		if err := agg.Record(i, d.runTask(ctx, i, task, cfg, warnings)); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) runParallel(ctx context.Context, eligible []core.TaskSpec, cfg core.ExecutionConfig, warnings []string, agg *Aggregator) error {
	var g errgroup.Group
	if limit, bounded := cfg.Pool.Limit(); bounded {
		g.SetLimit(limit)
	}
	for i, task := range eligible {
		if ctx.Err() != nil {
			break
		}
		// Go blocks while every slot is busy, so launches follow source order.
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			return agg.Record(i, d.runTask(ctx, i, task, cfg, warnings))
		})
	}
	return g.Wait()
}

func (d *Dispatcher) recordNotStarted(eligible []core.TaskSpec, cfg core.ExecutionConfig, cause error, agg *Aggregator) error {
	now := d.now()
	for i, task := range eligible {
		outcome := core.TaskOutcome{
			Index:     i,
			Task:      task,
			Status:    core.StatusErrored,
			StartedAt: now,
			EndedAt:   now,
			Error:     cause.Error(),
			Execution: cfg.ExecutionTarget(),
		}
		d.progress.TaskStarted(i, task)
		d.progress.TaskFinished(i, outcome)
		if err := agg.Record(i, outcome); err != nil {
			return err
		}
	}
	return nil
}

// runTask invokes the backend for one task and converts whatever happens,
// including a panic, into an outcome.
func (d *Dispatcher) runTask(ctx context.Context, index int, task core.TaskSpec, cfg core.ExecutionConfig, warnings []string) (outcome core.TaskOutcome) {
	d.progress.TaskStarted(index, task)
	outcome = core.TaskOutcome{
		Index:     index,
		Task:      task,
		StartedAt: d.now(),
		Execution: cfg.ExecutionTarget(),
		Warnings:  append([]string(nil), warnings...),
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("backend panicked", zap.Int("index", index), zap.String("scenario", task.Name), zap.Any("panic", r))
			outcome.Status = core.StatusErrored
			outcome.Error = fmt.Sprintf("backend panic: %v", r)
			outcome.EndedAt = d.now()
		}
		d.progress.TaskFinished(index, outcome)
	}()

	trace, err := d.backend.Execute(ctx, task.Prompt, cfg)
	outcome.EndedAt = d.now()
	return classify(outcome, trace, err)
}

func classify(outcome core.TaskOutcome, trace core.Trace, err error) core.TaskOutcome {
	outcome.Steps = trace.Steps
	outcome.Logs = trace.Logs
	outcome.Warnings = append(outcome.Warnings, trace.Warnings...)
	switch {
	case err != nil && errors.Is(err, core.ErrSessionNotStarted):
		outcome.Status = core.StatusErrored
		outcome.Error = err.Error()
	case err != nil:
		outcome.Status = core.StatusFailed
		outcome.Error = err.Error()
		outcome.FailedStep = lastStep(trace.Steps)
	case !trace.Done:
		outcome.Status = core.StatusFailed
		outcome.Error = "task not completed"
		if trace.FinalResult != "" {
			outcome.Error += ": " + trace.FinalResult
		}
		outcome.FailedStep = lastStep(trace.Steps)
	default:
		outcome.Status = core.StatusSucceeded
	}
	return outcome
}

func lastStep(steps []core.Step) int {
	if len(steps) == 0 {
		return 0
	}
	return steps[len(steps)-1].Number
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
