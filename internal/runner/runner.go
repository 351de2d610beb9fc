// Package runner wires one test run end to end: load tasks, dispatch them,
// render the report, record history and notify.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"webagentaa/internal/core"
	"webagentaa/internal/dispatch"
	"webagentaa/internal/notify"
	"webagentaa/internal/report"
	"webagentaa/internal/store"
	"webagentaa/internal/tasksource"
)

const notifyTimeout = 15 * time.Second

// ErrRunInProgress is returned when a run is requested while another is active.
var ErrRunInProgress = errors.New("a run is already in progress")

// SourceError wraps a failure to load the task source.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("load tasks: %v", e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ReportError wraps a failure to write the report files.
type ReportError struct {
	Err error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("write report: %v", e.Err)
}

func (e *ReportError) Unwrap() error {
	return e.Err
}

// History records runs. *store.Store implements it.
type History interface {
	InsertRun(ctx context.Context, runID, trigger string, startedAt time.Time) error
	CompleteRun(ctx context.Context, result core.RunResult, reportPath string) error
	FailRun(ctx context.Context, runID string, cause error, finishedAt time.Time) error
	PruneRuns(ctx context.Context, keep int) (int64, error)
}

// RunObserver is told about task progress and finished runs.
type RunObserver interface {
	dispatch.Progress
	RunFinished(result string)
}

// Request describes one run.
type Request struct {
	// Selection narrows active tasks; the zero value selects all active tasks.
	Selection core.Selection
	// Mode overrides the configured execution mode when set.
	Mode core.ExecutionMode
	// Single runs only the first eligible task.
	Single bool
	// WriteIndex points reports/index.html at this run's report.
	WriteIndex bool
	// Trigger names what started the run (cli, api, mcp, schedule).
	Trigger string
	// RunID is assigned when empty.
	RunID string
}

// Report is the outcome of a run and the files written for it.
type Report struct {
	Result   core.RunResult  `json:"result"`
	Artifact report.Artifact `json:"artifact"`
}

// Runner executes runs one at a time.
type Runner struct {
	source   tasksource.Source
	backend  dispatch.Backend
	emitter  *report.Emitter
	exec     core.ExecutionConfig
	logger   *zap.Logger
	history  History
	notifier notify.Notifier
	observer RunObserver

	mu      sync.Mutex
	current string
	wg      sync.WaitGroup
}

// Option customises a Runner.
type Option func(*Runner)

// WithHistory records runs in h.
func WithHistory(h History) Option {
	return func(r *Runner) { r.history = h }
}

// WithNotifier sends a summary after each run.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Runner) {
		if n != nil {
			r.notifier = n
		}
	}
}

// WithObserver reports task and run progress, typically to metrics.
func WithObserver(o RunObserver) Option {
	return func(r *Runner) { r.observer = o }
}

// New creates a runner.
func New(source tasksource.Source, backend dispatch.Backend, emitter *report.Emitter, exec core.ExecutionConfig, logger *zap.Logger, opts ...Option) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		source:   source,
		backend:  backend,
		emitter:  emitter,
		exec:     exec,
		logger:   logger.With(zap.String("component", "runner")),
		notifier: &notify.NoOpNotifier{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns the id of the run in progress, if any.
func (r *Runner) Current() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current, r.current != ""
}

func (r *Runner) acquire(req *Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != "" {
		return fmt.Errorf("%w (%s)", ErrRunInProgress, r.current)
	}
	if req.RunID == "" {
		req.RunID = core.NewID()
	}
	r.current = req.RunID
	return nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.current = ""
	r.mu.Unlock()
}

// Run executes a run and blocks until it finishes.
func (r *Runner) Run(ctx context.Context, req Request) (Report, error) {
	if err := r.acquire(&req); err != nil {
		return Report{}, err
	}
	defer r.release()
	return r.execute(ctx, req)
}

// Start launches a run in the background and returns its id.
func (r *Runner) Start(ctx context.Context, req Request) (string, error) {
	if err := r.acquire(&req); err != nil {
		return "", err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release()
		if _, err := r.execute(ctx, req); err != nil {
			r.logger.Error("background run failed", zap.String("run_id", req.RunID), zap.Error(err))
		}
	}()
	return req.RunID, nil
}

// Wait blocks until background runs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Preview loads the task source and returns the tasks the selection would run.
func (r *Runner) Preview(ctx context.Context, selection core.Selection) ([]core.TaskSpec, error) {
	tasks, err := r.source.LoadTasks(ctx)
	if err != nil {
		return nil, &SourceError{Err: err}
	}
	return core.Select(tasks, selection.Predicate()), nil
}

func (r *Runner) execute(ctx context.Context, req Request) (Report, error) {
	startedAt := time.Now()
	logger := r.logger.With(zap.String("run_id", req.RunID), zap.String("trigger", req.Trigger))
	r.recordStart(ctx, logger, req, startedAt)

	tasks, err := r.source.LoadTasks(ctx)
	if err != nil {
		srcErr := &SourceError{Err: err}
		r.recordFailure(ctx, logger, req.RunID, srcErr)
		return Report{}, srcErr
	}

	pred := req.Selection.Predicate()
	eligible := core.Select(tasks, pred)
	if req.Single && len(eligible) > 1 {
		eligible = eligible[:1]
		tasks = eligible
	}
	logger.Info("tasks loaded",
		zap.Int("loaded", len(tasks)),
		zap.Int("eligible", len(eligible)),
		zap.Stringer("selection", req.Selection),
	)

	cfg := r.exec
	if req.Mode != "" {
		cfg.Mode = req.Mode
	}
	var progress dispatch.MultiProgress
	progress = append(progress, dispatch.LogProgress{Logger: logger, Total: len(eligible)})
	if r.observer != nil {
		progress = append(progress, r.observer)
	}
	dispatcher := dispatch.New(r.backend, dispatch.WithLogger(logger), dispatch.WithProgress(progress))

	result, runErr := dispatcher.Run(ctx, tasks, cfg, pred)
	result.ID = req.RunID

	rep := Report{Result: result}
	artifact, err := r.emitter.Render(result)
	if err != nil {
		runErr = errors.Join(runErr, &ReportError{Err: err})
	} else {
		rep.Artifact = artifact
		if req.WriteIndex {
			if rep.Artifact.IndexPath, err = r.emitter.WriteIndex(artifact.HTMLPath); err != nil {
				logger.Warn("could not write report index", zap.Error(err))
			}
		}
	}

	r.recordResult(ctx, logger, result, rep.Artifact.HTMLPath)
	r.notify(ctx, logger, result, req.Selection)
	PrintSummary(logger, result)
	return rep, runErr
}

func (r *Runner) recordStart(ctx context.Context, logger *zap.Logger, req Request, startedAt time.Time) {
	if r.history == nil {
		return
	}
	if err := r.history.InsertRun(ctx, req.RunID, req.Trigger, startedAt); err != nil {
		logger.Warn("record run start", zap.Error(err))
	}
}

func (r *Runner) recordFailure(ctx context.Context, logger *zap.Logger, runID string, cause error) {
	logger.Error("run aborted", zap.Error(cause))
	if r.observer != nil {
		r.observer.RunFinished(string(store.RunStatusError))
	}
	if r.history == nil {
		return
	}
	if err := r.history.FailRun(context.WithoutCancel(ctx), runID, cause, time.Now()); err != nil {
		logger.Warn("record run failure", zap.Error(err))
	}
}

func (r *Runner) recordResult(ctx context.Context, logger *zap.Logger, result core.RunResult, reportPath string) {
	if r.observer != nil {
		r.observer.RunFinished(string(store.StatusFor(result)))
	}
	if r.history == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := r.history.CompleteRun(ctx, result, reportPath); err != nil {
		logger.Warn("record run result", zap.Error(err))
		return
	}
	if _, err := r.history.PruneRuns(ctx, 0); err != nil {
		logger.Warn("prune run history", zap.Error(err))
	}
}

func (r *Runner) notify(ctx context.Context, logger *zap.Logger, result core.RunResult, selection core.Selection) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	title, body := notify.RunSummary(result, selection.String())
	if err := r.notifier.Send(ctx, title, body); err != nil {
		logger.Warn("send notification", zap.Error(err))
	}
}

// PrintSummary logs the totals of a run and every task that did not pass.
func PrintSummary(logger *zap.Logger, result core.RunResult) {
	s := result.Summary
	logger.Info("run summary",
		zap.Int("total", s.Total),
		zap.Int("passed", s.Succeeded),
		zap.Int("failed", s.Failed),
		zap.Int("errored", s.Errored),
		zap.Int("missing", s.Missing),
		zap.String("pass_rate", fmt.Sprintf("%.1f%%", s.PassRate())),
		zap.Bool("complete", result.Complete),
		zap.Strings("warnings", result.Warnings),
	)
	for _, outcome := range result.FailedOutcomes() {
		fields := []zap.Field{
			zap.Int("test", outcome.Index+1),
			zap.String("scenario", outcome.Task.Name),
			zap.String("status", string(outcome.Status)),
			zap.String("error", outcome.Error),
		}
		if outcome.FailedStep > 0 {
			fields = append(fields, zap.Int("failed_step", outcome.FailedStep))
		}
		logger.Warn("task did not pass", fields...)
	}
}
