package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"webagentaa/internal/runner"
)

// Starter launches a run in the background.
type Starter interface {
	Start(ctx context.Context, req runner.Request) (string, error)
}

// Scheduler starts a run on every cron activation unless one is in flight.
type Scheduler struct {
	starter  Starter
	request  runner.Request
	logger   *zap.Logger
	location *time.Location
	onSkip   func()

	cron    *cron.Cron
	entryID cron.EntryID

	mu  sync.Mutex
	ctx context.Context
}

// New schedules req on expr. onSkip, when set, is called for every skipped activation.
func New(starter Starter, expr string, req runner.Request, location *time.Location, logger *zap.Logger, onSkip func()) (*Scheduler, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if location == nil {
		location = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if req.Trigger == "" {
		req.Trigger = "schedule"
	}
	s := &Scheduler{
		starter:  starter,
		request:  req,
		logger:   logger.With(zap.String("component", "scheduler")),
		location: location,
		onSkip:   onSkip,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(location),
		),
	}
	s.entryID = s.cron.Schedule(schedule, cron.FuncJob(s.fire))
	return s, nil
}

// Start begins the scheduling loop. Runs inherit ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("schedule started", zap.Time("next_run", s.Next()))
}

// Stop stops the scheduler; the returned context is done once pending jobs return.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Next returns the next activation time, or zero before Start.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) fire() {
	ctx := s.ctxOrBackground()
	req := s.request
	req.RunID = ""
	runID, err := s.starter.Start(ctx, req)
	if errors.Is(err, runner.ErrRunInProgress) {
		s.logger.Info("skipping scheduled run because a run is already in progress")
		if s.onSkip != nil {
			s.onSkip()
		}
		return
	}
	if err != nil {
		s.logger.Error("start scheduled run", zap.Error(err))
		return
	}
	s.logger.Info("scheduled run started", zap.String("run_id", runID), zap.Stringer("selection", req.Selection))
}

func (s *Scheduler) ctxOrBackground() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
