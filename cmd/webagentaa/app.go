package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"webagentaa/internal/backend"
	"webagentaa/internal/config"
	"webagentaa/internal/exitcodes"
	"webagentaa/internal/logging"
	"webagentaa/internal/metrics"
	"webagentaa/internal/notify"
	"webagentaa/internal/report"
	"webagentaa/internal/runner"
	"webagentaa/internal/store"
	"webagentaa/internal/tasksource"
)

// app is the wired set of components shared by the run and serve commands.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	history   *store.Store
	emitter   *report.Emitter
	collector *metrics.Collector
	runner    *runner.Runner
}

func loadConfig(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	configFile, _ := cmd.Flags().GetString(configFlag)
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return nil, nil, configError(err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, configError(err)
	}
	return cfg, logger, nil
}

func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, configError(fmt.Errorf("invalid configuration:\n%w", err))
	}
	exec, err := cfg.ExecutionConfig()
	if err != nil {
		return nil, configError(err)
	}
	source, err := tasksource.New(cfg.Source, logger)
	if err != nil {
		return nil, configError(err)
	}
	agent, err := backend.New(cfg, backend.NewLLMClient, logger)
	if err != nil {
		return nil, configError(err)
	}
	notifier, err := notify.FromConfig(cfg.Notification)
	if err != nil {
		return nil, configError(err)
	}
	emitter, err := report.NewEmitter(cfg.Report.Dir, cfg.Report.Keep, logger)
	if err != nil {
		return nil, &exitError{code: exitcodes.RuntimeErr, err: err}
	}
	history, err := store.Open(ctx, cfg.StateDir, cfg.Store.Retention)
	if err != nil {
		return nil, &exitError{code: exitcodes.RuntimeErr, err: err}
	}

	collector := metrics.NewCollector()
	a := &app{
		cfg:       cfg,
		logger:    logger,
		history:   history,
		emitter:   emitter,
		collector: collector,
		runner: runner.New(source, agent, emitter, exec, logger,
			runner.WithHistory(history),
			runner.WithNotifier(notifier),
			runner.WithObserver(collector),
		),
	}
	logger.Debug("configuration loaded",
		zap.String("backend", cfg.Backend.Kind),
		zap.String("source", cfg.Source.Kind),
		zap.String("mode", string(exec.Mode)),
		zap.Stringer("pool", exec.Pool),
		zap.String("target", exec.ExecutionTarget()),
		zap.String("state_dir", cfg.StateDir),
	)
	return a, nil
}

func (a *app) location() *time.Location {
	if a.cfg.Schedule.UseUTC {
		return time.UTC
	}
	return time.Local
}

func (a *app) Close() {
	if err := a.history.Close(); err != nil {
		a.logger.Warn("close store", zap.Error(err))
	}
	_ = a.logger.Sync()
}
