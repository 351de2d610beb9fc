package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"webagentaa/internal/api"
	webagentaamcp "webagentaa/internal/mcp"
	"webagentaa/internal/runner"
	"webagentaa/internal/schedule"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard and HTTP API, and run the configured schedule",
		Args:  cobra.NoArgs,
		RunE:  serve,
	}
	cmd.Flags().String("addr", "127.0.0.1:7071", "HTTP listen address.")
	cmd.Flags().String("cron", "", "5-field cron expression for recurring priority runs.")
	cmd.Flags().Bool("mcp", false, "Also serve MCP over streamable HTTP at /mcp.")
	return cmd
}

func newMCPCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a, err := newApp(ctx, cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			mcpServer := webagentaamcp.NewMCPServer(ctx, a.runner, a.history, a.logger)
			runErr := mcpServer.Run()
			cancel()
			waitForRuns(a, a.cfg.ShutdownGrace)
			return runErr
		},
	}
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	logger := a.logger

	deps := api.Deps{
		Runs:       a.runner,
		History:    a.history,
		ReportsDir: a.emitter.Dir(),
		Metrics:    a.collector.Handler(),
		Cron:       cfg.Schedule.Cron,
		Location:   a.location(),
	}
	if withMCP, _ := cmd.Flags().GetBool("mcp"); withMCP {
		deps.MCP = webagentaamcp.NewMCPServer(ctx, a.runner, a.history, logger).Handler()
	}

	var scheduler *schedule.Scheduler
	if cfg.Schedule.Cron != "" {
		req := runner.Request{Selection: cfg.Selection(), WriteIndex: true}
		scheduler, err = schedule.New(a.runner, cfg.Schedule.Cron, req, a.location(), logger, a.collector.TickSkipped)
		if err != nil {
			return configError(err)
		}
		scheduler.Start(ctx)
		deps.Scheduler = scheduler
	}

	if cfg.Server.AuthToken == "" {
		logger.Warn("server.auth_token is empty; the API accepts unauthenticated requests")
	}
	server := api.NewServer(ctx, cfg.Server.Addr, cfg.Server.AuthToken, deps, logger)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case runErr = <-serverErr:
		logger.Error("server error", zap.Error(runErr))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	if scheduler != nil {
		stopCtx := scheduler.Stop()
		select {
		case <-stopCtx.Done():
		case <-shutdownCtx.Done():
			logger.Warn("scheduler stop timed out")
		}
	}

	cancel()
	waitForRuns(a, cfg.ShutdownGrace)
	logger.Info("shutdown complete")
	return runErr
}

// waitForRuns gives a cancelled run time to write its partial report.
func waitForRuns(a *app, grace time.Duration) {
	done := make(chan struct{})
	go func() {
		a.runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		a.logger.Warn("run still in progress at shutdown")
	}
}
