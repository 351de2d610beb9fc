// Package mcp exposes task previews, run triggering and run history as MCP tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"webagentaa/internal/core"
	"webagentaa/internal/runner"
	"webagentaa/internal/store"
)

const serverVersion = "1.0.0"

// Runs starts runs and previews task selections. *runner.Runner implements it.
type Runs interface {
	Start(ctx context.Context, req runner.Request) (string, error)
	Preview(ctx context.Context, selection core.Selection) ([]core.TaskSpec, error)
	Current() (string, bool)
}

// History reads stored runs. *store.Store implements it.
type History interface {
	ListRuns(ctx context.Context, limit, offset int) ([]*store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]store.Outcome, error)
}

// MCPServer represents the MCP server that handles protocol communication.
type MCPServer struct {
	runs    Runs
	history History
	logger  *zap.Logger
	server  *server.MCPServer
	// runCtx outlives individual tool calls so started runs keep going.
	runCtx context.Context
}

// NewMCPServer creates a new MCP server instance. Runs started through the
// run_tasks tool inherit ctx.
func NewMCPServer(ctx context.Context, runs Runs, history History, logger *zap.Logger) *MCPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &MCPServer{
		runs:    runs,
		history: history,
		logger:  logger.With(zap.String("component", "mcp")),
		runCtx:  ctx,
		server: server.NewMCPServer(
			"webagentaa",
			serverVersion,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.server)
}

// Handler serves MCP over streamable HTTP.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.server)
}

func (s *MCPServer) registerTools() {
	s.server.AddTool(mcp.NewTool("list_tasks",
		mcp.WithDescription("List the active test cases that a run with the given filters would execute"),
		mcp.WithString("priority",
			mcp.Description("Priority filter, for example High. Empty or All matches every priority"),
		),
		mcp.WithString("category",
			mcp.Description("Category filter, for example Hotels. Empty or All matches every category"),
		),
	), s.handleListTasks)

	s.server.AddTool(mcp.NewTool("run_tasks",
		mcp.WithDescription("Start a test run in the background and return its run ID"),
		mcp.WithString("priority",
			mcp.Description("Priority filter. Empty or All matches every priority"),
		),
		mcp.WithString("category",
			mcp.Description("Category filter. Empty or All matches every category"),
		),
		mcp.WithString("mode",
			mcp.Description("Execution mode override"),
			mcp.Enum(string(core.ModeSequential), string(core.ModeParallel)),
		),
	), s.handleRunTasks)

	s.server.AddTool(mcp.NewTool("list_runs",
		mcp.WithDescription("List recent test runs, newest first"),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 10"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.server.AddTool(mcp.NewTool("get_run",
		mcp.WithDescription("Show the summary and per-task outcomes of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)

	s.logger.Debug("MCP tools registered", zap.Int("count", 4))
}

func selectionFrom(request mcp.CallToolRequest) core.Selection {
	return core.Selection{
		Priority: mcp.ParseString(request, "priority", ""),
		Category: mcp.ParseString(request, "category", ""),
	}
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	selection := selectionFrom(request)
	tasks, err := s.runs.Preview(ctx, selection)
	if err != nil {
		s.logger.Error("preview tasks", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("failed to load tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No active tasks match %s", selection)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks match %s:\n\n", len(tasks), selection)
	for i, t := range tasks {
		fmt.Fprintf(&b, "%d. %s [%s/%s] row %d\n", i+1, t.Name, t.Priority, t.Category, t.Row)
		fmt.Fprintf(&b, "   Prompt: %s\n", truncateString(t.Prompt, 80))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	req := runner.Request{
		Selection: selectionFrom(request),
		Trigger:   "mcp",
	}
	if raw := mcp.ParseString(request, "mode", ""); raw != "" {
		mode, err := core.ParseExecutionMode(raw)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		req.Mode = mode
	}

	runID, err := s.runs.Start(s.runCtx, req)
	if errors.Is(err, runner.ErrRunInProgress) {
		current, _ := s.runs.Current()
		return mcp.NewToolResultError(fmt.Sprintf("run %s is still in progress, try again when it finishes", current)), nil
	}
	if err != nil {
		s.logger.Error("start run", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
	}

	s.logger.Info("run started", zap.String("run_id", runID), zap.Stringer("selection", req.Selection))
	return mcp.NewToolResultText(fmt.Sprintf("Run started\nID: %s\nSelection: %s\nUse get_run to follow its progress.", runID, req.Selection)), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := int(mcp.ParseFloat64(request, "limit", 10))
	if limit < 1 || limit > 100 {
		limit = 10
	}

	runs, err := s.history.ListRuns(ctx, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded yet"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", statusToIcon(r.Status), r.ID, r.Trigger)
		fmt.Fprintf(&b, "    Status: %s  %d/%d passed\n", r.Status, r.Succeeded, r.Total)
		fmt.Fprintf(&b, "    Started: %s\n", formatTime(&r.StartedAt))
		if r.FinishedAt != nil {
			fmt.Fprintf(&b, "    Finished: %s\n", formatTime(r.FinishedAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := strings.TrimSpace(mcp.ParseString(request, "run_id", ""))
	if runID == "" {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	run, err := s.history.GetRun(ctx, runID)
	if errors.Is(err, store.ErrRunNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	outcomes, err := s.history.ListOutcomes(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load outcomes: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] Run %s\n", statusToIcon(run.Status), run.ID)
	fmt.Fprintf(&b, "Status: %s\n", run.Status)
	fmt.Fprintf(&b, "Trigger: %s\n", run.Trigger)
	fmt.Fprintf(&b, "Started: %s\n", formatTime(&run.StartedAt))
	if run.FinishedAt != nil {
		fmt.Fprintf(&b, "Finished: %s\n", formatTime(run.FinishedAt))
	}
	if run.Status != store.RunStatusRunning {
		fmt.Fprintf(&b, "Passed: %d  Failed: %d  Errored: %d  Total: %d\n", run.Succeeded, run.Failed, run.Errored, run.Total)
	}
	if run.ReportPath != "" {
		fmt.Fprintf(&b, "Report: %s\n", run.ReportPath)
	}
	if run.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", run.Error)
	}
	if len(outcomes) > 0 {
		b.WriteString("\nTasks:\n")
		for _, o := range outcomes {
			fmt.Fprintf(&b, "%d. %s: %s (%s)", o.Index+1, o.Name, o.Status, o.EndedAt.Sub(o.StartedAt).Round(time.Millisecond))
			if o.Error != "" {
				fmt.Fprintf(&b, " %s", truncateString(o.Error, 120))
			}
			if o.FailedStep > 0 {
				fmt.Fprintf(&b, " at step %d", o.FailedStep)
			}
			b.WriteString("\n")
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func statusToIcon(status store.RunStatus) string {
	switch status {
	case store.RunStatusPassed:
		return "✅"
	case store.RunStatusFailed:
		return "❌"
	case store.RunStatusIncomplete:
		return "⏹️"
	case store.RunStatusError:
		return "⚠️"
	case store.RunStatusRunning:
		return "▶️"
	default:
		return "❓"
	}
}
