package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"webagentaa/internal/core"
)

const (
	defaultMaxSteps = 25
	actionTimeout   = 15 * time.Second
	maxConsoleLogs  = 200
	scrollDelta     = 600
	viewportWidth   = 1280
	viewportHeight  = 900
)

// snapshotScript tags interactive elements with data-wa-id so the planner can
// address them by number.
const snapshotScript = `(() => {
  const nodes = document.querySelectorAll('a, button, input, textarea, select, [role="button"], [role="link"], [onclick]');
  const elements = [];
  let id = 0;
  for (const node of nodes) {
    const rect = node.getBoundingClientRect();
    if (rect.width === 0 || rect.height === 0) continue;
    id++;
    node.setAttribute('data-wa-id', String(id));
    const label = (node.innerText || node.value || node.getAttribute('aria-label') || node.getAttribute('placeholder') || node.getAttribute('title') || '').trim().slice(0, 80);
    elements.push({id: id, tag: node.tagName.toLowerCase(), type: node.getAttribute('type') || '', label: label});
    if (id >= 150) break;
  }
  const text = (document.body ? document.body.innerText : '').replace(/\s+/g, ' ').trim().slice(0, 3000);
  return {url: location.href, title: document.title, text: text, elements: elements};
})()`

// ChromeBackend drives a Chrome browser with chromedp, asking a Planner for
// each step. Sessions run on a local headless browser or attach to a remote
// DevTools endpoint.
type ChromeBackend struct {
	planner     Planner
	logger      *zap.Logger
	probeClient *http.Client

	mu       sync.Mutex
	resolved map[string]string
}

// NewChromeBackend creates a chrome backend driven by planner.
func NewChromeBackend(planner Planner, logger *zap.Logger) *ChromeBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChromeBackend{
		planner:  planner,
		logger:   logger.With(zap.String("component", "chrome-backend")),
		resolved: make(map[string]string),
	}
}

// Negotiate implements dispatch.Negotiator by probing the remote endpoint.
func (b *ChromeBackend) Negotiate(ctx context.Context, cfg core.ExecutionConfig) core.Negotiation {
	if !cfg.Remote.Enabled {
		return core.Supported()
	}
	wsURL, negotiation := ProbeRemote(ctx, b.probeClient, cfg.Remote)
	if negotiation.Remote == core.CapabilitySupported {
		b.mu.Lock()
		b.resolved[cfg.Remote.Endpoint] = wsURL
		b.mu.Unlock()
		b.logger.Info("remote browser available", zap.String("remote", Describe(cfg.Remote)))
	}
	return negotiation
}

func (b *ChromeBackend) remoteURL(ctx context.Context, remote core.RemoteConfig) (string, error) {
	b.mu.Lock()
	wsURL, ok := b.resolved[remote.Endpoint]
	b.mu.Unlock()
	if ok {
		return wsURL, nil
	}
	wsURL, negotiation := ProbeRemote(ctx, b.probeClient, remote)
	if negotiation.Remote != core.CapabilitySupported {
		return "", errors.New(negotiation.Reason)
	}
	return wsURL, nil
}

// Execute implements dispatch.Backend.
func (b *ChromeBackend) Execute(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error) {
	taskCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	allocCtx, allocCancel, err := b.allocator(taskCtx, cfg)
	if err != nil {
		return core.Trace{}, fmt.Errorf("%w: %w", core.ErrSessionNotStarted, err)
	}
	defer allocCancel()

	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			b.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	defer browserCancel()

	console := &consoleLog{}
	chromedp.ListenTarget(browserCtx, console.listen)

	if err := chromedp.Run(browserCtx); err != nil {
		if ctxErr := b.timeoutError(ctx, taskCtx, cfg); ctxErr != nil {
			return core.Trace{}, ctxErr
		}
		return core.Trace{}, fmt.Errorf("start browser session on %s: %w: %w", cfg.ExecutionTarget(), core.ErrSessionNotStarted, err)
	}

	trace, err := b.loop(browserCtx, prompt, cfg)
	trace.Logs = append(trace.Logs, console.lines()...)
	if ctxErr := b.timeoutError(ctx, taskCtx, cfg); ctxErr != nil {
		return trace, ctxErr
	}
	return trace, err
}

func (b *ChromeBackend) allocator(ctx context.Context, cfg core.ExecutionConfig) (context.Context, context.CancelFunc, error) {
	if cfg.Remote.Enabled {
		wsURL, err := b.remoteURL(ctx, cfg.Remote)
		if err != nil {
			return nil, nil, fmt.Errorf("resolve remote browser: %w", err)
		}
		allocCtx, cancel := chromedp.NewRemoteAllocator(ctx, wsURL)
		return allocCtx, cancel, nil
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", cfg.Headless),
		chromedp.WindowSize(viewportWidth, viewportHeight),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	return allocCtx, cancel, nil
}

// timeoutError reports a task deadline distinctly from a caller cancellation.
func (b *ChromeBackend) timeoutError(parent, taskCtx context.Context, cfg core.ExecutionConfig) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("browser session canceled: %w", err)
	}
	if errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("browser session timed out after %s: %w", cfg.Timeout, context.DeadlineExceeded)
	}
	return nil
}

func (b *ChromeBackend) loop(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error) {
	maxSteps := cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}
	var trace core.Trace
	for number := 1; number <= maxSteps; number++ {
		page, err := snapshot(ctx)
		if err != nil {
			return trace, fmt.Errorf("read page at step %d: %w", number, err)
		}
		action, output, err := b.planner.NextAction(ctx, prompt, page, trace.Steps)
		if err != nil {
			trace.Steps = append(trace.Steps, core.Step{Number: number, Action: "plan", Result: err.Error(), ModelOutput: output})
			return trace, fmt.Errorf("plan step %d: %w", number, err)
		}

		step := core.Step{Number: number, Action: action.String(), ModelOutput: output}
		switch action.Type {
		case ActionDone:
			step.Result = "done"
			trace.Steps = append(trace.Steps, step)
			trace.Done = true
			trace.FinalResult = action.Text
			return trace, nil
		case ActionFail:
			step.Result = "gave up"
			trace.Steps = append(trace.Steps, step)
			trace.FinalResult = action.Text
			return trace, nil
		}

		if err := perform(ctx, action); err != nil {
			if ctx.Err() != nil {
				step.Result = err.Error()
				trace.Steps = append(trace.Steps, step)
				return trace, ctx.Err()
			}
			step.Result = "error: " + err.Error()
			b.logger.Debug("browser action failed", zap.Int("step", number), zap.String("action", step.Action), zap.Error(err))
		} else {
			step.Result = "ok"
		}
		trace.Steps = append(trace.Steps, step)
	}
	trace.Warnings = append(trace.Warnings, fmt.Sprintf("stopped after %d steps without completing", maxSteps))
	return trace, nil
}

func snapshot(ctx context.Context) (PageSnapshot, error) {
	var page PageSnapshot
	if err := chromedp.Run(ctx, chromedp.Evaluate(snapshotScript, &page)); err != nil {
		return PageSnapshot{}, err
	}
	return page, nil
}

func elementSelector(id int) string {
	return fmt.Sprintf(`[data-wa-id="%d"]`, id)
}

func perform(ctx context.Context, action Action) error {
	actionCtx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	switch action.Type {
	case ActionNavigate:
		url := action.URL
		if !strings.Contains(url, "://") {
			url = "https://" + url
		}
		return chromedp.Run(actionCtx,
			chromedp.Navigate(url),
			chromedp.WaitReady("body", chromedp.ByQuery),
		)
	case ActionClick:
		return chromedp.Run(actionCtx, chromedp.Click(elementSelector(action.Target), chromedp.ByQuery))
	case ActionType:
		selector := elementSelector(action.Target)
		tasks := chromedp.Tasks{
			chromedp.Clear(selector, chromedp.ByQuery),
			chromedp.SendKeys(selector, action.Text, chromedp.ByQuery),
		}
		if action.Submit {
			tasks = append(tasks, chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
		}
		return chromedp.Run(actionCtx, tasks)
	case ActionScroll:
		return chromedp.Run(actionCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			return input.DispatchMouseEvent(input.MouseWheel, viewportWidth/2, viewportHeight/2).
				WithDeltaX(0).
				WithDeltaY(scrollDelta).
				Do(ctx)
		}))
	case ActionWait:
		seconds := action.Seconds
		if seconds < 1 {
			seconds = 1
		}
		if seconds > 10 {
			seconds = 10
		}
		timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return fmt.Errorf("unsupported action %q", action.Type)
	}
}

// consoleLog collects page console output for the trace logs.
type consoleLog struct {
	mu      sync.Mutex
	entries []string
}

func (c *consoleLog) listen(ev any) {
	switch e := ev.(type) {
	case *cdpruntime.EventConsoleAPICalled:
		parts := make([]string, 0, len(e.Args))
		for _, arg := range e.Args {
			if len(arg.Value) > 0 {
				parts = append(parts, string(arg.Value))
			} else if arg.Description != "" {
				parts = append(parts, arg.Description)
			}
		}
		c.add(fmt.Sprintf("console.%s: %s", e.Type, strings.Join(parts, " ")))
	case *cdpruntime.EventExceptionThrown:
		if e.ExceptionDetails != nil {
			c.add("exception: " + e.ExceptionDetails.Text)
		}
	}
}

func (c *consoleLog) add(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= maxConsoleLogs {
		c.entries = c.entries[1:]
	}
	c.entries = append(c.entries, line)
}

func (c *consoleLog) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.entries...)
}
