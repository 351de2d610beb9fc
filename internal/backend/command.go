package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"webagentaa/internal/core"
)

const (
	defaultKillGrace = 5 * time.Second
	maxLogLines      = 200
	maxStdoutBytes   = 4 << 20
	maxStderrBytes   = 1 << 20
	exitNotFound     = 127
)

// CommandBackend runs an external browser agent once per prompt. The agent
// receives the prompt and execution settings as WEBAGENT_* environment
// variables and prints its trace as a JSON object on stdout.
type CommandBackend struct {
	command       string
	remoteCapable bool
	killGrace     time.Duration
	logger        *zap.Logger
}

// NewCommandBackend creates a backend for the given shell command.
func NewCommandBackend(command string, remoteCapable bool, logger *zap.Logger) *CommandBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CommandBackend{
		command:       command,
		remoteCapable: remoteCapable,
		killGrace:     defaultKillGrace,
		logger:        logger.With(zap.String("component", "command-backend")),
	}
}

// Negotiate implements dispatch.Negotiator.
func (b *CommandBackend) Negotiate(ctx context.Context, cfg core.ExecutionConfig) core.Negotiation {
	if !b.remoteCapable {
		return core.Unsupported("agent command does not accept remote connection settings")
	}
	return core.Supported()
}

// Execute runs the agent command for prompt and parses its trace.
func (b *CommandBackend) Execute(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error) {
	// Only the last trace line and the stderr tail are used.
	stdout := &tailBuffer{max: maxStdoutBytes}
	stderr := &tailBuffer{max: maxStderrBytes}
	stdoutWriter := &syncWriter{w: stdout}
	stderrWriter := &syncWriter{w: stderr}

	cmd := commandForPrompt(ctx, b.command)
	cmd.Env = append(os.Environ(), agentEnv(prompt, cfg)...)
	cmd.Stdout = stdoutWriter
	cmd.Stderr = stderrWriter
	cmd.WaitDelay = b.killGrace

	startedAt := time.Now()
	if err := cmd.Start(); err != nil {
		return core.Trace{}, fmt.Errorf("start agent command: %w: %w", core.ErrSessionNotStarted, err)
	}

	var timeoutTriggered atomic.Bool
	var watchdog *time.Timer
	if cfg.Timeout > 0 {
		process := cmd.Process
		watchdog = time.AfterFunc(cfg.Timeout, func() {
			timeoutTriggered.Store(true)
			b.logger.Warn("agent exceeded timeout, sending termination", zap.Duration("timeout", cfg.Timeout))
			sendTermination(process)
			time.AfterFunc(b.killGrace, func() {
				_ = process.Kill()
			})
		})
	}
	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}

	trace, parsed := parseTrace(stdout.Bytes())
	trace.Logs = append(trace.Logs, tailLines(stderr.String(), maxLogLines)...)
	trace.Logs = append(trace.Logs, fmt.Sprintf("agent exited after %s", time.Since(startedAt).Round(time.Millisecond)))

	if timeoutTriggered.Load() {
		return trace, fmt.Errorf("agent run timed out after %s", cfg.Timeout)
	}
	if waitErr != nil {
		if err := ctx.Err(); err != nil {
			return trace, fmt.Errorf("agent run canceled: %w", err)
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code := exitErr.ExitCode()
			if code == exitNotFound && !parsed {
				return trace, fmt.Errorf("agent command not found: %w", core.ErrSessionNotStarted)
			}
			if parsed {
				b.logger.Debug("agent exited non-zero with a trace", zap.Int("exit_code", code))
				return trace, nil
			}
			return trace, fmt.Errorf("agent exited with code %d", code)
		}
		return trace, fmt.Errorf("wait for agent: %w", waitErr)
	}
	if !parsed {
		return trace, errors.New("agent produced no trace")
	}
	return trace, nil
}

// agentEnv passes the prompt and execution settings to the agent process.
func agentEnv(prompt string, cfg core.ExecutionConfig) []string {
	env := []string{
		"WEBAGENT_PROMPT=" + prompt,
		"WEBAGENT_HEADLESS=" + strconv.FormatBool(cfg.Headless),
		"WEBAGENT_MAX_STEPS=" + strconv.Itoa(cfg.MaxSteps),
		"WEBAGENT_TIMEOUT_SECONDS=" + strconv.Itoa(int(cfg.Timeout/time.Second)),
	}
	if cfg.Remote.Enabled {
		env = append(env,
			"WEBAGENT_CDP_URL="+cfg.Remote.Endpoint,
			"WEBAGENT_REMOTE_USERNAME="+cfg.Remote.Username,
			"WEBAGENT_REMOTE_ACCESS_KEY="+cfg.Remote.AccessKey,
			"WEBAGENT_REMOTE_PROVIDER="+cfg.Remote.Provider,
		)
	}
	return env
}

// parseTrace returns the last stdout line that decodes as a trace object.
func parseTrace(stdout []byte) (core.Trace, bool) {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var trace core.Trace
		if err := json.Unmarshal([]byte(line), &trace); err == nil {
			for n := range trace.Steps {
				if trace.Steps[n].Number == 0 {
					trace.Steps[n].Number = n + 1
				}
			}
			return trace, true
		}
	}
	return core.Trace{}, false
}

func tailLines(text string, n int) []string {
	text = strings.TrimRight(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

func commandForPrompt(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= t.max {
		t.buf = append(t.buf[:0], p[n-t.max:]...)
		return n, nil
	}
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return n, nil
}

func (t *tailBuffer) Bytes() []byte { return t.buf }

func (t *tailBuffer) String() string { return string(t.buf) }

func sendTermination(process *os.Process) {
	if process == nil {
		return
	}
	if runtime.GOOS == "windows" {
		_ = process.Kill()
		return
	}
	_ = process.Signal(syscall.SIGTERM)
}
