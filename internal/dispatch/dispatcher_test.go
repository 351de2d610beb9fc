package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"webagentaa/internal/core"
	"webagentaa/internal/exitcodes"
)

type stubResponse struct {
	trace core.Trace
	err   error
	delay time.Duration
	panic any
}

// stubBackend records call order and concurrency depth.
type stubBackend struct {
	mu          sync.Mutex
	responses   map[string]stubResponse
	delay       time.Duration
	inFlight    int
	maxInFlight int
	launches    []string
	launchTimes []time.Time
	configs     []core.ExecutionConfig
	negotiation *core.Negotiation
}

func newStubBackend() *stubBackend {
	return &stubBackend{responses: make(map[string]stubResponse)}
}

func (s *stubBackend) Execute(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.launches = append(s.launches, prompt)
	s.launchTimes = append(s.launchTimes, time.Now())
	s.configs = append(s.configs, cfg)
	response, ok := s.responses[prompt]
	delay := s.delay
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if ok && response.delay > 0 {
		delay = response.delay
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	if !ok {
		return core.Trace{Done: true, Steps: []core.Step{{Number: 1, Action: "done", Result: prompt}}}, nil
	}
	if response.panic != nil {
		panic(response.panic)
	}
	return response.trace, response.err
}

func (s *stubBackend) Negotiate(ctx context.Context, cfg core.ExecutionConfig) core.Negotiation {
	if s.negotiation == nil {
		return core.Supported()
	}
	return *s.negotiation
}

func makeTasks(n int) []core.TaskSpec {
	tasks := make([]core.TaskSpec, n)
	for i := range tasks {
		tasks[i] = core.TaskSpec{
			Row:      i + 2,
			Name:     fmt.Sprintf("task-%d", i),
			Prompt:   fmt.Sprintf("prompt-%d", i),
			Category: "Hotels",
			Priority: "High",
			Active:   true,
		}
	}
	return tasks
}

func parallelConfig(t require.TestingT, pool int) core.ExecutionConfig {
	size, err := core.ParsePoolSize(pool)
	require.NoError(t, err)
	return core.ExecutionConfig{Mode: core.ModeParallel, Pool: size}
}

func outcomeNames(result core.RunResult) []string {
	names := make([]string, 0, len(result.Outcomes))
	for _, outcome := range result.Outcomes {
		names = append(names, outcome.Task.Name)
	}
	return names
}

func TestRunWithNoTasksReturnsEmptyResult(t *testing.T) {
	d := New(newStubBackend())

	result, err := d.Run(context.Background(), nil, core.ExecutionConfig{Mode: core.ModeSequential}, nil)

	require.NoError(t, err)
	assert.True(t, result.Complete)
	assert.Empty(t, result.Outcomes)
	assert.Equal(t, 0, result.Summary.Total)
	assert.True(t, result.Summary.Passed())
	assert.NotEmpty(t, result.ID)
}

func TestRunPreservesSourceOrder(t *testing.T) {
	tests := []struct {
		name string
		cfg  func(t *testing.T) core.ExecutionConfig
	}{
		{name: "sequential", cfg: func(t *testing.T) core.ExecutionConfig {
			return core.ExecutionConfig{Mode: core.ModeSequential}
		}},
		{name: "parallel pool 1", cfg: func(t *testing.T) core.ExecutionConfig { return parallelConfig(t, 1) }},
		{name: "parallel pool 3", cfg: func(t *testing.T) core.ExecutionConfig { return parallelConfig(t, 3) }},
		{name: "parallel unbounded", cfg: func(t *testing.T) core.ExecutionConfig { return parallelConfig(t, 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks := makeTasks(6)
			backend := newStubBackend()
			// Earlier tasks take longer so completion order is reversed.
			for i, task := range tasks {
				backend.responses[task.Prompt] = stubResponse{
					trace: core.Trace{Done: true},
					delay: time.Duration(len(tasks)-i) * 3 * time.Millisecond,
				}
			}

			result, err := New(backend).Run(context.Background(), tasks, tt.cfg(t), nil)

			require.NoError(t, err)
			require.Len(t, result.Outcomes, len(tasks))
			assert.Equal(t, []string{"task-0", "task-1", "task-2", "task-3", "task-4", "task-5"}, outcomeNames(result))
			for i, outcome := range result.Outcomes {
				assert.Equal(t, i, outcome.Index)
				assert.Equal(t, core.StatusSucceeded, outcome.Status)
			}
		})
	}
}

func TestParallelNeverExceedsPoolSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 10).Draw(rt, "tasks")
		pool := rapid.IntRange(1, 4).Draw(rt, "pool")

		backend := newStubBackend()
		backend.delay = time.Millisecond

		result, err := New(backend).Run(context.Background(), makeTasks(n), parallelConfig(rt, pool), nil)

		require.NoError(rt, err)
		require.Len(rt, result.Outcomes, n)
		assert.LessOrEqual(rt, backend.maxInFlight, pool)
		assert.True(rt, result.Complete)
	})
}

func TestParallelBoundedPoolLaunchesInSourceOrder(t *testing.T) {
	backend := newStubBackend()
	backend.delay = 2 * time.Millisecond
	tasks := makeTasks(5)

	_, err := New(backend).Run(context.Background(), tasks, parallelConfig(t, 1), nil)

	require.NoError(t, err)
	assert.Equal(t, []string{"prompt-0", "prompt-1", "prompt-2", "prompt-3", "prompt-4"}, backend.launches)
	assert.Equal(t, 1, backend.maxInFlight)
}

type barrierBackend struct {
	want    int32
	arrived atomic.Int32
	release chan struct{}
	once    sync.Once
}

func (b *barrierBackend) Execute(ctx context.Context, prompt string, cfg core.ExecutionConfig) (core.Trace, error) {
	if b.arrived.Add(1) == b.want {
		b.once.Do(func() { close(b.release) })
	}
	select {
	case <-b.release:
		return core.Trace{Done: true}, nil
	case <-time.After(2 * time.Second):
		return core.Trace{}, errors.New("not every task was launched concurrently")
	}
}

func TestParallelUnboundedLaunchesEveryTask(t *testing.T) {
	backend := &barrierBackend{want: 8, release: make(chan struct{})}

	result, err := New(backend).Run(context.Background(), makeTasks(8), parallelConfig(t, 0), nil)

	require.NoError(t, err)
	assert.Equal(t, 8, result.Summary.Succeeded)
}

func TestSequentialWaitsBetweenLaunches(t *testing.T) {
	backend := newStubBackend()
	delay := 20 * time.Millisecond
	cfg := core.ExecutionConfig{Mode: core.ModeSequential, TaskDelay: delay}

	result, err := New(backend).Run(context.Background(), makeTasks(3), cfg, nil)

	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)
	require.Len(t, backend.launchTimes, 3)
	for i := 1; i < len(backend.launchTimes); i++ {
		gap := backend.launchTimes[i].Sub(backend.launchTimes[i-1])
		assert.GreaterOrEqual(t, gap, delay, "gap before launch %d", i)
	}
	assert.Equal(t, 1, backend.maxInFlight)
}

func TestSequentialSkipsDelayAfterLastTask(t *testing.T) {
	var sleeps []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		sleeps = append(sleeps, d)
		return nil
	}
	cfg := core.ExecutionConfig{Mode: core.ModeSequential, TaskDelay: 5 * time.Second}

	_, err := New(newStubBackend(), WithSleeper(sleeper)).Run(context.Background(), makeTasks(4), cfg, nil)

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second}, sleeps)
}

func TestFailingTaskDoesNotStopSiblings(t *testing.T) {
	modes := map[string]core.ExecutionConfig{
		"sequential": {Mode: core.ModeSequential},
		"parallel":   parallelConfig(t, 2),
	}
	for name, cfg := range modes {
		t.Run(name, func(t *testing.T) {
			backend := newStubBackend()
			backend.responses["prompt-1"] = stubResponse{err: errors.New("connection reset by peer")}

			result, err := New(backend).Run(context.Background(), makeTasks(4), cfg, nil)

			require.NoError(t, err)
			require.Len(t, result.Outcomes, 4)
			assert.Equal(t, core.StatusSucceeded, result.Outcomes[0].Status)
			assert.Equal(t, core.StatusFailed, result.Outcomes[1].Status)
			assert.Contains(t, result.Outcomes[1].Error, "connection reset")
			assert.Equal(t, core.StatusSucceeded, result.Outcomes[2].Status)
			assert.Equal(t, core.StatusSucceeded, result.Outcomes[3].Status)
			assert.ElementsMatch(t, []string{"prompt-0", "prompt-1", "prompt-2", "prompt-3"}, backend.launches)
		})
	}
}

func TestScenarioFiveTasksTwoInactivePoolTwo(t *testing.T) {
	tasks := makeTasks(5)
	tasks[1].Active = false
	tasks[3].Active = false
	backend := newStubBackend()
	// Second eligible task is the third row.
	backend.responses[tasks[2].Prompt] = stubResponse{
		err: fmt.Errorf("agent run: %w", context.DeadlineExceeded),
		trace: core.Trace{Steps: []core.Step{
			{Number: 1, Action: "navigate"},
			{Number: 2, Action: "click"},
		}},
	}

	result, err := New(backend).Run(context.Background(), tasks, parallelConfig(t, 2), nil)

	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)
	assert.Equal(t, core.StatusSucceeded, result.Outcomes[0].Status)
	assert.Equal(t, core.StatusFailed, result.Outcomes[1].Status)
	assert.Equal(t, 2, result.Outcomes[1].FailedStep)
	assert.Equal(t, core.StatusSucceeded, result.Outcomes[2].Status)
	assert.Equal(t, []string{"task-0", "task-2", "task-4"}, outcomeNames(result))
	assert.Equal(t, core.Summary{Total: 3, Succeeded: 2, Failed: 1}, result.Summary)
	assert.NotEqual(t, exitcodes.Success, exitcodes.ForResult(result))
}

func TestOutcomeClassification(t *testing.T) {
	tests := []struct {
		name     string
		response stubResponse
		status   core.Status
		errText  string
	}{
		{
			name:     "session never started",
			response: stubResponse{err: fmt.Errorf("launch chrome: %w", core.ErrSessionNotStarted)},
			status:   core.StatusErrored,
			errText:  "browser session not started",
		},
		{
			name:     "backend panic",
			response: stubResponse{panic: "nil map"},
			status:   core.StatusErrored,
			errText:  "backend panic: nil map",
		},
		{
			name:     "run not completed",
			response: stubResponse{trace: core.Trace{Done: false, FinalResult: "no rooms available"}},
			status:   core.StatusFailed,
			errText:  "task not completed: no rooms available",
		},
		{
			name:     "timeout",
			response: stubResponse{err: context.DeadlineExceeded},
			status:   core.StatusFailed,
			errText:  "deadline exceeded",
		},
		{
			name:     "completed",
			response: stubResponse{trace: core.Trace{Done: true, Warnings: []string{"slow page"}}},
			status:   core.StatusSucceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newStubBackend()
			backend.responses["prompt-0"] = tt.response

			result, err := New(backend).Run(context.Background(), makeTasks(1), core.ExecutionConfig{Mode: core.ModeSequential}, nil)

			require.NoError(t, err)
			require.Len(t, result.Outcomes, 1)
			outcome := result.Outcomes[0]
			assert.Equal(t, tt.status, outcome.Status)
			if tt.errText == "" {
				assert.Empty(t, outcome.Error)
			} else {
				assert.Contains(t, outcome.Error, tt.errText)
			}
			assert.False(t, outcome.EndedAt.Before(outcome.StartedAt))
		})
	}
}

func TestUnsupportedRemoteFallsBackToLocal(t *testing.T) {
	backend := newStubBackend()
	negotiation := core.Unsupported("endpoint has no CDP websocket")
	backend.negotiation = &negotiation
	cfg := parallelConfig(t, 2)
	cfg.Remote = core.RemoteConfig{Enabled: true, Endpoint: "https://grid.example.com/wd/hub", AccessKey: "secret"}

	result, err := New(backend).Run(context.Background(), makeTasks(3), cfg, nil)

	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)
	for _, outcome := range result.Outcomes {
		assert.Equal(t, core.StatusSucceeded, outcome.Status)
		assert.Equal(t, "local", outcome.Execution)
		require.Len(t, outcome.Warnings, 1)
		assert.Contains(t, outcome.Warnings[0], "fell back to local")
	}
	for _, seen := range backend.configs {
		assert.False(t, seen.Remote.Enabled)
	}
	assert.True(t, cfg.Remote.Enabled, "caller config must not change")
	assert.Len(t, result.Warnings, 1)
}

func TestSupportedRemoteKeepsRemoteConfig(t *testing.T) {
	backend := newStubBackend()
	cfg := core.ExecutionConfig{Mode: core.ModeSequential, Remote: core.RemoteConfig{Enabled: true, Endpoint: "wss://grid.example.com/cdp"}}

	result, err := New(backend).Run(context.Background(), makeTasks(2), cfg, nil)

	require.NoError(t, err)
	for _, outcome := range result.Outcomes {
		assert.Equal(t, "remote", outcome.Execution)
		assert.Empty(t, outcome.Warnings)
	}
}

func TestInvalidConfigSynthesizesErroredOutcomes(t *testing.T) {
	backend := newStubBackend()
	cfg := core.ExecutionConfig{Mode: core.ModeSequential, Remote: core.RemoteConfig{Enabled: true}}

	result, err := New(backend).Run(context.Background(), makeTasks(3), cfg, nil)

	require.NoError(t, err)
	require.Len(t, result.Outcomes, 3)
	for _, outcome := range result.Outcomes {
		assert.Equal(t, core.StatusErrored, outcome.Status)
		assert.Contains(t, outcome.Error, "without an endpoint")
	}
	assert.Empty(t, backend.launches)
	assert.Equal(t, 3, result.Summary.Errored)
}

func TestCancelledRunReturnsPartialResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	backend := newStubBackend()
	sleeper := func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}
	cfg := core.ExecutionConfig{Mode: core.ModeSequential, TaskDelay: time.Second}

	result, err := New(backend, WithSleeper(sleeper)).Run(ctx, makeTasks(3), cfg, nil)

	require.ErrorIs(t, err, ErrInterrupted)
	assert.False(t, result.Complete)
	require.Len(t, result.Outcomes, 1)
	assert.Equal(t, "task-0", result.Outcomes[0].Task.Name)
	assert.Equal(t, 2, result.Summary.Missing)
}

type recordingProgress struct {
	mu       sync.Mutex
	started  []int
	finished []int
}

func (r *recordingProgress) TaskStarted(index int, task core.TaskSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, index)
}

func (r *recordingProgress) TaskFinished(index int, outcome core.TaskOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, index)
}

func TestProgressNotifiedPerTask(t *testing.T) {
	progress := &recordingProgress{}
	backend := newStubBackend()
	backend.responses["prompt-2"] = stubResponse{panic: "boom"}

	_, err := New(backend, WithProgress(progress)).Run(context.Background(), makeTasks(4), parallelConfig(t, 2), nil)

	require.NoError(t, err)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, progress.started)
	assert.ElementsMatch(t, []int{0, 1, 2, 3}, progress.finished)
}

func TestRunAppliesFilter(t *testing.T) {
	tasks := makeTasks(4)
	tasks[0].Priority = "Low"
	tasks[2].Category = "Flights"
	filter := core.Selection{Priority: "high", Category: "hotels"}.Predicate()

	result, err := New(newStubBackend()).Run(context.Background(), tasks, core.ExecutionConfig{Mode: core.ModeSequential}, filter)

	require.NoError(t, err)
	assert.Equal(t, []string{"task-1", "task-3"}, outcomeNames(result))
}
