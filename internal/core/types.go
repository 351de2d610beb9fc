package core

import (
	"errors"
	"time"
)

// ErrSessionNotStarted marks backend failures that happened before a browser
// session existed. Outcomes for such failures are recorded as errored.
var ErrSessionNotStarted = errors.New("browser session not started")

// Status describes the result of one task execution attempt.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusErrored   Status = "errored"
)

// TaskSpec is one test case loaded from the task source.
type TaskSpec struct {
	Row      int    `json:"row"`
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Category string `json:"category"`
	Priority string `json:"priority"`
	Active   bool   `json:"active"`
}

// Step is a single action taken by the browser agent.
type Step struct {
	Number      int    `json:"step_number"`
	Action      string `json:"action"`
	Result      string `json:"result"`
	ModelOutput string `json:"model_output,omitempty"`
}

// Trace is what an execution backend hands back for one prompt.
type Trace struct {
	Done        bool     `json:"done"`
	FinalResult string   `json:"final_result,omitempty"`
	Steps       []Step   `json:"steps,omitempty"`
	Logs        []string `json:"logs,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// TaskOutcome is the recorded result of one eligible task.
type TaskOutcome struct {
	Index      int       `json:"index"`
	Task       TaskSpec  `json:"task"`
	Status     Status    `json:"status"`
	Steps      []Step    `json:"steps"`
	Logs       []string  `json:"logs"`
	Warnings   []string  `json:"warnings,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	Error      string    `json:"error,omitempty"`
	FailedStep int       `json:"failed_step,omitempty"`
	Execution  string    `json:"execution"`
}

// Duration returns the wall time the attempt took.
func (o TaskOutcome) Duration() time.Duration {
	if o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}

// Succeeded reports whether the outcome passed.
func (o TaskOutcome) Succeeded() bool {
	return o.Status == StatusSucceeded
}

// Summary holds per-status counts for a run.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Errored   int `json:"errored"`
	Missing   int `json:"missing,omitempty"`
}

// PassRate returns the succeeded share of all eligible tasks as a percentage.
func (s Summary) PassRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Succeeded) / float64(s.Total) * 100
}

// Passed reports whether every eligible task succeeded. An empty run passes.
func (s Summary) Passed() bool {
	return s.Missing == 0 && s.Succeeded == s.Total
}

// Summarize counts outcomes by status. total is the number of eligible tasks.
func Summarize(outcomes []TaskOutcome, total int) Summary {
	summary := Summary{Total: total}
	for _, outcome := range outcomes {
		switch outcome.Status {
		case StatusSucceeded:
			summary.Succeeded++
		case StatusFailed:
			summary.Failed++
		default:
			summary.Errored++
		}
	}
	summary.Missing = total - len(outcomes)
	return summary
}

// RunResult is the ordered set of outcomes for one dispatcher run.
type RunResult struct {
	ID         string        `json:"id"`
	Outcomes   []TaskOutcome `json:"outcomes"`
	Summary    Summary       `json:"summary"`
	Complete   bool          `json:"complete"`
	Warnings   []string      `json:"warnings,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// FailedOutcomes returns the outcomes that did not succeed, in order.
func (r RunResult) FailedOutcomes() []TaskOutcome {
	var failed []TaskOutcome
	for _, outcome := range r.Outcomes {
		if !outcome.Succeeded() {
			failed = append(failed, outcome)
		}
	}
	return failed
}
