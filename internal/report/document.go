package report

import (
	"math"
	"time"

	"webagentaa/internal/core"
)

// Document is the JSON report layout.
type Document struct {
	Metadata Metadata    `json:"metadata"`
	Warnings []string    `json:"warnings,omitempty"`
	Tests    []TestEntry `json:"tests"`
}

// Metadata summarises the run.
type Metadata struct {
	ReportID    string    `json:"report_id"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`
	Complete    bool      `json:"complete"`
	TotalTests  int       `json:"total_tests"`
	PassedTests int       `json:"passed_tests"`
	FailedTests int       `json:"failed_tests"`
	Errored     int       `json:"errored_tests"`
	Missing     int       `json:"missing_tests,omitempty"`
	PassRate    float64   `json:"pass_rate"`
}

// TestEntry is one outcome in the JSON report.
type TestEntry struct {
	TaskNumber int         `json:"task_number"`
	Scenario   string      `json:"scenario"`
	Category   string      `json:"category"`
	Priority   string      `json:"priority"`
	Status     core.Status `json:"status"`
	Error      string      `json:"error,omitempty"`
	FailedStep int         `json:"failed_step,omitempty"`
	Prompt     string      `json:"prompt"`
	DurationMS int64       `json:"duration_ms"`
	Execution  string      `json:"execution"`
	Warnings   []string    `json:"warnings,omitempty"`
	Steps      []core.Step `json:"steps"`
	Logs       []string    `json:"logs"`
}

func newDocument(result core.RunResult, stamp string, generated time.Time) Document {
	summary := result.Summary
	doc := Document{
		Metadata: Metadata{
			ReportID:    stamp,
			RunID:       result.ID,
			GeneratedAt: generated,
			Complete:    result.Complete,
			TotalTests:  summary.Total,
			PassedTests: summary.Succeeded,
			FailedTests: summary.Failed,
			Errored:     summary.Errored,
			Missing:     summary.Missing,
			PassRate:    math.Round(summary.PassRate()*100) / 100,
		},
		Warnings: result.Warnings,
		Tests:    make([]TestEntry, 0, len(result.Outcomes)),
	}
	for _, outcome := range result.Outcomes {
		steps := outcome.Steps
		if steps == nil {
			steps = []core.Step{}
		}
		logs := outcome.Logs
		if logs == nil {
			logs = []string{}
		}
		doc.Tests = append(doc.Tests, TestEntry{
			TaskNumber: outcome.Index + 1,
			Scenario:   outcome.Task.Name,
			Category:   outcome.Task.Category,
			Priority:   outcome.Task.Priority,
			Status:     outcome.Status,
			Error:      outcome.Error,
			FailedStep: outcome.FailedStep,
			Prompt:     outcome.Task.Prompt,
			DurationMS: outcome.Duration().Milliseconds(),
			Execution:  outcome.Execution,
			Warnings:   outcome.Warnings,
			Steps:      steps,
			Logs:       logs,
		})
	}
	return doc
}
