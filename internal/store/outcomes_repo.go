package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"webagentaa/internal/core"
)

// Outcome is the stored summary of one task outcome. Steps and logs live in
// the JSON report.
type Outcome struct {
	RunID      string      `json:"run_id"`
	Index      int         `json:"index"`
	Name       string      `json:"name"`
	Category   string      `json:"category"`
	Priority   string      `json:"priority"`
	Status     core.Status `json:"status"`
	Error      string      `json:"error,omitempty"`
	FailedStep int         `json:"failed_step,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	EndedAt    time.Time   `json:"ended_at"`
}

func insertOutcomes(ctx context.Context, tx *sql.Tx, runID string, outcomes []core.TaskOutcome) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (run_id, idx, name, category, priority, status, error, failed_step, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert outcome: %w", err)
	}
	defer stmt.Close()
	for _, outcome := range outcomes {
		if _, err := stmt.ExecContext(ctx, runID, outcome.Index, outcome.Task.Name, outcome.Task.Category, outcome.Task.Priority,
			outcome.Status, nullableString(outcome.Error), outcome.FailedStep,
			formatTime(outcome.StartedAt), formatTime(outcome.EndedAt)); err != nil {
			return fmt.Errorf("insert outcome %d: %w", outcome.Index, err)
		}
	}
	return nil
}

// ListOutcomes returns the outcomes of a run in source order.
func (s *Store) ListOutcomes(ctx context.Context, runID string) ([]Outcome, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT run_id, idx, name, category, priority, status, error, failed_step, started_at, ended_at
		FROM outcomes
		WHERE run_id = ?
		ORDER BY idx
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()
	var outcomes []Outcome
	for rows.Next() {
		var (
			outcome   Outcome
			status    string
			errMsg    sql.NullString
			startedAt string
			endedAt   string
		)
		if err := rows.Scan(&outcome.RunID, &outcome.Index, &outcome.Name, &outcome.Category, &outcome.Priority,
			&status, &errMsg, &outcome.FailedStep, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan outcome: %w", err)
		}
		outcome.Status = core.Status(status)
		outcome.Error = errMsg.String
		if outcome.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if outcome.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return outcomes, nil
}
