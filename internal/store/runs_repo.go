package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"webagentaa/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

// RunStatus is the lifecycle state of a stored run.
type RunStatus string

const (
	RunStatusRunning    RunStatus = "running"
	RunStatusPassed     RunStatus = "passed"
	RunStatusFailed     RunStatus = "failed"
	RunStatusIncomplete RunStatus = "incomplete"
	RunStatusError      RunStatus = "error"
)

// StatusFor maps a finished run result to its stored status.
func StatusFor(result core.RunResult) RunStatus {
	switch {
	case !result.Complete:
		return RunStatusIncomplete
	case result.Summary.Passed():
		return RunStatusPassed
	default:
		return RunStatusFailed
	}
}

// Run is one row of run history.
type Run struct {
	ID         string     `json:"id"`
	Trigger    string     `json:"trigger"`
	Status     RunStatus  `json:"status"`
	Total      int        `json:"total"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Errored    int        `json:"errored"`
	Complete   bool       `json:"complete"`
	ReportPath string     `json:"report_path,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const runColumns = `id, triggered_by, status, total, succeeded, failed, errored, complete, report_path, error, started_at, finished_at, created_at`

// InsertRun records a run that has started.
func (s *Store) InsertRun(ctx context.Context, runID, trigger string, startedAt time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, triggered_by, status, started_at, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, runID, trigger, RunStatusRunning, formatTime(startedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// CompleteRun stores the summary and outcomes of a finished run.
func (s *Store) CompleteRun(ctx context.Context, result core.RunResult, reportPath string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete run: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	finishedAt := result.FinishedAt
	res, err := tx.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, total = ?, succeeded = ?, failed = ?, errored = ?, complete = ?, report_path = ?, finished_at = ?
		WHERE id = ?
	`, StatusFor(result), result.Summary.Total, result.Summary.Succeeded, result.Summary.Failed, result.Summary.Errored,
		result.Complete, nullableString(reportPath), nullableTime(&finishedAt), result.ID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	if err := insertOutcomes(ctx, tx, result.ID, result.Outcomes); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete run: %w", err)
	}
	return nil
}

// FailRun marks a run that ended before producing a result.
func (s *Store) FailRun(ctx context.Context, runID string, cause error, finishedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, error = ?, finished_at = ?
		WHERE id = ?
	`, RunStatusError, cause.Error(), formatTime(finishedAt), runID)
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrRunNotFound
	}
	return nil
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs newest first.
func (s *Store) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		ORDER BY created_at DESC, rowid DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// PruneRuns deletes all but the newest keep runs and their outcomes.
func (s *Store) PruneRuns(ctx context.Context, keep int) (int64, error) {
	if keep < 1 {
		keep = s.Retention
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const stale = `SELECT id FROM runs ORDER BY created_at DESC, rowid DESC LIMIT -1 OFFSET ?`
	if _, err := tx.ExecContext(ctx, `DELETE FROM outcomes WHERE run_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("prune outcomes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return deleted, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*Run, error) {
	var (
		run        Run
		status     string
		reportPath sql.NullString
		errMsg     sql.NullString
		startedAt  string
		finishedAt sql.NullString
		createdAt  string
	)
	if err := scanner.Scan(&run.ID, &run.Trigger, &status, &run.Total, &run.Succeeded, &run.Failed, &run.Errored,
		&run.Complete, &reportPath, &errMsg, &startedAt, &finishedAt, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = RunStatus(status)
	run.ReportPath = reportPath.String
	run.Error = errMsg.String
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if finishedAt.Valid {
		t, err := parseTime(finishedAt.String)
		if err != nil {
			return nil, err
		}
		run.FinishedAt = &t
	}
	return &run, nil
}
