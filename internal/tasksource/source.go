// Package tasksource loads test cases from spreadsheets.
//
// Rows have the columns name, prompt, category, priority and active (yes/no).
// The header row is skipped; malformed rows are skipped and logged so one bad
// row never stops the rest from loading.
package tasksource

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"webagentaa/internal/config"
	"webagentaa/internal/core"
)

const minColumns = 5

// Source supplies the ordered task list.
type Source interface {
	LoadTasks(ctx context.Context) ([]core.TaskSpec, error)
}

// New returns the source configured by cfg.
func New(cfg config.SourceConfig, logger *zap.Logger) (Source, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "tasksource"))
	switch cfg.Kind {
	case config.SourceCSV:
		return &CSVSource{Path: cfg.CSVPath, StartRow: cfg.StartRow, Logger: logger}, nil
	case config.SourceSheets:
		return &SheetsSource{
			SpreadsheetID:   cfg.SpreadsheetID,
			SheetName:       cfg.SheetName,
			CredentialsFile: cfg.CredentialsFile,
			StartRow:        cfg.StartRow,
			Logger:          logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown task source %q", cfg.Kind)
	}
}

// ParseRows converts raw rows into task specs. rows holds the whole sheet
// including the header; data starts at the 1-based startRow.
func ParseRows(rows [][]string, startRow int, logger *zap.Logger) []core.TaskSpec {
	if logger == nil {
		logger = zap.NewNop()
	}
	if startRow < 2 {
		// Row 1 is always the header.
		startRow = 2
	}
	var tasks []core.TaskSpec
	for i := startRow - 1; i < len(rows); i++ {
		rowNumber := i + 1
		row := rows[i]
		if isBlank(row) {
			continue
		}
		if len(row) < minColumns {
			logger.Warn("skipping row with missing columns", zap.Int("row", rowNumber), zap.Int("columns", len(row)))
			continue
		}
		prompt := strings.TrimSpace(row[1])
		if prompt == "" {
			logger.Warn("skipping row with empty prompt", zap.Int("row", rowNumber), zap.String("scenario", strings.TrimSpace(row[0])))
			continue
		}
		tasks = append(tasks, core.TaskSpec{
			Row:      rowNumber,
			Name:     strings.TrimSpace(row[0]),
			Prompt:   prompt,
			Category: strings.TrimSpace(row[2]),
			Priority: strings.TrimSpace(row[3]),
			Active:   strings.EqualFold(strings.TrimSpace(row[4]), "yes"),
		})
	}
	logger.Debug("parsed task rows", zap.Int("rows", len(rows)), zap.Int("tasks", len(tasks)))
	return tasks
}

func isBlank(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
