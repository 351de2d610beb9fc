package tasksource

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"webagentaa/internal/core"
)

// CSVSource reads tasks from a CSV export of the task sheet.
type CSVSource struct {
	Path     string
	StartRow int
	Logger   *zap.Logger
}

// LoadTasks implements Source.
func (s *CSVSource) LoadTasks(ctx context.Context) ([]core.TaskSpec, error) {
	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open task csv: %w", err)
	}
	defer file.Close()

	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	// Prompts are free text and often carry unescaped quotes.
	reader.LazyQuotes = true

	var rows [][]string
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			logger.Warn("skipping unparsable csv row", zap.Int("line", parseErr.StartLine), zap.Error(err))
			// Keep row numbers aligned with the file; blank rows are skipped by ParseRows.
			rows = append(rows, nil)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read task csv %s: %w", s.Path, err)
		}
		rows = append(rows, record)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ParseRows(rows, s.StartRow, logger), nil
}
