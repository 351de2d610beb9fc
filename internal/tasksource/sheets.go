package tasksource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"webagentaa/internal/core"
)

// SheetsSource reads tasks from a Google Sheets tab using a service account.
type SheetsSource struct {
	SpreadsheetID   string
	SheetName       string
	CredentialsFile string
	StartRow        int
	Logger          *zap.Logger

	// ClientOptions replace the credentials file when set.
	ClientOptions []option.ClientOption
}

// LoadTasks implements Source.
func (s *SheetsSource) LoadTasks(ctx context.Context) ([]core.TaskSpec, error) {
	if strings.TrimSpace(s.SpreadsheetID) == "" {
		return nil, errors.New("spreadsheet id is empty")
	}
	opts := s.ClientOptions
	if len(opts) == 0 {
		if s.CredentialsFile == "" {
			return nil, errors.New("sheets credentials file is empty")
		}
		opts = []option.ClientOption{
			option.WithCredentialsFile(s.CredentialsFile),
			option.WithScopes(sheets.SpreadsheetsReadonlyScope),
		}
	}
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets client: %w", err)
	}

	readRange := fmt.Sprintf("%s!A1:E", s.sheetName())
	resp, err := service.Spreadsheets.Values.Get(s.SpreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", readRange, err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, values := range resp.Values {
		row := make([]string, 0, max(len(values), minColumns))
		for _, cell := range values {
			row = append(row, fmt.Sprint(cell))
		}
		rows = append(rows, padRow(row))
	}
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("loaded sheet", zap.String("range", readRange), zap.Int("rows", len(rows)))
	return ParseRows(rows, s.StartRow, logger), nil
}

func (s *SheetsSource) sheetName() string {
	if s.SheetName == "" {
		return "Tasks"
	}
	return s.SheetName
}

// padRow restores the trailing empty cells the Sheets API omits.
func padRow(row []string) []string {
	if len(row) == 0 {
		return row
	}
	for len(row) < minColumns {
		row = append(row, "")
	}
	return row
}
