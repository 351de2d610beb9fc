package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"webagentaa/internal/core"
	"webagentaa/internal/runner"
)

type taskResponse struct {
	Row      int    `json:"row"`
	Name     string `json:"name"`
	Prompt   string `json:"prompt"`
	Category string `json:"category"`
	Priority string `json:"priority"`
}

// handleListTasks previews the active tasks a run with the given filters would execute.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	selection := core.Selection{
		Priority: r.URL.Query().Get("priority"),
		Category: r.URL.Query().Get("category"),
	}
	tasks, err := s.deps.Runs.Preview(r.Context(), selection)
	if err != nil {
		var srcErr *runner.SourceError
		if errors.As(err, &srcErr) {
			writeError(w, http.StatusBadGateway, "source_unavailable", srcErr.Error())
			return
		}
		s.logger.Error("preview tasks", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load tasks")
		return
	}

	items := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, taskResponse{
			Row:      t.Row,
			Name:     t.Name,
			Prompt:   t.Prompt,
			Category: t.Category,
			Priority: t.Priority,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"selection": selection.String(),
		"items":     items,
	})
}
