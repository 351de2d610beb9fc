package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"webagentaa/internal/schedule"
)

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

type scheduleResponse struct {
	Enabled bool    `json:"enabled"`
	Cron    string  `json:"cron,omitempty"`
	NextRun *string `json:"next_run,omitempty"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	resp := scheduleResponse{Cron: s.deps.Cron}
	if s.deps.Scheduler != nil {
		resp.Enabled = true
		if next := s.deps.Scheduler.Next(); !next.IsZero() {
			formatted := next.UTC().Format(time.RFC3339)
			resp.NextRun = &formatted
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}
	parsed, err := schedule.ParseCron(expr)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.deps.Location)
	if req.Now != "" {
		if t, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = t.In(s.deps.Location)
		}
	}

	times := schedule.NextRuns(parsed, base, count)
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}
