package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"webagentaa/internal/core"
	"webagentaa/internal/runner"
	"webagentaa/internal/store"
)

type runResponse struct {
	ID         string  `json:"id"`
	Trigger    string  `json:"trigger"`
	Status     string  `json:"status"`
	Total      int     `json:"total"`
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	Errored    int     `json:"errored"`
	Complete   bool    `json:"complete"`
	ReportName string  `json:"report_name,omitempty"`
	Error      *string `json:"error,omitempty"`
	StartedAt  string  `json:"started_at"`
	FinishedAt *string `json:"finished_at,omitempty"`
	CreatedAt  string  `json:"created_at"`
}

type outcomeResponse struct {
	Number     int    `json:"task_number"`
	Scenario   string `json:"scenario"`
	Category   string `json:"category"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	FailedStep int    `json:"failed_step,omitempty"`
	StartedAt  string `json:"started_at"`
	EndedAt    string `json:"ended_at"`
	DurationMS int64  `json:"duration_ms"`
}

type startRunRequest struct {
	Priority string `json:"priority"`
	Category string `json:"category"`
	Mode     string `json:"mode"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	if limit <= 0 || limit > 200 {
		limit = 20
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}

	runs, err := s.deps.History.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list runs")
		return
	}
	items := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		items = append(items, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.deps.History.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if _, err := s.deps.History.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "run not found")
		} else {
			s.logger.Error("get run for outcomes", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load run")
		}
		return
	}
	outcomes, err := s.deps.History.ListOutcomes(r.Context(), runID)
	if err != nil {
		s.logger.Error("list outcomes", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load outcomes")
		return
	}
	items := make([]outcomeResponse, 0, len(outcomes))
	for _, o := range outcomes {
		items = append(items, outcomeResponse{
			Number:     o.Index + 1,
			Scenario:   o.Name,
			Category:   o.Category,
			Priority:   o.Priority,
			Status:     string(o.Status),
			Error:      o.Error,
			FailedStep: o.FailedStep,
			StartedAt:  o.StartedAt.UTC().Format(time.RFC3339),
			EndedAt:    o.EndedAt.UTC().Format(time.RFC3339),
			DurationMS: o.EndedAt.Sub(o.StartedAt).Milliseconds(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var payload startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	req := runner.Request{
		Selection: core.Selection{Priority: payload.Priority, Category: payload.Category},
		Trigger:   "api",
	}
	if payload.Mode != "" {
		mode, err := core.ParseExecutionMode(payload.Mode)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_mode", err.Error())
			return
		}
		req.Mode = mode
	}

	runID, err := s.deps.Runs.Start(s.runCtx, req)
	if errors.Is(err, runner.ErrRunInProgress) {
		writeError(w, http.StatusConflict, "run_in_progress", err.Error())
		return
	}
	if err != nil {
		s.logger.Error("start run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to start run")
		return
	}
	s.logger.Info("run started", zap.String("run_id", runID), zap.Stringer("selection", req.Selection))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func runToResponse(run *store.Run) runResponse {
	resp := runResponse{
		ID:        run.ID,
		Trigger:   run.Trigger,
		Status:    string(run.Status),
		Total:     run.Total,
		Succeeded: run.Succeeded,
		Failed:    run.Failed,
		Errored:   run.Errored,
		Complete:  run.Complete,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339),
		CreatedAt: run.CreatedAt.UTC().Format(time.RFC3339),
	}
	if run.ReportPath != "" {
		resp.ReportName = filepath.Base(run.ReportPath)
	}
	if run.Error != "" {
		resp.Error = &run.Error
	}
	if run.FinishedAt != nil {
		formatted := run.FinishedAt.UTC().Format(time.RFC3339)
		resp.FinishedAt = &formatted
	}
	return resp
}
