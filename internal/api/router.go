// Package api serves the dashboard, run history and run triggering over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"webagentaa/internal/core"
	"webagentaa/internal/runner"
	"webagentaa/internal/store"
	"webagentaa/web"
)

// Runs starts runs and previews task selections. *runner.Runner implements it.
type Runs interface {
	Start(ctx context.Context, req runner.Request) (string, error)
	Preview(ctx context.Context, selection core.Selection) ([]core.TaskSpec, error)
	Current() (string, bool)
}

// History reads stored runs. *store.Store implements it.
type History interface {
	ListRuns(ctx context.Context, limit, offset int) ([]*store.Run, error)
	GetRun(ctx context.Context, id string) (*store.Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]store.Outcome, error)
}

// NextRunner reports the next scheduled activation. *schedule.Scheduler implements it.
type NextRunner interface {
	Next() time.Time
}

// Deps are the collaborators behind the HTTP routes. Runs and History are
// required; the rest are mounted only when set.
type Deps struct {
	Runs       Runs
	History    History
	ReportsDir string
	MCP        http.Handler
	Metrics    http.Handler
	Cron       string
	Scheduler  NextRunner
	Location   *time.Location
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	deps       Deps
	logger     *zap.Logger
	authToken  string
	// runCtx outlives requests so runs started over HTTP keep going.
	runCtx context.Context
}

// NewServer constructs the HTTP API server. Runs started through POST /v1/runs inherit ctx.
func NewServer(ctx context.Context, addr string, authToken string, deps Deps, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	s := &Server{
		router:    router,
		deps:      deps,
		logger:    logger.With(zap.String("component", "api")),
		authToken: authToken,
		runCtx:    ctx,
	}
	s.registerRoutes(web.Files())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(staticFS fs.FS) {
	auth := AuthMiddleware(s.authToken)

	s.router.Get("/", s.handleIndex(staticFS))
	s.router.Handle("/assets/*", http.StripPrefix("/assets/", http.FileServer(http.FS(staticFS))))
	s.router.Get("/healthz", s.handleHealth)

	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics)
	}
	if s.deps.MCP != nil {
		s.router.Handle("/mcp", auth(s.deps.MCP))
	}
	if s.deps.ReportsDir != "" {
		reports := http.StripPrefix("/reports/", http.FileServer(http.Dir(s.deps.ReportsDir)))
		s.router.Handle("/reports/*", auth(reports))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(auth)

		r.Get("/tasks", s.handleListTasks)

		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.handleListRuns)
			r.Post("/", s.handleStartRun)
			r.Get("/{runID}", s.handleGetRun)
			r.Get("/{runID}/outcomes", s.handleListOutcomes)
		})

		r.Get("/schedule", s.handleSchedule)
		r.Post("/schedule/preview", s.handleCronPreview)
	})
}

func (s *Server) handleIndex(staticFS fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		defer file.Close()
		info, err := fs.Stat(staticFS, "index.html")
		modTime := time.Now()
		if err == nil {
			modTime = info.ModTime()
		}
		if reader, ok := file.(io.ReadSeeker); ok {
			http.ServeContent(w, r, "index.html", modTime, reader)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "failed to load index", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", modTime, bytes.NewReader(data))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok"}
	if runID, running := s.deps.Runs.Current(); running {
		payload["running_run_id"] = runID
	}
	writeJSON(w, http.StatusOK, payload)
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
