// Package report renders run results as an HTML page and a JSON document.
package report

import (
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"webagentaa/internal/core"
	"webagentaa/web"
)

const (
	htmlPrefix     = "test_report_"
	jsonPrefix     = "json_report_"
	latestJSON     = "json-report.json"
	indexFile      = "index.html"
	stampLayout    = "20060102_150405"
	maxModelOutput = 300
)

// Artifact lists the files written for one run.
type Artifact struct {
	HTMLPath  string `json:"html_path"`
	JSONPath  string `json:"json_path"`
	IndexPath string `json:"index_path,omitempty"`
}

// Emitter writes reports into Dir.
type Emitter struct {
	dir    string
	keep   int
	logger *zap.Logger
	now    func() time.Time
	tmpl   *template.Template
}

// NewEmitter creates an emitter that keeps the newest keep previous reports.
func NewEmitter(dir string, keep int, logger *zap.Logger) (*Emitter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	tmpl, err := template.New("report").Funcs(funcMap()).Parse(web.ReportTemplate())
	if err != nil {
		return nil, fmt.Errorf("parse report template: %w", err)
	}
	return &Emitter{
		dir:    dir,
		keep:   keep,
		logger: logger.With(zap.String("component", "report")),
		now:    time.Now,
		tmpl:   tmpl,
	}, nil
}

// Dir returns the output directory.
func (e *Emitter) Dir() string {
	return e.dir
}

type page struct {
	Result    core.RunResult
	Stamp     string
	Generated time.Time
	Elapsed   time.Duration
}

// Render writes the HTML report, the timestamped JSON report and the
// json-report.json copy. Older reports are pruned first.
func (e *Emitter) Render(result core.RunResult) (Artifact, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create reports dir: %w", err)
	}
	e.prune(htmlPrefix, ".html")
	e.prune(jsonPrefix, ".json")

	generated := e.now()
	stamp := generated.Format(stampLayout)
	artifact := Artifact{
		HTMLPath: filepath.Join(e.dir, htmlPrefix+stamp+".html"),
		JSONPath: filepath.Join(e.dir, jsonPrefix+stamp+".json"),
	}

	var html strings.Builder
	data := page{Result: result, Stamp: stamp, Generated: generated, Elapsed: result.FinishedAt.Sub(result.StartedAt)}
	if err := e.tmpl.Execute(&html, data); err != nil {
		return Artifact{}, fmt.Errorf("render html report: %w", err)
	}
	if err := os.WriteFile(artifact.HTMLPath, []byte(html.String()), 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write html report: %w", err)
	}

	doc, err := json.MarshalIndent(newDocument(result, stamp, generated), "", "  ")
	if err != nil {
		return Artifact{}, fmt.Errorf("encode json report: %w", err)
	}
	if err := os.WriteFile(artifact.JSONPath, doc, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write json report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, latestJSON), doc, 0o644); err != nil {
		e.logger.Warn("could not update latest json report", zap.Error(err))
	}

	e.logger.Info("report written", zap.String("html", artifact.HTMLPath), zap.String("json", artifact.JSONPath))
	return artifact, nil
}

// WriteIndex points index.html at the given HTML report.
func (e *Emitter) WriteIndex(htmlPath string) (string, error) {
	name := filepath.Base(htmlPath)
	content := fmt.Sprintf(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta http-equiv="refresh" content="0; url=%[1]s">
<title>Redirecting to Latest Report...</title>
</head>
<body>
<p>Redirecting to <a href="%[1]s">latest report</a>...</p>
</body>
</html>
`, template.HTMLEscapeString(name))
	path := filepath.Join(e.dir, indexFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write report index: %w", err)
	}
	return path, nil
}

// prune removes older files matching prefix*suffix, keeping the newest e.keep.
func (e *Emitter) prune(prefix, suffix string) {
	matches, err := filepath.Glob(filepath.Join(e.dir, prefix+"*"+suffix))
	if err != nil || len(matches) <= e.keep {
		return
	}
	// The timestamp in the name sorts chronologically.
	sort.Strings(matches)
	for _, path := range matches[:len(matches)-e.keep] {
		if err := os.Remove(path); err != nil {
			e.logger.Warn("could not delete old report", zap.String("path", path), zap.Error(err))
		}
	}
}

func funcMap() template.FuncMap {
	return template.FuncMap{
		"formatDuration": formatDuration,
		"statusClass":    func(s core.Status) string { return string(s) },
		"truncate":       func(s string) string { return truncate(s, maxModelOutput) },
		"inc":            func(i int) int { return i + 1 },
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
