package web

import (
	"embed"
	"io/fs"
)

//go:embed static
var static embed.FS

//go:embed templates/report.html.tmpl
var reportTemplate string

// Files exposes the dashboard assets.
func Files() fs.FS {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		panic(err)
	}
	return sub
}

// ReportTemplate returns the HTML report template source.
func ReportTemplate() string {
	return reportTemplate
}
