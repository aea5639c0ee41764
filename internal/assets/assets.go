// Package assets bundles the default stylesheet and the results view page.
package assets

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"os"
)

//go:embed static/insert.css static/results.html
var files embed.FS

var resultsTmpl = template.Must(template.ParseFS(files, "static/results.html"))

// DefaultCSS returns the bundled stylesheet.
func DefaultCSS() string {
	data, err := files.ReadFile("static/insert.css")
	if err != nil {
		// Embedded at build time; a read failure means a broken binary.
		panic(fmt.Sprintf("assets: embedded stylesheet missing: %v", err))
	}
	return string(data)
}

// CSSLoader returns a loader for the default stylesheet. When overridePath is
// set the file is read instead of the bundled copy.
func CSSLoader(overridePath string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if overridePath == "" {
			return DefaultCSS(), nil
		}
		data, err := os.ReadFile(overridePath)
		if err != nil {
			return "", fmt.Errorf("assets: read stylesheet %s: %w", overridePath, err)
		}
		slog.Info("default stylesheet loaded", "path", overridePath, "bytes", len(data))
		return string(data), nil
	}
}

// ResultsPage renders the results view. resultsPath is the endpoint the page
// fetches the stored bundle from.
func ResultsPage(resultsPath string) ([]byte, error) {
	var buf bytes.Buffer
	if err := resultsTmpl.Execute(&buf, struct{ ResultsPath string }{resultsPath}); err != nil {
		return nil, fmt.Errorf("assets: render results page: %w", err)
	}
	return buf.Bytes(), nil
}
