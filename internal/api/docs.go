package api

import (
	"html/template"
	"log/slog"
	"strings"
)

// docsLink is one entry of the docs page toolbar.
type docsLink struct {
	Href  string
	Label string
}

// docsLinks lists the non-OpenAPI surfaces this server actually mounts.
func docsLinks(opts Options) []docsLink {
	links := []docsLink{{Href: "/docs/hub", Label: "Message Hub"}}
	if opts.ResultsPage != nil {
		links = append(links, docsLink{Href: "/results", Label: "Results View"})
	}
	if opts.Events != nil {
		links = append(links, docsLink{Href: "/api/v1/events", Label: "Event Stream"})
	}
	return links
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!doctype html>
<html lang="en" data-theme="dark">
<head>
  <meta charset="utf-8" />
  <meta name="referrer" content="same-origin" />
  <meta name="viewport" content="width=device-width, initial-scale=1, shrink-to-fit=no" />
  <title>{{.Title}}</title>
  <link href="https://unpkg.com/@stoplight/elements@9.0.0/styles.min.css" rel="stylesheet" />
  <script src="https://unpkg.com/@stoplight/elements@9.0.0/web-components.min.js" crossorigin="anonymous"></script>
  <style>
    nav.surfaces { position: fixed; top: 12px; right: 16px; z-index: 9999; display: flex; gap: 8px; }
    nav.surfaces a {
      background: #161b22; border: 1px solid #30363d; border-radius: 6px; color: #58a6ff;
      font: 500 12px -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
      padding: 5px 12px; text-decoration: none;
    }
  </style>
</head>
<body style="height: 100vh; margin: 0; position: relative;">
  <nav class="surfaces">
    {{- range .Links}}
    <a href="{{.Href}}">{{.Label}}</a>
    {{- end}}
  </nav>
  <elements-api
    apiDescriptionUrl="/openapi.json"
    router="hash"
    layout="sidebar"
    tryItCredentialsPolicy="same-origin"
    darkMode
  />
</body>
</html>`))

func renderDocs(title string, links []docsLink) string {
	var b strings.Builder
	if err := docsTemplate.Execute(&b, struct {
		Title string
		Links []docsLink
	}{title, links}); err != nil {
		slog.Error("render docs page failed", "error", err)
		return ""
	}
	return b.String()
}
