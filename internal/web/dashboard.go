package web

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
)

// dashboardTurns is how many recent exchanges the dashboard shows.
const dashboardTurns = 10

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Valet</title>
<style>
  body { font-family: system-ui, sans-serif; max-width: 720px; margin: 2rem auto; padding: 0 1rem; background: #111; color: #ddd; }
  h1 { font-size: 1.3rem; }
  .state { display: inline-block; padding: 0.1rem 0.6rem; border-radius: 1rem; background: #264; }
  .state.busy { background: #642; }
  .turn { border-left: 3px solid #345; margin: 1rem 0; padding: 0.2rem 0.8rem; }
  .turn .query { color: #9ab; }
  .turn .meta { color: #667; font-size: 0.8rem; }
  .reply :first-child { margin-top: 0.3rem; }
  a { color: #7ac; }
</style>
</head>
<body>
<h1>Valet <span class="state{{if ne .State "idle"}} busy{{end}}">{{.State}}</span>{{if .Sarcasm}} 🙄{{end}}</h1>
<p class="meta">{{.System}}</p>
{{range .Turns}}
<div class="turn">
  <div class="query">{{.Query}}</div>
  <div class="reply">{{.ReplyHTML}}</div>
  <div class="meta">{{.Origin}} · {{.When}}{{if .Truncated}} · interrupted{{end}}</div>
</div>
{{else}}
<p>No conversation yet.</p>
{{end}}
<p><a href="/stream">camera</a> · <a href="/api/status">status</a> · <a href="/api/stats">stats</a></p>
</body>
</html>
`))

type dashboardTurn struct {
	Query     string
	ReplyHTML template.HTML
	Origin    string
	When      string
	Truncated bool
}

type dashboardData struct {
	State   string
	Sarcasm bool
	System  string
	Turns   []dashboardTurn
}

// handleDashboard renders the status page. Replies are markdown from
// the model and are converted to HTML; goldmark escapes raw HTML in
// the source by default, which is exactly what untrusted model output
// needs.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	st := s.orch.Status()
	data := dashboardData{
		State:   string(st.State),
		Sarcasm: st.Sarcasm,
	}
	if s.stats != nil {
		data.System = s.stats.Summary()
	}

	if s.store != nil {
		turns, err := s.store.Recent(dashboardTurns)
		if err != nil {
			s.logger.Warn("dashboard turn query failed", "error", err)
		}
		// Newest first on screen.
		for i := len(turns) - 1; i >= 0; i-- {
			t := turns[i]
			data.Turns = append(data.Turns, dashboardTurn{
				Query:     t.Query,
				ReplyHTML: renderMarkdown(t.Reply),
				Origin:    t.Origin,
				When:      t.EndedAt.Local().Format(time.Kitchen),
				Truncated: t.Truncated,
			})
		}
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.logger.Debug("dashboard render failed", "error", err)
	}
}

func renderMarkdown(md string) template.HTML {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(md))
	}
	return template.HTML(buf.String())
}
