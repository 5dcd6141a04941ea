package intercept

import (
	"html/template"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"netfence/internal/store"
)

// Block classifications shown on the interception page.
const (
	ClassManual        = "manual"
	ClassCategory      = "category"
	ClassAgeRestricted = "age_restricted"
	ClassTime          = "time_restricted"
	ClassAllowed       = "allowed"
)

// BlockedRequestContext carries everything the block page template needs.
type BlockedRequestContext struct {
	Host      string
	Class     string
	Category  string
	Reason    string
	NextStart string
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.NotFound(s.handleBlocked)
	r.MethodNotAllowed(s.handleBlocked)
	return r
}

// handleBlocked answers every intercepted request with the block page.
// Responses carry 403 and no-store so browsers don't cache the page against
// the real site.
func (s *Server) handleBlocked(w http.ResponseWriter, r *http.Request) {
	rc := s.classify(r.Host)
	slog.Info("Intercepted request",
		"host", rc.Host, "path", r.URL.Path, "class", rc.Class)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusForbidden)
	if err := blockPage.Execute(w, rc); err != nil {
		slog.Warn("Writing block page failed", "error", err)
	}
}

// classify determines why this host was intercepted. Time restriction wins
// over domain blocking: during a restricted period every domain is blocked,
// and the page should say when access resumes.
func (s *Server) classify(host string) BlockedRequestContext {
	rc := BlockedRequestContext{Host: host, Class: ClassAllowed, Reason: "This site is not available."}

	if s.decisions != nil {
		if d := s.decisions.Last(); !d.Allowed {
			rc.Class = ClassTime
			rc.Reason = d.Reason
			if !d.NextStart.IsZero() {
				rc.NextStart = d.NextStart.Format("Monday 15:04")
			}
			return rc
		}
	}

	if entry, ok := s.store.Snapshot().Lookup(host); ok {
		rc.Class = entry.Reason
		rc.Category = entry.Category
		switch entry.Reason {
		case store.ReasonManual:
			rc.Reason = "This site has been blocked."
		case store.ReasonCategory:
			rc.Reason = "This site is blocked by category."
		case store.ReasonAgeRestricted:
			rc.Reason = "This site is age restricted."
		default:
			rc.Class = ClassManual
			rc.Reason = "This site has been blocked."
		}
	}
	return rc
}

var blockPage = template.Must(template.New("block").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Access Blocked</title>
<style>
  body { font-family: sans-serif; background: #f4f4f4; color: #333;
         display: flex; align-items: center; justify-content: center;
         height: 100vh; margin: 0; }
  .card { background: #fff; border-radius: 8px; padding: 2.5rem 3rem;
          box-shadow: 0 2px 8px rgba(0,0,0,0.1); max-width: 28rem;
          text-align: center; }
  h1 { font-size: 1.4rem; margin: 0 0 0.75rem; }
  p  { margin: 0.5rem 0; }
  .host { font-weight: bold; word-break: break-all; }
  .next { color: #666; font-size: 0.9rem; }
</style>
</head>
<body>
<div class="card">
  <h1>Access Blocked</h1>
  <p class="host">{{.Host}}</p>
  <p>{{.Reason}}</p>
  {{if .Category}}<p>Category: {{.Category}}</p>{{end}}
  {{if .NextStart}}<p class="next">Access resumes {{.NextStart}}</p>{{end}}
</div>
</body>
</html>
`))
