// Package server is a small local dashboard over the triage store:
// recent runs, pending-attention pull requests, and subscriber
// management.
package server

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/yuin/goldmark"

	"github.com/prsweep/prsweep/internal/model"
	"github.com/prsweep/prsweep/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

var md = goldmark.New()

// Server is the HTTP dashboard server.
type Server struct {
	store *store.Store
	pages map[string]*template.Template
	mux   *http.ServeMux
}

// New creates a new Server.
func New(st *store.Store) (*Server, error) {
	funcMap := template.FuncMap{
		"markdown": renderMarkdown,
		"prURL": func(ref model.PullRequestRef) string {
			return ref.URL()
		},
		"deref": func(s *string) string {
			if s == nil {
				return ""
			}
			return *s
		},
	}

	// Parse base template first
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templateFS, "templates/base.html")
	if err != nil {
		return nil, fmt.Errorf("parsing base template: %w", err)
	}

	// For each page template, clone the base and parse the page into the clone.
	// This gives each page its own {{define "content"}} and {{define "title"}}.
	pageNames := []string{"index.html", "run.html", "pending.html", "subscribers.html"}
	pages := make(map[string]*template.Template, len(pageNames))
	for _, name := range pageNames {
		clone, err := base.Clone()
		if err != nil {
			return nil, fmt.Errorf("cloning base for %s: %w", name, err)
		}
		_, err = clone.ParseFS(templateFS, "templates/"+name)
		if err != nil {
			return nil, fmt.Errorf("parsing template %s: %w", name, err)
		}
		pages[name] = clone
	}

	s := &Server{store: st, pages: pages, mux: http.NewServeMux()}
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	// Static files
	staticSub, _ := fs.Sub(staticFS, "static")
	s.mux.Handle("/static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticSub))))

	// Routes
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/run/", s.handleRun)
	s.mux.HandleFunc("/pending", s.handlePending)
	s.mux.HandleFunc("/subscribers", s.handleSubscribers)
	s.mux.HandleFunc("/subscribers/add", s.handleAddSubscriber)
	s.mux.HandleFunc("/subscribers/", s.handleSubscriberAction)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	runs, err := s.store.ListRunReports(30)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	stats, err := s.store.GetStats()
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	recent, err := s.store.RecentRecords(15)
	if err != nil {
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	s.render(w, "index.html", map[string]any{
		"Runs":   runs,
		"Stats":  stats,
		"Recent": recent,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimPrefix(r.URL.Path, "/run/")
	if runID == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	run, _ := s.store.GetRunReport(runID)

	s.render(w, "run.html", map[string]any{
		"Run":   run,
		"RunID": runID,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	records, _ := s.store.AttentionRecords()
	s.render(w, "pending.html", map[string]any{
		"Records": records,
	})
}

func (s *Server) handleSubscribers(w http.ResponseWriter, r *http.Request) {
	subscribers, _ := s.store.GetAllSubscribers()
	s.render(w, "subscribers.html", map[string]any{
		"Subscribers": subscribers,
	})
}

func (s *Server) handleAddSubscriber(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Redirect(w, r, "/subscribers", http.StatusFound)
		return
	}

	userID := strings.TrimSpace(r.FormValue("user_id"))
	label := strings.TrimSpace(r.FormValue("label"))

	if userID != "" {
		s.store.InsertSubscriber(userID, label)
	}

	http.Redirect(w, r, "/subscribers", http.StatusFound)
}

func (s *Server) handleSubscriberAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Redirect(w, r, "/subscribers", http.StatusFound)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/subscribers/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 {
		http.Redirect(w, r, "/subscribers", http.StatusFound)
		return
	}

	id, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Redirect(w, r, "/subscribers", http.StatusFound)
		return
	}

	switch parts[1] {
	case "toggle":
		s.store.ToggleSubscriber(id)
	case "delete":
		s.store.DeleteSubscriber(id)
	}

	http.Redirect(w, r, "/subscribers", http.StatusFound)
}

func (s *Server) render(w http.ResponseWriter, name string, data any) {
	tmpl, ok := s.pages[name]
	if !ok {
		log.Error().Str("template", name).Msg("Template not found")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.ExecuteTemplate(w, "base.html", data); err != nil {
		log.Error().Err(err).Str("template", name).Msg("Error rendering template")
	}
}

func renderMarkdown(text string) template.HTML {
	var buf bytes.Buffer
	if err := md.Convert([]byte(text), &buf); err != nil {
		return template.HTML(template.HTMLEscapeString(text))
	}
	return template.HTML(buf.String()) //nolint: gosec
}

// Serve starts the HTTP server on the given port.
func Serve(st *store.Store, port int) error {
	srv, err := New(st)
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	log.Info().Msgf("Dashboard listening on http://%s", addr)
	return http.ListenAndServe(addr, srv.Handler())
}
