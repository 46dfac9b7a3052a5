package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hyperifyio/gorewrite/internal/lifecycle"
	"github.com/hyperifyio/gorewrite/internal/report"
)

// DefaultMaxBodyBytes caps the size of a submitted page.
const DefaultMaxBodyBytes = 8 << 20

// DefaultTimeout bounds a single rewrite request.
const DefaultTimeout = 5 * time.Minute

// Rewriter turns a submitted page into its rewritten form.
type Rewriter interface {
	RewriteHTML(ctx context.Context, body []byte, contentType, pageURL string, withImages bool) ([]byte, report.Summary, error)
}

// Options tune the server. Zero values pick the defaults.
type Options struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	Logger       *zerolog.Logger
}

// Server is the HTTP API for on-demand rewrites and the enable preference.
type Server struct {
	router   chi.Router
	rewriter Rewriter
	prefs    lifecycle.PreferenceStore
	logger   *zerolog.Logger
	timeout  time.Duration
	maxBody  int64
}

// NewServer creates and configures the HTTP server.
func NewServer(rw Rewriter, prefs lifecycle.PreferenceStore, opts Options) *Server {
	s := &Server{
		rewriter: rw,
		prefs:    prefs,
		logger:   opts.Logger,
		timeout:  opts.Timeout,
		maxBody:  opts.MaxBodyBytes,
	}
	if s.logger == nil {
		s.logger = &log.Logger
	}
	if s.timeout <= 0 {
		s.timeout = DefaultTimeout
	}
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.prefs == nil {
		mem := &lifecycle.MemoryPreferences{}
		_ = mem.SetEnabled(true)
		s.prefs = mem
	}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(s.timeout))
		r.Post("/rewrite", s.handleRewrite)
		r.Get("/preference", s.handleGetPreference)
		r.Put("/preference", s.handlePutPreference)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
