// Package api exposes sessions and the text correction engine over HTTP.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/toricodesthings/vn-ocr-service/internal/config"
	"github.com/toricodesthings/vn-ocr-service/internal/correction"
	"github.com/toricodesthings/vn-ocr-service/internal/intake"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/metrics"
	"github.com/toricodesthings/vn-ocr-service/internal/session"
)

const version = "1.0.0"

type Deps struct {
	Config    config.Config
	Sessions  *session.Manager
	Documents *intake.Store
	Corrector *correction.Corrector
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	documents *intake.Store
	corrector *correction.Corrector
	metrics   *metrics.Metrics
	logger    *slog.Logger
	limiters  *limiterSet
}

func New(d Deps) *Server {
	if d.Corrector == nil {
		d.Corrector = correction.New(correction.DefaultOptions())
	}
	return &Server{
		cfg:       d.Config,
		sessions:  d.Sessions,
		documents: d.Documents,
		corrector: d.Corrector,
		metrics:   d.Metrics,
		logger:    logging.OrDefault(d.Logger, "api"),
		limiters:  newLimiterSet(d.Config.RateLimitEvery, d.Config.RateLimitBurst),
	}
}

// Router builds the HTTP handler. /health is the only route that skips
// internal authentication.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withLogging, s.withRecovery)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.withInternalAuth)
		r.Handle("/metrics", s.metrics.Handler())

		r.Group(func(r chi.Router) {
			r.Use(s.withRateLimit)
			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions/{id}", s.handleSessionStatus)
			r.Post("/sessions/{id}/resume", s.handleResumeSession)
			r.Get("/sessions/{id}/output", s.handleSessionOutput)
			r.Delete("/sessions/{id}", s.handleDeleteSession)
			r.Post("/clean", s.handleClean)
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeErr(w, http.StatusNotFound, "not_found", "Not found")
	})
	return r
}
