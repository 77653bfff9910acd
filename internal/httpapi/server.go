// Package httpapi exposes the analysis pipeline over HTTP: enqueueing
// analyses, polling job status, cooperative cancellation, and manual speaker
// overrides.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/coachlens/coachlens/internal/analysis"
	"github.com/coachlens/coachlens/internal/observe"
)

// Enqueuer is the slice of the pipeline executor the API needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, sessionID string, typ analysis.Type, tier analysis.PlanTier) (*analysis.Job, error)
}

// Server is the HTTP front of the pipeline.
type Server struct {
	store    analysis.Store
	enqueuer Enqueuer
	router   chi.Router
}

// Option configures a [Server].
type Option func(*serverConfig)

type serverConfig struct {
	corsOrigins []string
	metrics     *observe.Metrics
}

// WithCORSOrigins allows the listed browser origins. Empty means
// same-origin only.
func WithCORSOrigins(origins []string) Option {
	return func(c *serverConfig) { c.corsOrigins = origins }
}

// WithMetrics installs the HTTP metric set.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *serverConfig) { c.metrics = m }
}

// NewServer wires the routes. The returned server is an http.Handler.
func NewServer(store analysis.Store, enqueuer Enqueuer, opts ...Option) *Server {
	cfg := serverConfig{metrics: observe.DefaultMetrics()}
	for _, o := range opts {
		o(&cfg)
	}

	s := &Server{store: store, enqueuer: enqueuer}

	r := chi.NewRouter()
	if len(cfg.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.corsOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Correlation-ID"},
			ExposedHeaders:   []string{"X-Correlation-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Method("GET", "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(observe.Middleware(cfg.metrics))

		r.Route("/sessions/{session_id}", func(r chi.Router) {
			r.Post("/analyses", s.handleEnqueue)
			r.Get("/analyses", s.handleListJobs)
		})
		r.Route("/analyses/{job_id}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Post("/cancel", s.handleCancel)
			r.Get("/speakers", s.handleGetSpeakers)
			r.Put("/speakers", s.handleOverrideSpeakers)
		})
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListenAndServe runs the server until ctx is cancelled, then drains with a
// short grace period.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
