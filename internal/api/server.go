package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/readlater-archiver/internal/archive"
	"github.com/JakeFAU/readlater-archiver/internal/events"
	"github.com/JakeFAU/readlater-archiver/internal/metrics"
	"github.com/JakeFAU/readlater-archiver/internal/service"
)

// Archives is the service surface the handlers call.
type Archives interface {
	Save(ctx context.Context, owner, rawURL, title string) (archive.Item, error)
	Get(ctx context.Context, owner, id string) (archive.Item, error)
	Open(ctx context.Context, owner, id string) (archive.Item, error)
	List(ctx context.Context, owner string, filter archive.ListFilter) (service.Page, error)
	SetRead(ctx context.Context, owner, id string, isRead bool) (archive.Item, error)
	Bulk(ctx context.Context, owner string, ids []string, action service.BulkAction) (service.BulkResult, error)
	Retry(ctx context.Context, owner, id string) (archive.Item, error)
	Delete(ctx context.Context, owner, id string) error
}

// Subscriber hands out per-owner lifecycle event streams.
type Subscriber interface {
	Subscribe(owner string, buffer int) (<-chan events.Event, func())
}

// Config controls the HTTP surface.
type Config struct {
	RequestTimeout time.Duration
	AuthEnabled    bool
	APIKey         string
	// OwnerHeader carries the caller identity set by the session layer.
	OwnerHeader string
	// AllowedOrigins enables CORS for browser clients. Empty disables it.
	AllowedOrigins []string
	StreamBuffer   int
	Heartbeat      time.Duration
	// Ready reports whether downstream dependencies are usable. Nil means
	// always ready.
	Ready func(ctx context.Context) error
}

const (
	defaultOwnerHeader    = "X-Owner-ID"
	defaultRequestTimeout = 30 * time.Second
	defaultHeartbeat      = 15 * time.Second
	readyTimeout          = 2 * time.Second
)

// Server wires HTTP handlers to the archive service.
type Server struct {
	router   chi.Router
	archives Archives
	stream   Subscriber
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. stream may be nil,
// in which case the event endpoint answers 503.
func NewServer(archives Archives, stream Subscriber, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if strings.TrimSpace(cfg.OwnerHeader) == "" {
		cfg.OwnerHeader = defaultOwnerHeader
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	s := &Server{
		archives: archives,
		stream:   stream,
		cfg:      cfg,
		logger:   logger.Named("api"),
	}
	r := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(corsMiddleware(cfg))
	}
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/archives", func(r chi.Router) {
		if cfg.AuthEnabled {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Use(ownerMiddleware(cfg.OwnerHeader))

		// Long-lived stream; must stay outside the buffering timeout handler.
		r.Get("/events", s.streamEvents)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(cfg.RequestTimeout))
			r.Post("/", s.createArchive)
			r.Get("/", s.listArchives)
			r.Post("/bulk", s.bulkArchives)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getArchive)
				r.Patch("/", s.updateArchive)
				r.Delete("/", s.deleteArchive)
				r.Post("/retry", s.retryArchive)
				r.Post("/open", s.openArchive)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()
		if err := s.cfg.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
