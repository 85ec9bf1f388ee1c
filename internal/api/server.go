package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/pagewatch/internal/cache"
	"github.com/JakeFAU/pagewatch/internal/config"
	"github.com/JakeFAU/pagewatch/internal/governor"
	"github.com/JakeFAU/pagewatch/internal/metrics"
	"github.com/JakeFAU/pagewatch/internal/policy/ratelimit"
	"github.com/JakeFAU/pagewatch/internal/progress"
	"github.com/JakeFAU/pagewatch/internal/scheduler"
	"github.com/JakeFAU/pagewatch/internal/watch"
)

// CheckRunner controls the single running check.
type CheckRunner interface {
	Start() error
	Stop() bool
	Status() scheduler.Status
	Updates() []watch.Update
}

// ItemMarker flags items as watched.
type ItemMarker interface {
	MarkWatched(ctx context.Context, itemID int64) error
}

// EventSource hands out live progress subscriptions.
type EventSource interface {
	Subscribe() (<-chan progress.Event, func())
}

// FeedWriter renders exports of recent items.
type FeedWriter interface {
	WriteJSON(ctx context.Context, w io.Writer) error
	WriteAtom(ctx context.Context, w io.Writer) error
	WriteRSS(ctx context.Context, w io.Writer) error
}

// GovernorStats exposes request pacing counters.
type GovernorStats interface {
	Statistics() governor.Statistics
}

// CacheStats exposes page cache counters.
type CacheStats interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// Pinger is implemented by repositories that can check their backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Optional ones may be nil, in
// which case their routes answer 503.
type Deps struct {
	Repo     watch.Repository
	Settings watch.SettingsStore
	Runner   CheckRunner
	Marker   ItemMarker
	Events   EventSource
	Feeds    FeedWriter
	Governor GovernorStats
	Cache    CacheStats
	Opener   watch.Opener
	Limiter  *ratelimit.Limiter
}

// Server wires HTTP handlers to the checker, runner and stores.
type Server struct {
	router    chi.Router
	deps      Deps
	cfg       config.Config
	logger    *zap.Logger
	heartbeat time.Duration
}

const (
	defaultRequestTimeout = 60 * time.Second
	defaultHeartbeat      = 15 * time.Second
)

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Settings == nil {
		deps.Settings = deps.Repo
	}
	if deps.Opener == nil {
		deps.Opener = watch.PathOpener{}
	}
	s := &Server{
		deps:      deps,
		cfg:       cfg,
		logger:    logger.Named("api"),
		heartbeat: defaultHeartbeat,
	}
	timeout := time.Duration(cfg.Server.RequestTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		// Streams must not sit behind the timeout handler.
		r.Get("/progress", s.streamProgress)

		r.Group(func(r chi.Router) {
			r.Use(timeoutMiddleware(timeout))
			r.Get("/sources", s.listSources)
			r.Get("/sources/{id}", s.getSource)
			r.Get("/sources/{id}/items", s.listSourceItems)
			r.Get("/items/{id}/open", s.openItem)
			r.Get("/updates", s.listUpdates)
			r.Get("/check/status", s.checkStatus)
			r.Get("/stats", s.stats)
			r.Get("/settings", s.getSettings)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{run_id}", s.getRun)
			r.Get("/logs", s.logs)
			r.Get("/feed.atom", s.feedAtom)
			r.Get("/feed.rss", s.feedRSS)
			r.Get("/export.json", s.exportJSON)

			r.Group(func(r chi.Router) {
				if deps.Limiter != nil {
					r.Use(deps.Limiter.Middleware(func(w http.ResponseWriter, _ *http.Request) {
						writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
					}))
				}
				r.Post("/sources", s.createSource)
				r.Delete("/sources/{id}", s.deleteSource)
				r.Post("/items/{id}/watched", s.markWatched)
				r.Post("/check", s.startCheck)
				r.Post("/check/stop", s.stopCheck)
				r.Put("/settings", s.putSettings)
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
	if p, ok := s.deps.Repo.(Pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "storage unavailable")
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
