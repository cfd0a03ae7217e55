// Package server exposes the watchdog gateway over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	watchdog "github.com/goliatone/go-watchdog"
	"github.com/goliatone/go-watchdog/durable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Controller is the part of the gateway the API drives.
type Controller interface {
	StartWatchdog(ctx context.Context, pool watchdog.PoolName) error
	StopWatchdog(ctx context.Context, pool watchdog.PoolName) error
	GetStatus(ctx context.Context, pool watchdog.PoolName) (*watchdog.WatchdogStatus, error)
	Pools(ctx context.Context) ([]watchdog.WatchdogStatus, error)
	PurgeHistory(ctx context.Context) (int, error)
	TerminateAll(ctx context.Context) (int, error)
}

var _ Controller = (*watchdog.Gateway)(nil)

// Option configures the router.
type Option func(*config)

type config struct {
	logger   durable.Logger
	gatherer prometheus.Gatherer
}

func WithLogger(logger durable.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics mounts /metrics for the given gatherer.
func WithMetrics(gatherer prometheus.Gatherer) Option {
	return func(c *config) {
		c.gatherer = gatherer
	}
}

// NewRouter returns the control API:
//
//	POST /api/v1/watchdogs/{pool}/start
//	POST /api/v1/watchdogs/{pool}/stop
//	GET  /api/v1/watchdogs/{pool}
//	GET  /api/v1/watchdogs
//	POST /api/v1/watchdogs/purge
//	POST /api/v1/watchdogs/terminate
func NewRouter(ctrl Controller, opts ...Option) http.Handler {
	cfg := config{logger: durable.NewFmtLogger(nil)}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	h := &handlers{ctrl: ctrl, logger: cfg.logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api/v1/watchdogs", func(r chi.Router) {
		r.Get("/", h.list)
		r.Post("/purge", h.purge)
		r.Post("/terminate", h.terminate)
		r.Get("/{pool}", h.status)
		r.Post("/{pool}/start", h.start)
		r.Post("/{pool}/stop", h.stop)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

type handlers struct {
	ctrl   Controller
	logger durable.Logger
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	pool := poolParam(r)
	if err := h.ctrl.StartWatchdog(r.Context(), pool); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pool": pool.String(), "message": "watchdog started"})
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	pool := poolParam(r)
	if err := h.ctrl.StopWatchdog(r.Context(), pool); err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"pool": pool.String(), "message": "watchdog stopping"})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	status, err := h.ctrl.GetStatus(r.Context(), poolParam(r))
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	pools, err := h.ctrl.Pools(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": pools})
}

func (h *handlers) purge(w http.ResponseWriter, r *http.Request) {
	purged, err := h.ctrl.PurgeHistory(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"purged": purged})
}

func (h *handlers) terminate(w http.ResponseWriter, r *http.Request) {
	terminated, err := h.ctrl.TerminateAll(r.Context())
	if err != nil {
		h.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"terminated": terminated})
}

func poolParam(r *http.Request) watchdog.PoolName {
	return watchdog.PoolName(chi.URLParam(r, "pool"))
}

func (h *handlers) writeErr(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed: %v", err)
	}
	writeJSON(w, code, map[string]string{
		"error": err.Error(),
		"code":  durable.ErrorCode(err),
	})
}

func statusCode(err error) int {
	switch {
	case watchdog.HasCode(err, watchdog.ErrCodeInvalidArgument):
		return http.StatusBadRequest
	case watchdog.HasCode(err, watchdog.ErrCodeNotFound):
		return http.StatusNotFound
	case watchdog.HasCode(err, watchdog.ErrCodeAlreadyRunning),
		watchdog.HasCode(err, watchdog.ErrCodeAlreadyStopped),
		watchdog.HasCode(err, watchdog.ErrCodeStopInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
