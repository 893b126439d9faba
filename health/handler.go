package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewHandler mounts the health endpoints on a chi router:
//
//	GET /health        full JSON report, 503 when unhealthy
//	GET /health/ready  "ready" or 503 "not ready"
//	GET /health/live   always "alive"
func NewHandler(registry *Registry, timeout time.Duration, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	h := &handler{registry: registry, timeout: timeout, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", h.report)
	r.Get("/health/ready", h.ready)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("alive"))
	})
	return r
}

type handler struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

func (h *handler) check(r *http.Request) OverallHealth {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()
	return h.registry.Check(ctx)
}

func (h *handler) report(w http.ResponseWriter, r *http.Request) {
	health := h.check(r)

	// Degraded is still served with 200
	statusCode := http.StatusOK
	if health.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(health); err != nil {
		h.logger.Error("failed to encode health response", "error", err)
	}
}

func (h *handler) ready(w http.ResponseWriter, r *http.Request) {
	health := h.check(r)

	if health.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
