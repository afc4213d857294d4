package handlers

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/akmatori/autopilot/internal/api"
)

// Version is reported by the health endpoint; set at build time
var Version = "dev"

// HTTPHandler serves the unauthenticated operational endpoints
type HTTPHandler struct {
	gatherer prometheus.Gatherer
	ready    func() error
}

// NewHTTPHandler creates a new HTTP handler. ready reports whether the
// service can take traffic; nil means always ready.
func NewHTTPHandler(gatherer prometheus.Gatherer, ready func() error) *HTTPHandler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &HTTPHandler{
		gatherer: gatherer,
		ready:    ready,
	}
}

// SetupRoutes configures the health and metrics routes
func (h *HTTPHandler) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
}

// handleHealth returns a simple health check response
func (h *HTTPHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			api.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unavailable",
				"version": Version,
				"error":   err.Error(),
			})
			return
		}
	}

	api.RespondJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": Version,
	})
}
