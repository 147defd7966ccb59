// Package server provides HTTP server setup for the correlate service.
package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/telhawk-systems/chainhawk/common/logging"
	"github.com/telhawk-systems/chainhawk/common/middleware"

	"github.com/telhawk-systems/chainhawk/correlate/internal/auth"
	"github.com/telhawk-systems/chainhawk/correlate/internal/handlers"
)

// NewRouter constructs a ServeMux with correlate API routes registered.
// Admin routes go through v; a disabled validator lets every request through.
func NewRouter(h *handlers.Handler, v *auth.Validator, logger *logging.Logger) http.Handler {
	mux := http.NewServeMux()
	admin := v.RequireRole(auth.RoleAdmin)

	// Health check endpoints
	mux.HandleFunc("GET /healthz", h.HealthCheck)
	mux.HandleFunc("GET /readyz", h.ReadyCheck)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Event intake
	mux.HandleFunc("POST /api/v1/events", h.IngestEvent)
	mux.HandleFunc("POST /api/v1/events/batch", h.IngestBatch)

	// Engine inspection
	mux.HandleFunc("GET /api/v1/stats", h.GetStats)
	mux.HandleFunc("GET /api/v1/entities/{key}", h.GetEntity)
	mux.Handle("DELETE /api/v1/entities/{key}", admin(http.HandlerFunc(h.ClearEntity)))
	mux.Handle("DELETE /api/v1/entities", admin(http.HandlerFunc(h.ClearAll)))

	// Pattern catalog
	mux.HandleFunc("GET /api/v1/patterns", h.ListPatterns)
	mux.HandleFunc("GET /api/v1/patterns/{id}", h.GetPattern)
	mux.Handle("POST /api/v1/patterns/reload", admin(http.HandlerFunc(h.ReloadPatterns)))

	// Incidents
	mux.HandleFunc("GET /api/v1/incidents", h.ListIncidents)
	mux.HandleFunc("GET /api/v1/incidents/{id}", h.GetIncident)
	mux.HandleFunc("PATCH /api/v1/incidents/{id}", h.UpdateIncident)

	return middleware.RequestID(accessLog(logger, middleware.Recover(mux)))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// accessLog logs one line per request. Probe and scrape endpoints log at debug.
func accessLog(logger *logging.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		attrs := []any{
			logging.Method(r.Method),
			logging.Path(r.URL.Path),
			logging.Status(rec.status),
			logging.Duration(time.Since(start)),
		}
		switch r.URL.Path {
		case "/healthz", "/readyz", "/metrics":
			logger.DebugContext(r.Context(), "http request", attrs...)
		default:
			logger.InfoContext(r.Context(), "http request", attrs...)
		}
	})
}
