// Package router configures the downsampler's auxiliary HTTP server.
//
// Routes configured:
//   - GET /healthz - 200 OK while the scheduler is healthy, 503 with the reason otherwise
//   - GET /metrics - Prometheus metrics endpoint
//   - GET /status  - JSON snapshot of the run monitor
package router

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/downsampler/pkg/httpx"
	"github.com/HatiCode/downsampler/pkg/pipeline"
)

// SetupRoutes configures HTTP routes backed by monitor.
func SetupRoutes(monitor *pipeline.Monitor, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(httpx.RecoveryMiddleware(logger), httpx.LoggingMiddleware(logger))

	r.Handle("/healthz", httpx.HealthHandlerWithCheck(monitor.Check)).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/status", handleStatus(monitor)).Methods(http.MethodGet)

	return r
}

func handleStatus(monitor *pipeline.Monitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_ = httpx.WriteJSON(w, http.StatusOK, monitor.Status())
	}
}
