package rest

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/media_relay/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter mounts the jobs API and the metrics endpoint behind the request
// id, logging and RED metric middleware.
func NewRouter(jobs *JobsHandler, tel *telemetry.Telemetry) http.Handler {
	r := chi.NewRouter()

	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	if tel != nil {
		r.Handle("/metrics", tel.Handler())
	}

	r.Mount("/", jobs.Routes())

	return otelhttp.NewHandler(r, "media_relay")
}
