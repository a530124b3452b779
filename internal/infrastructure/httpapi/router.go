// Package httpapi is the operator-facing HTTP surface: service
// descriptors, deployments, registry lookups, and alarm state.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(
	serviceH *ServiceHandler,
	deploymentH *DeploymentHandler,
	registryH *RegistryHandler,
	alarmH *AlarmHandler,
	apiToken string,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(loggingMiddleware)
	r.Use(bodySizeLimitMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(apiToken))

		r.Route("/services", func(r chi.Router) {
			r.Get("/", serviceH.List)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", serviceH.Get)
				r.Put("/", serviceH.Put)
				r.Delete("/", serviceH.Delete)
				r.Post("/revisions", serviceH.Publish)
			})
		})

		r.Route("/deployments/{service}", func(r chi.Router) {
			r.Post("/", deploymentH.Deploy)
			r.Get("/", deploymentH.Get)
			r.Get("/history", deploymentH.History)
			r.Post("/cancel", deploymentH.Cancel)
		})

		r.Get("/registry", registryH.Snapshot)
		r.Get("/registry/{service}", registryH.Lookup)

		r.Get("/alarms", alarmH.List)
		r.Post("/events", alarmH.Ingest)
	})

	return r
}
