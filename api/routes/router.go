package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opswatch/opswatch-backend/api/controllers"
	"github.com/opswatch/opswatch-backend/api/middleware"
	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/internal/ingest"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/logger"
)

// Deps carries every collaborator the router hands to its controllers.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Ingest    ingest.Service
	Incidents incidents.Service
	Actions   actions.Service
	Readiness []controllers.DependencyCheck
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Get("/healthz", controllers.HealthLive(cfg))
	r.Get("/readyz", controllers.HealthReady(cfg, logg, deps.Readiness...))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/logs:ingest", controllers.IngestLogs(deps.Ingest, logg))

		r.Route("/incidents", func(r chi.Router) {
			r.Get("/", controllers.ListIncidents(deps.Incidents, logg))
			r.Get("/stats", controllers.IncidentStats(deps.Incidents, logg))
			r.Get("/{id}", controllers.GetIncident(deps.Incidents, logg))
			r.Post("/{id}/acknowledge", controllers.AcknowledgeIncident(deps.Incidents, logg))
			r.Post("/{id}/investigate", controllers.InvestigateIncident(deps.Incidents, logg))
			r.Post("/{id}/resolve", controllers.ResolveIncident(deps.Incidents, logg))
		})

		r.Route("/actions", func(r chi.Router) {
			r.Post("/", controllers.RequestAction(deps.Actions, logg))
			r.Get("/", controllers.ListActions(deps.Actions, logg))
			r.Get("/stats", controllers.ActionStats(deps.Actions, logg))
			r.Get("/{id}", controllers.GetAction(deps.Actions, logg))
		})
	})

	return r
}
