package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jordanhubbard/modelrouter/internal/events"
	"github.com/jordanhubbard/modelrouter/internal/health"
	"github.com/jordanhubbard/modelrouter/internal/metrics"
	"github.com/jordanhubbard/modelrouter/internal/registry"
	"github.com/jordanhubbard/modelrouter/internal/router"
	"github.com/jordanhubbard/modelrouter/internal/store"
)

// ConnectFunc builds a connector for a model registered through the admin
// API. It returns a nil connector when the model's provider has no
// configured backend.
type ConnectFunc func(m router.ModelMetadata) (router.ModelConnector, error)

type Dependencies struct {
	Router   *router.Router
	Registry *registry.Registry
	Store    store.Store
	Health   *health.Tracker
	Prober   *health.Prober
	Metrics  *metrics.Registry
	EventBus *events.Bus

	// Admin guards /admin/v1; nil leaves the admin routes open.
	Admin   *AdminToken
	Connect ConnectFunc
	Logger  *slog.Logger
}

func (d Dependencies) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func MountRoutes(r chi.Router, d Dependencies) {
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		total := d.Registry.Len()
		available := len(d.Registry.ListAvailableModels())
		status, code := "ok", http.StatusOK
		if available == 0 {
			status, code = "unhealthy", http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{
			"status":           status,
			"models":           total,
			"available_models": available,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", ChatCompletionsHandler(d))
		r.Get("/router/metrics", RouterMetricsHandler(d))
	})

	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(d.Admin.Middleware)

		r.Delete("/cache", CacheClearHandler(d))
		r.Get("/breakers", BreakersHandler(d))
		r.Get("/models", ModelsListHandler(d))
		r.Post("/models", ModelsUpsertHandler(d))
		r.Patch("/models/{id}/status", ModelStatusHandler(d))
		r.Delete("/models/{id}", ModelsDeleteHandler(d))
		r.Get("/decisions", DecisionsHandler(d))
		r.Get("/audit", AuditLogsHandler(d))
		r.Get("/health", HealthStatsHandler(d))
		r.Get("/routing-config", RoutingConfigGetHandler(d))
		r.Put("/routing-config", RoutingConfigSetHandler(d))
		if d.Admin != nil {
			r.Post("/admin-token/rotate", AdminTokenRotateHandler(d))
		}
		if d.EventBus != nil {
			r.Get("/events", SSEHandler(d.EventBus))
		}
	})

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func warnOnErr(op string, err error) {
	if err != nil {
		slog.Warn("store operation failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}
