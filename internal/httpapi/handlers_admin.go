package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jordanhubbard/modelrouter/internal/health"
	"github.com/jordanhubbard/modelrouter/internal/registry"
	"github.com/jordanhubbard/modelrouter/internal/router"
	"github.com/jordanhubbard/modelrouter/internal/store"
)

// audit records an admin mutation. Failures are logged, never returned.
func audit(d Dependencies, r *http.Request, action, resource, detail string) {
	if d.Store == nil {
		return
	}
	warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
		Timestamp: time.Now().UTC(),
		Action:    action,
		Resource:  resource,
		Detail:    detail,
		RequestID: middleware.GetReqID(r.Context()),
	}))
}

// CacheClearHandler handles DELETE /admin/v1/cache.
func CacheClearHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d.Router.ClearCache()
		audit(d, r, "cache.clear", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// BreakersHandler handles GET /admin/v1/breakers.
func BreakersHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"breakers": d.Router.BreakerStates()})
	}
}

// modelView is a registered model plus whether a connector backs it.
type modelView struct {
	router.ModelMetadata
	Connected bool `json:"connected"`
}

// ModelsListHandler handles GET /admin/v1/models.
func ModelsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		models := d.Registry.ListModels()
		out := make([]modelView, 0, len(models))
		for _, m := range models {
			_, ok := d.Registry.GetConnector(m.ID)
			out = append(out, modelView{ModelMetadata: m, Connected: ok})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"models":  out,
			"summary": router.RegistrySummary(d.Registry),
		})
	}
}

// ModelsUpsertHandler handles POST /admin/v1/models. The model is persisted
// and, when a ConnectFunc is configured, attached to a connector for its
// provider.
func ModelsUpsertHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var m router.ModelMetadata
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if m.ID == "" {
			jsonError(w, "id is required", http.StatusBadRequest)
			return
		}
		if m.Provider == "" {
			jsonError(w, "provider is required", http.StatusBadRequest)
			return
		}
		if m.Status != "" && router.ParseModelStatus(string(m.Status)) == router.StatusUnknown {
			jsonError(w, fmt.Sprintf("unknown status %q", m.Status), http.StatusBadRequest)
			return
		}
		if m.Capabilities.MaxContextLength < 0 {
			jsonError(w, "max_context_length must not be negative", http.StatusBadRequest)
			return
		}

		var conn router.ModelConnector
		if d.Connect != nil {
			c, err := d.Connect(m)
			if err != nil {
				jsonError(w, "connector: "+err.Error(), http.StatusBadRequest)
				return
			}
			conn = c
		}
		if err := d.Registry.Register(r.Context(), m, conn); err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Prober != nil {
			if p, ok := conn.(interface{ HealthEndpoint() string }); ok {
				d.Prober.AddTarget(health.NewTarget(m.ID, p.HealthEndpoint()))
			}
		}
		audit(d, r, "model.upsert", m.ID, "")

		_, connected := d.Registry.GetConnector(m.ID)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "connected": connected})
	}
}

// ModelStatusHandler handles PATCH /admin/v1/models/{id}/status.
func ModelStatusHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var body struct {
			Status string `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		status := router.ParseModelStatus(body.Status)
		if status == router.StatusUnknown {
			jsonError(w, fmt.Sprintf("unknown status %q", body.Status), http.StatusBadRequest)
			return
		}
		if err := d.Registry.SetStatus(r.Context(), id, status); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				jsonError(w, err.Error(), http.StatusNotFound)
				return
			}
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "model.status", id, string(status))
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "status": status})
	}
}

// ModelsDeleteHandler handles DELETE /admin/v1/models/{id}.
func ModelsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := d.Registry.Remove(r.Context(), id); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				jsonError(w, err.Error(), http.StatusNotFound)
				return
			}
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if d.Prober != nil {
			d.Prober.RemoveTarget(id)
		}
		if d.Health != nil {
			d.Health.Forget(id)
		}
		if d.Metrics != nil {
			d.Metrics.ForgetModel(id)
		}
		audit(d, r, "model.delete", id, "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func parseIntParam(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

// parsePagination extracts limit and offset from query parameters.
// Defaults: limit=100, offset=0. Limits above 1000 are clamped.
func parsePagination(r *http.Request) (limit, offset int) {
	limit = 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := parseIntParam(v); err == nil && n > 0 {
			limit = min(n, 1000)
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := parseIntParam(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// DecisionsHandler handles GET /admin/v1/decisions?limit=N&offset=N
func DecisionsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"decisions": []any{}})
			return
		}
		limit, offset := parsePagination(r)
		decisions, err := d.Store.ListDecisions(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"decisions": decisions})
	}
}

// AuditLogsHandler handles GET /admin/v1/audit?limit=N&offset=N
func AuditLogsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			writeJSON(w, http.StatusOK, map[string]any{"logs": []any{}})
			return
		}
		limit, offset := parsePagination(r)
		logs, err := d.Store.ListAuditLogs(r.Context(), limit, offset)
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
	}
}

func HealthStatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if d.Health == nil {
			writeJSON(w, http.StatusOK, map[string]any{"models": []any{}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": d.Health.AllStats()})
	}
}

// RoutingConfigGetHandler returns the router's live configuration.
func RoutingConfigGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Router.Config())
	}
}

// RoutingConfigSetHandler applies a new routing configuration and persists
// it so it survives a restart. Fields absent from the body keep their
// current values.
func RoutingConfigSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := d.Router.Config()
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if err := d.Router.UpdateConfig(cfg); err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		if d.Store != nil {
			if err := d.Store.SaveRoutingConfig(r.Context(), cfg); err != nil {
				jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
				return
			}
		}
		audit(d, r, "routing-config.update", string(cfg.Strategy), "")
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

// AdminTokenRotateHandler handles POST /admin/v1/admin-token/rotate. The new
// token is returned exactly once.
func AdminTokenRotateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := d.Admin.Rotate(d.logger())
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		audit(d, r, "admin-token.rotate", "", "")
		writeJSON(w, http.StatusOK, map[string]any{"token": token})
	}
}
