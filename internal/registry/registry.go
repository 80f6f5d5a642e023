// Package registry holds the routable models and their connectors.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jordanhubbard/modelrouter/internal/events"
	"github.com/jordanhubbard/modelrouter/internal/router"
	"github.com/jordanhubbard/modelrouter/internal/store"
)

// ErrNotFound is returned for operations on an unregistered model.
var ErrNotFound = errors.New("model not found")

// Registry is an in-memory router.ModelRegistry. When a store is attached,
// admin mutations are written through to it.
type Registry struct {
	mu         sync.RWMutex
	models     map[string]router.ModelMetadata
	connectors map[string]router.ModelConnector

	store  store.Store
	bus    *events.Bus
	logger *slog.Logger
}

var _ router.ModelRegistry = (*Registry)(nil)

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists registrations, removals and status changes.
func WithStore(s store.Store) Option {
	return func(r *Registry) { r.store = s }
}

// WithEventBus publishes EventModelUpdated on status changes.
func WithEventBus(bus *events.Bus) Option {
	return func(r *Registry) { r.bus = bus }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		models:     make(map[string]router.ModelMetadata),
		connectors: make(map[string]router.ModelConnector),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces a model. A nil connector keeps any connector
// already attached to the id.
func (r *Registry) Register(ctx context.Context, m router.ModelMetadata, conn router.ModelConnector) error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	if m.Status == "" {
		m.Status = router.StatusAvailable
	}
	if m.Type == "" {
		m.Type = router.TypeText
	}
	if r.store != nil {
		if err := r.store.UpsertModel(ctx, m); err != nil {
			return fmt.Errorf("persist model %s: %w", m.ID, err)
		}
	}

	r.mu.Lock()
	r.models[m.ID] = m.Clone()
	if conn != nil {
		r.connectors[m.ID] = conn
	}
	r.mu.Unlock()

	r.logger.Info("model registered",
		slog.String("model", m.ID),
		slog.String("provider", m.Provider),
		slog.String("status", string(m.Status)),
	)
	r.publish(m.ID, "", string(m.Status), "registered")
	return nil
}

// SetConnector attaches a connector to an already registered model.
func (r *Registry) SetConnector(id string, conn router.ModelConnector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.models[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	r.connectors[id] = conn
	return nil
}

// Remove drops a model and its connector.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	m, ok := r.models[id]
	delete(r.models, id)
	delete(r.connectors, id)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if r.store != nil {
		if err := r.store.DeleteModel(ctx, id); err != nil {
			return fmt.Errorf("delete model %s: %w", id, err)
		}
	}
	r.logger.Info("model removed", slog.String("model", id))
	r.publish(id, string(m.Status), "", "removed")
	return nil
}

// SetStatus is the admin status change. It is persisted and published.
func (r *Registry) SetStatus(ctx context.Context, id string, status router.ModelStatus) error {
	old, err := r.setStatus(id, status)
	if err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.UpdateModelStatus(ctx, id, status); err != nil {
			return fmt.Errorf("persist status of %s: %w", id, err)
		}
	}
	if old != status {
		r.logger.Info("model status changed",
			slog.String("model", id),
			slog.String("from", string(old)),
			slog.String("to", string(status)),
		)
		r.publish(id, string(old), string(status), "admin")
	}
	return nil
}

func (r *Registry) setStatus(id string, status router.ModelStatus) (router.ModelStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.models[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	old := m.Status
	m.Status = status
	r.models[id] = m
	return old, nil
}

// healthManaged reports whether live health signals may overwrite status.
// Maintenance, deprecated and unknown are operator decisions.
func healthManaged(s router.ModelStatus) bool {
	switch s {
	case router.StatusAvailable, router.StatusLimited, router.StatusUnavailable:
		return true
	}
	return false
}

// ApplyHealth folds a health observation into the model's metadata. The
// latency always updates when positive; the status only when the model is
// under health management. Reports whether the status changed.
func (r *Registry) ApplyHealth(id string, status router.ModelStatus, avgLatencyMs float64) bool {
	r.mu.Lock()
	m, ok := r.models[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if avgLatencyMs > 0 {
		v := avgLatencyMs
		m.Capabilities.Performance.AvgLatencyMs = &v
	}
	old := m.Status
	changed := healthManaged(old) && healthManaged(status) && old != status
	if changed {
		m.Status = status
	}
	r.models[id] = m
	r.mu.Unlock()

	if changed {
		r.logger.Warn("model status changed by health tracking",
			slog.String("model", id),
			slog.String("from", string(old)),
			slog.String("to", string(status)),
		)
		r.publish(id, string(old), string(status), "health")
	}
	return changed
}

// Load replaces the registry's metadata with what the store holds. Connectors
// are left as they are; models without one are listed but cannot serve.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return 0, fmt.Errorf("load models: %w", err)
	}
	r.mu.Lock()
	for _, m := range models {
		r.models[m.ID] = m
	}
	r.mu.Unlock()
	return len(models), nil
}

// Len returns the number of registered models.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models)
}

// ListModels returns every model ordered by id.
func (r *Registry) ListModels() []router.ModelMetadata {
	return r.collect(func(router.ModelMetadata) bool { return true })
}

// ListAvailableModels returns the models whose status permits routing.
func (r *Registry) ListAvailableModels() []router.ModelMetadata {
	return r.collect(router.ModelMetadata.IsAvailable)
}

// FindModels returns the models matching filter, whatever their status.
func (r *Registry) FindModels(filter router.ModelFilter) []router.ModelMetadata {
	return r.collect(filter.Matches)
}

func (r *Registry) GetModel(id string) (router.ModelMetadata, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[id]
	if !ok {
		return router.ModelMetadata{}, false
	}
	return m.Clone(), true
}

func (r *Registry) GetConnector(id string) (router.ModelConnector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[id]
	return c, ok
}

func (r *Registry) collect(keep func(router.ModelMetadata) bool) []router.ModelMetadata {
	r.mu.RLock()
	out := make([]router.ModelMetadata, 0, len(r.models))
	for _, m := range r.models {
		if keep(m) {
			out = append(out, m.Clone())
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) publish(id, from, to, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Type:     events.EventModelUpdated,
		ModelID:  id,
		OldState: from,
		NewState: to,
		Reason:   reason,
	})
}
