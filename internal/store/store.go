package store

import (
	"context"
	"time"

	"github.com/jordanhubbard/modelrouter/internal/router"
)

// Store defines the persistence interface for modelrouter.
type Store interface {
	// Models
	ListModels(ctx context.Context) ([]router.ModelMetadata, error)
	GetModel(ctx context.Context, id string) (*router.ModelMetadata, error)
	UpsertModel(ctx context.Context, m router.ModelMetadata) error
	UpdateModelStatus(ctx context.Context, id string, status router.ModelStatus) error
	DeleteModel(ctx context.Context, id string) error

	// Routing decision log
	LogDecision(ctx context.Context, d router.Decision) error
	ListDecisions(ctx context.Context, limit int, offset int) ([]router.Decision, error)

	// Routing config persistence
	SaveRoutingConfig(ctx context.Context, cfg router.Config) error
	LoadRoutingConfig(ctx context.Context) (*router.Config, error)

	// Audit logging
	LogAudit(ctx context.Context, entry AuditEntry) error
	ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error)

	// Schema lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// AuditEntry captures an admin mutation for audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`              // e.g. "model.upsert", "cache.clear"
	Resource  string    `json:"resource"`            // e.g. "gpt-4o"
	Detail    string    `json:"detail,omitempty"`    // optional JSON with change details
	RequestID string    `json:"request_id,omitempty"` // correlates to HTTP request ID
}

var _ router.DecisionLogger = Store(nil)
