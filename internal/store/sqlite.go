package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jordanhubbard/modelrouter/internal/router"
)

// SQLiteStore implements Store using modernc.org/sqlite (pure-Go, no CGO).
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens or creates a SQLite database at the given DSN.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite pragmas: %w", err)
	}
	// An in-memory database exists per connection; pin it to one.
	if dsn == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS models (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			status TEXT NOT NULL DEFAULT 'available',
			data TEXT NOT NULL DEFAULT '{}',
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT '',
			model_id TEXT NOT NULL DEFAULT '',
			strategy TEXT NOT NULL DEFAULT '',
			is_fallback INTEGER NOT NULL DEFAULT 0,
			attempts INTEGER NOT NULL DEFAULT 0,
			elapsed_ms INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_model ON decisions(model_id)`,
		`CREATE TABLE IF NOT EXISTS routing_config (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			action TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			request_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_logs_timestamp ON audit_logs(timestamp)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Models

func (s *SQLiteStore) ListModels(ctx context.Context) ([]router.ModelMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data, status FROM models ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var models []router.ModelMetadata
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, err
		}
		models = append(models, m)
	}
	return models, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanModel decodes a (data, status) row. The status column is authoritative
// so status updates need not rewrite the JSON blob.
func scanModel(row scanner) (router.ModelMetadata, error) {
	var data, status string
	if err := row.Scan(&data, &status); err != nil {
		return router.ModelMetadata{}, err
	}
	var m router.ModelMetadata
	if err := json.Unmarshal([]byte(data), &m); err != nil {
		return router.ModelMetadata{}, fmt.Errorf("unmarshal model: %w", err)
	}
	m.Status = router.ModelStatus(status)
	return m, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, id string) (*router.ModelMetadata, error) {
	m, err := scanModel(s.db.QueryRowContext(ctx, `SELECT data, status FROM models WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLiteStore) UpsertModel(ctx context.Context, m router.ModelMetadata) error {
	if m.ID == "" {
		return errors.New("model id is required")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal model: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO models (id, provider, type, status, data, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   provider=excluded.provider,
		   type=excluded.type,
		   status=excluded.status,
		   data=excluded.data,
		   updated_at=excluded.updated_at`,
		m.ID, m.Provider, string(m.Type), string(m.Status), string(data), now())
	return err
}

func (s *SQLiteStore) UpdateModelStatus(ctx context.Context, id string, status router.ModelStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE models SET status = ?, updated_at = ? WHERE id = ?`, string(status), now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("model %q not found", id)
	}
	return nil
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id)
	return err
}

// Decisions

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *SQLiteStore) LogDecision(ctx context.Context, d router.Decision) error {
	ts := d.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO decisions (created_at, request_id, model_id, strategy, is_fallback, attempts, elapsed_ms, cache_hit, error_kind, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), d.RequestID, d.ModelID, d.Strategy,
		boolInt(d.IsFallback), d.Attempts, d.ElapsedMs, boolInt(d.CacheHit), d.ErrorKind, d.Error)
	return err
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, limit int, offset int) ([]router.Decision, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT created_at, request_id, model_id, strategy, is_fallback, attempts, elapsed_ms, cache_hit, error_kind, error
		 FROM decisions ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []router.Decision
	for rows.Next() {
		var d router.Decision
		var ts string
		var fallback, cacheHit int
		if err := rows.Scan(&ts, &d.RequestID, &d.ModelID, &d.Strategy, &fallback,
			&d.Attempts, &d.ElapsedMs, &cacheHit, &d.ErrorKind, &d.Error); err != nil {
			return nil, err
		}
		d.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		d.IsFallback = fallback != 0
		d.CacheHit = cacheHit != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

// Routing Config

func (s *SQLiteStore) SaveRoutingConfig(ctx context.Context, cfg router.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO routing_config (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		string(data), now())
	return err
}

// LoadRoutingConfig returns the saved config, or nil when none was saved.
func (s *SQLiteStore) LoadRoutingConfig(ctx context.Context) (*router.Config, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM routing_config WHERE id = 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cfg := router.DefaultConfig()
	if err := json.Unmarshal([]byte(data), &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal routing config: %w", err)
	}
	return &cfg, nil
}

// Audit Logs

func (s *SQLiteStore) LogAudit(ctx context.Context, entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_logs (timestamp, action, resource, detail, request_id)
		 VALUES (?, ?, ?, ?, ?)`,
		ts.UTC().Format(time.RFC3339Nano), entry.Action, entry.Resource, entry.Detail, entry.RequestID)
	return err
}

func (s *SQLiteStore) ListAuditLogs(ctx context.Context, limit int, offset int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, timestamp, action, resource, detail, request_id
		 FROM audit_logs ORDER BY id DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var logs []AuditEntry
	for rows.Next() {
		var l AuditEntry
		var ts string
		if err := rows.Scan(&l.ID, &ts, &l.Action, &l.Resource, &l.Detail, &l.RequestID); err != nil {
			return nil, err
		}
		l.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
