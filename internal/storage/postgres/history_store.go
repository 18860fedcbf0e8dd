// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	"github.com/JakeFAU/crawl-scheduler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const (
	defaultTable     = "crawl_cycles"
	defaultListLimit = 100
)

// HistoryStoreConfig controls the Postgres connection pool used for cycle rows.
type HistoryStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// HistoryStore writes crawl cycle outcomes into Postgres.
type HistoryStore struct {
	pool  pool
	table string
}

var _ store.HistoryRepository = (*HistoryStore)(nil)

// NewHistoryStore creates a Postgres-backed HistoryStore using the provided config.
func NewHistoryStore(ctx context.Context, cfg HistoryStoreConfig) (*HistoryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("history.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &HistoryStore{pool: p, table: table}, nil
}

// NewHistoryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewHistoryStoreWithPool(p pool, table string) (*HistoryStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &HistoryStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *HistoryStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the history table and its lookup index when missing.
func (s *HistoryStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	cycle_id     TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	website_id   TEXT NOT NULL,
	website_name TEXT NOT NULL DEFAULT '',
	run_id       TEXT NOT NULL DEFAULT '',
	outcome      TEXT NOT NULL,
	status       TEXT NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (cycle_id, outcome)
);
CREATE INDEX IF NOT EXISTS %[1]s_tenant_recorded_idx ON %[1]s (tenant_id, recorded_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure history schema: %w", err)
	}
	return nil
}

// RecordCycle inserts a cycle row. Re-recording the same cycle outcome is a no-op.
func (s *HistoryStore) RecordCycle(ctx context.Context, rec store.CycleRecord) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("history store is not configured")
	}
	if rec.CycleID == "" {
		return fmt.Errorf("cycle id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	cycle_id,
	tenant_id,
	website_id,
	website_name,
	run_id,
	outcome,
	status,
	recorded_at,
	error
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9
) ON CONFLICT (cycle_id, outcome) DO NOTHING`, s.table)

	args := []any{
		rec.CycleID,
		rec.TenantID,
		rec.WebsiteID,
		rec.WebsiteName,
		rec.RunID,
		string(rec.Outcome),
		string(rec.Status),
		rec.RecordedAt.UTC(),
		rec.Error,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

// ListCycles returns up to limit rows for the tenant, newest first.
func (s *HistoryStore) ListCycles(ctx context.Context, tenantID string, limit int) ([]store.CycleRecord, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("history store is not configured")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := fmt.Sprintf(`
SELECT cycle_id, tenant_id, website_id, website_name, run_id, outcome, status, recorded_at, error
FROM %s
WHERE tenant_id = $1
ORDER BY recorded_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []store.CycleRecord
	for rows.Next() {
		var (
			rec             store.CycleRecord
			outcome, status string
		)
		if err := rows.Scan(
			&rec.CycleID,
			&rec.TenantID,
			&rec.WebsiteID,
			&rec.WebsiteName,
			&rec.RunID,
			&outcome,
			&status,
			&rec.RecordedAt,
			&rec.Error,
		); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		rec.Outcome = store.Outcome(outcome)
		rec.Status = crawler.Status(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cycles: %w", err)
	}
	return out, nil
}
