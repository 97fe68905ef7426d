// Package postgres provides the Postgres-backed crash summary store.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crash-processor/internal/crash"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for summary rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// SummaryStore upserts crash summary rows into Postgres.
type SummaryStore struct {
	pool  execCloser
	table string
}

// NewSummaryStore creates a Postgres-backed SummaryStore using the provided config.
func NewSummaryStore(ctx context.Context, cfg Config) (*SummaryStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &SummaryStore{pool: pool, table: table}, nil
}

// NewSummaryStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewSummaryStoreWithPool(pool execCloser, table string) (*SummaryStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &SummaryStore{pool: pool, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "crash_summaries"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *SummaryStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// EnsureSchema creates the summary table when it does not exist.
func (s *SummaryStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	crash_id        TEXT PRIMARY KEY,
	signature       TEXT NOT NULL,
	product         TEXT NOT NULL,
	version         TEXT NOT NULL,
	release_channel TEXT NOT NULL,
	os_name         TEXT NOT NULL,
	cpu_arch        TEXT NOT NULL,
	reason          TEXT NOT NULL,
	crashing_thread INTEGER,
	date_processed  TIMESTAMPTZ NOT NULL,
	success         BOOLEAN NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertSummary inserts the row or replaces the existing row for the same crash id.
func (s *SummaryStore) UpsertSummary(ctx context.Context, summary crash.Summary) error {
	if s == nil || s.pool == nil {
		return fmt.Errorf("summary store is not configured")
	}
	if summary.CrashID == "" {
		return fmt.Errorf("crash id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	crash_id,
	signature,
	product,
	version,
	release_channel,
	os_name,
	cpu_arch,
	reason,
	crashing_thread,
	date_processed,
	success
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11
)
ON CONFLICT (crash_id) DO UPDATE SET
	signature = EXCLUDED.signature,
	product = EXCLUDED.product,
	version = EXCLUDED.version,
	release_channel = EXCLUDED.release_channel,
	os_name = EXCLUDED.os_name,
	cpu_arch = EXCLUDED.cpu_arch,
	reason = EXCLUDED.reason,
	crashing_thread = EXCLUDED.crashing_thread,
	date_processed = EXCLUDED.date_processed,
	success = EXCLUDED.success`, s.table)

	args := []any{
		summary.CrashID,
		summary.Signature,
		summary.Product,
		summary.Version,
		summary.ReleaseChannel,
		summary.OSName,
		summary.CPUArch,
		summary.Reason,
		summary.CrashingThread,
		summary.DateProcessed,
		summary.Success,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}
