// Package sqlite provides a SQLite-backed crash summary store for local runs.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/JakeFAU/crash-processor/internal/crash"
)

const schema = `
CREATE TABLE IF NOT EXISTS crash_summaries (
	crash_id        TEXT PRIMARY KEY,
	signature       TEXT NOT NULL,
	product         TEXT NOT NULL,
	version         TEXT NOT NULL,
	release_channel TEXT NOT NULL,
	os_name         TEXT NOT NULL,
	cpu_arch        TEXT NOT NULL,
	reason          TEXT NOT NULL,
	crashing_thread INTEGER,
	date_processed  TIMESTAMP NOT NULL,
	success         BOOLEAN NOT NULL
);
`

// SummaryStore upserts crash summary rows into a SQLite database file.
type SummaryStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*SummaryStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps ":memory:" databases shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SummaryStore{db: db}, nil
}

// Close closes the database.
func (s *SummaryStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite: %w", err)
	}
	return nil
}

// UpsertSummary inserts the row or replaces the existing row for the same crash id.
func (s *SummaryStore) UpsertSummary(ctx context.Context, summary crash.Summary) error {
	if summary.CrashID == "" {
		return errors.New("crash id is required")
	}
	var thread sql.NullInt64
	if summary.CrashingThread != nil {
		thread = sql.NullInt64{Int64: int64(*summary.CrashingThread), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO crash_summaries (
	crash_id, signature, product, version, release_channel,
	os_name, cpu_arch, reason, crashing_thread, date_processed, success
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (crash_id) DO UPDATE SET
	signature = excluded.signature,
	product = excluded.product,
	version = excluded.version,
	release_channel = excluded.release_channel,
	os_name = excluded.os_name,
	cpu_arch = excluded.cpu_arch,
	reason = excluded.reason,
	crashing_thread = excluded.crashing_thread,
	date_processed = excluded.date_processed,
	success = excluded.success`,
		summary.CrashID, summary.Signature, summary.Product, summary.Version, summary.ReleaseChannel,
		summary.OSName, summary.CPUArch, summary.Reason, thread, summary.DateProcessed.UTC(), summary.Success,
	)
	if err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}
	return nil
}

// GetSummary reads back one summary row.
func (s *SummaryStore) GetSummary(ctx context.Context, id crash.ID) (crash.Summary, error) {
	var (
		out    crash.Summary
		thread sql.NullInt64
		date   time.Time
	)
	err := s.db.QueryRowContext(ctx, `
SELECT crash_id, signature, product, version, release_channel,
	os_name, cpu_arch, reason, crashing_thread, date_processed, success
FROM crash_summaries WHERE crash_id = ?`, string(id)).Scan(
		&out.CrashID, &out.Signature, &out.Product, &out.Version, &out.ReleaseChannel,
		&out.OSName, &out.CPUArch, &out.Reason, &thread, &date, &out.Success,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return crash.Summary{}, fmt.Errorf("summary %s: %w", id, crash.ErrObjectNotFound)
	}
	if err != nil {
		return crash.Summary{}, fmt.Errorf("get summary: %w", err)
	}
	if thread.Valid {
		n := int(thread.Int64)
		out.CrashingThread = &n
	}
	out.DateProcessed = date.UTC()
	return out, nil
}

// Count returns the number of stored rows.
func (s *SummaryStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM crash_summaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count summaries: %w", err)
	}
	return n, nil
}
