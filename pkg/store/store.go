// Package store archives finalized lifecycle records in SQL. The archive is
// insert-only: a run id is written once and never updated.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/uma-runtime/uma/pkg/lifecycle"
)

// LifecycleStore persists lifecycle records.
type LifecycleStore interface {
	Append(ctx context.Context, rec *lifecycle.Record) error
	List(ctx context.Context, service string, limit int) ([]*lifecycle.Record, error)
}

// Dialect selects placeholder syntax and column types.
type Dialect int

const (
	SQLite Dialect = iota
	Postgres
)

func (d Dialect) placeholder(i int) string {
	if d == Postgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

func (d Dialect) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = d.placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

// finishedLayout is fixed-width so finished_at sorts lexically.
const finishedLayout = "2006-01-02T15:04:05.000000000Z"

// SQLStore implements LifecycleStore over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// New wraps an open database. Call Migrate before first use.
func New(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// Open connects by DSN and migrates. Accepted forms are sqlite://<path>,
// postgres://... and postgresql://....
func Open(ctx context.Context, dsn string) (*SQLStore, error) {
	var (
		db      *sql.DB
		dialect Dialect
		err     error
	)
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		dialect = SQLite
		db, err = sql.Open("sqlite", strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialect = Postgres
		db, err = sql.Open("postgres", dsn)
	default:
		return nil, fmt.Errorf("store: unsupported dsn %q", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the archive table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	recordType := "TEXT"
	if s.dialect == Postgres {
		recordType = "JSONB"
	}
	query := `
	CREATE TABLE IF NOT EXISTS lifecycle_records (
		run_id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		version TEXT NOT NULL,
		policy_ref TEXT NOT NULL,
		final_state TEXT NOT NULL,
		abort_kind TEXT NOT NULL DEFAULT '',
		logical_clock INTEGER NOT NULL,
		chain_hash TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		record ` + recordType + ` NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Append inserts rec. Writing the same run twice fails.
func (s *SQLStore) Append(ctx context.Context, rec *lifecycle.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("store: encode record: %w", err)
	}
	abortKind := ""
	if rec.AbortReason != nil {
		abortKind = string(rec.AbortReason.Kind)
	}
	query := `INSERT INTO lifecycle_records (
		run_id, service, version, policy_ref, final_state, abort_kind, logical_clock, chain_hash, finished_at, record
	) VALUES (` + s.dialect.placeholders(10) + `)`

	_, err = s.db.ExecContext(ctx, query,
		rec.RunID, rec.Service, rec.Version, rec.PolicyRef, string(rec.FinalState), abortKind,
		int64(rec.LogicalClock), rec.ChainHash, rec.FinishedAt.UTC().Format(finishedLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("store: insert record %s: %w", rec.RunID, err)
	}
	return nil
}

// List returns the newest records for service, newest first.
func (s *SQLStore) List(ctx context.Context, service string, limit int) ([]*lifecycle.Record, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT record FROM lifecycle_records WHERE service = ` + s.dialect.placeholder(1) +
		` ORDER BY finished_at DESC LIMIT ` + s.dialect.placeholder(2)

	rows, err := s.db.QueryContext(ctx, query, service, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*lifecycle.Record
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan: %w", err)
		}
		var rec lifecycle.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("store: decode record: %w", err)
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
