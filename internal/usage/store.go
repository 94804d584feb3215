// Package usage provides persistent per-turn request tracking.
// Records are append-only and indexed by timestamp, model, and status
// for efficient aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record represents one finished conversation turn.
type Record struct {
	ID              string
	Timestamp       time.Time
	RequestID       string
	Model           string
	Status          string
	DurationSeconds float64
	ToolCalls       int
	ToolErrors      int
}

// Summary holds aggregated turn totals.
type Summary struct {
	TotalTurns      int
	TotalToolCalls  int64
	TotalToolErrors int64
	TotalDuration   float64
}

// Store is an append-only SQLite store for turn records. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a usage store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}

	return s, nil
}

// NewStoreWithDB wraps an existing database handle. Used by tests with
// an alternate SQLite driver.
func NewStoreWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turn_records (
		id               TEXT PRIMARY KEY,
		timestamp        TEXT NOT NULL,
		request_id       TEXT NOT NULL,
		model            TEXT NOT NULL,
		status           TEXT NOT NULL,
		duration_seconds REAL NOT NULL,
		tool_calls       INTEGER NOT NULL,
		tool_errors      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turn_timestamp ON turn_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turn_model ON turn_records(model);
	CREATE INDEX IF NOT EXISTS idx_turn_status ON turn_records(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a turn record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate turn record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turn_records
			(id, timestamp, request_id, model, status, duration_seconds, tool_calls, tool_errors)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.RequestID,
		rec.Model,
		rec.Status,
		rec.DurationSeconds,
		rec.ToolCalls,
		rec.ToolErrors,
	)
	if err != nil {
		return fmt.Errorf("insert turn record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(tool_calls), 0), COALESCE(SUM(tool_errors), 0), COALESCE(SUM(duration_seconds), 0)
		 FROM turn_records
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalTurns, &sum.TotalToolCalls, &sum.TotalToolErrors, &sum.TotalDuration); err != nil {
		return nil, fmt.Errorf("query turn summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel returns per-model aggregated totals for [start, end).
func (s *Store) SummaryByModel(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("model", start, end)
}

// SummaryByStatus returns per-status aggregated totals for [start, end).
func (s *Store) SummaryByStatus(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("status", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(tool_calls), 0), COALESCE(SUM(tool_errors), 0), COALESCE(SUM(duration_seconds), 0)
		 FROM turn_records
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query turns by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalTurns, &sum.TotalToolCalls, &sum.TotalToolErrors, &sum.TotalDuration); err != nil {
			return nil, fmt.Errorf("scan turns by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
