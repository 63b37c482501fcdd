// Package history persists harness run outcomes in SQLite so results can be
// inspected across runs.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// timeLayout is fixed-width (unlike RFC3339Nano, which trims trailing
// zeros) so lexicographic order on stored timestamps matches chronological
// order, which ListRuns relies on.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Run is one recorded harness run.
type Run struct {
	// ID is a UUIDv7 assigned when the run starts.
	ID string

	StartedAt  time.Time
	FinishedAt time.Time

	// DiskImage is the image the run transferred.
	DiskImage string

	// Outcome is the terminal classification ("passed", "no_files",
	// "mismatch", or "error").
	Outcome string

	// Error holds the failure diagnostic for errored runs.
	Error string

	// Comparison counts, zero for runs that never reached verification.
	FilesSent       int
	Matched         int
	Mismatched      int
	Errored         int
	OnlySource      int
	OnlyDestination int
}

// NewRunID returns a time-ordered unique run identifier.
// Uses UUIDv7 so lexicographic and chronological order agree.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Store provides durable storage for run records.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and applies the
// schema. Safe to call against an existing database.
//
// The database is configured with:
//   - WAL mode for concurrent read access
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to history database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent use.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// RecordRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency; recording the same run
// twice is silently ignored.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, started_at, finished_at, disk_image, outcome, error,
		 files_sent, matched, mismatched, errored, only_source, only_destination)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.StartedAt.UTC().Format(timeLayout),
		run.FinishedAt.UTC().Format(timeLayout),
		run.DiskImage,
		run.Outcome,
		run.Error,
		run.FilesSent,
		run.Matched,
		run.Mismatched,
		run.Errored,
		run.OnlySource,
		run.OnlyDestination,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, most recent first.
// A non-positive limit returns all runs.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT id, started_at, finished_at, disk_image, outcome, error,
		       files_sent, matched, mismatched, errored, only_source, only_destination
		FROM runs
		ORDER BY started_at DESC, id DESC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var started, finished string
		if err := rows.Scan(
			&run.ID, &started, &finished, &run.DiskImage, &run.Outcome, &run.Error,
			&run.FilesSent, &run.Matched, &run.Mismatched, &run.Errored,
			&run.OnlySource, &run.OnlyDestination,
		); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		run.StartedAt, err = time.Parse(timeLayout, started)
		if err != nil {
			return nil, fmt.Errorf("list runs: bad started_at %q: %w", started, err)
		}
		run.FinishedAt, err = time.Parse(timeLayout, finished)
		if err != nil {
			return nil, fmt.Errorf("list runs: bad finished_at %q: %w", finished, err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}
