// Package store provides the durable entity store for Steward, backed by SQLite.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/steward-dao/steward/pkg/types"
)

// Store owns the database connection. It is the only component that
// persists state; all mutations go through it.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.Mutex
	log  *slog.Logger
}

// NewStore creates a Store for the given database file. Use ":memory:"
// for an ephemeral store in tests.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{path: path, log: log}
}

// Initialize opens the database and creates the schema if needed.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// A single connection keeps the in-memory database alive across
	// calls and sidesteps SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s.db = db
	if err := s.createSchema(); err != nil {
		db.Close()
		s.db = nil
		return fmt.Errorf("failed to init schema: %w", err)
	}

	return nil
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'IDLE',
			skills TEXT,
			max_concurrent_tasks INTEGER NOT NULL DEFAULT 3,
			metadata TEXT,
			archived_at TEXT,
			archived_reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		// Name uniqueness applies to live agents only; archived rows keep
		// their name for audit without blocking a respawn.
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_live_name
			ON agents(name) WHERE status != 'ARCHIVED'`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			repo TEXT,
			category TEXT NOT NULL DEFAULT 'other',
			stage TEXT NOT NULL DEFAULT 'PLAN',
			status TEXT NOT NULL DEFAULT 'PENDING',
			priority INTEGER NOT NULL DEFAULT 5,
			assignee_agent_id TEXT,
			blocking_reason TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1
		)`,
		// Duplicate-work guard: one open task per (title, assignee).
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_open_dup
			ON tasks(title, assignee_agent_id)
			WHERE assignee_agent_id IS NOT NULL
			  AND status NOT IN ('DONE','COMPLETED','CANCELLED','FAILED')`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_assignee ON tasks(assignee_agent_id)`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			decision TEXT NOT NULL,
			rationale TEXT,
			task_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			activity_type TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			metadata TEXT,
			status TEXT NOT NULL DEFAULT 'completed',
			created_at TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Transact runs fn inside a single transaction, serialized against all
// other mutations. Multi-entity writes (assignment handoffs, reassigns)
// must go through here so no caller observes an intermediate state.
func (s *Store) Transact(fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return types.WrapError(types.CodeInternal, err, "begin transaction")
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return types.WrapError(types.CodeInternal, err, "commit transaction")
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
		s.db = nil
	}
	return nil
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// querier covers both *sql.DB and *sql.Tx.
type querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure.
func isUniqueViolation(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// formatTime serializes a timestamp for storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime deserializes a stored timestamp; zero time on failure.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	return time.Time{}
}
