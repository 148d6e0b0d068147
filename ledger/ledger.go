// Package ledger persists tasks, sessions, and questions in a local SQLite
// database. All mutations run inside an explicit transaction scope so callers
// can group related writes and never observe a half-applied change.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	// ErrDuplicateKey is returned when an insert reuses an existing id.
	ErrDuplicateKey = errors.New("ledger: duplicate key")
	// ErrUnknownTask is returned when a session or question references a
	// task that does not exist.
	ErrUnknownTask = errors.New("ledger: unknown task")
	// ErrNotFound is returned when an update or lookup targets a missing row.
	ErrNotFound = errors.New("ledger: not found")
)

// timeLayout is the on-disk timestamp format: ISO-8601 UTC, second precision.
const timeLayout = "2006-01-02T15:04:05Z"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id    TEXT PRIMARY KEY,
	parent_task_id TEXT,
	depth      INTEGER NOT NULL DEFAULT 0,
	engine     TEXT NOT NULL,
	status     TEXT NOT NULL,
	goal       TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	session_id    TEXT PRIMARY KEY,
	task_id       TEXT NOT NULL REFERENCES tasks(task_id),
	engine        TEXT NOT NULL,
	status        TEXT NOT NULL,
	started_at    TEXT NOT NULL,
	ended_at      TEXT,
	summary_path  TEXT,
	artifacts_dir TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_task_id ON sessions(task_id);
CREATE TABLE IF NOT EXISTS questions (
	question_id TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES tasks(task_id),
	text        TEXT NOT NULL,
	status      TEXT NOT NULL,
	answer      TEXT,
	created_at  TEXT NOT NULL,
	answered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_questions_status ON questions(status);
`

// Store is a handle on the ledger database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source used for created/updated stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open creates or opens the ledger at path and ensures the schema exists.
func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_foreign_keys=ON")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init ledger schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Tx is a transaction scope handed to Update callbacks. It must not be used
// after the callback returns.
type Tx struct {
	ctx context.Context
	tx  *sql.Tx
	now time.Time
}

// Update runs fn inside a single transaction. The transaction commits when
// fn returns nil and rolls back otherwise.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{ctx: ctx, tx: sqlTx, now: s.now().UTC()}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}
	return nil
}

// classify maps SQLite constraint failures onto the package sentinels.
func classify(err error, unknown error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", ErrDuplicateKey, err)
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", unknown, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
