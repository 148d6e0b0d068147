package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionStatus is the outcome state of one engine invocation.
type SessionStatus string

const (
	SessionRunning SessionStatus = "RUNNING"
	SessionDone    SessionStatus = "DONE"
	SessionFailed  SessionStatus = "FAILED"
)

// Session records a single iteration's engine run.
type Session struct {
	ID           string        `json:"session_id"`
	TaskID       string        `json:"task_id"`
	Engine       string        `json:"engine"`
	Status       SessionStatus `json:"status"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      *time.Time    `json:"ended_at,omitempty"`
	SummaryPath  string        `json:"summary_path,omitempty"`
	ArtifactsDir string        `json:"artifacts_dir,omitempty"`
}

// InsertSession records a new session. The owning task must already exist.
func (tx *Tx) InsertSession(s Session) error {
	if s.StartedAt.IsZero() {
		s.StartedAt = tx.now
	}
	if s.Status == "" {
		s.Status = SessionRunning
	}
	var ended sql.NullString
	if s.EndedAt != nil {
		ended = nullString(formatTime(*s.EndedAt))
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO sessions (session_id, task_id, engine, status, started_at, ended_at, summary_path, artifacts_dir)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.TaskID, s.Engine, string(s.Status), formatTime(s.StartedAt),
		ended, nullString(s.SummaryPath), nullString(s.ArtifactsDir),
	)
	if err != nil {
		return fmt.Errorf("insert session %s: %w", s.ID, classify(err, ErrUnknownTask))
	}
	return nil
}

// UpdateSessionStatus sets a session's status. A zero endedAt or empty
// summaryPath leaves the stored value unchanged.
func (tx *Tx) UpdateSessionStatus(id string, status SessionStatus, endedAt time.Time, summaryPath string) error {
	var ended sql.NullString
	if !endedAt.IsZero() {
		ended = nullString(formatTime(endedAt))
	}
	res, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE sessions
		    SET status = ?,
		        ended_at = COALESCE(?, ended_at),
		        summary_path = COALESCE(?, summary_path)
		  WHERE session_id = ?`,
		string(status), ended, nullString(summaryPath), id,
	)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return expectRow(res, "session", id)
}

// InsertSession records a session in its own transaction.
func (s *Store) InsertSession(ctx context.Context, sess Session) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.InsertSession(sess) })
}

// UpdateSessionStatus updates a session in its own transaction.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus, endedAt time.Time, summaryPath string) error {
	return s.Update(ctx, func(tx *Tx) error {
		return tx.UpdateSessionStatus(id, status, endedAt, summaryPath)
	})
}

// ListSessions returns a task's sessions oldest first.
func (s *Store) ListSessions(ctx context.Context, taskID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, task_id, engine, status, started_at, ended_at, summary_path, artifacts_dir
		   FROM sessions WHERE task_id = ? ORDER BY rowid`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var (
			sess               Session
			status, started    string
			ended              sql.NullString
			summary, artifacts sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.TaskID, &sess.Engine, &status, &started, &ended, &summary, &artifacts); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.Status = SessionStatus(status)
		sess.StartedAt = parseTime(started)
		sess.EndedAt = nullTime(ended)
		sess.SummaryPath = summary.String
		sess.ArtifactsDir = artifacts.String
		out = append(out, sess)
	}
	return out, rows.Err()
}
