package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskRunning TaskStatus = "RUNNING"
	TaskDone    TaskStatus = "DONE"
)

// Task is one unit of work driven by a runner loop.
type Task struct {
	ID        string     `json:"task_id"`
	ParentID  string     `json:"parent_task_id,omitempty"`
	Depth     int        `json:"depth"`
	Engine    string     `json:"engine"`
	Status    TaskStatus `json:"status"`
	Goal      string     `json:"goal,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsRoot reports whether the task has no parent.
func (t Task) IsRoot() bool { return t.ParentID == "" }

const taskColumns = `task_id, parent_task_id, depth, engine, status, goal, created_at, updated_at`

// pageSize bounds how many rows ListTasks holds open at once.
const pageSize = 64

// InsertTask creates a task. CreatedAt and UpdatedAt default to the
// transaction time when zero.
func (tx *Tx) InsertTask(t Task) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = tx.now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	if t.Status == "" {
		t.Status = TaskRunning
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, nullString(t.ParentID), t.Depth, t.Engine, string(t.Status), t.Goal,
		formatTime(t.CreatedAt), formatTime(t.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, classify(err, ErrUnknownTask))
	}
	return nil
}

// UpdateTaskStatus sets a task's status and bumps updated_at.
func (tx *Tx) UpdateTaskStatus(id string, status TaskStatus) error {
	res, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE task_id = ?`,
		string(status), formatTime(tx.now), id,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	return expectRow(res, "task", id)
}

// GetTask loads a single task.
func (tx *Tx) GetTask(id string) (Task, error) {
	row := tx.tx.QueryRowContext(tx.ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// InsertTask creates a task in its own transaction.
func (s *Store) InsertTask(ctx context.Context, t Task) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.InsertTask(t) })
}

// UpdateTaskStatus updates a task's status in its own transaction.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.UpdateTaskStatus(id, status) })
}

// GetTask loads a single task.
func (s *Store) GetTask(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t, err
}

// ListTasks yields every task in insertion order. The sequence is lazy and
// restartable: each range re-reads the database in small pages, so it sees
// updates made between iterations and the caller may write to the ledger
// from inside the loop.
func (s *Store) ListTasks(ctx context.Context) iter.Seq2[Task, error] {
	return func(yield func(Task, error) bool) {
		var after int64
		for {
			page, last, err := s.taskPage(ctx, after)
			if err != nil {
				yield(Task{}, err)
				return
			}
			for _, t := range page {
				if !yield(t, nil) {
					return
				}
			}
			if len(page) < pageSize {
				return
			}
			after = last
		}
	}
}

func (s *Store) taskPage(ctx context.Context, after int64) ([]Task, int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT rowid, `+taskColumns+` FROM tasks WHERE rowid > ? ORDER BY rowid LIMIT ?`,
		after, pageSize,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var (
		page []Task
		last int64
	)
	for rows.Next() {
		var (
			t                    Task
			parent               sql.NullString
			status               string
			created, updatedText string
		)
		if err := rows.Scan(&last, &t.ID, &parent, &t.Depth, &t.Engine, &status, &t.Goal, &created, &updatedText); err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		t.ParentID = parent.String
		t.Status = TaskStatus(status)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updatedText)
		page = append(page, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return page, last, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var (
		t                Task
		parent           sql.NullString
		status           string
		created, updated string
	)
	if err := row.Scan(&t.ID, &parent, &t.Depth, &t.Engine, &status, &t.Goal, &created, &updated); err != nil {
		return Task{}, err
	}
	t.ParentID = parent.String
	t.Status = TaskStatus(status)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func expectRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update %s %s: %w", kind, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
