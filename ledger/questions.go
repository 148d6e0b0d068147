package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// QuestionStatus tracks whether a supervisor has answered a question.
type QuestionStatus string

const (
	QuestionOpen     QuestionStatus = "OPEN"
	QuestionAnswered QuestionStatus = "ANSWERED"
)

// Question is a supervisor query raised by a task, either by the plan gate
// or by a worker through the bus.
type Question struct {
	ID         string         `json:"id"`
	TaskID     string         `json:"task_id"`
	Text       string         `json:"text"`
	Status     QuestionStatus `json:"status"`
	Answer     string         `json:"answer,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	AnsweredAt *time.Time     `json:"answered_at,omitempty"`
}

// InsertQuestion records an open question.
func (tx *Tx) InsertQuestion(q Question) error {
	if q.CreatedAt.IsZero() {
		q.CreatedAt = tx.now
	}
	if q.Status == "" {
		q.Status = QuestionOpen
	}
	_, err := tx.tx.ExecContext(tx.ctx,
		`INSERT INTO questions (question_id, task_id, text, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		q.ID, q.TaskID, q.Text, string(q.Status), formatTime(q.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert question %s: %w", q.ID, classify(err, ErrUnknownTask))
	}
	return nil
}

// AnswerQuestion stores an answer and marks the question answered.
func (tx *Tx) AnswerQuestion(id, answer string) error {
	res, err := tx.tx.ExecContext(tx.ctx,
		`UPDATE questions SET status = ?, answer = ?, answered_at = ? WHERE question_id = ?`,
		string(QuestionAnswered), answer, formatTime(tx.now), id,
	)
	if err != nil {
		return fmt.Errorf("answer question %s: %w", id, err)
	}
	return expectRow(res, "question", id)
}

// InsertQuestion records a question in its own transaction.
func (s *Store) InsertQuestion(ctx context.Context, q Question) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.InsertQuestion(q) })
}

// AnswerQuestion answers a question in its own transaction.
func (s *Store) AnswerQuestion(ctx context.Context, id, answer string) error {
	return s.Update(ctx, func(tx *Tx) error { return tx.AnswerQuestion(id, answer) })
}

// ListQuestions returns questions with the given status, or all questions
// when status is empty.
func (s *Store) ListQuestions(ctx context.Context, status QuestionStatus) ([]Question, error) {
	query := `SELECT question_id, task_id, text, status, answer, created_at, answered_at FROM questions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var (
			q        Question
			st       string
			answer   sql.NullString
			created  string
			answered sql.NullString
		)
		if err := rows.Scan(&q.ID, &q.TaskID, &q.Text, &st, &answer, &created, &answered); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		q.Status = QuestionStatus(st)
		q.Answer = answer.String
		q.CreatedAt = parseTime(created)
		q.AnsweredAt = nullTime(answered)
		out = append(out, q)
	}
	return out, rows.Err()
}
