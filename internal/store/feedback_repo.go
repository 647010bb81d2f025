package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const feedbackColumns = `id, task_id, agent_type, rating, comment, created_at`

// FeedbackRepo persists explicit human ratings of agent results.
type FeedbackRepo struct {
	db *sql.DB
}

// Insert stores a feedback record.
func (r *FeedbackRepo) Insert(f *Feedback) error {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(
		`INSERT INTO feedback (`+feedbackColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		f.ID, f.TaskID, f.AgentType, f.Rating, nullStr(f.Comment), fmtTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}
	return nil
}

// Recent returns the most recent feedback records, newest first.
func (r *FeedbackRepo) Recent(limit int) ([]*Feedback, error) {
	rows, err := r.db.Query(
		`SELECT `+feedbackColumns+` FROM feedback ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("find recent feedback: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Feedback
	for rows.Next() {
		var f Feedback
		var comment *string
		var createdAt string
		if err := rows.Scan(&f.ID, &f.TaskID, &f.AgentType, &f.Rating, &comment, &createdAt); err != nil {
			log.Warn(log.CatStore, "malformed feedback row, skipping", "error", err.Error())
			continue
		}
		f.Comment = strOrEmpty(comment)
		f.CreatedAt = parseTime(createdAt)
		out = append(out, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback rows: %w", err)
	}
	return out, nil
}
