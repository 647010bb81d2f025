package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const correctionColumns = `id, draft_id, task_id, original_body, edited_body, edited_subject,
	change_type, feedback, created_at`

// CorrectionRepo persists Correction records.
type CorrectionRepo struct {
	db *sql.DB
}

func scanCorrection(s scanner) (*Correction, error) {
	var c Correction
	var editedSubject, feedback *string
	var createdAt string

	err := s.Scan(
		&c.ID, &c.DraftID, &c.TaskID, &c.OriginalBody, &c.EditedBody,
		&editedSubject, &c.ChangeType, &feedback, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	c.EditedSubject = strOrEmpty(editedSubject)
	c.Feedback = strOrEmpty(feedback)
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

// Insert stores a new correction. Rejections carry an empty edited body.
func (r *CorrectionRepo) Insert(c *Correction) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.ChangeType == ChangeRejection && c.EditedBody != "" {
		return fmt.Errorf("rejection correction must have empty edited body")
	}

	_, err := r.db.Exec(
		`INSERT INTO corrections (`+correctionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.DraftID, c.TaskID, c.OriginalBody, c.EditedBody,
		nullStr(c.EditedSubject), c.ChangeType, nullStr(c.Feedback),
		fmtTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert correction: %w", err)
	}
	return nil
}

// FindByDraft returns corrections for a draft, newest first.
func (r *CorrectionRepo) FindByDraft(draftID string) ([]*Correction, error) {
	rows, err := r.db.Query(
		`SELECT `+correctionColumns+` FROM corrections WHERE draft_id = ?
		 ORDER BY created_at DESC`, draftID)
	if err != nil {
		return nil, fmt.Errorf("find corrections by draft: %w", err)
	}
	return collectCorrections(rows)
}

// Recent returns the most recently recorded corrections, newest first.
func (r *CorrectionRepo) Recent(limit int) ([]*Correction, error) {
	rows, err := r.db.Query(
		`SELECT `+correctionColumns+` FROM corrections ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("find recent corrections: %w", err)
	}
	return collectCorrections(rows)
}

func collectCorrections(rows *sql.Rows) ([]*Correction, error) {
	defer func() { _ = rows.Close() }()
	var out []*Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			log.Warn(log.CatStore, "malformed correction row, skipping", "error", err.Error())
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate correction rows: %w", err)
	}
	return out, nil
}
