package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const draftColumns = `id, task_id, source_message_id, channel, to_addrs, cc_addrs, subject,
	body, original_body, status, priority, conductor_notes, quality_score, quality_notes,
	auto_approve_match, reviewed_by, reviewed_at, sent_at, external_draft_id, metadata,
	created_at, updated_at`

// reviewedStatuses stamp reviewed_at; sentStatuses stamp sent_at.
var (
	reviewedStatuses = map[DraftStatus]bool{
		DraftApproved:      true,
		DraftRejected:      true,
		DraftEditedAndSent: true,
	}
	sentStatuses = map[DraftStatus]bool{
		DraftSent:          true,
		DraftEditedAndSent: true,
		DraftAutoApproved:  true,
	}
)

// DraftRepo persists Draft records.
type DraftRepo struct {
	db *sql.DB
}

func scanDraft(s scanner) (*Draft, error) {
	var d Draft
	var sourceMessageID, conductorNotes, qualityNotes, autoApprove *string
	var reviewedBy, reviewedAt, sentAt, externalDraftID, metadata *string
	var qualityScore *int
	var toAddrs, ccAddrs, createdAt, updatedAt string

	err := s.Scan(
		&d.ID, &d.TaskID, &sourceMessageID, &d.Channel, &toAddrs, &ccAddrs, &d.Subject,
		&d.Body, &d.OriginalBody, &d.Status, &d.Priority, &conductorNotes, &qualityScore,
		&qualityNotes, &autoApprove, &reviewedBy, &reviewedAt, &sentAt,
		&externalDraftID, &metadata, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.SourceMessageID = strOrEmpty(sourceMessageID)
	d.ConductorNotes = strOrEmpty(conductorNotes)
	d.QualityScore = qualityScore
	d.QualityNotes = strOrEmpty(qualityNotes)
	d.AutoApproveRule = strOrEmpty(autoApprove)
	d.ReviewedBy = strOrEmpty(reviewedBy)
	d.ExternalDraftID = strOrEmpty(externalDraftID)
	decodeJSON(&toAddrs, &d.To, "drafts", d.ID, "to_addrs")
	decodeJSON(&ccAddrs, &d.CC, "drafts", d.ID, "cc_addrs")
	decodeJSON(metadata, &d.Metadata, "drafts", d.ID, "metadata")
	d.ReviewedAt = parseTimePtr(reviewedAt)
	d.SentAt = parseTimePtr(sentAt)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// Insert stores a new draft. original_body is copied from the body at insert
// time and never changes afterwards.
func (r *DraftRepo) Insert(d *Draft) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.Status == "" {
		d.Status = DraftPendingReview
	}
	if d.Priority == "" {
		d.Priority = PriorityNormal
	}
	d.OriginalBody = d.Body

	toJSON, err := jsonStr(d.To)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	ccJSON, err := jsonStr(d.CC)
	if err != nil {
		return fmt.Errorf("encode cc: %w", err)
	}
	metaJSON, err := jsonStr(d.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO drafts (`+draftColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.TaskID, nullStr(d.SourceMessageID), d.Channel, toJSON, ccJSON, d.Subject,
		d.Body, d.OriginalBody, d.Status, d.Priority, nullStr(d.ConductorNotes),
		d.QualityScore, nullStr(d.QualityNotes), nullStr(d.AutoApproveRule),
		nullStr(d.ReviewedBy), fmtTimePtr(d.ReviewedAt), fmtTimePtr(d.SentAt),
		nullStr(d.ExternalDraftID), metaJSON, fmtTime(d.CreatedAt), fmtTime(d.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert draft: %w", err)
	}
	return nil
}

// FindByID retrieves a draft, or ErrNotFound.
func (r *DraftRepo) FindByID(id string) (*Draft, error) {
	row := r.db.QueryRow(`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)
	d, err := scanDraft(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find draft by id: %w", err)
	}
	return d, nil
}

// FindPendingReview returns drafts awaiting review ordered by priority rank
// then created-at ascending.
func (r *DraftRepo) FindPendingReview(limit int) ([]*Draft, error) {
	rows, err := r.db.Query(
		`SELECT `+draftColumns+` FROM drafts WHERE status = 'pending_review'
		 ORDER BY `+priorityRankSQL+`, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending-review drafts: %w", err)
	}
	return collectDrafts(rows)
}

// Recent returns the most recently created drafts, newest first.
func (r *DraftRepo) Recent(limit int) ([]*Draft, error) {
	rows, err := r.db.Query(
		`SELECT `+draftColumns+` FROM drafts ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("find recent drafts: %w", err)
	}
	return collectDrafts(rows)
}

// UpdateStatus moves a draft to a new status. Review-like transitions stamp
// reviewed_at and sent-like transitions stamp sent_at, each at most once via
// coalesce so earlier timestamps survive.
func (r *DraftRepo) UpdateStatus(id string, status DraftStatus, reviewedBy string) error {
	now := fmtTime(time.Now())

	query := `UPDATE drafts SET status = ?, updated_at = ?`
	args := []any{status, now}
	if reviewedBy != "" {
		query += `, reviewed_by = ?`
		args = append(args, reviewedBy)
	}
	if reviewedStatuses[status] {
		query += `, reviewed_at = COALESCE(reviewed_at, ?)`
		args = append(args, now)
	}
	if sentStatuses[status] {
		query += `, sent_at = COALESCE(sent_at, ?)`
		args = append(args, now)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update draft status: %w", err)
	}
	return requireRow(res, "draft", id)
}

// UpdateBody replaces the body and optionally the subject. original_body is
// deliberately untouched.
func (r *DraftRepo) UpdateBody(id, body, subject string) error {
	query := `UPDATE drafts SET body = ?, updated_at = ?`
	args := []any{body, fmtTime(time.Now())}
	if subject != "" {
		query += `, subject = ?`
		args = append(args, subject)
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update draft body: %w", err)
	}
	return requireRow(res, "draft", id)
}

// SetQuality records the quality score and notes from the Quality conductor.
func (r *DraftRepo) SetQuality(id string, score int, notes string) error {
	res, err := r.db.Exec(
		`UPDATE drafts SET quality_score = ?, quality_notes = ?, updated_at = ? WHERE id = ?`,
		score, nullStr(notes), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set draft quality: %w", err)
	}
	return requireRow(res, "draft", id)
}

// SetAutoApproveMatch records the auto-approve rule that matched.
func (r *DraftRepo) SetAutoApproveMatch(id, rule string) error {
	res, err := r.db.Exec(
		`UPDATE drafts SET auto_approve_match = ?, updated_at = ? WHERE id = ?`,
		rule, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set draft auto-approve match: %w", err)
	}
	return requireRow(res, "draft", id)
}

func collectDrafts(rows *sql.Rows) ([]*Draft, error) {
	defer func() { _ = rows.Close() }()
	var out []*Draft
	for rows.Next() {
		d, err := scanDraft(rows)
		if err != nil {
			log.Warn(log.CatStore, "malformed draft row, skipping", "error", err.Error())
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate draft rows: %w", err)
	}
	return out, nil
}
