package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const messageColumns = `id, channel, direction, external_id, from_addr, to_addrs, subject,
	body, metadata, status, task_id, thread_id, created_at, updated_at`

// MessageRepo persists Message records.
type MessageRepo struct {
	db *sql.DB
}

func scanMessage(s scanner) (*Message, error) {
	var m Message
	var externalID, subject, metadata, taskID, threadID *string
	var toAddrs, createdAt, updatedAt string

	err := s.Scan(
		&m.ID, &m.Channel, &m.Direction, &externalID, &m.From, &toAddrs, &subject,
		&m.Body, &metadata, &m.Status, &taskID, &threadID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.ExternalID = strOrEmpty(externalID)
	m.Subject = strOrEmpty(subject)
	m.TaskID = strOrEmpty(taskID)
	m.ThreadID = strOrEmpty(threadID)
	decodeJSON(&toAddrs, &m.To, "messages", m.ID, "to_addrs")
	decodeJSON(metadata, &m.Metadata, "messages", m.ID, "metadata")
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	return &m, nil
}

// Insert stores a new message. A missing ID or timestamps are assigned.
func (r *MessageRepo) Insert(m *Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.Status == "" {
		m.Status = MessageNew
	}
	if m.Direction == "" {
		m.Direction = DirectionInbound
	}

	toJSON, err := jsonStr(m.To)
	if err != nil {
		return fmt.Errorf("encode recipients: %w", err)
	}
	metaJSON, err := jsonStr(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Channel, m.Direction, nullStr(m.ExternalID), m.From, toJSON,
		nullStr(m.Subject), m.Body, metaJSON, m.Status, nullStr(m.TaskID),
		nullStr(m.ThreadID), fmtTime(m.CreatedAt), fmtTime(m.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// FindByID retrieves a message, or ErrNotFound.
func (r *MessageRepo) FindByID(id string) (*Message, error) {
	row := r.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find message by id: %w", err)
	}
	return m, nil
}

// FindByStatus returns up to limit messages in the given status, newest first.
func (r *MessageRepo) FindByStatus(status MessageStatus, limit int) ([]*Message, error) {
	rows, err := r.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE status = ?
		 ORDER BY created_at DESC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("find messages by status: %w", err)
	}
	return collectMessages(rows)
}

// FindByThread returns up to limit messages in a thread, newest first.
func (r *MessageRepo) FindByThread(threadID string, limit int) ([]*Message, error) {
	rows, err := r.db.Query(
		`SELECT `+messageColumns+` FROM messages WHERE thread_id = ?
		 ORDER BY created_at DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("find messages by thread: %w", err)
	}
	return collectMessages(rows)
}

// UpdateStatus moves a message to a new status.
func (r *MessageRepo) UpdateStatus(id string, status MessageStatus) error {
	res, err := r.db.Exec(
		`UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		status, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return requireRow(res, "message", id)
}

// SetTaskID records the back-reference to the task created for this message.
func (r *MessageRepo) SetTaskID(id, taskID string) error {
	res, err := r.db.Exec(
		`UPDATE messages SET task_id = ?, updated_at = ? WHERE id = ?`,
		taskID, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set message task id: %w", err)
	}
	return requireRow(res, "message", id)
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()
	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			log.Warn(log.CatStore, "malformed message row, skipping", "error", err.Error())
			continue
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
	}
	return nil
}
