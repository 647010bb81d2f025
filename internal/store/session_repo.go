package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const sessionColumns = `id, agent_id, task_id, container_id, status, started_at, stopped_at`

// SessionRepo persists worker Session records.
type SessionRepo struct {
	db *sql.DB
}

func scanSession(s scanner) (*Session, error) {
	var sess Session
	var containerID, stoppedAt *string
	var startedAt string

	err := s.Scan(&sess.ID, &sess.AgentID, &sess.TaskID, &containerID,
		&sess.Status, &startedAt, &stoppedAt)
	if err != nil {
		return nil, err
	}
	sess.ContainerID = strOrEmpty(containerID)
	sess.StartedAt = parseTime(startedAt)
	sess.StoppedAt = parseTimePtr(stoppedAt)
	return &sess, nil
}

// Insert stores a new session.
func (r *SessionRepo) Insert(s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.StartedAt.IsZero() {
		s.StartedAt = time.Now().UTC()
	}
	if s.Status == "" {
		s.Status = SessionStarting
	}

	_, err := r.db.Exec(
		`INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AgentID, s.TaskID, nullStr(s.ContainerID), s.Status,
		fmtTime(s.StartedAt), fmtTimePtr(s.StoppedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// FindByID retrieves a session, or ErrNotFound.
func (r *SessionRepo) FindByID(id string) (*Session, error) {
	row := r.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session by id: %w", err)
	}
	return s, nil
}

// UpdateStatus moves a session to a new status; stopped and error states
// stamp stopped_at once.
func (r *SessionRepo) UpdateStatus(id string, status SessionStatus) error {
	now := fmtTime(time.Now())
	var res sql.Result
	var err error
	if status == SessionStopped || status == SessionError {
		res, err = r.db.Exec(
			`UPDATE sessions SET status = ?, stopped_at = COALESCE(stopped_at, ?) WHERE id = ?`,
			status, now, id)
	} else {
		res, err = r.db.Exec(`UPDATE sessions SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return requireRow(res, "session", id)
}

// SetContainerID records the external worker handle.
func (r *SessionRepo) SetContainerID(id, containerID string) error {
	res, err := r.db.Exec(
		`UPDATE sessions SET container_id = ? WHERE id = ?`, containerID, id)
	if err != nil {
		return fmt.Errorf("set session container id: %w", err)
	}
	return requireRow(res, "session", id)
}
