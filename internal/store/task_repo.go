package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const taskColumns = `id, type, status, priority, payload, source_channel, source_message_id,
	agent_id, conductor_id, result, retry_count, max_retries, created_at, updated_at, completed_at`

// TaskRepo persists Task records.
type TaskRepo struct {
	db *sql.DB
}

func scanTask(s scanner) (*Task, error) {
	var t Task
	var payload, sourceChannel, sourceMessageID, agentID, conductorID, result, completedAt *string
	var createdAt, updatedAt string

	err := s.Scan(
		&t.ID, &t.Type, &t.Status, &t.Priority, &payload, &sourceChannel, &sourceMessageID,
		&agentID, &conductorID, &result, &t.RetryCount, &t.MaxRetries,
		&createdAt, &updatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.SourceChannel = strOrEmpty(sourceChannel)
	t.SourceMessageID = strOrEmpty(sourceMessageID)
	t.AgentID = strOrEmpty(agentID)
	t.ConductorID = strOrEmpty(conductorID)
	decodeJSON(payload, &t.Payload, "tasks", t.ID, "payload")
	if result != nil && *result != "" {
		var out AgentOutput
		decodeJSON(result, &out, "tasks", t.ID, "result")
		t.Result = &out
	}
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	t.CompletedAt = parseTimePtr(completedAt)
	return &t, nil
}

// Insert stores a new task. A missing ID, status, priority or timestamps are
// assigned defaults.
func (r *TaskRepo) Insert(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = TaskPending
	}
	if t.Priority == "" {
		t.Priority = PriorityNormal
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}

	payloadJSON, err := jsonStr(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	resultJSON, err := encodeResult(t.Result)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.Status, t.Priority, payloadJSON, nullStr(t.SourceChannel),
		nullStr(t.SourceMessageID), nullStr(t.AgentID), nullStr(t.ConductorID),
		resultJSON, t.RetryCount, t.MaxRetries,
		fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), fmtTimePtr(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// FindByID retrieves a task, or ErrNotFound.
func (r *TaskRepo) FindByID(id string) (*Task, error) {
	row := r.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find task by id: %w", err)
	}
	return t, nil
}

// FindByStatus returns up to limit tasks in the given status, oldest first.
func (r *TaskRepo) FindByStatus(status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE status = ?
		 ORDER BY created_at ASC LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("find tasks by status: %w", err)
	}
	return collectTasks(rows)
}

// FindPending returns pending and queued tasks ordered by priority rank then
// created-at ascending. This is the restart-recovery and scheduling query.
func (r *TaskRepo) FindPending(limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.Query(
		`SELECT `+taskColumns+` FROM tasks WHERE status IN ('pending', 'queued')
		 ORDER BY `+priorityRankSQL+`, created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("find pending tasks: %w", err)
	}
	return collectTasks(rows)
}

// UpdateStatus moves a task to a new status. Moving into a terminal status
// stamps completed_at once; the coalesce keeps earlier timestamps intact.
func (r *TaskRepo) UpdateStatus(id string, status TaskStatus) error {
	now := fmtTime(time.Now())
	var res sql.Result
	var err error
	if status.IsTerminal() {
		res, err = r.db.Exec(
			`UPDATE tasks SET status = ?, updated_at = ?,
			 completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
			status, now, now, id)
	} else {
		res, err = r.db.Exec(
			`UPDATE tasks SET status = ?, updated_at = ?, completed_at = NULL WHERE id = ?`,
			status, now, id)
	}
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	return requireRow(res, "task", id)
}

// SetResult stores the worker result without touching the status.
func (r *TaskRepo) SetResult(id string, result *AgentOutput) error {
	resultJSON, err := encodeResult(result)
	if err != nil {
		return err
	}
	res, err := r.db.Exec(
		`UPDATE tasks SET result = ?, updated_at = ? WHERE id = ?`,
		resultJSON, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set task result: %w", err)
	}
	return requireRow(res, "task", id)
}

// SetAgentID records which agent ran the task.
func (r *TaskRepo) SetAgentID(id, agentID string) error {
	res, err := r.db.Exec(
		`UPDATE tasks SET agent_id = ?, updated_at = ? WHERE id = ?`,
		agentID, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("set task agent id: %w", err)
	}
	return requireRow(res, "task", id)
}

// IncrementRetry bumps retry_count and moves the task back to pending,
// returning the new retry count.
func (r *TaskRepo) IncrementRetry(id string) (int, error) {
	res, err := r.db.Exec(
		`UPDATE tasks SET retry_count = retry_count + 1, status = 'pending',
		 updated_at = ? WHERE id = ?`, fmtTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("increment task retry: %w", err)
	}
	if err := requireRow(res, "task", id); err != nil {
		return 0, err
	}
	var count int
	if err := r.db.QueryRow(`SELECT retry_count FROM tasks WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read task retry count: %w", err)
	}
	return count, nil
}

// CountByStatus returns the number of tasks per status.
func (r *TaskRepo) CountByStatus() (map[TaskStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func encodeResult(result *AgentOutput) (*string, error) {
	if result == nil {
		return nil, nil
	}
	s, err := jsonStr(result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return s, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer func() { _ = rows.Close() }()
	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			log.Warn(log.CatStore, "malformed task row, skipping", "error", err.Error())
			continue
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return out, nil
}
