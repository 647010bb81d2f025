package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const ruleColumns = `id, name, agent_type, min_quality, max_body_length, enabled, created_at`

// RuleRepo persists auto-approval rules.
type RuleRepo struct {
	db *sql.DB
}

// Insert stores a new rule.
func (r *RuleRepo) Insert(rule *ApprovalRule) error {
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(
		`INSERT INTO approval_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.Name, rule.AgentType, rule.MinQuality, rule.MaxBodyLength,
		boolInt(rule.Enabled), fmtTime(rule.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval rule: %w", err)
	}
	return nil
}

// ListEnabled returns all enabled rules, oldest first (first match wins).
func (r *RuleRepo) ListEnabled() ([]*ApprovalRule, error) {
	rows, err := r.db.Query(
		`SELECT ` + ruleColumns + ` FROM approval_rules WHERE enabled = 1
		 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list approval rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ApprovalRule
	for rows.Next() {
		var rule ApprovalRule
		var enabled int
		var createdAt string
		if err := rows.Scan(&rule.ID, &rule.Name, &rule.AgentType, &rule.MinQuality,
			&rule.MaxBodyLength, &enabled, &createdAt); err != nil {
			log.Warn(log.CatStore, "malformed approval rule row, skipping", "error", err.Error())
			continue
		}
		rule.Enabled = enabled != 0
		rule.CreatedAt = parseTime(createdAt)
		out = append(out, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval rule rows: %w", err)
	}
	return out, nil
}

// SetEnabled toggles a rule.
func (r *RuleRepo) SetEnabled(id string, enabled bool) error {
	res, err := r.db.Exec(
		`UPDATE approval_rules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return fmt.Errorf("toggle approval rule: %w", err)
	}
	return requireRow(res, "approval rule", id)
}
