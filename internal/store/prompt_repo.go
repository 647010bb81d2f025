package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

const promptColumns = `id, name, content, version, active, activated_at, created_at, metrics`

// PromptRepo persists PromptVersion records. At most one version per name is
// active at any time; Activate enforces this transactionally.
type PromptRepo struct {
	db *sql.DB
}

func scanPrompt(s scanner) (*PromptVersion, error) {
	var p PromptVersion
	var activatedAt, metrics *string
	var active int
	var createdAt string

	err := s.Scan(&p.ID, &p.Name, &p.Content, &p.Version, &active,
		&activatedAt, &createdAt, &metrics)
	if err != nil {
		return nil, err
	}
	p.Active = active != 0
	p.ActivatedAt = parseTimePtr(activatedAt)
	p.CreatedAt = parseTime(createdAt)
	if metrics != nil && *metrics != "" {
		var m PromptMetrics
		decodeJSON(metrics, &m, "prompt_versions", p.ID, "metrics")
		p.Metrics = &m
	}
	return &p, nil
}

// Insert stores a new prompt version. The version number is one above the
// highest existing version for the name.
func (r *PromptRepo) Insert(p *PromptVersion) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.Version == 0 {
		var maxVersion sql.NullInt64
		err := r.db.QueryRow(
			`SELECT MAX(version) FROM prompt_versions WHERE name = ?`, p.Name,
		).Scan(&maxVersion)
		if err != nil {
			return fmt.Errorf("next prompt version: %w", err)
		}
		p.Version = int(maxVersion.Int64) + 1
	}

	metricsJSON, err := jsonStr(p.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = r.db.Exec(
		`INSERT INTO prompt_versions (`+promptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Content, p.Version, boolInt(p.Active),
		fmtTimePtr(p.ActivatedAt), fmtTime(p.CreatedAt), metricsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert prompt version: %w", err)
	}
	return nil
}

// FindByID retrieves a prompt version, or ErrNotFound.
func (r *PromptRepo) FindByID(id string) (*PromptVersion, error) {
	row := r.db.QueryRow(`SELECT `+promptColumns+` FROM prompt_versions WHERE id = ?`, id)
	p, err := scanPrompt(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find prompt by id: %w", err)
	}
	return p, nil
}

// FindActive returns the active version for a name, or ErrNotFound.
func (r *PromptRepo) FindActive(name string) (*PromptVersion, error) {
	row := r.db.QueryRow(
		`SELECT `+promptColumns+` FROM prompt_versions WHERE name = ? AND active = 1`, name)
	p, err := scanPrompt(row)
	if isNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active prompt: %w", err)
	}
	return p, nil
}

// FindByName returns every version of a name, newest version first.
func (r *PromptRepo) FindByName(name string) ([]*PromptVersion, error) {
	rows, err := r.db.Query(
		`SELECT `+promptColumns+` FROM prompt_versions WHERE name = ?
		 ORDER BY version DESC`, name)
	if err != nil {
		return nil, fmt.Errorf("find prompts by name: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*PromptVersion
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			log.Warn(log.CatStore, "malformed prompt row, skipping", "error", err.Error())
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate prompt rows: %w", err)
	}
	return out, nil
}

// Activate makes the given version the sole active one for its name.
// Sibling deactivation and activation run in one transaction; any error
// rolls the whole operation back.
func (r *PromptRepo) Activate(id string) error {
	p, err := r.FindByID(id)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin activate: %w", err)
	}
	now := fmtTime(time.Now())

	if _, err := tx.Exec(
		`UPDATE prompt_versions SET active = 0 WHERE name = ?`, p.Name); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("deactivate siblings: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE prompt_versions SET active = 1, activated_at = ? WHERE id = ?`, now, id); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("activate prompt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit activate: %w", err)
	}
	return nil
}

// UpdateMetrics replaces the rolling metrics of a prompt version.
func (r *PromptRepo) UpdateMetrics(id string, m *PromptMetrics) error {
	metricsJSON, err := jsonStr(m)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	res, err := r.db.Exec(
		`UPDATE prompt_versions SET metrics = ? WHERE id = ?`, metricsJSON, id)
	if err != nil {
		return fmt.Errorf("update prompt metrics: %w", err)
	}
	return requireRow(res, "prompt", id)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
