package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/coreclaw/coreclaw/internal/log"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// priorityRankSQL orders rows by the priority rank (urgent=0 .. low=3).
// Ties are broken by created_at ascending wherever this fragment is used.
const priorityRankSQL = `CASE priority
	WHEN 'urgent' THEN 0
	WHEN 'high' THEN 1
	WHEN 'normal' THEN 2
	WHEN 'low' THEN 3
	ELSE 4 END`

// Timestamps are stored as UTC ISO-8601 strings.
const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func fmtTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := fmtTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Fall back to second precision for rows written by other tools.
		t, err = time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}
		}
	}
	return t.UTC()
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}

// nullStr maps empty strings to NULL for nullable columns.
func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// jsonStr encodes a value as a JSON column string. Nil maps and slices encode
// to NULL so absent metadata stays absent.
func jsonStr(v any) (*string, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return nil, nil
		}
	case []string:
		if x == nil {
			s := "[]"
			return &s, nil
		}
	case nil:
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// decodeJSON parses a JSON column into out. Malformed rows are logged and
// treated as absent rather than failing the read.
func decodeJSON(col *string, out any, table, id, column string) {
	if col == nil || *col == "" {
		return
	}
	if err := json.Unmarshal([]byte(*col), out); err != nil {
		log.Warn(log.CatStore, "malformed JSON column, skipping",
			"table", table, "id", id, "column", column, "error", err.Error())
	}
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface{ Scan(...any) error }

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
