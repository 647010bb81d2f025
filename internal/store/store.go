package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store owns the database connection and exposes one typed repository per
// entity. Open failure is fatal to the caller: the process must not start
// without a working store.
type Store struct {
	db *sql.DB

	Messages    *MessageRepo
	Tasks       *TaskRepo
	Drafts      *DraftRepo
	Corrections *CorrectionRepo
	Sessions    *SessionRepo
	Prompts     *PromptRepo
	Feedback    *FeedbackRepo
	Rules       *RuleRepo
}

// Open creates (if necessary) and migrates the database at path.
// Parent directories are created with 0700 permissions.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return newStore(db), nil
}

// OpenMemory opens an in-memory database, migrated. Used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", "file::memory:?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	// A single connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate in-memory database: %w", err)
	}
	return newStore(db), nil
}

func newStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Messages:    &MessageRepo{db: db},
		Tasks:       &TaskRepo{db: db},
		Drafts:      &DraftRepo{db: db},
		Corrections: &CorrectionRepo{db: db},
		Sessions:    &SessionRepo{db: db},
		Prompts:     &PromptRepo{db: db},
		Feedback:    &FeedbackRepo{db: db},
		Rules:       &RuleRepo{db: db},
	}
}

// DB exposes the underlying connection for callers that need transactions
// spanning repositories. Most callers should use the repositories.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
