package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/coreclaw/coreclaw/internal/log"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// runMigrations brings the database to the latest schema version.
//
// Versioned .sql files are enumerated through golang-migrate's iofs source
// driver; each unapplied version runs inside a transaction that also inserts
// its schema_migrations row, so a migration is either fully applied or not at
// all. Migrations are append-only and never rewritten.
func runMigrations(db *sql.DB) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migration source: %w", err)
	}
	defer func() { _ = src.Close() }()

	version, err := src.First()
	for ; err == nil; version, err = src.Next(version) {
		applied, checkErr := migrationApplied(db, version)
		if checkErr != nil {
			return checkErr
		}
		if applied {
			continue
		}
		if applyErr := applyMigration(db, src, version); applyErr != nil {
			return applyErr
		}
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("iterate migrations: %w", err)
	}
	return nil
}

func migrationApplied(db *sql.DB, version uint) (bool, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check migration %d: %w", version, err)
	}
	return count > 0, nil
}

func applyMigration(db *sql.DB, src source.Driver, version uint) error {
	reader, identifier, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}
	defer func() { _ = reader.Close() }()

	ddl, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read migration %d body: %w", version, err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", version, err)
	}
	if _, err := tx.Exec(string(ddl)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("apply migration %d (%s): %w", version, identifier, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}

	log.Info(log.CatStore, "migration applied", "version", version, "name", identifier)
	return nil
}
