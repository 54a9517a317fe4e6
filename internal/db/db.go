package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	_ "modernc.org/sqlite"
)

// CurrentSchemaVersion is the legacy images schema this package understands.
const CurrentSchemaVersion = 1

// Schema is the legacy relational layout: one row per image, keypoints and
// bounding box stored as JSON text.
const Schema = `
CREATE TABLE IF NOT EXISTS images (
  input_path   TEXT PRIMARY KEY,
  output_path  TEXT NOT NULL DEFAULT '',
  name         TEXT NOT NULL DEFAULT '',
  processed    INTEGER NOT NULL DEFAULT 0,
  verified     INTEGER NOT NULL DEFAULT 0,
  keypoints    TEXT,
  bounding_box TEXT
);
`

// Open opens an existing legacy database read-only.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("legacy database: %w", err)
	}

	dsn := "file:" + path + "?mode=ro&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := verifyImagesTable(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Create creates (or opens) a writable legacy database at path and applies
// the schema.
func Create(ctx context.Context, path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0600)
	return db, nil
}

// migrate applies the schema based on user_version.
func migrate(ctx context.Context, db *sql.DB) error {
	version, err := GetUserVersion(ctx, db)
	if err != nil {
		return err
	}
	if version < 1 {
		if _, err := db.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := SetUserVersion(ctx, db, 1); err != nil {
			return err
		}
	}
	return nil
}

// verifyImagesTable fails unless the database has an images table.
func verifyImagesTable(ctx context.Context, db *sql.DB) error {
	var name string
	err := db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type='table' AND name='images'").Scan(&name)
	if err == sql.ErrNoRows {
		return fmt.Errorf("not a legacy annotation database: no images table")
	}
	if err != nil {
		return fmt.Errorf("failed to inspect database: %w", err)
	}
	return nil
}

// GetUserVersion returns the current schema version (user_version pragma).
func GetUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

// SetUserVersion sets the schema version (user_version pragma).
func SetUserVersion(ctx context.Context, db *sql.DB, version int) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version=%d", version))
	if err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
