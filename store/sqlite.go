package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements IndexStore using SQLite.
// It uses the pure Go modernc.org/sqlite driver.
type SQLiteStore struct {
	sqlIndex
}

// NewSQLite creates a new SQLite index store.
// The database file is created if it doesn't exist.
func NewSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite allows a single writer; one connection avoids SQLITE_BUSY
	// and keeps ":memory:" databases on a single handle.
	db.SetMaxOpenConns(1)

	// Enable WAL mode so readers in other processes are not blocked
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{sqlIndex{db: db, dialect: "sqlite", opts: applyOptions(opts)}}, nil
}

func createSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		sid                           TEXT PRIMARY KEY,
		provider_type                 TEXT NOT NULL,
		provider_name                 TEXT NOT NULL,
		username_hash                 TEXT NOT NULL DEFAULT '',
		idle_timeout_expiration       INTEGER,
		lifespan_expiration           INTEGER,
		created_at                    INTEGER NOT NULL DEFAULT 0,
		access_agreement_acknowledged INTEGER NOT NULL DEFAULT 0,
		content                       TEXT NOT NULL,
		version                       INTEGER NOT NULL DEFAULT 1,
		invalidated_at                INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_identity
		ON sessions (provider_type, provider_name, username_hash, invalidated_at, created_at);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("sqlite: failed to create schema: %w", err)
	}
	return nil
}
