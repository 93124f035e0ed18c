package store

import (
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore implements IndexStore using MySQL.
type MySQLStore struct {
	sqlIndex
}

// NewMySQL creates a new MySQL index store on an open database handle.
func NewMySQL(db *sql.DB, opts ...Option) (*MySQLStore, error) {
	if err := createMySQLSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	return &MySQLStore{sqlIndex{db: db, dialect: "mysql", opts: applyOptions(opts)}}, nil
}

// NewMySQLFromDSN creates a new MySQL index store from a DSN.
// The DSN format is: user:password@tcp(host:port)/database
func NewMySQLFromDSN(dsn string, opts ...Option) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql: failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("mysql: failed to connect: %w", err)
	}

	return NewMySQL(db, opts...)
}

func createMySQLSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		sid                           VARCHAR(64) PRIMARY KEY,
		provider_type                 VARCHAR(100) NOT NULL,
		provider_name                 VARCHAR(100) NOT NULL,
		username_hash                 CHAR(64) NOT NULL DEFAULT '',
		idle_timeout_expiration       BIGINT NULL,
		lifespan_expiration           BIGINT NULL,
		created_at                    BIGINT NOT NULL DEFAULT 0,
		access_agreement_acknowledged TINYINT(1) NOT NULL DEFAULT 0,
		content                       TEXT NOT NULL,
		version                       BIGINT NOT NULL DEFAULT 1,
		invalidated_at                BIGINT NULL DEFAULT NULL,

		INDEX idx_sessions_identity (provider_type, provider_name, username_hash, invalidated_at, created_at)
	) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4;
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("mysql: failed to create schema: %w", err)
	}
	return nil
}
