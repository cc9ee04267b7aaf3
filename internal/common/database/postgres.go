// internal/common/database/postgres.go
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"experiment-oracle/internal/common/config"

	_ "github.com/lib/pq"
)

// PostgresClient wraps the SQL database connection
type PostgresClient struct {
	DB *sql.DB
}

// schema holds the tables owned by the oracle flow. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS oracle_conversation_turns (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		user_id         TEXT,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL,
		sources         JSONB,
		created_at      TIMESTAMPTZ NOT NULL,
		reply_to        TEXT
	)`,
	`ALTER TABLE oracle_conversation_turns ADD COLUMN IF NOT EXISTS reply_to TEXT`,
	`CREATE INDEX IF NOT EXISTS oracle_conversation_turns_conv_idx
		ON oracle_conversation_turns (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS oracle_response_cache (
		key              TEXT PRIMARY KEY,
		answer           TEXT NOT NULL,
		created_at       TIMESTAMPTZ NOT NULL,
		expires_at       TIMESTAMPTZ NOT NULL,
		hit_count        INTEGER NOT NULL DEFAULT 0,
		response_time_ms INTEGER,
		tokens_used      INTEGER
	)`,
}

// NewPostgres creates a new PostgreSQL client
func NewPostgres(cfg config.PostgresConfig) (*PostgresClient, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.MaxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &PostgresClient{DB: db}, nil
}

// NewPostgresFromDB wraps an existing handle, e.g. one returned by sqlmock.
func NewPostgresFromDB(db *sql.DB) *PostgresClient {
	return &PostgresClient{DB: db}
}

// Ping tests the database connection
func (c *PostgresClient) Ping(ctx context.Context) error {
	return c.DB.PingContext(ctx)
}

// Migrate creates the conversation and cache tables when missing.
func (c *PostgresClient) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// Close closes the database connection
func (c *PostgresClient) Close() error {
	if c.DB != nil {
		return c.DB.Close()
	}
	return nil
}
