// internal/oracle/cache/postgres.go
package cache

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"experiment-oracle/internal/models"
)

const (
	hitQuery = `
		UPDATE oracle_response_cache
		SET hit_count = hit_count + 1
		WHERE key = $1 AND expires_at > $2
		RETURNING answer, created_at, expires_at, hit_count, response_time_ms, tokens_used`

	upsertQuery = `
		INSERT INTO oracle_response_cache (key, answer, created_at, expires_at, hit_count, response_time_ms, tokens_used)
		VALUES ($1, $2, $3, $4, 0, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			answer = EXCLUDED.answer,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at,
			hit_count = 0,
			response_time_ms = EXCLUDED.response_time_ms,
			tokens_used = EXCLUDED.tokens_used`
)

// PostgresStore keeps entries in oracle_response_cache.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Hit(ctx context.Context, key models.NormalizedQuestion, now time.Time) (*models.CacheEntry, error) {
	var (
		entry        = models.CacheEntry{Key: key}
		responseTime sql.NullInt64
		tokens       sql.NullInt64
	)

	err := s.db.QueryRowContext(ctx, hitQuery, string(key), now.UTC()).Scan(
		&entry.Answer,
		&entry.CreatedAt,
		&entry.ExpiresAt,
		&entry.HitCount,
		&responseTime,
		&tokens,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entry.ResponseTimeMs = int(responseTime.Int64)
	entry.TokensUsed = int(tokens.Int64)
	return &entry, nil
}

func (s *PostgresStore) Put(ctx context.Context, entry models.CacheEntry) error {
	_, err := s.db.ExecContext(ctx, upsertQuery,
		string(entry.Key),
		entry.Answer,
		entry.CreatedAt.UTC(),
		entry.ExpiresAt.UTC(),
		entry.ResponseTimeMs,
		entry.TokensUsed,
	)
	return err
}
