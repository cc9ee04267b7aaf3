// internal/oracle/history/postgres.go
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"experiment-oracle/internal/models"
)

const (
	// lockConversation serializes appends within one conversation for the transaction.
	lockConversation = `SELECT pg_advisory_xact_lock(hashtext($1))`

	insertTurn = `
		INSERT INTO oracle_conversation_turns (id, conversation_id, user_id, role, content, sources, created_at, reply_to)
		SELECT $1, $2, NULLIF($3, ''), $4, $5, $6,
			GREATEST($7::timestamptz, COALESCE(
				(SELECT max(created_at) + interval '1 microsecond' FROM oracle_conversation_turns WHERE conversation_id = $2),
				$7::timestamptz)),
			NULLIF($8, '')
		ON CONFLICT (id) DO NOTHING
		RETURNING created_at`

	selectTurn = `
		SELECT id, conversation_id, COALESCE(user_id, ''), role, content, sources, created_at, COALESCE(reply_to, '')
		FROM oracle_conversation_turns
		WHERE id = $1`

	listTurns = `
		SELECT id, conversation_id, COALESCE(user_id, ''), role, content, sources, created_at, COALESCE(reply_to, '')
		FROM oracle_conversation_turns
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`
)

// PostgresStore keeps turns in oracle_conversation_turns.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error) {
	stored, _, err := s.Insert(ctx, turn)
	return stored, err
}

func (s *PostgresStore) Insert(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, bool, error) {
	sources, err := encodeSources(turn.Sources)
	if err != nil {
		return turn, false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return turn, false, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, lockConversation, turn.ConversationID); err != nil {
		return turn, false, fmt.Errorf("lock conversation: %w", err)
	}

	err = tx.QueryRowContext(ctx, insertTurn,
		turn.ID,
		turn.ConversationID,
		turn.UserID,
		string(turn.Role),
		turn.Content,
		sources,
		turn.CreatedAt.UTC(),
		turn.ReplyTo,
	).Scan(&turn.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		// already stored under this id
		existing, getErr := scanTurn(tx.QueryRowContext(ctx, selectTurn, turn.ID))
		if getErr != nil {
			return turn, false, fmt.Errorf("load existing turn: %w", getErr)
		}
		if err := tx.Commit(); err != nil {
			return turn, false, fmt.Errorf("commit append: %w", err)
		}
		return existing, false, nil
	}
	if err != nil {
		return turn, false, fmt.Errorf("insert turn: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return turn, false, fmt.Errorf("commit append: %w", err)
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	turn.Status = models.TurnComplete
	return turn, true, nil
}

func (s *PostgresStore) ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationTurn, error) {
	rows, err := s.db.QueryContext(ctx, listTurns, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []models.ConversationTurn
	for rows.Next() {
		t, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	return turns, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTurn(row rowScanner) (models.ConversationTurn, error) {
	var (
		t       models.ConversationTurn
		role    string
		sources []byte
	)
	if err := row.Scan(&t.ID, &t.ConversationID, &t.UserID, &role, &t.Content, &sources, &t.CreatedAt, &t.ReplyTo); err != nil {
		return t, err
	}
	t.Role = models.Role(role)
	t.CreatedAt = t.CreatedAt.UTC()
	t.Status = models.TurnComplete
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &t.Sources); err != nil {
			return t, fmt.Errorf("decode sources for turn %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func encodeSources(sources []string) (interface{}, error) {
	if len(sources) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(sources)
	if err != nil {
		return nil, fmt.Errorf("encode sources: %w", err)
	}
	return string(raw), nil
}
