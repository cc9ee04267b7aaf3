// internal/oracle/history/memory.go
package history

import (
	"context"
	"sync"

	"experiment-oracle/internal/models"
)

// MemoryStore keeps turns in process. Used for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	turns map[string][]models.ConversationTurn
	ids   map[string]models.ConversationTurn
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		turns: make(map[string][]models.ConversationTurn),
		ids:   make(map[string]models.ConversationTurn),
	}
}

func (s *MemoryStore) Append(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error) {
	stored, _, err := s.Insert(ctx, turn)
	return stored, err
}

func (s *MemoryStore) Insert(_ context.Context, turn models.ConversationTurn) (models.ConversationTurn, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.ids[turn.ID]; ok {
		return existing, false, nil
	}

	conv := s.turns[turn.ConversationID]
	if n := len(conv); n > 0 {
		turn.CreatedAt = nextCreatedAt(turn.CreatedAt, conv[n-1].CreatedAt)
	}
	turn.Sources = append([]string(nil), turn.Sources...)

	s.turns[turn.ConversationID] = append(conv, turn)
	s.ids[turn.ID] = turn
	return turn, true, nil
}

func (s *MemoryStore) ListByConversation(_ context.Context, conversationID string) ([]models.ConversationTurn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv := s.turns[conversationID]
	out := make([]models.ConversationTurn, len(conv))
	copy(out, conv)
	return out, nil
}
