// internal/oracle/history/indexing.go
package history

import (
	"context"
	"time"

	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/models"
)

// Indexer stores a searchable copy of a document.
type Indexer interface {
	IndexDocument(ctx context.Context, index, id string, doc interface{}) error
}

// IndexingStore copies appended turns into a search index. Index failures are
// logged only; the durable store stays the source of truth.
type IndexingStore struct {
	Store
	indexer Indexer
	index   string
	timeout time.Duration
	logger  logger.Logger
}

func NewIndexingStore(inner Store, indexer Indexer, index string, log logger.Logger) *IndexingStore {
	return &IndexingStore{
		Store:   inner,
		indexer: indexer,
		index:   index,
		timeout: 2 * time.Second,
		logger:  log.With(map[string]interface{}{"component": "history-indexer"}),
	}
}

func (s *IndexingStore) Append(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error) {
	stored, _, err := s.Insert(ctx, turn)
	return stored, err
}

func (s *IndexingStore) Insert(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, bool, error) {
	stored, inserted, err := s.Store.Insert(ctx, turn)
	if err != nil || !inserted {
		return stored, inserted, err
	}

	idxCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.indexer.IndexDocument(idxCtx, s.index, stored.ID, stored); err != nil {
		s.logger.Warn("Failed to index turn", map[string]interface{}{
			"conversationId": stored.ConversationID,
			"turnId":         stored.ID,
			"index":          s.index,
			"error":          err.Error(),
		})
	}
	return stored, true, nil
}
