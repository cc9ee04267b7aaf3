// Package cache resolves questions against previously computed answers.
package cache

import (
	"context"
	"time"

	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/metrics"
	"experiment-oracle/internal/models"
)

// Store holds cache entries keyed by normalized question.
type Store interface {
	// Hit returns the live entry for key and increments its hit counter in the
	// same operation. It returns (nil, nil) when there is no live entry.
	Hit(ctx context.Context, key models.NormalizedQuestion, now time.Time) (*models.CacheEntry, error)
	// Put creates or refreshes an entry.
	Put(ctx context.Context, entry models.CacheEntry) error
}

// Result is the outcome of a lookup.
type Result struct {
	Key       models.NormalizedQuestion
	Entry     *models.CacheEntry
	FromCache bool
}

// Lookup resolves questions against a Store. A nil store always misses.
type Lookup struct {
	store  Store
	logger logger.Logger
	now    func() time.Time
}

func NewLookup(store Store, log logger.Logger) *Lookup {
	return &Lookup{
		store:  store,
		logger: log.With(map[string]interface{}{"component": "cache-lookup"}),
		now:    time.Now,
	}
}

// Resolve never fails: store errors are logged and reported as a miss.
func (l *Lookup) Resolve(ctx context.Context, q models.Question) Result {
	key := q.Normalized()
	res := Result{Key: key}
	if l == nil || l.store == nil || key == "" {
		return res
	}

	now := l.now()
	entry, err := l.store.Hit(ctx, key, now)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		l.logger.Warn("Cache lookup failed, treating as miss", map[string]interface{}{
			"conversationId": q.ConversationID,
			"error":          err.Error(),
		})
		return res
	}
	if entry == nil || entry.Expired(now) {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return res
	}

	metrics.CacheLookups.WithLabelValues("hit").Inc()
	l.logger.Debug("Cache hit", map[string]interface{}{
		"conversationId": q.ConversationID,
		"hitCount":       entry.HitCount,
	})
	res.Entry = entry
	res.FromCache = true
	return res
}

// NewEntry builds a fresh entry for an answer computed now.
func NewEntry(key models.NormalizedQuestion, answer string, now time.Time, ttl time.Duration, responseTimeMs, tokensUsed int) models.CacheEntry {
	return models.CacheEntry{
		Key:            key,
		Answer:         answer,
		CreatedAt:      now.UTC(),
		ExpiresAt:      now.Add(ttl).UTC(),
		ResponseTimeMs: responseTimeMs,
		TokensUsed:     tokensUsed,
	}
}
