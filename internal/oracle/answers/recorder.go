// Package answers reconciles answers computed by the answering service into
// the conversation history and the response cache.
package answers

import (
	"context"
	"time"

	"experiment-oracle/internal/common/errors"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/metrics"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/cache"
	"experiment-oracle/internal/oracle/history"
)

// EventAnswerReady is published once an answer is durable.
const EventAnswerReady = "answer.ready"

// CacheWriter refreshes a cache entry. cache.PostgresStore and cache.RedisStore satisfy it.
type CacheWriter interface {
	Put(ctx context.Context, entry models.CacheEntry) error
}

// EventPublisher announces recorded answers. *aws.SNSClient satisfies it.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, payload interface{}) (string, error)
}

type Recorder struct {
	history  history.Store
	cache    CacheWriter
	cacheTTL time.Duration
	events   EventPublisher
	logger   logger.Logger
	now      func() time.Time
}

type Option func(*Recorder)

// WithCache refreshes the cache entry of the answered question with the given TTL.
func WithCache(w CacheWriter, ttl time.Duration) Option {
	return func(r *Recorder) {
		r.cache = w
		r.cacheTTL = ttl
	}
}

// WithEvents publishes an answer.ready event per recorded answer.
func WithEvents(p EventPublisher) Option {
	return func(r *Recorder) { r.events = p }
}

func NewRecorder(store history.Store, log logger.Logger, opts ...Option) *Recorder {
	r := &Recorder{
		history: store,
		logger:  log.With(map[string]interface{}{"component": "answer-recorder"}),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends the assistant turn for a, linked to the user turn it answers.
// That is the turn named by a.ReplyTo or, for services that do not echo it,
// the latest user turn. It fails with ORPHAN_ANSWER when that turn does not
// exist, so an answer is never stored before its question.
// Cache and event failures are logged and do not fail the call.
func (r *Recorder) Record(ctx context.Context, a models.Answer) (turn models.ConversationTurn, err error) {
	defer func() {
		code := "RECORDED"
		if err != nil {
			code = string(errors.AsStandard(err).Code)
		}
		metrics.AnswersRecorded.WithLabelValues(code).Inc()
	}()

	if err := a.Validate(); err != nil {
		return models.ConversationTurn{}, err
	}

	turns, err := r.history.ListByConversation(ctx, a.ConversationID)
	if err != nil {
		return models.ConversationTurn{}, errors.NewHistoryReadError(err)
	}
	question, ok := questionFor(turns, a.ReplyTo)
	if !ok {
		return models.ConversationTurn{}, errors.NewOrphanAnswerError(a.ConversationID)
	}
	if a.UserID == "" {
		a.UserID = question.UserID
	}
	if a.Question == "" {
		a.Question = question.Content
	}

	now := r.now()
	answer := models.NewAssistantTurn(a.ConversationID, a.UserID, a.Content, a.Sources, now)
	answer.ReplyTo = question.ID
	turn, err = r.history.Append(ctx, answer)
	if err != nil {
		return models.ConversationTurn{}, errors.NewHistoryWriteError(err)
	}

	r.refreshCache(ctx, a, now)
	r.publish(ctx, a, turn)

	r.logger.Info("Answer recorded", map[string]interface{}{
		"conversationId": a.ConversationID,
		"turnId":         turn.ID,
		"replyTo":        turn.ReplyTo,
		"sourceCount":    len(a.Sources),
		"responseTimeMs": a.ResponseTimeMs,
	})
	return turn, nil
}

func (r *Recorder) refreshCache(ctx context.Context, a models.Answer, now time.Time) {
	if r.cache == nil || r.cacheTTL <= 0 {
		return
	}
	key := models.Normalize(a.Question)
	if key == "" {
		return
	}
	entry := cache.NewEntry(key, a.Content, now, r.cacheTTL, a.ResponseTimeMs, a.TokensUsed)
	if err := r.cache.Put(ctx, entry); err != nil {
		r.logger.Warn("Failed to refresh cache entry", map[string]interface{}{
			"conversationId": a.ConversationID,
			"error":          err.Error(),
		})
	}
}

func (r *Recorder) publish(ctx context.Context, a models.Answer, turn models.ConversationTurn) {
	if r.events == nil {
		return
	}
	payload := map[string]interface{}{
		"conversation_id": turn.ConversationID,
		"user_id":         a.UserID,
		"turn_id":         turn.ID,
		"reply_to":        turn.ReplyTo,
		"created_at":      turn.CreatedAt.Format(time.RFC3339Nano),
	}
	if _, err := r.events.PublishEvent(ctx, EventAnswerReady, payload); err != nil {
		r.logger.Warn("Failed to publish answer event", map[string]interface{}{
			"conversationId": turn.ConversationID,
			"error":          err.Error(),
		})
	}
}

func questionFor(turns []models.ConversationTurn, replyTo string) (models.ConversationTurn, bool) {
	if replyTo == "" {
		return lastUserTurn(turns)
	}
	t, ok := history.FindTurn(turns, replyTo)
	if !ok || t.Role != models.RoleUser {
		return models.ConversationTurn{}, false
	}
	return t, true
}

func lastUserTurn(turns []models.ConversationTurn) (models.ConversationTurn, bool) {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.RoleUser {
			return turns[i], true
		}
	}
	return models.ConversationTurn{}, false
}
