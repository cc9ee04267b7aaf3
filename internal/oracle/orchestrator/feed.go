// internal/oracle/orchestrator/feed.go
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/history"
)

// Feed observes a conversation for the assistant turn answering a dispatch.
// Open is called before dispatching so no turn written afterwards is missed.
type Feed interface {
	Open(ctx context.Context, conversationID string) (Waiter, error)
}

// Waiter blocks until the assistant turn answering the user turn replyTo is
// observable. since bounds answers recorded without a reply link.
type Waiter interface {
	Wait(ctx context.Context, replyTo string, since time.Time) (models.ConversationTurn, error)
	Close() error
}

// PollingFeed re-reads the history every interval. An answer is observed at
// most one interval after it is written.
type PollingFeed struct {
	reader   history.Reader
	interval time.Duration
	logger   logger.Logger
}

func NewPollingFeed(reader history.Reader, interval time.Duration, log logger.Logger) *PollingFeed {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollingFeed{
		reader:   reader,
		interval: interval,
		logger:   log.With(map[string]interface{}{"component": "polling-feed"}),
	}
}

func (f *PollingFeed) Open(_ context.Context, conversationID string) (Waiter, error) {
	return &pollWaiter{feed: f, conversationID: conversationID}, nil
}

type pollWaiter struct {
	feed           *PollingFeed
	conversationID string
}

func (w *pollWaiter) Wait(ctx context.Context, replyTo string, since time.Time) (models.ConversationTurn, error) {
	ticker := time.NewTicker(w.feed.interval)
	defer ticker.Stop()

	for {
		turns, err := w.feed.reader.ListByConversation(ctx, w.conversationID)
		if err == nil {
			if turn, ok := history.AnswerTo(turns, replyTo, since); ok {
				return turn, nil
			}
		} else if ctx.Err() == nil {
			// keep polling; the wait is bounded by ctx
			w.feed.logger.Warn("History poll failed", map[string]interface{}{
				"conversationId": w.conversationID,
				"error":          err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return models.ConversationTurn{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *pollWaiter) Close() error { return nil }

// Subscriber opens live turn subscriptions. *history.RedisFeed satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, conversationID string) (*history.Subscription, error)
}

// SubscriptionFeed waits on published turns. The history is read once after the
// subscription is confirmed, covering answers written before it.
type SubscriptionFeed struct {
	subscriber Subscriber
	reader     history.Reader
}

func NewSubscriptionFeed(subscriber Subscriber, reader history.Reader) *SubscriptionFeed {
	return &SubscriptionFeed{subscriber: subscriber, reader: reader}
}

func (f *SubscriptionFeed) Open(ctx context.Context, conversationID string) (Waiter, error) {
	sub, err := f.subscriber.Subscribe(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &subWaiter{sub: sub, reader: f.reader, conversationID: conversationID}, nil
}

type subWaiter struct {
	sub            *history.Subscription
	reader         history.Reader
	conversationID string
}

func (w *subWaiter) Wait(ctx context.Context, replyTo string, since time.Time) (models.ConversationTurn, error) {
	turns, err := w.reader.ListByConversation(ctx, w.conversationID)
	if err != nil {
		return models.ConversationTurn{}, fmt.Errorf("read history: %w", err)
	}
	if turn, ok := history.AnswerTo(turns, replyTo, since); ok {
		return turn, nil
	}

	for {
		select {
		case <-ctx.Done():
			return models.ConversationTurn{}, ctx.Err()
		case turn, ok := <-w.sub.Turns():
			if !ok {
				return models.ConversationTurn{}, fmt.Errorf("subscription to %s closed", w.conversationID)
			}
			if turn.Answers(replyTo, since) {
				return turn, nil
			}
		}
	}
}

func (w *subWaiter) Close() error { return w.sub.Close() }
