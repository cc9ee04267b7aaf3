// internal/oracle/history/feed.go
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/models"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "oracle:conversation:"

// ChannelFor names the pub/sub channel carrying new turns of a conversation.
func ChannelFor(conversationID string) string {
	return channelPrefix + conversationID
}

// PublishingStore announces every appended turn on the conversation channel.
// Publish failures are logged; the append result is unaffected.
type PublishingStore struct {
	Store
	client redis.UniversalClient
	logger logger.Logger
}

func NewPublishingStore(inner Store, client redis.UniversalClient, log logger.Logger) *PublishingStore {
	return &PublishingStore{
		Store:  inner,
		client: client,
		logger: log.With(map[string]interface{}{"component": "history-publisher"}),
	}
}

func (p *PublishingStore) Append(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error) {
	stored, _, err := p.Insert(ctx, turn)
	return stored, err
}

// Insert publishes only turns this call wrote.
func (p *PublishingStore) Insert(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, bool, error) {
	stored, inserted, err := p.Store.Insert(ctx, turn)
	if err != nil || !inserted {
		return stored, inserted, err
	}

	payload, err := json.Marshal(stored)
	if err == nil {
		err = p.client.Publish(ctx, ChannelFor(stored.ConversationID), payload).Err()
	}
	if err != nil {
		p.logger.Warn("Failed to publish turn", map[string]interface{}{
			"conversationId": stored.ConversationID,
			"turnId":         stored.ID,
			"error":          err.Error(),
		})
	}
	return stored, true, nil
}

// RedisFeed delivers turns published by PublishingStore.
type RedisFeed struct {
	client redis.UniversalClient
	logger logger.Logger
}

func NewRedisFeed(client redis.UniversalClient, log logger.Logger) *RedisFeed {
	return &RedisFeed{
		client: client,
		logger: log.With(map[string]interface{}{"component": "history-feed"}),
	}
}

// Subscription is a live stream of turns for one conversation.
type Subscription struct {
	pubsub *redis.PubSub
	turns  chan models.ConversationTurn
	done   chan struct{}
	once   sync.Once
}

// Subscribe returns once the subscription is confirmed by the server,
// so any turn appended afterwards is delivered.
func (f *RedisFeed) Subscribe(ctx context.Context, conversationID string) (*Subscription, error) {
	ps := f.client.Subscribe(ctx, ChannelFor(conversationID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", ChannelFor(conversationID), err)
	}

	sub := &Subscription{
		pubsub: ps,
		turns:  make(chan models.ConversationTurn, 8),
		done:   make(chan struct{}),
	}
	go f.pump(sub)
	return sub, nil
}

func (f *RedisFeed) pump(sub *Subscription) {
	defer close(sub.turns)
	for msg := range sub.pubsub.Channel() {
		var turn models.ConversationTurn
		if err := json.Unmarshal([]byte(msg.Payload), &turn); err != nil {
			f.logger.Warn("Dropping undecodable turn", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
			continue
		}
		select {
		case sub.turns <- turn:
		case <-sub.done:
			return
		}
	}
}

// Turns is closed after Close.
func (s *Subscription) Turns() <-chan models.ConversationTurn {
	return s.turns
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
