// internal/oracle/orchestrator/feed_test.go
package orchestrator

import (
	"context"
	"testing"
	"time"

	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/history"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func seedUserTurn(t *testing.T, store history.Store, conv string) models.ConversationTurn {
	t.Helper()
	turn, err := store.Append(context.Background(),
		models.NewUserTurn(models.NewQuestion(questionText, conv, "u-1"), time.Now()))
	require.NoError(t, err)
	return turn
}

func appendAnswer(t *testing.T, store history.Store, conv, content string) models.ConversationTurn {
	t.Helper()
	turn, err := store.Append(context.Background(), models.NewAssistantTurn(conv, "u-1", content, nil, time.Now()))
	require.NoError(t, err)
	return turn
}

func TestPollingFeed_ObservesLaterAnswer(t *testing.T) {
	store := history.NewMemoryStore()
	seedUserTurn(t, store, "c-1")
	appendAnswer(t, store, "c-1", "An earlier answer")
	question := seedUserTurn(t, store, "c-1")

	feed := NewPollingFeed(store, 5*time.Millisecond, logger.NewTestLogger(t))
	w, err := feed.Open(context.Background(), "c-1")
	require.NoError(t, err)
	defer w.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = store.Append(context.Background(), models.NewAssistantTurn("c-1", "u-1", "Email.", nil, time.Now()))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	turn, err := w.Wait(ctx, question.ID, question.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, "Email.", turn.Content)
}

func appendReply(t *testing.T, store history.Store, conv, content, replyTo string) models.ConversationTurn {
	t.Helper()
	turn := models.NewAssistantTurn(conv, "u-1", content, nil, time.Now())
	turn.ReplyTo = replyTo
	stored, err := store.Append(context.Background(), turn)
	require.NoError(t, err)
	return stored
}

func TestPollingFeed_IgnoresAnswerToAnotherQuestion(t *testing.T) {
	store := history.NewMemoryStore()
	earlier := seedUserTurn(t, store, "c-1")
	question := seedUserTurn(t, store, "c-1")

	feed := NewPollingFeed(store, 5*time.Millisecond, logger.NewTestLogger(t))
	w, err := feed.Open(context.Background(), "c-1")
	require.NoError(t, err)
	defer w.Close()

	appendReply(t, store, "c-1", "Answer to the earlier question", earlier.ID)
	go func() {
		time.Sleep(20 * time.Millisecond)
		appendReply(t, store, "c-1", "Email.", question.ID)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	turn, err := w.Wait(ctx, question.ID, question.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, "Email.", turn.Content)
}

func TestPollingFeed_BoundedByContext(t *testing.T) {
	store := history.NewMemoryStore()
	q := seedUserTurn(t, store, "c-1")
	feed := NewPollingFeed(store, 5*time.Millisecond, logger.NewTestLogger(t))
	w, _ := feed.Open(context.Background(), "c-1")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := w.Wait(ctx, q.ID, q.CreatedAt)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscriptionFeed_SeesAnswerWrittenBeforeWait(t *testing.T) {
	client := setupRedis(t)
	log := logger.NewTestLogger(t)
	store := history.NewPublishingStore(history.NewMemoryStore(), client, log)
	q := seedUserTurn(t, store, "c-1")

	feed := NewSubscriptionFeed(history.NewRedisFeed(client, log), store)
	w, err := feed.Open(context.Background(), "c-1")
	require.NoError(t, err)
	defer w.Close()

	answer := appendAnswer(t, store, "c-1", "Email.")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	turn, err := w.Wait(ctx, q.ID, q.CreatedAt)
	require.NoError(t, err)
	assert.Equal(t, answer.ID, turn.ID)
}

func TestSubscriptionFeed_SeesPublishedAnswer(t *testing.T) {
	client := setupRedis(t)
	log := logger.NewTestLogger(t)
	store := history.NewPublishingStore(history.NewMemoryStore(), client, log)
	q := seedUserTurn(t, store, "c-1")

	feed := NewSubscriptionFeed(history.NewRedisFeed(client, log), store)
	w, err := feed.Open(context.Background(), "c-1")
	require.NoError(t, err)
	defer w.Close()

	result := make(chan models.ConversationTurn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		turn, _ := w.Wait(ctx, q.ID, q.CreatedAt)
		result <- turn
	}()

	time.Sleep(20 * time.Millisecond)
	seedUserTurn(t, store, "c-1") // user turns are not answers
	appendReply(t, store, "c-1", "Answer to another question", "q-other")
	answer := appendReply(t, store, "c-1", "Email.", q.ID)

	select {
	case turn := <-result:
		assert.Equal(t, answer.ID, turn.ID)
	case <-time.After(3 * time.Second):
		t.Fatal("answer was not observed")
	}
}
