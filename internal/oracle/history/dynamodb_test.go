// internal/oracle/history/dynamodb_test.go
package history

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"experiment-oracle/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDynamo emulates a single table keyed by PK/SK with conditional guards.
type fakeDynamo struct {
	items    map[string]map[string]map[string]types.AttributeValue
	queryErr error
	txErr    error
	queries  []*dynamodb.QueryInput
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]map[string]types.AttributeValue)}
}

func attrS(item map[string]types.AttributeValue, key string) string {
	return item[key].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queries = append(f.queries, in)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	pk := attrS(in.ExpressionAttributeValues, ":pk")
	prefix := attrS(in.ExpressionAttributeValues, ":prefix")

	var keys []string
	for sk := range f.items[pk] {
		if len(sk) >= len(prefix) && sk[:len(prefix)] == prefix {
			keys = append(keys, sk)
		}
	}
	sort.Strings(keys)
	if !aws.ToBool(in.ScanIndexForward) {
		sort.Sort(sort.Reverse(sort.StringSlice(keys)))
	}
	if in.Limit != nil && int(*in.Limit) < len(keys) {
		keys = keys[:*in.Limit]
	}

	out := &dynamodb.QueryOutput{}
	for _, sk := range keys {
		out.Items = append(out.Items, f.items[pk][sk])
	}
	return out, nil
}

func (f *fakeDynamo) TransactWriteItems(_ context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	if f.txErr != nil {
		return nil, f.txErr
	}
	for _, ti := range in.TransactItems {
		if ti.Put.ConditionExpression == nil {
			continue
		}
		pk, sk := attrS(ti.Put.Item, "PK"), attrS(ti.Put.Item, "SK")
		if _, exists := f.items[pk][sk]; exists {
			return nil, &types.TransactionCanceledException{
				CancellationReasons: []types.CancellationReason{{Code: aws.String("ConditionalCheckFailed")}},
			}
		}
	}
	for _, ti := range in.TransactItems {
		pk, sk := attrS(ti.Put.Item, "PK"), attrS(ti.Put.Item, "SK")
		if f.items[pk] == nil {
			f.items[pk] = make(map[string]map[string]types.AttributeValue)
		}
		f.items[pk][sk] = ti.Put.Item
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func mustNewDynamoStore(t *testing.T, api *fakeDynamo) *DynamoStore {
	t.Helper()
	s, err := NewDynamoStore(api, "oracle-turns")
	require.NoError(t, err)
	return s
}

func TestNewDynamoStore_Validation(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	assert.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), "  ")
	assert.Error(t, err)
}

func TestDynamoStore_AppendAndList(t *testing.T) {
	api := newFakeDynamo()
	s := mustNewDynamoStore(t, api)
	ctx := context.Background()
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	u, err := s.Append(ctx, userTurn("c-1", "What channel performs best?", now))
	require.NoError(t, err)
	answer := models.NewAssistantTurn("c-1", "", "Email.", []string{"q3-report"}, now.Add(-time.Second))
	answer.ReplyTo = u.ID
	a, err := s.Append(ctx, answer)
	require.NoError(t, err)
	assert.True(t, a.CreatedAt.After(u.CreatedAt), "assistant turn must not precede the question")

	turns, err := s.ListByConversation(ctx, "c-1")
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, u.ID, turns[0].ID)
	assert.Equal(t, "u-1", turns[0].UserID)
	assert.Equal(t, a.ID, turns[1].ID)
	assert.Equal(t, "", turns[1].UserID)
	assert.Equal(t, []string{"q3-report"}, turns[1].Sources)
	assert.Equal(t, u.ID, turns[1].ReplyTo)
	assert.Empty(t, turns[0].ReplyTo)
	assert.True(t, turns[1].CreatedAt.Equal(a.CreatedAt))
}

func TestDynamoStore_AppendIsIdempotent(t *testing.T) {
	api := newFakeDynamo()
	s := mustNewDynamoStore(t, api)
	ctx := context.Background()
	turn := userTurn("c-1", "What channel performs best?", time.Now())

	first, inserted, err := s.Insert(ctx, turn)
	require.NoError(t, err)
	assert.True(t, inserted)

	turn.CreatedAt = turn.CreatedAt.Add(time.Minute)
	again, inserted, err := s.Insert(ctx, turn)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.True(t, again.CreatedAt.Equal(first.CreatedAt))

	turns, _ := s.ListByConversation(ctx, "c-1")
	assert.Len(t, turns, 1)
}

func TestDynamoStore_Errors(t *testing.T) {
	api := newFakeDynamo()
	s := mustNewDynamoStore(t, api)
	ctx := context.Background()

	api.txErr = errors.New("throttled")
	_, err := s.Append(ctx, userTurn("c-1", "What channel performs best?", time.Now()))
	assert.ErrorContains(t, err, "throttled")

	api.queryErr = errors.New("unavailable")
	_, err = s.ListByConversation(ctx, "c-1")
	assert.ErrorContains(t, err, "unavailable")
}

func TestTurnSK_SortsByTime(t *testing.T) {
	base := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	early := models.ConversationTurn{ID: "b", CreatedAt: base}
	late := models.ConversationTurn{ID: "a", CreatedAt: base.Add(time.Microsecond)}
	assert.Less(t, turnSK(early), turnSK(late))
}
