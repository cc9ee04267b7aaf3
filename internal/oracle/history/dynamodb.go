// internal/oracle/history/dynamodb.go
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"experiment-oracle/internal/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	skPrefixTurn = "TURN#"
	skPrefixID   = "ID#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
type dynamodbAPI interface {
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore keeps each turn under PK=CONV#<conversation> with a time-ordered
// sort key, plus an ID# guard item that makes appends idempotent.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("history: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("history: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName}, nil
}

func convPK(conversationID string) string {
	return "CONV#" + conversationID
}

// turnSK sorts lexicographically by time; the fixed-width layout keeps that true.
func turnSK(t models.ConversationTurn) string {
	return skPrefixTurn + t.CreatedAt.UTC().Format("2006-01-02T15:04:05.000000000Z") + "#" + t.ID
}

func (s *DynamoStore) Append(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error) {
	stored, _, err := s.Insert(ctx, turn)
	return stored, err
}

func (s *DynamoStore) Insert(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, bool, error) {
	last, err := s.query(ctx, turn.ConversationID, false, 1)
	if err != nil {
		return turn, false, err
	}
	if len(last) > 0 {
		turn.CreatedAt = nextCreatedAt(turn.CreatedAt, last[0].CreatedAt)
	}
	turn.CreatedAt = turn.CreatedAt.UTC()
	turn.Status = models.TurnComplete

	pk := convPK(turn.ConversationID)
	_, err = s.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item: map[string]types.AttributeValue{
						"PK": &types.AttributeValueMemberS{Value: pk},
						"SK": &types.AttributeValueMemberS{Value: skPrefixID + turn.ID},
					},
					ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
				},
			},
			{
				Put: &types.Put{
					TableName: aws.String(s.tableName),
					Item:      turnItem(pk, turn),
				},
			},
		},
	})
	if err != nil {
		if isConditionFailure(err) {
			existing, err := s.existing(ctx, turn)
			return existing, false, err
		}
		return turn, false, fmt.Errorf("history: append turn: %w", err)
	}
	return turn, true, nil
}

func (s *DynamoStore) existing(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error) {
	turns, err := s.query(ctx, turn.ConversationID, true, 0)
	if err != nil {
		return turn, err
	}
	for _, t := range turns {
		if t.ID == turn.ID {
			return t, nil
		}
	}
	return turn, fmt.Errorf("history: turn %s reported as duplicate but not found", turn.ID)
}

func (s *DynamoStore) ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationTurn, error) {
	return s.query(ctx, conversationID, true, 0)
}

func (s *DynamoStore) query(ctx context.Context, conversationID string, forward bool, limit int32) ([]models.ConversationTurn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: convPK(conversationID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(forward),
		ConsistentRead:   aws.Bool(true),
	}
	if limit > 0 {
		in.Limit = aws.Int32(limit)
	}

	var turns []models.ConversationTurn
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("history: query turns: %w", err)
		}
		for _, item := range out.Items {
			t, err := itemToTurn(item)
			if err != nil {
				return nil, fmt.Errorf("history: decode turn: %w", err)
			}
			turns = append(turns, t)
		}
		if limit > 0 || len(out.LastEvaluatedKey) == 0 {
			return turns, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func turnItem(pk string, t models.ConversationTurn) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             &types.AttributeValueMemberS{Value: pk},
		"SK":             &types.AttributeValueMemberS{Value: turnSK(t)},
		"id":             &types.AttributeValueMemberS{Value: t.ID},
		"conversationId": &types.AttributeValueMemberS{Value: t.ConversationID},
		"role":           &types.AttributeValueMemberS{Value: string(t.Role)},
		"content":        &types.AttributeValueMemberS{Value: t.Content},
		"createdAt":      &types.AttributeValueMemberS{Value: t.CreatedAt.UTC().Format(time.RFC3339Nano)},
	}
	if t.UserID != "" {
		item["userId"] = &types.AttributeValueMemberS{Value: t.UserID}
	}
	if len(t.Sources) > 0 {
		item["sources"] = &types.AttributeValueMemberL{Value: stringList(t.Sources)}
	}
	if t.ReplyTo != "" {
		item["replyTo"] = &types.AttributeValueMemberS{Value: t.ReplyTo}
	}
	return item
}

func stringList(values []string) []types.AttributeValue {
	out := make([]types.AttributeValue, len(values))
	for i, v := range values {
		out[i] = &types.AttributeValueMemberS{Value: v}
	}
	return out
}

func itemToTurn(item map[string]types.AttributeValue) (models.ConversationTurn, error) {
	var t models.ConversationTurn
	var err error

	if t.ID, err = strAttr(item, "id"); err != nil {
		return t, err
	}
	if t.ConversationID, err = strAttr(item, "conversationId"); err != nil {
		return t, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return t, err
	}
	t.Role = models.Role(role)
	if t.Content, err = strAttr(item, "content"); err != nil {
		return t, err
	}
	created, err := strAttr(item, "createdAt")
	if err != nil {
		return t, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return t, fmt.Errorf("parse createdAt: %w", err)
	}
	t.UserID, _ = strAttr(item, "userId") // optional
	t.ReplyTo, _ = strAttr(item, "replyTo")

	if l, ok := item["sources"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			if s, ok := v.(*types.AttributeValueMemberS); ok {
				t.Sources = append(t.Sources, s.Value)
			}
		}
	}
	t.Status = models.TurnComplete
	return t, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

func isConditionFailure(err error) bool {
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, reason := range canceled.CancellationReasons {
			if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	var condErr *types.ConditionalCheckFailedException
	return errors.As(err, &condErr)
}
