// Package history keeps the append-only, conversation-scoped log of turns.
package history

import (
	"context"
	"time"

	"experiment-oracle/internal/models"
)

// Store is an append-only log of conversation turns.
//
// Append is idempotent by turn ID: appending a turn whose ID is already stored
// returns the stored turn and no error. Insert behaves the same and also
// reports whether this call wrote the turn. The stored created_at is never
// earlier than that of any turn already in the conversation, so
// ListByConversation order matches arrival order.
type Store interface {
	Append(ctx context.Context, turn models.ConversationTurn) (models.ConversationTurn, error)
	Insert(ctx context.Context, turn models.ConversationTurn) (stored models.ConversationTurn, inserted bool, err error)
	ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationTurn, error)
}

// Reader is the read half of Store.
type Reader interface {
	ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationTurn, error)
}

// minStep separates turns that would otherwise share a timestamp.
const minStep = time.Microsecond

// nextCreatedAt returns want, or just after last when want would reorder the log.
func nextCreatedAt(want, last time.Time) time.Time {
	if last.IsZero() || want.After(last) {
		return want
	}
	return last.Add(minStep)
}

// HasRole reports whether turns contains a turn with role.
func HasRole(turns []models.ConversationTurn, role models.Role) bool {
	for _, t := range turns {
		if t.Role == role {
			return true
		}
	}
	return false
}

// AnswerTo returns the first assistant turn answering the user turn userTurnID.
// since bounds turns recorded without a reply link.
func AnswerTo(turns []models.ConversationTurn, userTurnID string, since time.Time) (models.ConversationTurn, bool) {
	for _, t := range turns {
		if t.Answers(userTurnID, since) {
			return t, true
		}
	}
	return models.ConversationTurn{}, false
}

// FindTurn returns the turn with id.
func FindTurn(turns []models.ConversationTurn, id string) (models.ConversationTurn, bool) {
	for _, t := range turns {
		if t.ID == id {
			return t, true
		}
	}
	return models.ConversationTurn{}, false
}
