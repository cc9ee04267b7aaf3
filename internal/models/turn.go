// internal/models/turn.go
package models

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type TurnStatus string

const (
	TurnComplete TurnStatus = "complete"
	// TurnLoading marks a local placeholder; it is never persisted.
	TurnLoading TurnStatus = "loading"
)

var newID = uuid.NewString

// ConversationTurn is one message within a conversation.
type ConversationTurn struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	UserID         string     `json:"user_id,omitempty"`
	Role           Role       `json:"role"`
	Content        string     `json:"content"`
	Sources        []string   `json:"sources,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	Status         TurnStatus `json:"status,omitempty"`
	// ReplyTo links an assistant turn to the user turn it answers.
	ReplyTo        string     `json:"reply_to,omitempty"`
}

// NewUserTurn builds the durable record of a submitted question. The turn
// takes q.TurnID when the caller chose one.
func NewUserTurn(q Question, now time.Time) ConversationTurn {
	id := q.TurnID
	if id == "" {
		id = newID()
	}
	return ConversationTurn{
		ID:             id,
		ConversationID: q.ConversationID,
		UserID:         q.UserID,
		Role:           RoleUser,
		Content:        q.Text,
		CreatedAt:      now.UTC(),
		Status:         TurnComplete,
	}
}

// NewAssistantTurn builds the durable record of an answer.
func NewAssistantTurn(conversationID, userID, content string, sources []string, now time.Time) ConversationTurn {
	return ConversationTurn{
		ID:             newID(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           RoleAssistant,
		Content:        content,
		Sources:        sources,
		CreatedAt:      now.UTC(),
		Status:         TurnComplete,
	}
}

// NewPlaceholderTurn builds the local "loading" assistant turn shown while waiting.
func NewPlaceholderTurn(conversationID string, now time.Time) ConversationTurn {
	return ConversationTurn{
		ID:             newID(),
		ConversationID: conversationID,
		Role:           RoleAssistant,
		CreatedAt:      now.UTC(),
		Status:         TurnLoading,
	}
}

func (t ConversationTurn) IsPlaceholder() bool {
	return t.Status == TurnLoading
}

// Answers reports whether t is the answer to the user turn userTurnID.
// Turns recorded without a link fall back to arriving after since.
func (t ConversationTurn) Answers(userTurnID string, since time.Time) bool {
	if t.Role != RoleAssistant || t.IsPlaceholder() {
		return false
	}
	if t.ReplyTo != "" {
		return t.ReplyTo == userTurnID
	}
	return t.CreatedAt.After(since)
}

// NewTurnID returns a fresh turn identifier.
func NewTurnID() string {
	return newID()
}

// NewConversationID returns a fresh conversation identifier.
func NewConversationID() string {
	return newID()
}
