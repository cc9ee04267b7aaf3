// internal/models/question.go
package models

import (
	"strings"
	"unicode/utf8"

	"experiment-oracle/internal/common/errors"

	"github.com/google/uuid"
)

// MinQuestionLength is the minimum number of characters in a trimmed question.
const MinQuestionLength = 10

const (
	QuestionTypeGeneral = "general"

	// wireTypeGeneral is how the answering service names the general classifier.
	wireTypeGeneral = "geral"
)

// Question is one user submission. It is never mutated after creation.
type Question struct {
	Text           string `json:"question"`
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Type           string `json:"type,omitempty"`
	// TurnID is chosen by the caller so a retried dispatch records one turn.
	TurnID         string `json:"turnId,omitempty"`
}

func NewQuestion(text, conversationID, userID string) Question {
	return Question{
		Text:           text,
		ConversationID: conversationID,
		UserID:         userID,
		Type:           QuestionTypeGeneral,
	}
}

// QuestionLength counts the characters of the trimmed text.
func QuestionLength(text string) int {
	return utf8.RuneCountInString(strings.TrimSpace(text))
}

// ValidateText rejects questions shorter than MinQuestionLength.
func ValidateText(text string) error {
	if QuestionLength(text) < MinQuestionLength {
		return errors.NewQuestionTooShortError(MinQuestionLength)
	}
	return nil
}

// Validate checks the question text and the fields required to dispatch it.
func (q Question) Validate() error {
	var missing []string
	if strings.TrimSpace(q.Text) == "" {
		missing = append(missing, "question")
	}
	if strings.TrimSpace(q.ConversationID) == "" {
		missing = append(missing, "conversationId")
	}
	if strings.TrimSpace(q.UserID) == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return errors.NewValidationError("missing required fields: " + strings.Join(missing, ", "))
	}
	if q.TurnID != "" {
		if _, err := uuid.Parse(q.TurnID); err != nil {
			return errors.NewValidationError("turnId must be a UUID")
		}
	}
	return ValidateText(q.Text)
}

// WireType maps the classifier to the value understood by the answering service.
func (q Question) WireType() string {
	switch q.Type {
	case "", QuestionTypeGeneral:
		return wireTypeGeneral
	default:
		return q.Type
	}
}

// NormalizedQuestion is the canonical cache key for a question.
type NormalizedQuestion string

// Normalize folds case and collapses all whitespace runs into single spaces.
func Normalize(text string) NormalizedQuestion {
	return NormalizedQuestion(strings.Join(strings.Fields(strings.ToLower(text)), " "))
}

func (q Question) Normalized() NormalizedQuestion {
	return Normalize(q.Text)
}
