// internal/models/answer.go
package models

import (
	"strings"

	"experiment-oracle/internal/common/errors"
)

// Answer is a computed response from the answering service, either returned
// directly or delivered through the answer callback.
type Answer struct {
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id,omitempty"`
	Question       string   `json:"pergunta,omitempty"`
	Content        string   `json:"resposta"`
	Sources        []string `json:"fontes,omitempty"`
	ResponseTimeMs int      `json:"tempo_resposta_ms,omitempty"`
	TokensUsed     int      `json:"tokens_usados,omitempty"`
	// ReplyTo echoes DispatchEnvelope.ReplyTo.
	ReplyTo        string   `json:"reply_to,omitempty"`
}

// Validate requires the conversation and a non-blank answer.
func (a Answer) Validate() error {
	var missing []string
	if strings.TrimSpace(a.ConversationID) == "" {
		missing = append(missing, "conversation_id")
	}
	if strings.TrimSpace(a.Content) == "" {
		missing = append(missing, "resposta")
	}
	if len(missing) > 0 {
		return errors.NewValidationError("missing required fields: " + strings.Join(missing, ", "))
	}
	return nil
}
