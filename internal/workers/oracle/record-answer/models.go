// internal/workers/oracle/record-answer/models.go
package recordanswer

import "experiment-oracle/internal/models"

// Input is the job payload; it carries the same fields as the HTTP answer callback.
type Input = models.Answer

type Output struct {
	AnswerRecorded bool   `json:"answerRecorded"`
	ConversationID string `json:"conversationId"`
	TurnID         string `json:"turnId"`
}
