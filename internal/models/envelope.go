// internal/models/envelope.go
package models

// DispatchEnvelope is the payload sent to the answering service.
// UserID travels out of band (x-user-id header or process variable).
type DispatchEnvelope struct {
	Question       string `json:"pergunta"`
	ConversationID string `json:"conversation_id"`
	Type           string `json:"tipo"`
	// ReplyTo is the user turn ID; the answering service echoes it back.
	ReplyTo        string `json:"reply_to,omitempty"`
	UserID         string `json:"-"`
}

func NewDispatchEnvelope(q Question) DispatchEnvelope {
	return DispatchEnvelope{
		Question:       q.Text,
		ConversationID: q.ConversationID,
		Type:           q.WireType(),
		ReplyTo:        q.TurnID,
		UserID:         q.UserID,
	}
}

// Variables returns the envelope as process variables, including the user.
func (e DispatchEnvelope) Variables() map[string]interface{} {
	return map[string]interface{}{
		"pergunta":        e.Question,
		"conversation_id": e.ConversationID,
		"tipo":            e.Type,
		"reply_to":        e.ReplyTo,
		"userId":          e.UserID,
	}
}
