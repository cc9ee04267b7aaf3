// internal/oracle/api/handlers.go
package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"experiment-oracle/internal/common/auth"
	"experiment-oracle/internal/common/errors"
	"experiment-oracle/internal/common/logger"
	"experiment-oracle/internal/common/validation"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/answers"
	"experiment-oracle/internal/oracle/dispatch"
	"experiment-oracle/internal/oracle/history"
)

const maxBodyBytes = 64 << 10

type Handler struct {
	Gateway  *dispatch.Gateway
	Recorder *answers.Recorder
	History  history.Reader
	// ServiceToken authenticates the answering service on the callback.
	ServiceToken string
	Logger       logger.Logger
}

// DispatchResponse is the 202 body of POST /oracle/dispatch.
type DispatchResponse struct {
	Success        bool      `json:"success"`
	ConversationID string    `json:"conversationId,omitempty"`
	TurnID         string    `json:"turnId,omitempty"`
	CreatedAt      time.Time `json:"createdAt,omitempty"`
}

type AnswerResponse struct {
	Success bool   `json:"success"`
	TurnID  string `json:"turnId,omitempty"`
}

type TurnsResponse struct {
	Success bool                      `json:"success"`
	Turns   []models.ConversationTurn `json:"turns"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}

func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	var doc map[string]interface{}
	if err := decodeBody(r, &doc); err != nil {
		h.writeError(w, r, errors.NewValidationError(err.Error()))
		return
	}
	if err := validateDoc(validation.ValidateDispatchRequest, doc); err != nil {
		h.writeError(w, r, err)
		return
	}

	q := models.NewQuestion(stringField(doc, "question"), stringField(doc, "conversationId"), stringField(doc, "userId"))
	if t := stringField(doc, "type"); t != "" {
		q.Type = t
	}
	q.TurnID = stringField(doc, "turnId")

	ack, err := h.Gateway.DispatchAs(r.Context(), id, q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, DispatchResponse{
		Success:        true,
		ConversationID: ack.ConversationID,
		TurnID:         ack.TurnID,
		CreatedAt:      ack.CreatedAt,
	})
}

func (h *Handler) Answers(w http.ResponseWriter, r *http.Request) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil || !auth.TokensEqual(h.ServiceToken, token) {
		h.writeError(w, r, errors.NewUnauthorizedError("invalid service token"))
		return
	}

	var doc map[string]interface{}
	if err := decodeBody(r, &doc); err != nil {
		h.writeError(w, r, errors.NewValidationError(err.Error()))
		return
	}
	if err := validateDoc(validation.ValidateAnswer, doc); err != nil {
		h.writeError(w, r, err)
		return
	}

	var answer models.Answer
	if err := remarshal(doc, &answer); err != nil {
		h.writeError(w, r, errors.NewValidationError(err.Error()))
		return
	}

	turn, err := h.Recorder.Record(r.Context(), answer)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AnswerResponse{Success: true, TurnID: turn.ID})
}

// Turns lists a conversation. Callers only see conversations they asked in.
func (h *Handler) Turns(w http.ResponseWriter, r *http.Request) {
	id, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conversationID := r.PathValue("id")
	turns, err := h.History.ListByConversation(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, r, errors.NewHistoryReadError(err))
		return
	}
	for _, t := range turns {
		if t.Role == models.RoleUser && t.UserID != id.UserID {
			h.writeError(w, r, errors.NewForbiddenError("conversation belongs to another user"))
			return
		}
	}
	if turns == nil {
		turns = []models.ConversationTurn{}
	}
	writeJSON(w, http.StatusOK, TurnsResponse{Success: true, Turns: turns})
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token, err := auth.BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		h.writeError(w, r, errors.NewUnauthorizedError(err.Error()))
		return auth.Identity{}, false
	}
	id, err := h.Gateway.Authenticate(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return auth.Identity{}, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	std := errors.AsStandard(err)
	status := errors.HTTPStatus(std)
	if status >= http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("Request failed", map[string]interface{}{
			"path":      r.URL.Path,
			"status":    status,
			"errorCode": string(std.Code),
			"details":   std.Details,
		})
	}

	msg := std.Message
	if std.Details != "" && status < http.StatusInternalServerError {
		msg = fmt.Sprintf("%s: %s", std.Message, std.Details)
	}
	writeJSON(w, status, ErrorResponse{Success: false, Error: msg, Code: string(std.Code)})
}

func validateDoc(validate func(interface{}) (*validation.ValidationResult, error), doc map[string]interface{}) error {
	result, err := validate(doc)
	if err != nil {
		return errors.NewValidationError(err.Error())
	}
	if !result.Valid {
		return errors.NewValidationError(result.Summary())
	}
	return nil
}

func decodeBody(r *http.Request, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("body is not a JSON object: %w", err)
	}
	return nil
}

func remarshal(in interface{}, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func stringField(doc map[string]interface{}, key string) string {
	s, _ := doc[key].(string)
	return s
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(payload)
}
