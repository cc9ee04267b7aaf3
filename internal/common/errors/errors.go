// Package errors provides standardized error handling for the oracle query flow.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	ErrCodeValidationFailed  ErrorCode = "VALIDATION_FAILED"
	ErrCodeQuestionTooShort  ErrorCode = "QUESTION_TOO_SHORT"
	ErrCodeMalformedResponse ErrorCode = "MALFORMED_RESPONSE"

	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"

	ErrCodeBusy ErrorCode = "BUSY"

	ErrCodeTransportFailed       ErrorCode = "TRANSPORT_FAILED"
	ErrCodeDispatchNotConfigured ErrorCode = "DISPATCH_NOT_CONFIGURED"

	ErrCodeHistoryWriteFailed ErrorCode = "HISTORY_WRITE_FAILED"
	ErrCodeHistoryReadFailed  ErrorCode = "HISTORY_READ_FAILED"
	ErrCodeCacheUnavailable   ErrorCode = "CACHE_UNAVAILABLE"
	ErrCodeOrphanAnswer       ErrorCode = "ORPHAN_ANSWER"

	ErrCodeAnswerTimeout ErrorCode = "ANSWER_TIMEOUT"

	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`

	cause error
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

func (e *StandardError) Unwrap() error {
	return e.cause
}

// Is matches another StandardError by code so sentinel comparisons work with errors.Is.
func (e *StandardError) Is(target error) bool {
	t, ok := target.(*StandardError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithMetadata attaches a metadata key and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}

	for k, v := range e.ErrorVariables {
		vars[k] = v
	}

	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

// NewValidationError creates a non-retryable input validation error.
func NewValidationError(details string) *StandardError {
	return newError(ErrCodeValidationFailed, "Invalid request", details, false, nil)
}

// NewQuestionTooShortError reports a question below the minimum length.
func NewQuestionTooShortError(minLength int) *StandardError {
	return newError(ErrCodeQuestionTooShort, "Question is too short",
		fmt.Sprintf("question must have at least %d characters", minLength), false, nil)
}

// NewUnauthorizedError reports a missing or invalid bearer credential.
func NewUnauthorizedError(details string) *StandardError {
	return newError(ErrCodeUnauthorized, "Authentication failed", details, false, nil)
}

// NewForbiddenError reports an identity mismatch between the token and the asserted user.
func NewForbiddenError(details string) *StandardError {
	return newError(ErrCodeForbidden, "Operation not allowed for this user", details, false, nil)
}

// NewBusyError reports that a request is already in flight for the session.
func NewBusyError(conversationID string) *StandardError {
	return newError(ErrCodeBusy, "A question is already being answered", "", false, nil).
		WithMetadata("conversationId", conversationID)
}

// NewTransportError reports a network failure reaching the gateway or the answering service.
func NewTransportError(service string, err error) *StandardError {
	return newError(ErrCodeTransportFailed,
		fmt.Sprintf("Could not reach %s, please try again", service), errString(err), true, err)
}

// NewDispatchNotConfiguredError reports that no answering service endpoint is configured.
func NewDispatchNotConfiguredError() *StandardError {
	return newError(ErrCodeDispatchNotConfigured, "Answering service is not configured", "", false, nil)
}

// NewHistoryWriteError creates a retryable history persistence error.
func NewHistoryWriteError(err error) *StandardError {
	return newError(ErrCodeHistoryWriteFailed, "Conversation history write failed", errString(err), true, err)
}

// NewHistoryReadError creates a retryable history read error.
func NewHistoryReadError(err error) *StandardError {
	return newError(ErrCodeHistoryReadFailed, "Conversation history read failed", errString(err), true, err)
}

// NewCacheUnavailableError wraps a cache store failure.
func NewCacheUnavailableError(err error) *StandardError {
	return newError(ErrCodeCacheUnavailable, "Response cache unavailable", errString(err), true, err)
}

// NewMalformedResponseError reports an answer payload that could not be used.
func NewMalformedResponseError(details string) *StandardError {
	return newError(ErrCodeMalformedResponse, "Malformed answer received", details, false, nil)
}

// NewOrphanAnswerError reports an assistant answer for a conversation with no user turn.
func NewOrphanAnswerError(conversationID string) *StandardError {
	return newError(ErrCodeOrphanAnswer, "Answer has no preceding question",
		fmt.Sprintf("conversationId: %s", conversationID), false, nil)
}

// NewAnswerTimeoutError reports that no answer arrived within the wait budget.
func NewAnswerTimeoutError(after time.Duration) *StandardError {
	return newError(ErrCodeAnswerTimeout, "The answer took too long, please try again",
		fmt.Sprintf("no answer after %s", after), true, nil)
}

// NewInternalError wraps an unexpected failure.
func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", errString(err), false, err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 4. Error Conversion
// ==========================

// AsStandard returns the StandardError inside err, normalizing foreign errors to INTERNAL_ERROR.
func AsStandard(err error) *StandardError {
	if err == nil {
		return nil
	}
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr
	}
	return NewInternalError(err)
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool {
	var stdErr *StandardError
	return stderrors.As(err, &stdErr) && stdErr.Code == code
}

// HTTPStatus maps an error onto the status code returned by the gateway.
func HTTPStatus(err error) int {
	switch AsStandard(err).Code {
	case ErrCodeValidationFailed, ErrCodeQuestionTooShort:
		return http.StatusBadRequest
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeBusy, ErrCodeOrphanAnswer:
		return http.StatusConflict
	case ErrCodeTransportFailed, ErrCodeMalformedResponse:
		return http.StatusBadGateway
	case ErrCodeAnswerTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// GetRetryCount returns the recommended job retry count for the answer worker.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeHistoryWriteFailed,
		ErrCodeHistoryReadFailed,
		ErrCodeTransportFailed:
		return 3

	case ErrCodeCacheUnavailable:
		return 1

	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	return &BPMNError{
		Code:      string(stdErr.Code),
		Message:   stdErr.Message,
		Details:   stdErr.Details,
		Retryable: stdErr.Retryable,
		Retries:   retries,
		ErrorVariables: map[string]interface{}{
			"originalErrorCode": string(stdErr.Code),
			"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
		},
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	codeStr := string(code)
	switch {
	case code == ErrCodeUnauthorized || code == ErrCodeForbidden:
		return "AUTH"
	case code == ErrCodeBusy:
		return "BUSY"
	case strings.Contains(codeStr, "TRANSPORT") || strings.Contains(codeStr, "DISPATCH"):
		return "TRANSPORT"
	case strings.Contains(codeStr, "TIMEOUT"):
		return "TIMEOUT"
	case strings.Contains(codeStr, "HISTORY") || strings.Contains(codeStr, "CACHE"):
		return "STORAGE"
	case strings.Contains(codeStr, "VALIDATION") || strings.Contains(codeStr, "SHORT") ||
		strings.Contains(codeStr, "MALFORMED") || strings.Contains(codeStr, "ORPHAN"):
		return "VALIDATION"
	default:
		return "OTHER"
	}
}
