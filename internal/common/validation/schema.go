// internal/common/validation/schema.go
package validation

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// DispatchRequestSchema describes the body accepted by POST /oracle/dispatch.
const DispatchRequestSchema = `{
	"type": "object",
	"properties": {
		"question":       {"type": "string", "minLength": 1},
		"conversationId": {"type": "string", "minLength": 1},
		"userId":         {"type": "string", "minLength": 1},
		"type":           {"type": "string"},
		"turnId":         {"type": "string", "minLength": 1}
	},
	"required": ["question", "conversationId", "userId"]
}`

// AnswerCallbackSchema describes the body accepted by POST /oracle/answers
// and the variables of the record-oracle-answer job.
const AnswerCallbackSchema = `{
	"type": "object",
	"properties": {
		"conversation_id":   {"type": "string", "minLength": 1},
		"resposta":          {"type": "string", "minLength": 1},
		"pergunta":          {"type": "string"},
		"user_id":           {"type": "string"},
		"fontes":            {"type": "array", "items": {"type": "string"}},
		"tempo_resposta_ms": {"type": "integer", "minimum": 0},
		"tokens_usados":     {"type": "integer", "minimum": 0},
		"reply_to":          {"type": "string"}
	},
	"required": ["conversation_id", "resposta"]
}`

var (
	dispatchSchema = mustCompile(DispatchRequestSchema)
	answerSchema   = mustCompile(AnswerCallbackSchema)
)

type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func mustCompile(schema string) *gojsonschema.Schema {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		panic(fmt.Sprintf("validation: invalid schema: %v", err))
	}
	return s
}

// ValidateDispatchRequest validates a decoded dispatch body.
func ValidateDispatchRequest(doc interface{}) (*ValidationResult, error) {
	return validate(dispatchSchema, gojsonschema.NewGoLoader(doc))
}

// ValidateAnswer validates a decoded answer callback body or job variables.
func ValidateAnswer(doc interface{}) (*ValidationResult, error) {
	return validate(answerSchema, gojsonschema.NewGoLoader(doc))
}

// Validate checks doc against an arbitrary JSON schema string.
func Validate(schema string, doc interface{}) (*ValidationResult, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return validate(s, gojsonschema.NewGoLoader(doc))
}

func validate(schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) (*ValidationResult, error) {
	result, err := schema.Validate(doc)
	if err != nil {
		return nil, fmt.Errorf("validation error: %w", err)
	}

	out := &ValidationResult{Valid: result.Valid()}
	for _, desc := range result.Errors() {
		out.Errors = append(out.Errors, ValidationError{
			Field:   fieldOf(desc),
			Message: desc.Description(),
			Code:    strings.ToUpper(desc.Type()),
		})
	}
	return out, nil
}

// fieldOf reports the offending property; required errors are raised on the parent.
func fieldOf(desc gojsonschema.ResultError) string {
	field := desc.Field()
	if desc.Type() == "required" {
		if prop, ok := desc.Details()["property"].(string); ok {
			if field == "(root)" || field == "" {
				return prop
			}
			return field + "." + prop
		}
	}
	return field
}

// GetErrorMessages returns a simple list of error messages
func (vr *ValidationResult) GetErrorMessages() []string {
	messages := make([]string, len(vr.Errors))
	for i, err := range vr.Errors {
		messages[i] = fmt.Sprintf("%s: %s", err.Field, err.Message)
	}
	return messages
}

// HasErrors checks if validation has errors for specific field
func (vr *ValidationResult) HasErrors(field string) bool {
	for _, err := range vr.Errors {
		if err.Field == field {
			return true
		}
	}
	return false
}

// Summary joins all messages for use as error details.
func (vr *ValidationResult) Summary() string {
	return strings.Join(vr.GetErrorMessages(), "; ")
}
