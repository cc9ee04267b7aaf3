// Package api exposes the dispatch gateway, the answer callback and the
// conversation history over HTTP.
package api

import (
	"net/http"
)

const (
	DispatchPath = "/oracle/dispatch"
	AnswersPath  = "/oracle/answers"
)

// TurnsPath returns the history path of a conversation.
func TurnsPath(conversationID string) string {
	return "/oracle/conversations/" + conversationID + "/turns"
}

func NewRouter(handler *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST "+DispatchPath, handler.Dispatch)
	mux.HandleFunc("POST "+AnswersPath, handler.Answers)
	mux.HandleFunc("GET /oracle/conversations/{id}/turns", handler.Turns)

	return mux
}
