// Package api is the client for the interview backend's request/response endpoints.
package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors
var (
	ErrNoConversation = errors.New("conversation id is empty")
	ErrMissingID      = errors.New("response missing message id")
)

// Language is the programming language the candidate codes in
type Language string

const (
	LanguageJava       Language = "Java"
	LanguagePython     Language = "Python"
	LanguageC          Language = "C"
	LanguageCPP        Language = "C++"
	LanguageJavaScript Language = "JavaScript"
	LanguageSQL        Language = "SQL"
	LanguageRust       Language = "Rust"
)

// Languages lists every language the editor offers.
var Languages = []Language{
	LanguageJava, LanguagePython, LanguageC, LanguageCPP,
	LanguageJavaScript, LanguageSQL, LanguageRust,
}

// Valid reports whether l is one of Languages.
func (l Language) Valid() bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}

// Problem is the interview context chosen before the session starts.
type Problem struct {
	UserID   string   `json:"user_id"`
	Company  string   `json:"company"`
	Topic    string   `json:"topic"`
	Voice    string   `json:"voice"`
	Language Language `json:"language"`
}

// ReplyRequest asks the server to answer one user utterance.
type ReplyRequest struct {
	ConversationID string   `json:"-"`
	Text           string   `json:"text"`
	EditorContents string   `json:"editor_contents"`
	Language       Language `json:"language"`
	ChannelID      string   `json:"channel_id"`
}

// Reply identifies the assistant turn the server began generating.
// UserTurnID is the canonical id of the submitted utterance, when the server assigns one.
type Reply struct {
	AssistantTurnID string `json:"message_id"`
	UserTurnID      string `json:"user_message_id,omitempty"`
}

type conversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// RequestError is a non-2xx response from the backend.
type RequestError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s failed: %d - %s", e.Op, e.StatusCode, e.Body)
}

// Retryable reports whether sending the same request again may succeed.
func (e *RequestError) Retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}
