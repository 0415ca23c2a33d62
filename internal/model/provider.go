package model

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type ResponseFormat string

const ResponseFormatJSONObject ResponseFormat = "json_object"

// ErrMalformedResponse marks a successful HTTP exchange whose envelope lacks
// the completion. Retrying does not help.
var ErrMalformedResponse = errors.New("malformed provider response")

type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
}

type CompletionRequest struct {
	Model          string
	Messages       []Message
	MaxTokens      int
	Temperature    float64
	SystemPrompt   string
	ResponseFormat ResponseFormat
}

type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

type CompletionResponse struct {
	Content    string
	Usage      Usage
	Model      string
	StopReason string
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// StatusError is a non-2xx answer from a provider.
type StatusError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.StatusCode == http.StatusTooManyRequests {
		return fmt.Sprintf("%s rate limited: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s api status %d: %s", e.Provider, e.StatusCode, e.Message)
}
