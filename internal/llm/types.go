// Package llm defines the model adapter used for chapter drafting and
// extraction, with an OpenAI-compatible HTTP client and an Ollama client.
package llm

import (
	"context"
	"errors"
	"fmt"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FormatJSON asks the provider for a JSON object response.
const FormatJSON = "json"

var ErrEmptyResponse = errors.New("model returned no content")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single non-streaming generation. A zero Temperature or
// MaxTokens leaves the provider default in place.
type Request struct {
	Messages       []Message
	Model          string
	Temperature    float64
	MaxTokens      int
	WebSearch      bool
	ResponseFormat string
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Response struct {
	Content string
	Usage   Usage
}

// Adapter generates text from a model. Implementations do not retry.
type Adapter interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// StatusError is returned when the provider answers with a non-200 status.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Status)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Body)
}

// System and User build messages.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }
