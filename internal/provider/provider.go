// Package provider abstracts the upstream model-completion API. The relay
// treats it as an opaque async token producer: it lists model descriptors
// and turns chat requests into chunk streams, nothing more.
package provider

import (
	"context"

	"github.com/chatrelay/chatrelay/internal/stream"
)

// Model describes one available chat model, mirroring the descriptor shape
// the web panel consumes.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Family         string `json:"family"`
	Version        string `json:"version"`
	Vendor         string `json:"vendor"`
	MaxInputTokens int    `json:"maxInputTokens"`
}

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat completion request.
type Request struct {
	Messages []Message `json:"messages"`
	ModelID  string    `json:"modelId"`
}

// LastUserContent returns the content of the most recent user message.
func (r *Request) LastUserContent() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	if len(r.Messages) > 0 {
		return r.Messages[len(r.Messages)-1].Content
	}
	return ""
}

// Completer is a model backend. Complete returns a producer that yields
// chunks and observes ctx cancellation between yields.
type Completer interface {
	// ID returns the backend identifier.
	ID() string

	// Models lists the backend's available models.
	Models(ctx context.Context) ([]Model, error)

	// Complete starts a streaming completion.
	Complete(ctx context.Context, req *Request) (stream.Producer, error)
}
