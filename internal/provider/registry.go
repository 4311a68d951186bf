package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/stream"
)

// Registry manages the available completion backends. Model listing is a
// passthrough: a backend that fails to list degrades to contributing
// nothing rather than failing the whole call.
type Registry struct {
	mu         sync.RWMutex
	completers map[string]Completer
	order      []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{completers: make(map[string]Completer)}
}

// Register adds a backend. Registration order decides routing preference.
func (r *Registry) Register(c Completer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.completers[c.ID()]; !exists {
		r.order = append(r.order, c.ID())
	}
	r.completers[c.ID()] = c
}

// Get retrieves a backend by ID.
func (r *Registry) Get(id string) (Completer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.completers[id]
	if !ok {
		return nil, fmt.Errorf("completer not found: %s", id)
	}
	return c, nil
}

// Models aggregates descriptors from every backend in registration order.
// Individual backend failures are logged and skipped; when nothing is
// listable the static fallback catalog is returned so the panel always has
// something to render.
func (r *Registry) Models(ctx context.Context) []Model {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	completers := make(map[string]Completer, len(r.completers))
	for id, c := range r.completers {
		completers[id] = c
	}
	r.mu.RUnlock()

	var models []Model
	for _, id := range order {
		ms, err := completers[id].Models(ctx)
		if err != nil {
			logging.Warn().Err(err).Str("completer", id).Msg("model listing failed")
			continue
		}
		models = append(models, ms...)
	}

	if len(models) == 0 {
		return FallbackModels()
	}
	return models
}

// Complete routes a request to the backend that owns req.ModelID, falling
// back to the first registered backend for unknown models.
func (r *Registry) Complete(ctx context.Context, req *Request) (stream.Producer, error) {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	completers := make(map[string]Completer, len(r.completers))
	for id, c := range r.completers {
		completers[id] = c
	}
	r.mu.RUnlock()

	if len(order) == 0 {
		return nil, fmt.Errorf("no completion backends registered")
	}

	if req.ModelID != "" {
		for _, id := range order {
			c := completers[id]
			ms, err := c.Models(ctx)
			if err != nil {
				continue
			}
			for _, m := range ms {
				if m.ID == req.ModelID {
					return c.Complete(ctx, req)
				}
			}
		}
		logging.Debug().Str("modelID", req.ModelID).Msg("unknown model, routing to default backend")
	}

	return completers[order[0]].Complete(ctx, req)
}

// FallbackModels is the static catalog served when no backend can list
// models.
func FallbackModels() []Model {
	return []Model{
		{
			ID:             "copilot-gpt-4",
			Name:           "GPT-4",
			Family:         "gpt-4",
			Version:        "0613",
			Vendor:         "OpenAI",
			MaxInputTokens: 8192,
		},
		{
			ID:             "copilot-gpt-3.5-turbo",
			Name:           "GPT-3.5 Turbo",
			Family:         "gpt-3.5-turbo",
			Version:        "0125",
			Vendor:         "OpenAI",
			MaxInputTokens: 16385,
		},
	}
}
