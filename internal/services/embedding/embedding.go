// Package embedding provides text embedding backends behind a common
// interface. Providers form a closed set selected by name.
package embedding

import (
	"context"
	"fmt"
)

// Backend is the embedding capability interface consumed by the retrieval
// coordinator and the embed endpoint.
type Backend interface {
	Embed(ctx context.Context, text string) ([]float64, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float64, error)
}

// Registry resolves embedding backends by provider name.
type Registry struct {
	backends map[string]Backend
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend under a provider name.
func (r *Registry) Register(provider string, backend Backend) {
	r.backends[provider] = backend
}

// Backend returns the backend registered for the provider.
func (r *Registry) Backend(provider string) (Backend, error) {
	backend, exists := r.backends[provider]
	if !exists {
		return nil, fmt.Errorf("embedding provider not configured: %s", provider)
	}
	return backend, nil
}
