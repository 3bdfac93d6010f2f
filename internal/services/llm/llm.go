// Package llm provides text generation backends behind a common interface.
// The provider set is closed: gemini, gpt, ollama, plus a canned
// test-double selected via configuration.
package llm

import (
	"context"
	"fmt"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

// Chunk is one piece of a streaming generation. A stream is a finite,
// non-restartable sequence of chunks; the channel is closed after the last
// chunk or after a chunk carrying Err.
type Chunk struct {
	Text string
	Err  error
}

// Backend is the generation capability interface. Every provider
// implements both whole-response and streaming modes.
type Backend interface {
	Generate(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (string, error)
	GenerateStream(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (<-chan Chunk, error)
}

// Registry resolves LLM backends by provider name. When the canned
// test-double is enabled it shadows every provider, so no real backend is
// ever called.
type Registry struct {
	backends map[string]Backend
	canned   Backend
	logger   *logrus.Logger
}

// NewRegistry builds the provider registry from configuration.
func NewRegistry(cfg *config.ProvidersConfig, logger *logrus.Logger) *Registry {
	r := &Registry{
		backends: make(map[string]Backend),
		logger:   logger,
	}

	r.Register(models.LLMProviderGemini, NewGeminiBackend(&cfg.Gemini, logger))
	r.Register(models.LLMProviderGPT, NewOpenAIBackend(&cfg.OpenAI, logger))
	r.Register(models.LLMProviderOllama, NewOllamaBackend(&cfg.Ollama, logger))

	canned := NewCannedBackend(cfg.Canned.Response)
	r.Register(models.LLMProviderCanned, canned)
	if cfg.Canned.Enabled {
		logger.Warn("Canned LLM backend enabled; all providers return canned responses")
		r.canned = canned
	}

	return r
}

// Register adds a backend under a provider name.
func (r *Registry) Register(provider string, backend Backend) {
	r.backends[provider] = backend
}

// Backend returns the backend for the provider named in a user profile.
func (r *Registry) Backend(provider string) (Backend, error) {
	if r.canned != nil {
		return r.canned, nil
	}

	backend, exists := r.backends[provider]
	if !exists {
		return nil, fmt.Errorf("llm provider not configured: %s", provider)
	}

	return backend, nil
}
