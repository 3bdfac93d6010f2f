package llm

import (
	"context"
	"strings"

	"github.com/persona-ai-gateway/internal/models"
)

const defaultCannedResponse = "This is a canned response from the test backend."

// CannedBackend fabricates a fixed response instead of calling a real
// provider. Selected via configuration for integration environments; also
// used as a stub in tests.
type CannedBackend struct {
	response string
}

// NewCannedBackend creates a canned backend with the given reply text.
func NewCannedBackend(response string) *CannedBackend {
	if response == "" {
		response = defaultCannedResponse
	}
	return &CannedBackend{response: response}
}

// Generate returns the canned text.
func (b *CannedBackend) Generate(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (string, error) {
	return b.response, nil
}

// GenerateStream emits the canned text word by word to exercise the same
// chunk path a real provider would.
func (b *CannedBackend) GenerateStream(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (<-chan Chunk, error) {
	words := strings.Fields(b.response)

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		for i, word := range words {
			text := word
			if i < len(words)-1 {
				text += " "
			}
			select {
			case chunks <- Chunk{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}
