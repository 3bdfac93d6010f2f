package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// OpenAIBackend generates through any OpenAI-compatible chat completions
// endpoint.
type OpenAIBackend struct {
	client *openai.Client
	logger *logrus.Logger
}

// NewOpenAIBackend creates an OpenAI-compatible backend.
func NewOpenAIBackend(cfg *config.OpenAIConfig, logger *logrus.Logger) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIBackend{
		client: openai.NewClientWithConfig(clientConfig),
		logger: logger,
	}
}

func toOpenAIMessages(turns []models.ConversationTurn) []openai.ChatCompletionMessage {
	messages := make([]openai.ChatCompletionMessage, len(turns))
	for i, turn := range turns {
		messages[i] = openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		}
	}
	return messages
}

// Generate returns the whole response text.
func (b *OpenAIBackend) Generate(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    toOpenAIMessages(turns),
		Temperature: float32(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("no response from model")
	}

	return resp.Choices[0].Message.Content, nil
}

// GenerateStream forwards completion deltas as they arrive.
func (b *OpenAIBackend) GenerateStream(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (<-chan Chunk, error) {
	stream, err := b.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    toOpenAIMessages(turns),
		Temperature: float32(cfg.Temperature),
		MaxTokens:   cfg.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				select {
				case chunks <- Chunk{Err: fmt.Errorf("stream receive failed: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta.Content
			if delta == "" {
				continue
			}

			select {
			case chunks <- Chunk{Text: delta}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return chunks, nil
}
