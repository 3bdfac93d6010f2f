package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

const defaultOllamaBaseURL = "http://localhost:11434"

// OllamaBackend generates through a locally served Ollama instance.
type OllamaBackend struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewOllamaBackend creates an Ollama backend.
func NewOllamaBackend(cfg *config.OllamaConfig, logger *logrus.Logger) *OllamaBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}

	return &OllamaBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 300 * time.Second, // local models can be slow
		},
		logger: logger,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  struct {
		Temperature float64 `json:"temperature"`
		NumPredict  int     `json:"num_predict"`
	} `json:"options"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
	Error   string        `json:"error"`
}

func buildOllamaRequest(turns []models.ConversationTurn, cfg models.LLMConfig, stream bool) ollamaChatRequest {
	req := ollamaChatRequest{
		Model:    cfg.Model,
		Messages: make([]ollamaMessage, len(turns)),
		Stream:   stream,
	}
	for i, turn := range turns {
		req.Messages[i] = ollamaMessage{Role: turn.Role, Content: turn.Content}
	}
	req.Options.Temperature = cfg.Temperature
	req.Options.NumPredict = cfg.MaxTokens
	return req
}

// Generate returns the whole response text.
func (b *OllamaBackend) Generate(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (string, error) {
	resp, err := b.send(ctx, buildOllamaRequest(turns, cfg, false))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("generation failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result ollamaChatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error != "" {
		return "", fmt.Errorf("model error: %s", result.Error)
	}

	return result.Message.Content, nil
}

// GenerateStream reads the newline-delimited JSON stream and forwards each
// message fragment as a chunk.
func (b *OllamaBackend) GenerateStream(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (<-chan Chunk, error) {
	resp, err := b.send(ctx, buildOllamaRequest(turns, cfg, true))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("generation failed with status %d: %s", resp.StatusCode, string(body))
	}

	chunks := make(chan Chunk)
	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var event ollamaChatResponse
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				b.logger.WithError(err).Debug("Skipping unparseable stream line")
				continue
			}
			if event.Error != "" {
				select {
				case chunks <- Chunk{Err: fmt.Errorf("model error: %s", event.Error)}:
				case <-ctx.Done():
				}
				return
			}
			if event.Done {
				return
			}
			if event.Message.Content == "" {
				continue
			}

			select {
			case chunks <- Chunk{Text: event.Message.Content}:
			case <-ctx.Done():
				return
			}
		}

		if err := scanner.Err(); err != nil {
			select {
			case chunks <- Chunk{Err: fmt.Errorf("stream read failed: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return chunks, nil
}

func (b *OllamaBackend) send(ctx context.Context, reqBody ollamaChatRequest) (*http.Response, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", b.baseURL+"/api/chat", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	return resp, nil
}
