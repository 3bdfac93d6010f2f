package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/sirupsen/logrus"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiBackend embeds text through the Generative Language API.
type GeminiBackend struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewGeminiBackend creates a Gemini embedding backend.
func NewGeminiBackend(cfg *config.GeminiConfig, logger *logrus.Logger) *GeminiBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = "text-embedding-004"
	}

	return &GeminiBackend{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger,
	}
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedRequest struct {
	Content geminiContent `json:"content"`
}

type geminiEmbedResponse struct {
	Embedding struct {
		Values []float64 `json:"values"`
	} `json:"embedding"`
}

type geminiBatchEmbedRequest struct {
	Requests []geminiBatchEmbedItem `json:"requests"`
}

type geminiBatchEmbedItem struct {
	Model   string        `json:"model"`
	Content geminiContent `json:"content"`
}

type geminiBatchEmbedResponse struct {
	Embeddings []struct {
		Values []float64 `json:"values"`
	} `json:"embeddings"`
}

// Embed returns the embedding vector for a single text.
func (b *GeminiBackend) Embed(ctx context.Context, text string) ([]float64, error) {
	reqBody := geminiEmbedRequest{
		Content: geminiContent{Parts: []geminiPart{{Text: text}}},
	}

	url := fmt.Sprintf("%s/models/%s:embedContent?key=%s", b.baseURL, b.model, b.apiKey)
	body, err := b.post(ctx, url, reqBody)
	if err != nil {
		return nil, err
	}

	var result geminiEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}

	if len(result.Embedding.Values) == 0 {
		return nil, fmt.Errorf("empty embedding returned for model %s", b.model)
	}

	return result.Embedding.Values, nil
}

// EmbedBatch returns embeddings for all texts, in input order.
func (b *GeminiBackend) EmbedBatch(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqBody := geminiBatchEmbedRequest{
		Requests: make([]geminiBatchEmbedItem, 0, len(texts)),
	}
	for _, text := range texts {
		reqBody.Requests = append(reqBody.Requests, geminiBatchEmbedItem{
			Model:   "models/" + b.model,
			Content: geminiContent{Parts: []geminiPart{{Text: text}}},
		})
	}

	url := fmt.Sprintf("%s/models/%s:batchEmbedContents?key=%s", b.baseURL, b.model, b.apiKey)
	body, err := b.post(ctx, url, reqBody)
	if err != nil {
		return nil, err
	}

	var result geminiBatchEmbedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse batch embedding response: %w", err)
	}

	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding count mismatch: requested %d, got %d", len(texts), len(result.Embeddings))
	}

	vectors := make([][]float64, len(result.Embeddings))
	for i, item := range result.Embeddings {
		vectors[i] = item.Values
	}

	return vectors, nil
}

func (b *GeminiBackend) post(ctx context.Context, url string, reqBody interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		b.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"model":  b.model,
		}).Error("Embedding request failed")
		return nil, fmt.Errorf("embedding request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
