package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiBackend generates through the Generative Language REST API.
type GeminiBackend struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewGeminiBackend creates a Gemini generation backend.
func NewGeminiBackend(cfg *config.GeminiConfig, logger *logrus.Logger) *GeminiBackend {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}

	return &GeminiBackend{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 180 * time.Second,
		},
		logger: logger,
	}
}

type geminiTurn struct {
	Role  string `json:"role"`
	Parts []struct {
		Text string `json:"text"`
	} `json:"parts"`
}

type geminiGenerateRequest struct {
	Contents          []geminiTurn `json:"contents"`
	SystemInstruction *geminiTurn  `json:"systemInstruction,omitempty"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		MaxOutputTokens int     `json:"maxOutputTokens"`
	} `json:"generationConfig"`
}

type geminiGenerateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

func newGeminiTurn(role, text string) geminiTurn {
	t := geminiTurn{Role: role}
	t.Parts = []struct {
		Text string `json:"text"`
	}{{Text: text}}
	return t
}

// buildGeminiRequest maps conversation turns onto the Gemini schema:
// system turns become systemInstruction (joined when several), assistant
// turns become role "model".
func buildGeminiRequest(turns []models.ConversationTurn, cfg models.LLMConfig) geminiGenerateRequest {
	var req geminiGenerateRequest
	var systemParts []string

	for _, turn := range turns {
		switch turn.Role {
		case models.RoleSystem:
			systemParts = append(systemParts, turn.Content)
		case models.RoleAssistant:
			req.Contents = append(req.Contents, newGeminiTurn("model", turn.Content))
		default:
			req.Contents = append(req.Contents, newGeminiTurn("user", turn.Content))
		}
	}

	if len(systemParts) > 0 {
		instruction := newGeminiTurn("", strings.Join(systemParts, "\n\n"))
		instruction.Role = ""
		req.SystemInstruction = &instruction
	}

	req.GenerationConfig.Temperature = cfg.Temperature
	req.GenerationConfig.MaxOutputTokens = cfg.MaxTokens

	return req
}

func (r geminiGenerateResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		sb.WriteString(part.Text)
	}
	return sb.String()
}

// Generate returns the whole response text.
func (b *GeminiBackend) Generate(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (string, error) {
	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", b.baseURL, cfg.Model, b.apiKey)

	resp, err := b.send(ctx, url, buildGeminiRequest(turns, cfg))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		b.logger.WithFields(logrus.Fields{
			"status": resp.StatusCode,
			"model":  cfg.Model,
		}).Error("Generation request failed")
		return "", fmt.Errorf("generation failed with status %d: %s", resp.StatusCode, string(body))
	}

	var result geminiGenerateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.Error.Message != "" {
		return "", fmt.Errorf("model error: %s", result.Error.Message)
	}

	text := result.text()
	if text == "" {
		return "", errors.New("no response from model")
	}

	return text, nil
}

// GenerateStream reads the SSE variant of the generate endpoint and
// forwards each candidate fragment as a chunk.
func (b *GeminiBackend) GenerateStream(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (<-chan Chunk, error) {
	url := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s", b.baseURL, cfg.Model, b.apiKey)

	resp, err := b.send(ctx, url, buildGeminiRequest(turns, cfg))
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
			line := scanner.Text()
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" || payload == "[DONE]" {
				continue
			}

			var event geminiGenerateResponse
			if err := json.Unmarshal([]byte(payload), &event); err != nil {
				b.logger.WithError(err).Debug("Skipping unparseable stream event")
				continue
			}

			text := event.text()
			if text == "" {
				continue
			}

			select {
			case chunks <- Chunk{Text: text}:
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

func (b *GeminiBackend) send(ctx context.Context, url string, reqBody geminiGenerateRequest) (*http.Response, error) {
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

	return resp, nil
}
