package models

import (
	"time"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// LLM provider identifiers. The set is closed: adding a provider means
// adding a backend variant, not touching the orchestrator.
const (
	LLMProviderGemini = "gemini"
	LLMProviderGPT    = "gpt"
	LLMProviderOllama = "ollama"
	LLMProviderCanned = "canned"
)

// Embedding provider identifiers.
const (
	EmbeddingProviderGemini  = "gemini"
	EmbeddingProviderFastAPI = "fastapi"
)

// Defaults for lazily created profiles.
const (
	DefaultLLMProvider       = LLMProviderGemini
	DefaultModel             = "gemini-2.5-flash"
	DefaultTemperature       = 0.7
	DefaultMaxTokens         = 2048
	DefaultEmbeddingProvider = EmbeddingProviderGemini
)

// ConversationTurn is a single message in a transcript. Immutable once
// created; ordering within a transcript is chronological.
type ConversationTurn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript is the ordered conversation history for one user. The system
// prompt is never part of a persisted transcript; it is synthesized fresh
// per request.
type Transcript []ConversationTurn

// LLMConfig holds the per-user generation parameters.
type LLMConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// UserAIProfile is the per-user personalization record. One profile per
// user; created lazily on first AI interaction.
type UserAIProfile struct {
	UserID            string            `json:"user_id"`
	Preferences       map[string]string `json:"preferences"`
	PersonalInfo      map[string]string `json:"personal_info"`
	Transcript        Transcript        `json:"transcript"`
	LLMProvider       string            `json:"llm_provider"`
	LLMConfig         LLMConfig         `json:"llm_config"`
	EmbeddingProvider string            `json:"embedding_provider"`
	EmbeddingConfig   map[string]string `json:"embedding_config"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewDefaultProfile builds the profile created on first interaction.
func NewDefaultProfile(userID string) *UserAIProfile {
	now := time.Now()
	return &UserAIProfile{
		UserID:       userID,
		Preferences:  make(map[string]string),
		PersonalInfo: make(map[string]string),
		Transcript:   Transcript{},
		LLMProvider:  DefaultLLMProvider,
		LLMConfig: LLMConfig{
			Model:       DefaultModel,
			Temperature: DefaultTemperature,
			MaxTokens:   DefaultMaxTokens,
		},
		EmbeddingProvider: DefaultEmbeddingProvider,
		EmbeddingConfig:   make(map[string]string),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// RetrievedDocument is a transient retrieval result; not persisted.
type RetrievedDocument struct {
	ID             string            `json:"id"`
	Text           string            `json:"text"`
	RelevanceScore float64           `json:"relevance_score"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// StreamEvent types emitted on the streaming chat channel.
const (
	StreamEventChunk = "chunk"
	StreamEventDone  = "done"
	StreamEventError = "error"
)

// StreamEvent is one event on a streaming chat response. A stream is a
// sequence of chunk events terminated by exactly one done or error event.
type StreamEvent struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}
