// Package profile persists per-user AI profiles. A profile is written as a
// single JSON row per user; the whole-row write is the atomicity unit, so
// concurrent chats for the same user resolve as last-write-wins.
package profile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

// Store interface defines profile storage operations
type Store interface {
	// GetOrCreate fetches the user's profile, lazily creating it with
	// documented defaults on first interaction.
	GetOrCreate(ctx context.Context, userID string) (*models.UserAIProfile, error)

	// Save writes the whole profile row.
	Save(ctx context.Context, p *models.UserAIProfile) error

	// SaveTranscript replaces the stored transcript in a single whole-row
	// write.
	SaveTranscript(ctx context.Context, userID string, transcript models.Transcript) error

	// ClearTranscript empties the transcript without touching settings.
	ClearTranscript(ctx context.Context, userID string) error
}

// UpdateFields carries a partial settings update; nil fields are untouched.
type UpdateFields struct {
	Preferences       map[string]string `json:"preferences,omitempty"`
	PersonalInfo      map[string]string `json:"personal_info,omitempty"`
	LLMProvider       *string           `json:"llm_provider,omitempty"`
	Model             *string           `json:"model,omitempty"`
	Temperature       *float64          `json:"temperature,omitempty"`
	MaxTokens         *int              `json:"max_tokens,omitempty"`
	EmbeddingProvider *string           `json:"embedding_provider,omitempty"`
	EmbeddingConfig   map[string]string `json:"embedding_config,omitempty"`
}

// Manager manages different profile storage backends
type Manager struct {
	store       Store
	logger      *logrus.Logger
	redisClient *redis.Client
}

// NewManager creates a new profile store manager
func NewManager(cfg *config.Config, logger *logrus.Logger) (*Manager, error) {
	manager := &Manager{logger: logger}

	switch cfg.Storage.Type {
	case "redis":
		redisStore, err := NewRedisStore(&cfg.Storage.Redis, logger)
		if err != nil {
			return nil, err
		}
		manager.store = redisStore
		manager.redisClient = redisStore.client
	case "memory":
		manager.store = NewMemoryStore(&cfg.Storage.Memory, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return manager, nil
}

// GetRedisClient returns the Redis client if available
func (m *Manager) GetRedisClient() *redis.Client {
	return m.redisClient
}

func (m *Manager) GetOrCreate(ctx context.Context, userID string) (*models.UserAIProfile, error) {
	return m.store.GetOrCreate(ctx, userID)
}

func (m *Manager) Save(ctx context.Context, p *models.UserAIProfile) error {
	return m.store.Save(ctx, p)
}

func (m *Manager) SaveTranscript(ctx context.Context, userID string, transcript models.Transcript) error {
	return m.store.SaveTranscript(ctx, userID, transcript)
}

func (m *Manager) ClearTranscript(ctx context.Context, userID string) error {
	return m.store.ClearTranscript(ctx, userID)
}

// UpdateProfile applies a partial settings update and returns the updated
// profile. Implemented on the manager because the merge semantics are
// backend-independent.
func (m *Manager) UpdateProfile(ctx context.Context, userID string, fields UpdateFields) (*models.UserAIProfile, error) {
	p, err := m.store.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}

	applyUpdate(p, fields)
	p.UpdatedAt = time.Now()

	if err := m.store.Save(ctx, p); err != nil {
		return nil, err
	}

	return p, nil
}

func applyUpdate(p *models.UserAIProfile, fields UpdateFields) {
	if fields.Preferences != nil {
		if p.Preferences == nil {
			p.Preferences = make(map[string]string)
		}
		for k, v := range fields.Preferences {
			if v == "" {
				delete(p.Preferences, k)
			} else {
				p.Preferences[k] = v
			}
		}
	}
	if fields.PersonalInfo != nil {
		if p.PersonalInfo == nil {
			p.PersonalInfo = make(map[string]string)
		}
		for k, v := range fields.PersonalInfo {
			if v == "" {
				delete(p.PersonalInfo, k)
			} else {
				p.PersonalInfo[k] = v
			}
		}
	}
	if fields.LLMProvider != nil {
		p.LLMProvider = *fields.LLMProvider
	}
	if fields.Model != nil {
		p.LLMConfig.Model = *fields.Model
	}
	if fields.Temperature != nil {
		p.LLMConfig.Temperature = *fields.Temperature
	}
	if fields.MaxTokens != nil {
		p.LLMConfig.MaxTokens = *fields.MaxTokens
	}
	if fields.EmbeddingProvider != nil {
		p.EmbeddingProvider = *fields.EmbeddingProvider
	}
	if fields.EmbeddingConfig != nil {
		if p.EmbeddingConfig == nil {
			p.EmbeddingConfig = make(map[string]string)
		}
		for k, v := range fields.EmbeddingConfig {
			if v == "" {
				delete(p.EmbeddingConfig, k)
			} else {
				p.EmbeddingConfig[k] = v
			}
		}
	}
}
