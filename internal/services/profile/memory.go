package profile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

// MemoryStore implements profile storage using an in-memory cache.
// Profiles are kept as JSON so reads hand out copies, matching the
// fetch-then-update semantics of the Redis backend.
type MemoryStore struct {
	profiles *cache.Cache
	logger   *logrus.Logger
}

// NewMemoryStore creates an in-memory profile store.
func NewMemoryStore(cfg *config.MemoryConfig, logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		profiles: cache.New(cache.NoExpiration, cfg.CleanupInterval),
		logger:   logger,
	}
}

func (m *MemoryStore) GetOrCreate(ctx context.Context, userID string) (*models.UserAIProfile, error) {
	if val, found := m.profiles.Get(profileKey(userID)); found {
		var p models.UserAIProfile
		if err := json.Unmarshal(val.([]byte), &p); err != nil {
			return nil, err
		}
		return &p, nil
	}

	p := models.NewDefaultProfile(userID)
	if err := m.Save(ctx, p); err != nil {
		return nil, err
	}
	if m.logger != nil {
		m.logger.WithField("user_id", userID).Info("Created default AI profile")
	}
	return p, nil
}

func (m *MemoryStore) Save(ctx context.Context, p *models.UserAIProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	m.profiles.Set(profileKey(p.UserID), data, cache.NoExpiration)
	return nil
}

func (m *MemoryStore) SaveTranscript(ctx context.Context, userID string, transcript models.Transcript) error {
	p, err := m.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	p.Transcript = transcript
	p.UpdatedAt = time.Now()

	return m.Save(ctx, p)
}

func (m *MemoryStore) ClearTranscript(ctx context.Context, userID string) error {
	return m.SaveTranscript(ctx, userID, models.Transcript{})
}
