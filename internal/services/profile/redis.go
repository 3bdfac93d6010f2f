package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
)

// RedisStore implements profile storage using Redis
type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
}

// NewRedisStore connects to Redis and returns a profile store.
func NewRedisStore(cfg *config.RedisConfig, logger *logrus.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger,
	}, nil
}

func profileKey(userID string) string {
	return fmt.Sprintf("ai_profile:%s", userID)
}

func (r *RedisStore) GetOrCreate(ctx context.Context, userID string) (*models.UserAIProfile, error) {
	data, err := r.client.Get(ctx, profileKey(userID)).Result()
	if err == redis.Nil {
		p := models.NewDefaultProfile(userID)
		if err := r.Save(ctx, p); err != nil {
			return nil, err
		}
		r.logger.WithField("user_id", userID).Info("Created default AI profile")
		return p, nil
	}
	if err != nil {
		return nil, err
	}

	var p models.UserAIProfile
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return nil, err
	}

	return &p, nil
}

func (r *RedisStore) Save(ctx context.Context, p *models.UserAIProfile) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}

	// Profiles never expire; deletion is an external user-lifecycle concern.
	return r.client.Set(ctx, profileKey(p.UserID), data, 0).Err()
}

func (r *RedisStore) SaveTranscript(ctx context.Context, userID string, transcript models.Transcript) error {
	p, err := r.GetOrCreate(ctx, userID)
	if err != nil {
		return err
	}

	p.Transcript = transcript
	p.UpdatedAt = time.Now()

	return r.Save(ctx, p)
}

func (r *RedisStore) ClearTranscript(ctx context.Context, userID string) error {
	return r.SaveTranscript(ctx, userID, models.Transcript{})
}
