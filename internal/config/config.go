package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Cache      CacheConfig      `mapstructure:"cache"`
	History    HistoryConfig    `mapstructure:"history"`
	Retrieval  RetrievalConfig  `mapstructure:"retrieval"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	I18n       I18nConfig       `mapstructure:"i18n"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type ProvidersConfig struct {
	GenerationTimeout time.Duration   `mapstructure:"generation_timeout"`
	Gemini            GeminiConfig    `mapstructure:"gemini"`
	OpenAI            OpenAIConfig    `mapstructure:"openai"`
	Ollama            OllamaConfig    `mapstructure:"ollama"`
	FastAPIEmbedding  FastAPIConfig   `mapstructure:"fastapi_embedding"`
	Canned            CannedConfig    `mapstructure:"canned"`
}

type GeminiConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	EmbeddingModel string `mapstructure:"embedding_model"`
}

type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type OllamaConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type FastAPIConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// CannedConfig selects the canned test-double LLM backend and the text it
// replies with. Used by integration environments instead of a real provider.
type CannedConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Response string `mapstructure:"response"`
}

type StorageConfig struct {
	Type   string       `mapstructure:"type"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Memory MemoryConfig `mapstructure:"memory"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MemoryConfig struct {
	DefaultExpiration time.Duration `mapstructure:"default_expiration"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

type CacheConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
	MaxSize int           `mapstructure:"max_size"`
}

type HistoryConfig struct {
	MaxMessages     int           `mapstructure:"max_messages"`
	RetentionWindow time.Duration `mapstructure:"retention_window"`
	MaxTokens       int           `mapstructure:"max_tokens"`
}

type RetrievalConfig struct {
	Collection   string `mapstructure:"collection"`
	DefaultLimit int    `mapstructure:"default_limit"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
}

type LoggingConfig struct {
	Level  string     `mapstructure:"level"`
	Format string     `mapstructure:"format"`
	Output string     `mapstructure:"output"`
	File   FileConfig `mapstructure:"file"`
}

type FileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

type MonitoringConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

type I18nConfig struct {
	DefaultLanguage string   `mapstructure:"default_language"`
	Directory       string   `mapstructure:"directory"`
	Languages       []string `mapstructure:"languages"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment overrides for secrets and deployment-specific endpoints
	viper.SetEnvPrefix("")
	viper.BindEnv("providers.gemini.api_key", "GEMINI_API_KEY")
	viper.BindEnv("providers.openai.api_key", "OPENAI_API_KEY")
	viper.BindEnv("providers.openai.base_url", "OPENAI_BASE_URL")
	viper.BindEnv("providers.ollama.base_url", "OLLAMA_BASE_URL")
	viper.BindEnv("providers.fastapi_embedding.base_url", "FASTAPI_EMBEDDING_URL")
	viper.BindEnv("storage.redis.password", "REDIS_PASSWORD")
	viper.BindEnv("storage.redis.db", "REDIS_DB")

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Handle Redis address special case
	if redisHost := os.Getenv("REDIS_HOST"); redisHost != "" {
		redisPort := os.Getenv("REDIS_PORT")
		if redisPort == "" {
			redisPort = "6379"
		}
		config.Storage.Redis.Addr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout <= 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	// WriteTimeout stays 0 unless configured; a deadline would cut off
	// long-lived SSE streams.
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Providers.GenerationTimeout <= 0 {
		cfg.Providers.GenerationTimeout = 120 * time.Second
	}
	if cfg.Cache.TTL <= 0 {
		cfg.Cache.TTL = 24 * time.Hour
	}
	if cfg.Cache.MaxSize <= 0 {
		cfg.Cache.MaxSize = 1000
	}
	if cfg.History.MaxMessages <= 0 {
		cfg.History.MaxMessages = 20
	}
	if cfg.History.RetentionWindow <= 0 {
		cfg.History.RetentionWindow = 24 * time.Hour
	}
	if cfg.History.MaxTokens <= 0 {
		cfg.History.MaxTokens = 8000
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Retrieval.Collection == "" {
		cfg.Retrieval.Collection = "user_documents"
	}
	if cfg.Retrieval.DefaultLimit <= 0 {
		cfg.Retrieval.DefaultLimit = 3
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Storage.Type {
	case "redis", "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}
	if cfg.Logging.Level != "" {
		switch strings.ToLower(cfg.Logging.Level) {
		case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
		default:
			return fmt.Errorf("invalid logging level: %s", cfg.Logging.Level)
		}
	}
	return nil
}
