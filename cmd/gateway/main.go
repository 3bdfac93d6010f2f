package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/handlers"
	"github.com/persona-ai-gateway/internal/i18n"
	"github.com/persona-ai-gateway/internal/middleware"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/persona-ai-gateway/internal/orchestrator"
	"github.com/persona-ai-gateway/internal/services/embedcache"
	"github.com/persona-ai-gateway/internal/services/embedding"
	"github.com/persona-ai-gateway/internal/services/history"
	"github.com/persona-ai-gateway/internal/services/llm"
	"github.com/persona-ai-gateway/internal/services/profile"
	"github.com/persona-ai-gateway/internal/services/retrieval"
	"github.com/persona-ai-gateway/internal/services/vectorstore"
	"github.com/persona-ai-gateway/pkg/logger"
	"github.com/sirupsen/logrus"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file")
	flag.Parse()

	// Load .env file if exists
	if err := godotenv.Load(*envFile); err != nil {
		// It's okay if .env doesn't exist
		fmt.Printf("Warning: .env file not found: %v\n", err)
	}

	// Load configuration
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(&cfg.Logging)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("Starting personalization gateway...")

	// Initialize profile storage
	profileManager, err := profile.NewManager(cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize profile storage")
	}

	// Initialize vector store on the same backend as profile storage
	var store vectorstore.Store
	if client := profileManager.GetRedisClient(); client != nil {
		store = vectorstore.NewRedisStore(client, log)
	} else {
		store = vectorstore.NewMemoryStore(log)
	}

	// Initialize embedding backends
	embeddings := embedding.NewRegistry()
	embeddings.Register(models.EmbeddingProviderGemini, embedding.NewGeminiBackend(&cfg.Providers.Gemini, log))
	embeddings.Register(models.EmbeddingProviderFastAPI, embedding.NewFastAPIBackend(&cfg.Providers.FastAPIEmbedding, log))

	// Initialize embedding cache
	var cache *embedcache.Cache
	if cfg.Cache.Enabled {
		cache = embedcache.NewCache(&cfg.Cache, log)
	}

	// Initialize metrics
	metrics := middleware.NewMetrics()

	// Initialize retrieval
	retriever := retrieval.NewCoordinator(&cfg.Retrieval, embeddings, store, cache, metrics, log)

	// Initialize LLM backends
	llms := llm.NewRegistry(&cfg.Providers, log)

	// Initialize history trimming
	trimmer := history.NewTrimmer(&cfg.History, log)

	// Initialize orchestrator
	orch := orchestrator.New(cfg, profileManager, llms, retriever, trimmer, metrics, log)

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(&cfg.RateLimit, log)

	// Initialize i18n
	localizer, err := i18n.NewLocalizer(&cfg.I18n)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize i18n")
	}

	// Start metrics server if enabled
	if cfg.Monitoring.Metrics.Enabled {
		go func() {
			log.WithFields(logrus.Fields{
				"port": cfg.Monitoring.Metrics.Port,
				"path": cfg.Monitoring.Metrics.Path,
			}).Info("Starting metrics server")

			if err := middleware.StartMetricsServer(cfg.Monitoring.Metrics.Port, cfg.Monitoring.Metrics.Path); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
	}

	// Initialize HTTP handlers
	handler := handlers.NewHandler(orch, rateLimiter, metrics, localizer, log)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.WithField("addr", cfg.Server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("API server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Forced shutdown")
	}

	log.Info("Gateway stopped")
}
