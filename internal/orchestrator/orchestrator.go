// Package orchestrator drives the chat pipeline: validate, load profile,
// retrieve, assemble the prompt, generate, commit. Requests are independent;
// concurrent chats for the same user resolve as last-write-wins on the
// profile row.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/persona-ai-gateway/internal/services/history"
	"github.com/persona-ai-gateway/internal/services/llm"
	"github.com/persona-ai-gateway/internal/services/profile"
	"github.com/persona-ai-gateway/internal/services/retrieval"
	"github.com/sirupsen/logrus"
)

// Request validation bounds.
const (
	maxMessageChars     = 10000
	maxContextItems     = 10
	maxContextItemChars = 5000
)

// ProfileStore is the profile persistence surface the orchestrator needs.
// Implemented by profile.Manager.
type ProfileStore interface {
	GetOrCreate(ctx context.Context, userID string) (*models.UserAIProfile, error)
	SaveTranscript(ctx context.Context, userID string, transcript models.Transcript) error
	ClearTranscript(ctx context.Context, userID string) error
	UpdateProfile(ctx context.Context, userID string, fields profile.UpdateFields) (*models.UserAIProfile, error)
}

// Retriever is the document retrieval surface the orchestrator needs.
// Implemented by retrieval.Coordinator.
type Retriever interface {
	Retrieve(ctx context.Context, provider, userID, query string, limit int) ([]models.RetrievedDocument, error)
	EmbedText(ctx context.Context, provider, text string, useCache bool) ([]float64, error)
	EmbedBatch(ctx context.Context, provider string, texts []string) ([][]float64, error)
	StoreDocuments(ctx context.Context, provider, userID string, texts []string, metadata map[string]string) ([]string, error)
	DeleteDocuments(ctx context.Context, userID string, ids []string) error
}

// MetricsRecorder receives generation outcome counts. May be nil.
type MetricsRecorder interface {
	RecordGeneration(provider, model, status string, duration time.Duration)
}

// ChatRequest is one chat turn from a user.
type ChatRequest struct {
	UserID        string   `json:"-"`
	Message       string   `json:"message"`
	Context       []string `json:"context,omitempty"`
	AutoRetrieve  *bool    `json:"auto_retrieve,omitempty"`
	RetrieveLimit int      `json:"retrieve_limit,omitempty"`
}

// Orchestrator wires the chat pipeline together.
type Orchestrator struct {
	profiles   ProfileStore
	llms       *llm.Registry
	retriever  Retriever
	trimmer    *history.Trimmer
	genTimeout time.Duration
	metrics    MetricsRecorder
	logger     *logrus.Logger
}

// New creates an orchestrator.
func New(cfg *config.Config, profiles ProfileStore, llms *llm.Registry, retriever Retriever, trimmer *history.Trimmer, metrics MetricsRecorder, logger *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		profiles:   profiles,
		llms:       llms,
		retriever:  retriever,
		trimmer:    trimmer,
		genTimeout: cfg.Providers.GenerationTimeout,
		metrics:    metrics,
		logger:     logger,
	}
}

// Chat runs one whole-response turn: the reply is returned after the
// user+assistant exchange has been committed to the transcript.
func (o *Orchestrator) Chat(ctx context.Context, req ChatRequest) (string, error) {
	if err := validateChatRequest(&req); err != nil {
		return "", err
	}

	p, turns, err := o.preparePrompt(ctx, req)
	if err != nil {
		return "", err
	}

	backend, err := o.llms.Backend(p.LLMProvider)
	if err != nil {
		return "", err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
	defer cancel()

	start := time.Now()
	reply, err := backend.Generate(genCtx, turns, p.LLMConfig)
	if err != nil {
		o.recordGeneration(p, "error", time.Since(start))
		return "", fmt.Errorf("generation failed: %w", err)
	}
	o.recordGeneration(p, "ok", time.Since(start))

	o.commit(ctx, p, req.Message, reply)

	return reply, nil
}

// ChatStream runs one streaming turn. The returned channel carries chunk
// events in generation order, terminated by exactly one done or error event;
// the exchange is committed only after the full response has streamed. A
// canceled ctx stops the stream and skips the commit.
func (o *Orchestrator) ChatStream(ctx context.Context, req ChatRequest) (<-chan models.StreamEvent, error) {
	if err := validateChatRequest(&req); err != nil {
		return nil, err
	}

	p, turns, err := o.preparePrompt(ctx, req)
	if err != nil {
		return nil, err
	}

	backend, err := o.llms.Backend(p.LLMProvider)
	if err != nil {
		return nil, err
	}

	genCtx, cancel := context.WithTimeout(ctx, o.genTimeout)

	chunks, err := backend.GenerateStream(genCtx, turns, p.LLMConfig)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("generation failed: %w", err)
	}

	events := make(chan models.StreamEvent)
	go func() {
		defer close(events)
		defer cancel()

		start := time.Now()
		var reply strings.Builder

		for chunk := range chunks {
			if chunk.Err != nil {
				o.recordGeneration(p, "error", time.Since(start))
				o.emit(ctx, events, models.StreamEvent{Type: models.StreamEventError, Error: chunk.Err.Error()})
				return
			}
			reply.WriteString(chunk.Text)
			if !o.emit(ctx, events, models.StreamEvent{Type: models.StreamEventChunk, Content: chunk.Text}) {
				o.recordGeneration(p, "canceled", time.Since(start))
				o.logger.WithField("user_id", p.UserID).Info("Client disconnected mid-stream, discarding partial reply")
				return
			}
		}

		// The chunk channel also closes when a context expires mid-stream;
		// neither case commits.
		if ctx.Err() != nil {
			o.recordGeneration(p, "canceled", time.Since(start))
			o.logger.WithField("user_id", p.UserID).Info("Client disconnected mid-stream, discarding partial reply")
			return
		}
		if genCtx.Err() != nil {
			o.recordGeneration(p, "timeout", time.Since(start))
			o.emit(ctx, events, models.StreamEvent{Type: models.StreamEventError, Error: "generation timed out"})
			return
		}

		o.recordGeneration(p, "ok", time.Since(start))
		o.commit(ctx, p, req.Message, reply.String())
		o.emit(ctx, events, models.StreamEvent{Type: models.StreamEventDone})
	}()

	return events, nil
}

// Embed embeds texts with the user's configured embedding provider. The
// cache is consulted only for single-text calls with useCache set.
func (o *Orchestrator) Embed(ctx context.Context, userID string, texts []string, useCache bool) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, &ValidationError{Field: "texts", Reason: "must not be empty"}
	}
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, &ValidationError{Field: "texts", Reason: "items must not be empty"}
		}
	}

	p, err := o.profiles.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	if len(texts) == 1 {
		vector, err := o.retriever.EmbedText(ctx, p.EmbeddingProvider, texts[0], useCache)
		if err != nil {
			return nil, err
		}
		return [][]float64{vector}, nil
	}

	return o.retriever.EmbedBatch(ctx, p.EmbeddingProvider, texts)
}

// GetSettings returns the user's profile, creating it on first access.
func (o *Orchestrator) GetSettings(ctx context.Context, userID string) (*models.UserAIProfile, error) {
	return o.profiles.GetOrCreate(ctx, userID)
}

// UpdateSettings applies a partial settings update after validating provider
// names and generation parameters.
func (o *Orchestrator) UpdateSettings(ctx context.Context, userID string, fields profile.UpdateFields) (*models.UserAIProfile, error) {
	if err := validateUpdate(fields); err != nil {
		return nil, err
	}
	return o.profiles.UpdateProfile(ctx, userID, fields)
}

// GetHistory returns the user's stored transcript.
func (o *Orchestrator) GetHistory(ctx context.Context, userID string) (models.Transcript, error) {
	p, err := o.profiles.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, err
	}
	return p.Transcript, nil
}

// ClearHistory empties the user's transcript; settings are untouched.
func (o *Orchestrator) ClearHistory(ctx context.Context, userID string) error {
	return o.profiles.ClearTranscript(ctx, userID)
}

// StoreDocuments embeds and stores documents in the user's retrieval space.
func (o *Orchestrator) StoreDocuments(ctx context.Context, userID string, texts []string, metadata map[string]string) ([]string, error) {
	if len(texts) == 0 {
		return nil, &ValidationError{Field: "texts", Reason: "must not be empty"}
	}
	for _, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, &ValidationError{Field: "texts", Reason: "items must not be empty"}
		}
	}

	p, err := o.profiles.GetOrCreate(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	return o.retriever.StoreDocuments(ctx, p.EmbeddingProvider, userID, texts, metadata)
}

// DeleteDocuments removes documents from the user's retrieval space.
func (o *Orchestrator) DeleteDocuments(ctx context.Context, userID string, ids []string) error {
	return o.retriever.DeleteDocuments(ctx, userID, ids)
}

// preparePrompt loads the profile, optionally retrieves documents, and
// assembles the generation turns. Retrieval unavailability degrades to no
// documents; any other failure aborts.
func (o *Orchestrator) preparePrompt(ctx context.Context, req ChatRequest) (*models.UserAIProfile, []models.ConversationTurn, error) {
	p, err := o.profiles.GetOrCreate(ctx, req.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("load profile: %w", err)
	}

	var docs []models.RetrievedDocument
	if req.AutoRetrieve == nil || *req.AutoRetrieve {
		docs, err = o.retriever.Retrieve(ctx, p.EmbeddingProvider, req.UserID, req.Message, req.RetrieveLimit)
		if err != nil && !errors.Is(err, retrieval.ErrUnavailable) {
			return nil, nil, fmt.Errorf("retrieve documents: %w", err)
		}
	}

	now := time.Now()
	// The commit path always trims before persisting; the prompt path pays
	// the trim cost only when the transcript is over the cleanup threshold.
	transcript := p.Transcript
	if o.trimmer.NeedsCleanup(transcript) {
		o.logger.WithFields(logrus.Fields{
			"user_id": req.UserID,
			"turns":   len(transcript),
		}).Debug("Transcript over budget, trimming before prompt assembly")
		transcript = o.trimmer.Trim(transcript, now)
	}

	turns := make([]models.ConversationTurn, 0, len(transcript)+3)
	if system := buildSystemPrompt(p); system != "" {
		turns = append(turns, models.ConversationTurn{Role: models.RoleSystem, Content: system})
	}
	turns = append(turns, transcript...)
	if augmentation := buildAugmentation(req.Context, docs); augmentation != "" {
		turns = append(turns, models.ConversationTurn{Role: models.RoleSystem, Content: augmentation})
	}
	turns = append(turns, models.ConversationTurn{Role: models.RoleUser, Content: req.Message, Timestamp: now})

	return p, turns, nil
}

// commit appends the exchange to the transcript loaded at request start,
// trims, and persists it as one whole-transcript write. A persistence
// failure is logged, not surfaced; the reply was already produced.
func (o *Orchestrator) commit(ctx context.Context, p *models.UserAIProfile, message, reply string) {
	now := time.Now()
	transcript := append(p.Transcript,
		models.ConversationTurn{Role: models.RoleUser, Content: message, Timestamp: now},
		models.ConversationTurn{Role: models.RoleAssistant, Content: reply, Timestamp: now},
	)
	transcript = o.trimmer.Trim(transcript, now)

	if err := o.profiles.SaveTranscript(ctx, p.UserID, transcript); err != nil {
		o.logger.WithError(err).WithField("user_id", p.UserID).Error("Failed to persist transcript")
	}
}

func (o *Orchestrator) emit(ctx context.Context, events chan<- models.StreamEvent, event models.StreamEvent) bool {
	select {
	case events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) recordGeneration(p *models.UserAIProfile, status string, duration time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordGeneration(p.LLMProvider, p.LLMConfig.Model, status, duration)
	}
}

func validateChatRequest(req *ChatRequest) error {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return &ValidationError{Field: "message", Reason: "must not be empty"}
	}
	if len(req.Message) > maxMessageChars {
		return &ValidationError{Field: "message", Reason: fmt.Sprintf("exceeds %d characters", maxMessageChars)}
	}
	if len(req.Context) > maxContextItems {
		return &ValidationError{Field: "context", Reason: fmt.Sprintf("exceeds %d items", maxContextItems)}
	}
	for _, item := range req.Context {
		if len(item) > maxContextItemChars {
			return &ValidationError{Field: "context", Reason: fmt.Sprintf("item exceeds %d characters", maxContextItemChars)}
		}
	}
	return nil
}

func validateUpdate(fields profile.UpdateFields) error {
	if fields.LLMProvider != nil {
		switch *fields.LLMProvider {
		case models.LLMProviderGemini, models.LLMProviderGPT, models.LLMProviderOllama, models.LLMProviderCanned:
		default:
			return &ValidationError{Field: "llm_provider", Reason: fmt.Sprintf("unknown provider %q", *fields.LLMProvider)}
		}
	}
	if fields.EmbeddingProvider != nil {
		switch *fields.EmbeddingProvider {
		case models.EmbeddingProviderGemini, models.EmbeddingProviderFastAPI:
		default:
			return &ValidationError{Field: "embedding_provider", Reason: fmt.Sprintf("unknown provider %q", *fields.EmbeddingProvider)}
		}
	}
	if fields.Temperature != nil && (*fields.Temperature < 0 || *fields.Temperature > 2) {
		return &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if fields.MaxTokens != nil && *fields.MaxTokens <= 0 {
		return &ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	return nil
}

// buildSystemPrompt synthesizes the system turn from the profile. It is
// regenerated on every request and never persisted.
func buildSystemPrompt(p *models.UserAIProfile) string {
	if len(p.Preferences) == 0 && len(p.PersonalInfo) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You are a personalized assistant.")

	if len(p.PersonalInfo) > 0 {
		sb.WriteString("\n\nAbout the user:\n")
		writeSortedPairs(&sb, p.PersonalInfo)
	}
	if len(p.Preferences) > 0 {
		sb.WriteString("\n\nUser preferences:\n")
		writeSortedPairs(&sb, p.Preferences)
	}

	return sb.String()
}

// buildAugmentation joins caller-supplied context and retrieved documents
// into one system turn. Returns "" when there is nothing to add.
func buildAugmentation(contextItems []string, docs []models.RetrievedDocument) string {
	if len(contextItems) == 0 && len(docs) == 0 {
		return ""
	}

	var sb strings.Builder
	if len(contextItems) > 0 {
		sb.WriteString("Additional context for this request:\n")
		for _, item := range contextItems {
			sb.WriteString("- ")
			sb.WriteString(item)
			sb.WriteString("\n")
		}
	}
	if len(docs) > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("Relevant documents from the user's knowledge base:\n")
		for _, doc := range docs {
			sb.WriteString("- ")
			sb.WriteString(doc.Text)
			sb.WriteString("\n")
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}

// writeSortedPairs renders a map as sorted "- key: value" lines so the
// synthesized prompt is deterministic.
func writeSortedPairs(sb *strings.Builder, pairs map[string]string) {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for i, k := range keys {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("- ")
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(pairs[k])
	}
}
