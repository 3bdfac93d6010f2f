package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/persona-ai-gateway/internal/services/history"
	"github.com/persona-ai-gateway/internal/services/llm"
	"github.com/persona-ai-gateway/internal/services/profile"
	"github.com/persona-ai-gateway/internal/services/retrieval"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedLLM struct {
	reply  string
	chunks []llm.Chunk
	genErr error
	turns  []models.ConversationTurn
}

func (s *scriptedLLM) Generate(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (string, error) {
	s.turns = turns
	if s.genErr != nil {
		return "", s.genErr
	}
	return s.reply, nil
}

func (s *scriptedLLM) GenerateStream(ctx context.Context, turns []models.ConversationTurn, cfg models.LLMConfig) (<-chan llm.Chunk, error) {
	s.turns = turns
	out := make(chan llm.Chunk)
	go func() {
		defer close(out)
		for _, chunk := range s.chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type stubRetriever struct {
	docs          []models.RetrievedDocument
	err           error
	retrieveCalls int
}

func (s *stubRetriever) Retrieve(ctx context.Context, provider, userID, query string, limit int) ([]models.RetrievedDocument, error) {
	s.retrieveCalls++
	if s.err != nil {
		return nil, s.err
	}
	return s.docs, nil
}

func (s *stubRetriever) EmbedText(ctx context.Context, provider, text string, useCache bool) ([]float64, error) {
	return []float64{1, 0}, nil
}

func (s *stubRetriever) EmbedBatch(ctx context.Context, provider string, texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{1, 0}
	}
	return out, nil
}

func (s *stubRetriever) StoreDocuments(ctx context.Context, provider, userID string, texts []string, metadata map[string]string) ([]string, error) {
	ids := make([]string, len(texts))
	for i := range texts {
		ids[i] = fmt.Sprintf("doc-%d", i)
	}
	return ids, nil
}

func (s *stubRetriever) DeleteDocuments(ctx context.Context, userID string, ids []string) error {
	return nil
}

// countingProfiles wraps a real manager to observe persistence calls.
type countingProfiles struct {
	ProfileStore
	getCalls    int
	saveCalls   int
	saveErr     error
	savedLength int
}

func (c *countingProfiles) GetOrCreate(ctx context.Context, userID string) (*models.UserAIProfile, error) {
	c.getCalls++
	return c.ProfileStore.GetOrCreate(ctx, userID)
}

func (c *countingProfiles) SaveTranscript(ctx context.Context, userID string, transcript models.Transcript) error {
	c.saveCalls++
	c.savedLength = len(transcript)
	if c.saveErr != nil {
		return c.saveErr
	}
	return c.ProfileStore.SaveTranscript(ctx, userID, transcript)
}

func newTestOrchestrator(t *testing.T, backend llm.Backend, retriever Retriever) (*Orchestrator, *countingProfiles) {
	t.Helper()

	cfg := &config.Config{}
	cfg.Storage.Type = "memory"
	cfg.Providers.GenerationTimeout = 5 * time.Second
	cfg.History = config.HistoryConfig{
		MaxMessages:     20,
		RetentionWindow: 24 * time.Hour,
		MaxTokens:       8000,
	}

	logger := logrus.New()
	manager, err := profile.NewManager(cfg, logger)
	require.NoError(t, err)
	profiles := &countingProfiles{ProfileStore: manager}

	llms := llm.NewRegistry(&cfg.Providers, logger)
	llms.Register(models.LLMProviderGemini, backend)

	trimmer := history.NewTrimmer(&cfg.History, logger)

	return New(cfg, profiles, llms, retriever, trimmer, nil, logger), profiles
}

func boolPtr(b bool) *bool { return &b }

func TestChatCommitsExactlyOneExchange(t *testing.T) {
	backend := &scriptedLLM{reply: "Hi there"}
	orch, _ := newTestOrchestrator(t, backend, &stubRetriever{})

	ctx := context.Background()
	reply, err := orch.Chat(ctx, ChatRequest{UserID: "u1", Message: "Hello", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", reply)

	transcript, err := orch.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, models.RoleUser, transcript[0].Role)
	assert.Equal(t, "Hello", transcript[0].Content)
	assert.Equal(t, models.RoleAssistant, transcript[1].Role)
	assert.Equal(t, "Hi there", transcript[1].Content)
	assert.False(t, transcript[0].Timestamp.IsZero())
}

func TestChatValidationRejectsWithoutSideEffects(t *testing.T) {
	backend := &scriptedLLM{reply: "never"}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})

	cases := []ChatRequest{
		{UserID: "u1", Message: ""},
		{UserID: "u1", Message: "   "},
		{UserID: "u1", Message: strings.Repeat("x", maxMessageChars+1)},
		{UserID: "u1", Message: "ok", Context: make([]string, maxContextItems+1)},
		{UserID: "u1", Message: "ok", Context: []string{strings.Repeat("x", maxContextItemChars+1)}},
	}

	for _, req := range cases {
		_, err := orch.Chat(context.Background(), req)
		assert.True(t, IsValidation(err), "expected validation error, got %v", err)
	}

	assert.Zero(t, profiles.getCalls)
	assert.Zero(t, profiles.saveCalls)
}

func TestChatStreamCommitsAfterFullResponse(t *testing.T) {
	backend := &scriptedLLM{chunks: []llm.Chunk{{Text: "Hel"}, {Text: "lo "}, {Text: "you"}}}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})

	ctx := context.Background()
	events, err := orch.ChatStream(ctx, ChatRequest{UserID: "u1", Message: "Hey", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)

	var collected []models.StreamEvent
	for event := range events {
		collected = append(collected, event)
	}

	require.Len(t, collected, 4)
	var full strings.Builder
	for _, event := range collected[:3] {
		assert.Equal(t, models.StreamEventChunk, event.Type)
		full.WriteString(event.Content)
	}
	assert.Equal(t, models.StreamEventDone, collected[3].Type)
	assert.Equal(t, "Hello you", full.String())

	assert.Equal(t, 1, profiles.saveCalls)
	transcript, err := orch.GetHistory(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, transcript, 2)
	assert.Equal(t, "Hello you", transcript[1].Content)
}

func TestChatStreamDisconnectSkipsCommit(t *testing.T) {
	chunks := make([]llm.Chunk, 5)
	for i := range chunks {
		chunks[i] = llm.Chunk{Text: fmt.Sprintf("part%d ", i)}
	}
	backend := &scriptedLLM{chunks: chunks}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := orch.ChatStream(ctx, ChatRequest{UserID: "u1", Message: "Hey", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)

	// Consume two chunks, then drop the connection.
	<-events
	<-events
	cancel()

	for range events {
	}

	assert.Zero(t, profiles.saveCalls)
	transcript, err := orch.GetHistory(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, transcript)
}

func TestChatStreamBackendErrorEndsWithErrorEvent(t *testing.T) {
	backend := &scriptedLLM{chunks: []llm.Chunk{
		{Text: "partial "},
		{Err: errors.New("upstream exploded")},
	}}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})

	events, err := orch.ChatStream(context.Background(), ChatRequest{UserID: "u1", Message: "Hey", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)

	var collected []models.StreamEvent
	for event := range events {
		collected = append(collected, event)
	}

	require.Len(t, collected, 2)
	assert.Equal(t, models.StreamEventChunk, collected[0].Type)
	assert.Equal(t, models.StreamEventError, collected[1].Type)
	assert.Contains(t, collected[1].Error, "upstream exploded")
	assert.Zero(t, profiles.saveCalls)
}

func TestChatDegradesWhenRetrievalUnavailable(t *testing.T) {
	backend := &scriptedLLM{reply: "still works"}
	retriever := &stubRetriever{err: fmt.Errorf("%w: store down", retrieval.ErrUnavailable)}
	orch, _ := newTestOrchestrator(t, backend, retriever)

	reply, err := orch.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "still works", reply)
	assert.Equal(t, 1, retriever.retrieveCalls)
}

func TestChatPromptIncludesProfileAndDocuments(t *testing.T) {
	backend := &scriptedLLM{reply: "ok"}
	retriever := &stubRetriever{docs: []models.RetrievedDocument{
		{ID: "d1", Text: "user enjoys hiking", RelevanceScore: 0.9},
	}}
	orch, _ := newTestOrchestrator(t, backend, retriever)

	ctx := context.Background()
	style := "concise"
	_, err := orch.UpdateSettings(ctx, "u1", profile.UpdateFields{
		Preferences: map[string]string{"style": style},
	})
	require.NoError(t, err)

	_, err = orch.Chat(ctx, ChatRequest{UserID: "u1", Message: "Plan my weekend", Context: []string{"weather is sunny"}})
	require.NoError(t, err)

	turns := backend.turns
	require.NotEmpty(t, turns)

	assert.Equal(t, models.RoleSystem, turns[0].Role)
	assert.Contains(t, turns[0].Content, "style: concise")

	last := turns[len(turns)-1]
	assert.Equal(t, models.RoleUser, last.Role)
	assert.Equal(t, "Plan my weekend", last.Content)

	augmentation := turns[len(turns)-2]
	assert.Equal(t, models.RoleSystem, augmentation.Role)
	assert.Contains(t, augmentation.Content, "weather is sunny")
	assert.Contains(t, augmentation.Content, "user enjoys hiking")
}

func TestPromptKeepsSmallTranscriptUntrimmed(t *testing.T) {
	backend := &scriptedLLM{reply: "ok"}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})
	ctx := context.Background()

	// A stale turn in a transcript below the cleanup threshold still
	// reaches the prompt; only the commit path trims unconditionally.
	stale := models.ConversationTurn{
		Role:      models.RoleUser,
		Content:   "old context",
		Timestamp: time.Now().Add(-30 * time.Hour),
	}
	require.NoError(t, profiles.SaveTranscript(ctx, "u1", models.Transcript{stale}))

	_, err := orch.Chat(ctx, ChatRequest{UserID: "u1", Message: "fresh hello", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)

	require.NotEmpty(t, backend.turns)
	assert.Equal(t, "old context", backend.turns[0].Content)
}

func TestPromptTrimsWhenOverCleanupThreshold(t *testing.T) {
	cfg := &config.Config{}
	cfg.Storage.Type = "memory"
	cfg.Providers.GenerationTimeout = 5 * time.Second
	cfg.History = config.HistoryConfig{
		MaxMessages:     20,
		RetentionWindow: 24 * time.Hour,
		MaxTokens:       10,
	}

	logger := logrus.New()
	manager, err := profile.NewManager(cfg, logger)
	require.NoError(t, err)

	backend := &scriptedLLM{reply: "ok"}
	llms := llm.NewRegistry(&cfg.Providers, logger)
	llms.Register(models.LLMProviderGemini, backend)

	orch := New(cfg, manager, llms, &stubRetriever{}, history.NewTrimmer(&cfg.History, logger), nil, logger)

	ctx := context.Background()
	big := strings.Repeat("a", 200)
	require.NoError(t, manager.SaveTranscript(ctx, "u1", models.Transcript{
		{Role: models.RoleUser, Content: big, Timestamp: time.Now()},
		{Role: models.RoleAssistant, Content: "recent", Timestamp: time.Now()},
	}))

	_, err = orch.Chat(ctx, ChatRequest{UserID: "u1", Message: "hi", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)

	// Over the threshold the oversized turn must not reach the prompt.
	for _, turn := range backend.turns {
		assert.NotEqual(t, big, turn.Content)
	}
}

func TestChatSkipsRetrievalWhenDisabled(t *testing.T) {
	backend := &scriptedLLM{reply: "ok"}
	retriever := &stubRetriever{}
	orch, _ := newTestOrchestrator(t, backend, retriever)

	_, err := orch.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Hello", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)
	assert.Zero(t, retriever.retrieveCalls)
}

func TestChatToleratesCommitFailure(t *testing.T) {
	backend := &scriptedLLM{reply: "delivered"}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})
	profiles.saveErr = errors.New("redis down")

	reply, err := orch.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Hello", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)
	assert.Equal(t, "delivered", reply)
	assert.Equal(t, 1, profiles.saveCalls)
}

func TestChatSurfacesGenerationFailure(t *testing.T) {
	backend := &scriptedLLM{genErr: errors.New("quota exceeded")}
	orch, profiles := newTestOrchestrator(t, backend, &stubRetriever{})

	_, err := orch.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Hello", AutoRetrieve: boolPtr(false)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota exceeded")
	assert.Zero(t, profiles.saveCalls)
}

func TestUpdateSettingsValidation(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &scriptedLLM{}, &stubRetriever{})
	ctx := context.Background()

	badProvider := "claude"
	_, err := orch.UpdateSettings(ctx, "u1", profile.UpdateFields{LLMProvider: &badProvider})
	assert.True(t, IsValidation(err))

	badTemp := 3.5
	_, err = orch.UpdateSettings(ctx, "u1", profile.UpdateFields{Temperature: &badTemp})
	assert.True(t, IsValidation(err))

	badTokens := 0
	_, err = orch.UpdateSettings(ctx, "u1", profile.UpdateFields{MaxTokens: &badTokens})
	assert.True(t, IsValidation(err))

	provider := models.LLMProviderOllama
	model := "llama3"
	updated, err := orch.UpdateSettings(ctx, "u1", profile.UpdateFields{LLMProvider: &provider, Model: &model})
	require.NoError(t, err)
	assert.Equal(t, models.LLMProviderOllama, updated.LLMProvider)
	assert.Equal(t, "llama3", updated.LLMConfig.Model)
}

func TestClearHistoryKeepsSettings(t *testing.T) {
	backend := &scriptedLLM{reply: "hi"}
	orch, _ := newTestOrchestrator(t, backend, &stubRetriever{})
	ctx := context.Background()

	model := "custom-model"
	_, err := orch.UpdateSettings(ctx, "u1", profile.UpdateFields{Model: &model})
	require.NoError(t, err)

	_, err = orch.Chat(ctx, ChatRequest{UserID: "u1", Message: "Hello", AutoRetrieve: boolPtr(false)})
	require.NoError(t, err)

	require.NoError(t, orch.ClearHistory(ctx, "u1"))

	settings, err := orch.GetSettings(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, settings.Transcript)
	assert.Equal(t, "custom-model", settings.LLMConfig.Model)
}

func TestEmbedValidatesInput(t *testing.T) {
	orch, _ := newTestOrchestrator(t, &scriptedLLM{}, &stubRetriever{})
	ctx := context.Background()

	_, err := orch.Embed(ctx, "u1", nil, true)
	assert.True(t, IsValidation(err))

	_, err = orch.Embed(ctx, "u1", []string{"ok", "  "}, true)
	assert.True(t, IsValidation(err))

	vectors, err := orch.Embed(ctx, "u1", []string{"one", "two"}, false)
	require.NoError(t, err)
	assert.Len(t, vectors, 2)
}
