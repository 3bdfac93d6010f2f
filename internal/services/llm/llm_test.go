package llm

import (
	"context"
	"strings"
	"testing"

	"github.com/persona-ai-gateway/internal/config"
	"github.com/persona-ai-gateway/internal/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCannedGenerate(t *testing.T) {
	b := NewCannedBackend("Hi there")

	got, err := b.Generate(context.Background(), nil, models.LLMConfig{})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", got)
}

func TestCannedStreamReassemblesToFullText(t *testing.T) {
	b := NewCannedBackend("one two three")

	chunks, err := b.GenerateStream(context.Background(), nil, models.LLMConfig{})
	require.NoError(t, err)

	var sb strings.Builder
	for chunk := range chunks {
		require.NoError(t, chunk.Err)
		sb.WriteString(chunk.Text)
	}
	assert.Equal(t, "one two three", sb.String())
}

func TestCannedStreamStopsOnCancel(t *testing.T) {
	b := NewCannedBackend(strings.Repeat("word ", 100))

	ctx, cancel := context.WithCancel(context.Background())
	chunks, err := b.GenerateStream(ctx, nil, models.LLMConfig{})
	require.NoError(t, err)

	<-chunks
	<-chunks
	cancel()

	count := 0
	for range chunks {
		count++
	}
	assert.Less(t, count, 98)
}

func TestRegistryResolvesProviders(t *testing.T) {
	r := NewRegistry(&config.ProvidersConfig{}, logrus.New())

	for _, provider := range []string{
		models.LLMProviderGemini,
		models.LLMProviderGPT,
		models.LLMProviderOllama,
		models.LLMProviderCanned,
	} {
		backend, err := r.Backend(provider)
		require.NoError(t, err, provider)
		assert.NotNil(t, backend)
	}

	_, err := r.Backend("unknown")
	assert.Error(t, err)
}

func TestRegistryCannedShadowsAllProviders(t *testing.T) {
	r := NewRegistry(&config.ProvidersConfig{
		Canned: config.CannedConfig{Enabled: true, Response: "stubbed"},
	}, logrus.New())

	backend, err := r.Backend(models.LLMProviderGemini)
	require.NoError(t, err)

	got, err := backend.Generate(context.Background(), nil, models.LLMConfig{})
	require.NoError(t, err)
	assert.Equal(t, "stubbed", got)
}
