package models

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/config"
)

func TestRegistrySelect_PriorityWins(t *testing.T) {
	cfg := config.ModelsConfig{
		Models: []config.ModelEntry{
			{ID: "anthropic:haiku", Enabled: true, Priority: 2, Weight: 1},
			{ID: "anthropic:sonnet", Enabled: true, Priority: 1, Weight: 1},
			{ID: "openai:gpt4o", Enabled: true, Priority: 1, Weight: 1},
		},
	}

	r := NewRegistry()
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := r.Select(nil, cfg)
		require.NoError(t, err)
		seen[id] = true
	}
	assert.Contains(t, seen, "anthropic:sonnet")
	assert.Contains(t, seen, "openai:gpt4o")
	assert.NotContains(t, seen, "anthropic:haiku")
}

func TestRegistrySelect_ScopedPoolPreferred(t *testing.T) {
	cfg := config.ModelsConfig{
		Models: []config.ModelEntry{
			{ID: "anthropic:sonnet", Enabled: true, Priority: 1, Weight: 1},
			{ID: "openai:gpt4o", Enabled: true, Priority: 1, Weight: 1},
		},
	}

	r := NewRegistry()
	id, err := r.Select([]string{"openai:gpt4o"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt4o", id)
}

func TestRegistrySelect_ScopedPoolFallsBackToGlobal(t *testing.T) {
	cfg := config.ModelsConfig{
		Models: []config.ModelEntry{
			{ID: "anthropic:sonnet", Enabled: true, Priority: 1, Weight: 1},
		},
	}

	r := NewRegistry()
	id, err := r.Select([]string{"disabled:model"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic:sonnet", id)
}

func TestRegistrySelect_NoEnabledModels(t *testing.T) {
	cfg := config.ModelsConfig{
		Models: []config.ModelEntry{
			{ID: "anthropic:sonnet", Enabled: false, Priority: 1, Weight: 1},
		},
	}

	r := NewRegistry()
	_, err := r.Select(nil, cfg)
	assert.ErrorIs(t, err, ErrNoModelAvailable)
}

func TestRegistrySelect_DisabledScopedEntryIgnored(t *testing.T) {
	cfg := config.ModelsConfig{
		Models: []config.ModelEntry{
			{ID: "anthropic:sonnet", Enabled: false, Priority: 1, Weight: 1},
			{ID: "openai:gpt4o", Enabled: true, Priority: 5, Weight: 1},
		},
	}

	r := NewRegistry()
	id, err := r.Select([]string{"anthropic:sonnet"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai:gpt4o", id)
}

func TestContextWindowFor(t *testing.T) {
	cfg := config.ModelsConfig{
		Models: []config.ModelEntry{
			{ID: "anthropic:sonnet", ContextWindow: 200000},
		},
	}
	assert.Equal(t, 200000, ContextWindowFor("anthropic:sonnet", cfg))
	assert.Equal(t, 8192, ContextWindowFor("missing:model", cfg))
}

func TestProviderAndModelNameFor(t *testing.T) {
	assert.Equal(t, "anthropic", ProviderNameFor("anthropic:claude-sonnet-4"))
	assert.Equal(t, "claude-sonnet-4", ModelNameFor("anthropic:claude-sonnet-4"))
	assert.Equal(t, "bare", ProviderNameFor("bare"))
	assert.Equal(t, "bare", ModelNameFor("bare"))
}

func TestRegistryBindLookup(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Lookup("anthropic:sonnet")
	assert.False(t, ok)

	stub := &stubProvider{name: "anthropic"}
	r.Bind("anthropic:sonnet", stub)
	got, ok := r.Lookup("anthropic:sonnet")
	require.True(t, ok)
	assert.Equal(t, stub, got)
}

type stubProvider struct{ name string }

func (s *stubProvider) Name() string { return s.name }
func (s *stubProvider) Chat(_ context.Context, _ Request) (Response, error) {
	return Response{}, nil
}
