package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/scalyclaw/scalyclaw/pkg/types"
)

// newTestStore spins up a real Postgres (with the vector extension baked
// into the pgvector/pgvector image) via testcontainers and applies
// migrations, exercising storage against a real container rather than a
// mock.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed storage test in -short mode")
	}
	ctx := context.Background()
	container, err := postgres.Run(ctx, "pgvector/pgvector:pg16",
		postgres.WithDatabase("scalyclaw"),
		postgres.WithUsername("scalyclaw"),
		postgres.WithPassword("scalyclaw"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, dsn, nil)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestMessages_StoreAndFetchChronological(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.StoreMessage(ctx, types.Message{Channel: "c1", Role: types.RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = store.StoreMessage(ctx, types.Message{Channel: "c1", Role: types.RoleAssistant, Content: "hello"})
	require.NoError(t, err)
	_, err = store.StoreMessage(ctx, types.Message{Channel: "c2", Role: types.RoleUser, Content: "other channel"})
	require.NoError(t, err)

	msgs, err := store.GetChannelMessages(ctx, "c1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "hi", msgs[0].Content)
	require.Equal(t, "hello", msgs[1].Content)
	require.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt) || msgs[0].CreatedAt.Equal(msgs[1].CreatedAt))
}

func TestUsageAndCostStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordUsage(ctx, types.UsageLog{
		Model: "anthropic:claude-3-5-sonnet", Provider: "anthropic",
		InputTokens: 1000, OutputTokens: 500, Type: types.UsageOrchestrator,
	}))

	stats, err := store.GetUsageStats(ctx, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.CallCount)
	require.Equal(t, int64(1000), stats.TotalInputTokens)

	pricing := map[string]ModelPricing{
		"anthropic:claude-3-5-sonnet": {InputPerMillion: 3, OutputPerMillion: 15},
	}
	cost, err := store.GetCostStats(ctx, pricing, nil, nil)
	require.NoError(t, err)
	require.InDelta(t, 1000.0/1e6*3+500.0/1e6*15, cost.TotalCost, 1e-9)
}

func TestGetUsageStats_WindowFiltersOutOfRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.RecordUsage(ctx, types.UsageLog{
		Timestamp: old, Model: "m", Provider: "p", InputTokens: 10, OutputTokens: 5, Type: types.UsageGuard,
	}))

	from := time.Now().Add(-time.Hour)
	stats, err := store.GetUsageStats(ctx, &from, nil)
	require.NoError(t, err)
	require.Equal(t, int64(0), stats.CallCount)
}
