package costtracker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascaded/internal/bus"
	"github.com/smilemakc/cascaded/internal/infrastructure/cache"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/internal/config"
	"github.com/smilemakc/cascaded/pkg/models"
)

func setupTracker(t *testing.T, provider Provider) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	rc, err := cache.NewRedisCache(config.RedisConfig{URL: "redis://" + s.Addr(), PoolSize: 5})
	require.NoError(t, err)
	t.Cleanup(func() { rc.Close() })

	b := bus.New(bus.WithQueueCapacity(16))
	tr := New(Config{
		Cache:          rc,
		Bus:            b,
		Provider:       provider,
		Logger:         logger.New(config.LoggingConfig{Level: "error", Format: "text"}),
		SettleInterval: 5 * time.Second,
		PendingTTL:     time.Minute,
	})
	return tr, s
}

type stubProvider struct {
	cost      float64
	tokensIn  int
	tokensOut int
	err       error
}

func (p *stubProvider) FetchCost(ctx context.Context, item PendingItem) (CostResult, error) {
	if p.err != nil {
		return CostResult{}, p.err
	}
	return CostResult{Cost: &p.cost, TokensIn: p.tokensIn, TokensOut: p.tokensOut, ModelActual: "gpt-4o"}, nil
}

func TestTracker_EnqueueThenSweepSettlesOldItem(t *testing.T) {
	t.Parallel()
	tr, mr := setupTracker(t, &stubProvider{cost: 0.002, tokensIn: 100, tokensOut: 50})

	ctx := context.Background()
	item := PendingItem{
		RequestID: "req-1", SessionID: "sess-1", CascadeID: "casc-1", CellName: "ask",
		ModelRequested: "gpt-4o", ReceivedAt: time.Now(),
	}
	require.NoError(t, tr.Enqueue(ctx, item))

	// Not old enough yet: sweep should settle nothing.
	require.NoError(t, tr.sweep(ctx))
	count, err := tr.redis.ZCard(ctx, pendingSetKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "item should still be pending before settle interval elapses")

	mr.FastForward(6 * time.Second)
	require.NoError(t, tr.sweep(ctx))

	count, err = tr.redis.ZCard(ctx, pendingSetKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "settled item should be removed from the pending queue")
}

func TestTracker_SettleOne_DeferredLogMode(t *testing.T) {
	t.Parallel()
	tr, _ := setupTracker(t, &stubProvider{cost: 0.01, tokensIn: 10, tokensOut: 5})
	ctx := context.Background()

	item := PendingItem{
		RequestID: "req-2", SessionID: "sess-2",
		PendingMessage: &models.LogRow{SessionID: "sess-2", CellName: "ask", ContentJSON: `{"x":1}`},
		ReceivedAt:     time.Now(),
	}
	require.NoError(t, tr.Enqueue(ctx, item))
	require.NoError(t, tr.settleOne(ctx, "req-2"))

	_, err := tr.redis.Get(ctx, pendingItemKey("req-2")).Result()
	assert.Error(t, err, "pending item should be forgotten after settlement")
}

func TestTracker_SettleOne_ProviderFailureStillEmitsRow(t *testing.T) {
	t.Parallel()
	tr, _ := setupTracker(t, &stubProvider{err: assert.AnError})
	ctx := context.Background()

	item := PendingItem{RequestID: "req-3", SessionID: "sess-3", ReceivedAt: time.Now()}
	require.NoError(t, tr.Enqueue(ctx, item))
	require.NoError(t, tr.settleOne(ctx, "req-3"), "settleOne must not error even when the provider fetch fails")
}
