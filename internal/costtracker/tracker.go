// Package costtracker implements the §4.2 pending-queue settle-interval
// worker: the engine logs LLM calls immediately on response, but a
// provider's authoritative cost and token counts arrive seconds later. The
// tracker holds pending items in Redis and a cron job periodically settles
// any item older than the configured settle interval.
//
// Grounded on the teacher's internal/application/trigger package:
// cron_scheduler.go's cron.New(cron.WithSeconds())/cron.FuncJob idiom for
// the poll loop, and state.go's Save/Load-against-Redis-by-key pattern for
// the pending queue itself (here a sorted set instead of one key per item,
// since the tracker needs "items older than N seconds", not "state for
// trigger X").
package costtracker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/smilemakc/cascaded/internal/bus"
	"github.com/smilemakc/cascaded/internal/infrastructure/cache"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/internal/infrastructure/storage"
	"github.com/smilemakc/cascaded/pkg/models"
)

const pendingSetKey = "costtracker:pending"

func pendingItemKey(requestID string) string {
	return fmt.Sprintf("costtracker:pending:%s", requestID)
}

// PendingItem is one (request_id, trace_id, session_id, pending_message?,
// received_at) record queued for settlement (§4.2).
type PendingItem struct {
	RequestID      string         `json:"request_id"`
	TraceID        string         `json:"trace_id"`
	SessionID      string         `json:"session_id"`
	CascadeID      string         `json:"cascade_id"`
	CellName       string         `json:"cell_name"`
	ModelRequested string         `json:"model_requested"`
	PendingMessage *models.LogRow `json:"pending_message,omitempty"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// CostResult is what a Provider returns once a request's authoritative cost
// has settled upstream.
type CostResult struct {
	Cost        *float64
	TokensIn    int
	TokensOut   int
	ModelActual string
}

// Provider fetches the authoritative cost/token counts for a pending
// request. Implementations wrap a specific LLM vendor's usage/billing API.
type Provider interface {
	FetchCost(ctx context.Context, item PendingItem) (CostResult, error)
}

// Tracker is the §4.2 worker. It is safe for concurrent use; Enqueue may be
// called from any cell executor goroutine while the settle loop runs on its
// own cron schedule.
type Tracker struct {
	redis    *redis.Client
	logs     *storage.LogRepository
	bus      *bus.Bus
	provider Provider
	logger   *logger.Logger

	settleInterval time.Duration
	pendingTTL     time.Duration

	cron *cron.Cron
}

// Config bundles Tracker construction parameters.
type Config struct {
	Cache          *cache.RedisCache
	Logs           *storage.LogRepository
	Bus            *bus.Bus
	Provider       Provider
	Logger         *logger.Logger
	SettleInterval time.Duration
	PendingTTL     time.Duration
}

// New builds a Tracker. SettleInterval defaults to 5s (spec's "≈5 seconds")
// and PendingTTL to 10 minutes if unset.
func New(cfg Config) *Tracker {
	settle := cfg.SettleInterval
	if settle <= 0 {
		settle = 5 * time.Second
	}
	ttl := cfg.PendingTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Tracker{
		redis:          cfg.Cache.Client(),
		logs:           cfg.Logs,
		bus:            cfg.Bus,
		provider:       cfg.Provider,
		logger:         cfg.Logger,
		settleInterval: settle,
		pendingTTL:     ttl,
		cron:           cron.New(cron.WithSeconds(), cron.WithLocation(time.UTC)),
	}
}

// Enqueue records a pending item, scored by its received-at time so the
// settle sweep can find everything older than the settle interval with one
// ZRANGEBYSCORE. item.ReceivedAt defaults to now if zero.
func (t *Tracker) Enqueue(ctx context.Context, item PendingItem) error {
	if item.ReceivedAt.IsZero() {
		item.ReceivedAt = time.Now()
	}
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshaling pending item %s: %w", item.RequestID, err)
	}

	key := pendingItemKey(item.RequestID)
	pipe := t.redis.TxPipeline()
	pipe.Set(ctx, key, payload, t.pendingTTL)
	pipe.ZAdd(ctx, pendingSetKey, redis.Z{Score: float64(item.ReceivedAt.Unix()), Member: item.RequestID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("enqueueing pending item %s: %w", item.RequestID, err)
	}
	return nil
}

// Start launches the settle-interval sweep on a cron schedule matching
// t.settleInterval and blocks until ctx is cancelled, then stops the cron
// scheduler and waits for any in-flight sweep to finish.
func (t *Tracker) Start(ctx context.Context) error {
	seconds := int(t.settleInterval.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	spec := fmt.Sprintf("@every %ds", seconds)
	if _, err := t.cron.AddJob(spec, cron.FuncJob(func() {
		sweepCtx, cancel := context.WithTimeout(context.Background(), t.settleInterval)
		defer cancel()
		if err := t.sweep(sweepCtx); err != nil && t.logger != nil {
			t.logger.Warn("cost tracker sweep failed", "error", err)
		}
	})); err != nil {
		return fmt.Errorf("scheduling cost tracker sweep: %w", err)
	}

	t.cron.Start()
	<-ctx.Done()
	stopCtx := t.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// sweep settles every pending item whose received_at is at least
// settleInterval in the past.
func (t *Tracker) sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-t.settleInterval).Unix()
	ids, err := t.redis.ZRangeByScore(ctx, pendingSetKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff),
	}).Result()
	if err != nil {
		return fmt.Errorf("scanning pending queue: %w", err)
	}

	for _, requestID := range ids {
		if err := t.settleOne(ctx, requestID); err != nil && t.logger != nil {
			t.logger.Warn("settling pending cost item failed", "request_id", requestID, "error", err)
		}
	}
	return nil
}

// settleOne fetches the authoritative cost for one request and merges it
// into the log, then removes the item from the pending queue regardless of
// outcome — per §4.2's failure policy, a fetch failure still emits the row
// with cost=null rather than retrying forever.
func (t *Tracker) settleOne(ctx context.Context, requestID string) error {
	defer t.forget(ctx, requestID)

	raw, err := t.redis.Get(ctx, pendingItemKey(requestID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil // TTL'd out before the sweep reached it
		}
		return fmt.Errorf("loading pending item %s: %w", requestID, err)
	}
	var item PendingItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return fmt.Errorf("unmarshaling pending item %s: %w", requestID, err)
	}

	result, fetchErr := t.provider.FetchCost(ctx, item)
	if fetchErr != nil {
		result = CostResult{Cost: nil, ModelActual: item.ModelRequested}
	}

	row := models.LogRow{
		SessionID:      item.SessionID,
		TraceID:        item.TraceID,
		CascadeID:      item.CascadeID,
		CellName:       item.CellName,
		Timestamp:      time.Now(),
		NodeType:       models.NodeTypeCostUpdate,
		ModelRequested: item.ModelRequested,
		ModelActual:    result.ModelActual,
		Cost:           result.Cost,
		TokensIn:       result.TokensIn,
		TokensOut:      result.TokensOut,
	}

	if item.PendingMessage != nil {
		// Deferred-log mode (§4.2): the log row is written only now, with
		// cost fields populated on top of the caller-supplied content.
		row = *item.PendingMessage
		row.Cost = result.Cost
		row.TokensIn = result.TokensIn
		row.TokensOut = result.TokensOut
		row.ModelActual = result.ModelActual
	}

	if t.logs != nil {
		if err := t.logs.Append(ctx, row); err != nil {
			return fmt.Errorf("appending settled cost row for %s: %w", requestID, err)
		}
	}

	if t.bus != nil {
		t.bus.Publish(bus.Event{
			Type:      bus.EventCostUpdate,
			SessionID: item.SessionID,
			CellName:  item.CellName,
			Data: map[string]any{
				"request_id": requestID,
				"cost":       result.Cost,
				"tokens_in":  result.TokensIn,
				"tokens_out": result.TokensOut,
				"settled":    fetchErr == nil,
			},
		})
	}

	return nil
}

// NoopProvider reports every pending item as unsettled (cost=nil). Useful
// when no provider billing API is configured; the tracker still emits the
// log row per §4.2's "network failures cause logging with cost=null"
// failure policy rather than blocking the pending queue forever.
type NoopProvider struct{}

func (NoopProvider) FetchCost(_ context.Context, item PendingItem) (CostResult, error) {
	return CostResult{ModelActual: item.ModelRequested}, fmt.Errorf("no cost provider configured")
}

func (t *Tracker) forget(ctx context.Context, requestID string) {
	pipe := t.redis.TxPipeline()
	pipe.ZRem(ctx, pendingSetKey, requestID)
	pipe.Del(ctx, pendingItemKey(requestID))
	pipe.Exec(ctx)
}
