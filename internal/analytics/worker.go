// Package analytics implements the §4.12 post-session analysis worker: it
// reads the append-only log ledger for a completed session, rolls it up
// into cost/duration/token aggregates, scores those aggregates against
// historical baselines, and writes everything to dedicated analytics
// tables without mutating the original log rows.
//
// Grounded on internal/costtracker.Tracker's background-worker shape
// (Config struct, New constructor, blocking Start(ctx)) but differs in
// concurrency idiom: costtracker sweeps a Redis-backed queue on a cron
// schedule, while Schedule here is a one-shot per-session trigger fired
// once by the cascade runner, so the worker instead holds a buffered
// channel drained by a small fixed goroutine pool — the shape
// internal/bus.Bus uses for its own per-subscriber delivery queues.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/internal/infrastructure/storage"
	"github.com/smilemakc/cascaded/pkg/models"
)

var _ engine.AnalyticsScheduler = (*Worker)(nil)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultPollTimeout  = 10 * time.Second
	defaultWorkers      = 4
	defaultQueueSize    = 256

	// outlierZ is the |z|>2 threshold from §4.12 step 5.
	outlierZ = 2.0

	// baselineSampleLimit bounds how many prior sessions/cells feed a
	// baseline computation.
	baselineSampleLimit = 200
)

// Reasoner optionally scores one injected context message for actual
// downstream relevance (§4.12 step 8's "second LLM pass"). A nil Reasoner
// on Config skips the second pass entirely.
type Reasoner interface {
	ScoreRelevance(ctx context.Context, cellInstructions, candidate string) (score float64, reasoning string, err error)
}

// Worker is the §4.12 analytics engine. It implements
// engine.AnalyticsScheduler.
type Worker struct {
	logs     *storage.LogRepository
	sessions *storage.SessionRepository
	repo     *storage.AnalyticsRepository
	reasoner Reasoner
	logger   *logger.Logger
	pricing  map[string]float64

	pollInterval time.Duration
	pollTimeout  time.Duration
	workers      int

	queue chan string
}

// Config bundles Worker construction parameters.
type Config struct {
	Logs     *storage.LogRepository
	Sessions *storage.SessionRepository
	Repo     *storage.AnalyticsRepository
	Reasoner Reasoner
	Logger   *logger.Logger

	// InputPricePerToken maps a model name to its USD input-token price,
	// used by §4.12 step 7's context-cost attribution. Models absent from
	// the map attribute zero context cost rather than erroring.
	InputPricePerToken map[string]float64

	PollInterval time.Duration
	PollTimeout  time.Duration
	Workers      int
	QueueSize    int
}

// New builds a Worker. PollInterval defaults to 500ms, PollTimeout to 10s
// (the spec's "poll up to 10 seconds"), Workers to 4, QueueSize to 256.
func New(cfg Config) *Worker {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultPollTimeout
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	pricing := cfg.InputPricePerToken
	if pricing == nil {
		pricing = map[string]float64{}
	}

	return &Worker{
		logs:         cfg.Logs,
		sessions:     cfg.Sessions,
		repo:         cfg.Repo,
		reasoner:     cfg.Reasoner,
		logger:       cfg.Logger,
		pricing:      pricing,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		workers:      workers,
		queue:        make(chan string, queueSize),
	}
}

// Schedule enqueues sessionID for analysis. It never blocks: a full queue
// drops the request with a warning log rather than stalling the caller,
// since scheduling must never block session completion.
func (w *Worker) Schedule(sessionID string) {
	select {
	case w.queue <- sessionID:
	default:
		if w.logger != nil {
			w.logger.Warn("analytics queue full, dropping session", "session_id", sessionID)
		}
	}
}

// Start launches the worker pool and blocks until ctx is cancelled, then
// drains in-flight analyses before returning.
func (w *Worker) Start(ctx context.Context) error {
	done := make(chan struct{})
	for i := 0; i < w.workers; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case sessionID, ok := <-w.queue:
					if !ok {
						return
					}
					if err := w.analyze(ctx, sessionID); err != nil && w.logger != nil {
						w.logger.Warn("analytics run failed", "session_id", sessionID, "error", err)
					}
				}
			}
		}()
	}

	<-ctx.Done()
	for i := 0; i < w.workers; i++ {
		<-done
	}
	return nil
}

// analyze runs the full §4.12 pipeline for one session. Analysis proceeds
// even for failed sessions (§6's "analytics runs on failed sessions too")
// and never mutates the source log rows.
func (w *Worker) analyze(ctx context.Context, sessionID string) error {
	rows, err := w.pollForRows(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("polling log rows for session %s: %w", sessionID, err)
	}

	session, err := w.sessions.FindBySessionID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("loading session record %s: %w", sessionID, err)
	}

	sessAgg := aggregateSession(sessionID, session.CascadeID, rows)
	sessAgg.GenusHash = session.GenusHash
	sessAgg.InputComplexity = classifyComplexity(session.InvocationMetadataJSON)
	sessAgg.ComputedAt = time.Now()

	if err := w.scoreSessionBaselines(ctx, &sessAgg); err != nil && w.logger != nil {
		w.logger.Warn("session baseline scoring failed", "session_id", sessionID, "error", err)
	}

	cellRows := w.computeCellAnalytics(ctx, sessionID, session.CascadeID, rows)

	contextCost, newCost := w.attributeContextCost(ctx, session.CascadeID, rows)
	sessAgg.TotalContextCost = contextCost
	sessAgg.TotalNewCost = newCost

	msgRows := w.computeMessageAnalytics(ctx, rows)

	if err := w.repo.SaveSession(ctx, sessAgg); err != nil {
		return fmt.Errorf("saving session analytics: %w", err)
	}
	if err := w.repo.SaveCells(ctx, cellRows); err != nil {
		return fmt.Errorf("saving cell analytics: %w", err)
	}
	if err := w.repo.SaveMessages(ctx, msgRows); err != nil {
		return fmt.Errorf("saving message analytics: %w", err)
	}
	return nil
}

// pollForRows polls the log repository for up to pollTimeout, returning as
// soon as a cost_update row shows up (the authoritative signal the
// cost tracker has settled this session) or the timeout elapses — the log
// rows are returned either way, settled or not (§4.12 step 1).
func (w *Worker) pollForRows(ctx context.Context, sessionID string) ([]models.LogRow, error) {
	deadline := time.Now().Add(w.pollTimeout)
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		rows, err := w.logs.FindBySession(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if hasSettledCost(rows) || time.Now().After(deadline) {
			return rows, nil
		}
		select {
		case <-ctx.Done():
			return rows, nil
		case <-ticker.C:
		}
	}
}

func hasSettledCost(rows []models.LogRow) bool {
	for _, r := range rows {
		if r.NodeType == models.NodeTypeCostUpdate {
			return true
		}
	}
	return false
}

// aggregateSession computes the §4.12 step 2 session-level rollup.
func aggregateSession(sessionID, cascadeID string, rows []models.LogRow) models.SessionAnalytics {
	agg := models.SessionAnalytics{SessionID: sessionID, CascadeID: cascadeID}
	if len(rows) == 0 {
		return agg
	}

	var minTS, maxTS time.Time
	cells := map[string]bool{}
	candidateSeen := map[int]bool{}
	var winnerIndex *int

	for i, r := range rows {
		if i == 0 || r.Timestamp.Before(minTS) {
			minTS = r.Timestamp
		}
		if r.Timestamp.After(maxTS) {
			maxTS = r.Timestamp
		}
		if r.Cost != nil {
			agg.TotalCost += *r.Cost
		}
		agg.TotalTokens += r.TokensIn + r.TokensOut
		if r.CellName != "" {
			cells[r.CellName] = true
		}
		if r.NodeType == models.NodeTypeWardResult && isWardFailure(r.ContentJSON) {
			agg.ErrorCount++
		}
		if r.CandidateIndex != nil {
			candidateSeen[*r.CandidateIndex] = true
			if r.IsWinner {
				idx := *r.CandidateIndex
				winnerIndex = &idx
			}
		}
		agg.MessageCount++
	}

	agg.DurationMs = maxTS.Sub(minTS).Milliseconds()
	agg.DistinctCells = len(cells)
	agg.CandidateCount = len(candidateSeen)
	agg.WinnerIndex = winnerIndex
	return agg
}

// isWardFailure is a heuristic scan of a ward_result row's serialized
// content for a failed verdict, since wards are persisted as opaque JSON
// blobs rather than a typed column.
func isWardFailure(contentJSON string) bool {
	if contentJSON == "" {
		return false
	}
	var verdict struct {
		Passed  *bool `json:"passed"`
		Blocked *bool `json:"blocked"`
	}
	if err := json.Unmarshal([]byte(contentJSON), &verdict); err != nil {
		return false
	}
	if verdict.Passed != nil && !*verdict.Passed {
		return true
	}
	return verdict.Blocked != nil && *verdict.Blocked
}

// classifyComplexity derives the §4.12 step 3 input-complexity category
// from the raw invocation metadata JSON: character count, JSON nesting
// depth, and total array item volume combine into one size score that
// reuses models.SizeBucket's tiny/small/medium/large/huge thresholds
// (the same bucketing the genus hash's input fingerprint uses).
func classifyComplexity(raw string) models.InputComplexity {
	if raw == "" {
		return models.ComplexityTiny
	}
	var parsed any
	depth, arrayItems := 0, 0
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		depth, arrayItems = jsonShape(parsed, 1)
	}
	score := len(raw) + depth*200 + arrayItems*20
	return models.InputComplexity(models.SizeBucket(score))
}

func jsonShape(v any, depth int) (maxDepth, arrayItems int) {
	switch val := v.(type) {
	case map[string]any:
		maxDepth = depth
		for _, vv := range val {
			d, a := jsonShape(vv, depth+1)
			if d > maxDepth {
				maxDepth = d
			}
			arrayItems += a
		}
	case []any:
		maxDepth = depth
		arrayItems = len(val)
		for _, vv := range val {
			d, a := jsonShape(vv, depth+1)
			if d > maxDepth {
				maxDepth = d
			}
			arrayItems += a
		}
	default:
		maxDepth = depth
	}
	return maxDepth, arrayItems
}

// scoreSessionBaselines computes the §4.12 step 4/5 cluster and global
// baselines and scores the session against the cluster tier (preferred),
// falling back to the global tier when the cluster has too few samples.
// No genus-tier (same genus_hash) baseline is computed.
func (w *Worker) scoreSessionBaselines(ctx context.Context, agg *models.SessionAnalytics) error {
	cluster, err := w.repo.FindSessionsForBaseline(ctx, agg.CascadeID, string(agg.InputComplexity), "", agg.SessionID, baselineSampleLimit)
	if err != nil {
		return err
	}
	global, err := w.repo.FindSessionsForBaseline(ctx, agg.CascadeID, "", "", agg.SessionID, baselineSampleLimit)
	if err != nil {
		return err
	}

	tier := cluster
	if len(tier) < 2 {
		tier = global
	}

	costBase := baselineOf(tier, func(s models.SessionAnalytics) float64 { return s.TotalCost })
	durBase := baselineOf(tier, func(s models.SessionAnalytics) float64 { return float64(s.DurationMs) })
	tokBase := baselineOf(tier, func(s models.SessionAnalytics) float64 { return float64(s.TotalTokens) })

	z := models.ZScores{
		Cost:     zScore(agg.TotalCost, costBase),
		Duration: zScore(float64(agg.DurationMs), durBase),
		Tokens:   zScore(float64(agg.TotalTokens), tokBase),
	}
	z.IsOutlier = math.Abs(z.Cost) > outlierZ || math.Abs(z.Duration) > outlierZ || math.Abs(z.Tokens) > outlierZ
	agg.ZScores = z
	return nil
}

// computeCellAnalytics rolls up each (cell_name, species_hash) pair in the
// session (§4.12 step 6) and scores it against its own historical baseline,
// the most specific tier available.
func (w *Worker) computeCellAnalytics(ctx context.Context, sessionID, cascadeID string, rows []models.LogRow) []models.CellAnalytics {
	type key struct{ cell, species string }
	grouped := map[key]*models.CellAnalytics{}
	order := make([]key, 0)

	for _, r := range rows {
		if r.CellName == "" || r.NodeType != models.NodeTypeAgent {
			continue
		}
		k := key{r.CellName, r.SpeciesHash}
		c, ok := grouped[k]
		if !ok {
			c = &models.CellAnalytics{
				SessionID: sessionID, CascadeID: cascadeID,
				CellName: r.CellName, SpeciesHash: r.SpeciesHash,
				ComputedAt: time.Now(),
			}
			grouped[k] = c
			order = append(order, k)
		}
		if r.Cost != nil {
			c.Cost += *r.Cost
		}
		c.DurationMs += r.DurationMs
		c.TokensIn += r.TokensIn
		c.TokensOut += r.TokensOut
	}

	out := make([]models.CellAnalytics, 0, len(order))
	for _, k := range order {
		c := *grouped[k]
		baseline, err := w.repo.FindCellsForBaseline(ctx, cascadeID, c.CellName, c.SpeciesHash, sessionID, baselineSampleLimit)
		if err == nil && len(baseline) >= 2 {
			costBase := baselineOf(baseline, func(x models.CellAnalytics) float64 { return x.Cost })
			durBase := baselineOf(baseline, func(x models.CellAnalytics) float64 { return float64(x.DurationMs) })
			tokBase := baselineOf(baseline, func(x models.CellAnalytics) float64 { return float64(x.TokensIn + x.TokensOut) })
			z := models.ZScores{
				Cost:     zScore(c.Cost, costBase),
				Duration: zScore(float64(c.DurationMs), durBase),
				Tokens:   zScore(float64(c.TokensIn+c.TokensOut), tokBase),
			}
			z.IsOutlier = math.Abs(z.Cost) > outlierZ || math.Abs(z.Duration) > outlierZ || math.Abs(z.Tokens) > outlierZ
			c.ZScores = z
		}
		out = append(out, c)
	}
	return out
}

// attributeContextCost implements §4.12 step 7: for each LLM cell, compare
// its average tokens_in this session to the historical baseline tokens_in
// of calls with empty context_hashes. The excess estimates injected-context
// tokens; multiplying by the model's input price attributes a cost.
func (w *Worker) attributeContextCost(ctx context.Context, cascadeID string, rows []models.LogRow) (totalContextCost, totalNewCost float64) {
	type cellAgg struct {
		tokensIn int
		count    int
		model    string
	}
	byCell := map[string]*cellAgg{}
	for _, r := range rows {
		if r.NodeType != models.NodeTypeAgent || r.CellName == "" {
			continue
		}
		a, ok := byCell[r.CellName]
		if !ok {
			a = &cellAgg{model: r.ModelRequested}
			byCell[r.CellName] = a
		}
		a.tokensIn += r.TokensIn
		a.count++
	}

	for cellName, a := range byCell {
		if a.count == 0 {
			continue
		}
		avgTokensIn := float64(a.tokensIn) / float64(a.count)

		baselineTokens, err := w.repo.FindBaselineTokensInForEmptyContext(ctx, cascadeID, cellName, baselineSampleLimit)
		if err != nil || len(baselineTokens) == 0 {
			continue
		}
		sum := 0
		for _, t := range baselineTokens {
			sum += t
		}
		baselineAvg := float64(sum) / float64(len(baselineTokens))

		price := w.pricing[a.model]
		excess := avgTokensIn - baselineAvg
		if excess > 0 {
			totalContextCost += excess * float64(a.count) * price
		}
		totalNewCost += baselineAvg * float64(a.count) * price
	}
	return totalContextCost, totalNewCost
}

// computeMessageAnalytics implements §4.12 step 8: for every LLM-cell row
// with non-empty context_hashes, attribute that row's input cost across
// its referenced messages weighted by each message's estimated token size,
// and optionally score each message's relevance with a second LLM pass.
func (w *Worker) computeMessageAnalytics(ctx context.Context, rows []models.LogRow) []models.MessageAnalytics {
	byHash := make(map[string]models.LogRow, len(rows))
	for _, r := range rows {
		if r.ContentHash != "" {
			byHash[r.ContentHash] = r
		}
	}

	cellCost := make(map[string]float64)
	for _, r := range rows {
		if r.CellName == "" || r.Cost == nil {
			continue
		}
		cellCost[r.CellName] += *r.Cost
	}

	var out []models.MessageAnalytics
	for _, r := range rows {
		if r.NodeType != models.NodeTypeAgent || len(r.ContextHashes) == 0 {
			continue
		}
		price := w.pricing[r.ModelRequested]
		rowInputCost := price * float64(r.TokensIn)

		type weighted struct {
			hash   string
			source models.LogRow
			weight float64
		}
		candidates := make([]weighted, 0, len(r.ContextHashes))
		totalWeight := 0.0
		for _, hash := range r.ContextHashes {
			source := byHash[hash]
			tokens := float64(len(source.ContentJSON)) / 4
			if tokens < 1 {
				tokens = 1
			}
			candidates = append(candidates, weighted{hash: hash, source: source, weight: tokens})
			totalWeight += tokens
		}
		if totalWeight == 0 {
			totalWeight = 1
		}

		for _, cand := range candidates {
			share := cand.weight / totalWeight
			cost := rowInputCost * share
			cellTotal := cellCost[r.CellName]
			pct := 0.0
			if cellTotal != 0 {
				pct = cost / cellTotal
			}
			ma := models.MessageAnalytics{
				SessionID:     r.SessionID,
				CellName:      r.CellName,
				MessageHash:   cand.hash,
				SourceCell:    cand.source.CellName,
				Role:          cand.source.Role,
				Tokens:        int(cand.weight),
				Cost:          cost,
				PctOfCellCost: pct,
			}
			if w.reasoner != nil && cand.source.ContentJSON != "" {
				score, reasoning, err := w.reasoner.ScoreRelevance(ctx, r.CellName, cand.source.ContentJSON)
				if err == nil {
					s := score
					ma.RelevanceScore = &s
					ma.Reasoning = reasoning
				}
			}
			out = append(out, ma)
		}
	}
	return out
}

func baselineOf[T any](items []T, metric func(T) float64) models.Baseline {
	if len(items) == 0 {
		return models.Baseline{}
	}
	values := make([]float64, 0, len(items))
	for _, it := range items {
		values = append(values, metric(it))
	}
	sort.Float64s(values)

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	return models.Baseline{Mean: mean, StdDev: math.Sqrt(variance), Samples: len(values)}
}

func zScore(value float64, baseline models.Baseline) float64 {
	if baseline.Samples < 2 || baseline.StdDev == 0 {
		return 0
	}
	return (value - baseline.Mean) / baseline.StdDev
}
