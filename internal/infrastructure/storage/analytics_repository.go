package storage

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	storagemodels "github.com/smilemakc/cascaded/internal/infrastructure/storage/models"
	domainmodels "github.com/smilemakc/cascaded/pkg/models"
)

// AnalyticsRepository persists the §4.12 analytics worker's post-session
// rollups and reads prior rollups back for baseline computation.
type AnalyticsRepository struct {
	db *bun.DB
}

// NewAnalyticsRepository creates a new AnalyticsRepository.
func NewAnalyticsRepository(db *bun.DB) *AnalyticsRepository {
	return &AnalyticsRepository{db: db}
}

// SaveSession upserts one session's rollup, keyed by session_id — a session
// is analyzed exactly once, but re-running analysis (e.g. after a bugfix)
// should replace rather than duplicate.
func (r *AnalyticsRepository) SaveSession(ctx context.Context, a domainmodels.SessionAnalytics) error {
	model := toSessionAnalyticsModel(a)
	_, err := r.db.NewInsert().
		Model(model).
		On("CONFLICT (session_id) DO UPDATE").
		Set("total_cost = EXCLUDED.total_cost").
		Set("duration_ms = EXCLUDED.duration_ms").
		Set("total_tokens = EXCLUDED.total_tokens").
		Set("message_count = EXCLUDED.message_count").
		Set("distinct_cells = EXCLUDED.distinct_cells").
		Set("error_count = EXCLUDED.error_count").
		Set("candidate_count = EXCLUDED.candidate_count").
		Set("winner_index = EXCLUDED.winner_index").
		Set("cost_z = EXCLUDED.cost_z").
		Set("duration_z = EXCLUDED.duration_z").
		Set("tokens_z = EXCLUDED.tokens_z").
		Set("is_outlier = EXCLUDED.is_outlier").
		Set("total_context_cost = EXCLUDED.total_context_cost").
		Set("total_new_cost = EXCLUDED.total_new_cost").
		Set("computed_at = EXCLUDED.computed_at").
		Exec(ctx)
	return err
}

// SaveCells inserts a session's per-cell rollups.
func (r *AnalyticsRepository) SaveCells(ctx context.Context, rows []domainmodels.CellAnalytics) error {
	if len(rows) == 0 {
		return nil
	}
	batch := make([]*storagemodels.CellAnalyticsModel, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, toCellAnalyticsModel(row))
	}
	_, err := r.db.NewInsert().Model(&batch).Exec(ctx)
	return err
}

// SaveMessages inserts a session's per-message context-cost breakdown rows.
func (r *AnalyticsRepository) SaveMessages(ctx context.Context, rows []domainmodels.MessageAnalytics) error {
	if len(rows) == 0 {
		return nil
	}
	batch := make([]*storagemodels.MessageAnalyticsModel, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, toMessageAnalyticsModel(row))
	}
	_, err := r.db.NewInsert().Model(&batch).Exec(ctx)
	return err
}

// FindSessionsForBaseline returns prior sessions' rollups for the requested
// tier (§4.12 step 4): global (cascadeID only), cluster (cascadeID +
// inputComplexity), or genus (genusHash). Pass "" for any filter not part
// of the requested tier.
func (r *AnalyticsRepository) FindSessionsForBaseline(ctx context.Context, cascadeID, inputComplexity, genusHash string, excludeSessionID string, limit int) ([]domainmodels.SessionAnalytics, error) {
	q := r.db.NewSelect().Model((*storagemodels.SessionAnalyticsModel)(nil))
	if cascadeID != "" {
		q = q.Where("cascade_id = ?", cascadeID)
	}
	if inputComplexity != "" {
		q = q.Where("input_complexity = ?", inputComplexity)
	}
	if genusHash != "" {
		q = q.Where("genus_hash = ?", genusHash)
	}
	if excludeSessionID != "" {
		q = q.Where("session_id != ?", excludeSessionID)
	}
	q = q.Order("computed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []*storagemodels.SessionAnalyticsModel
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domainmodels.SessionAnalytics, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromSessionAnalyticsModel(m))
	}
	return out, nil
}

// FindCellsForBaseline returns prior per-cell rollups scoped by
// (cascadeID, cellName, speciesHash) — the most specific baseline (§4.12
// step 6).
func (r *AnalyticsRepository) FindCellsForBaseline(ctx context.Context, cascadeID, cellName, speciesHash string, excludeSessionID string, limit int) ([]domainmodels.CellAnalytics, error) {
	q := r.db.NewSelect().
		Model((*storagemodels.CellAnalyticsModel)(nil)).
		Where("cascade_id = ? AND cell_name = ?", cascadeID, cellName)
	if speciesHash != "" {
		q = q.Where("species_hash = ?", speciesHash)
	}
	if excludeSessionID != "" {
		q = q.Where("session_id != ?", excludeSessionID)
	}
	q = q.Order("computed_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var rows []*storagemodels.CellAnalyticsModel
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]domainmodels.CellAnalytics, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromCellAnalyticsModel(m))
	}
	return out, nil
}

// FindBaselineTokensInForEmptyContext returns historical tokens_in for LLM
// calls whose context_hashes was empty, for the given cascade/cell — the
// §4.12 step 7 "empty-context baseline" used for context-cost attribution.
func (r *AnalyticsRepository) FindBaselineTokensInForEmptyContext(ctx context.Context, cascadeID, cellName string, limit int) ([]int, error) {
	var rows []*storagemodels.LogRowModel
	q := r.db.NewSelect().
		Model(&rows).
		Where("cascade_id = ? AND cell_name = ? AND node_type = ?", cascadeID, cellName, string(domainmodels.NodeTypeAgent)).
		Where("cardinality(context_hashes) = 0 OR context_hashes IS NULL").
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	out := make([]int, len(rows))
	for i, m := range rows {
		out[i] = m.TokensIn
	}
	return out, nil
}

func toSessionAnalyticsModel(a domainmodels.SessionAnalytics) *storagemodels.SessionAnalyticsModel {
	return &storagemodels.SessionAnalyticsModel{
		ID:               uuid.New(),
		SessionID:        a.SessionID,
		CascadeID:        a.CascadeID,
		GenusHash:        a.GenusHash,
		InputComplexity:  string(a.InputComplexity),
		TotalCost:        a.TotalCost,
		DurationMs:       a.DurationMs,
		TotalTokens:      a.TotalTokens,
		MessageCount:     a.MessageCount,
		DistinctCells:    a.DistinctCells,
		ErrorCount:       a.ErrorCount,
		CandidateCount:   a.CandidateCount,
		WinnerIndex:      a.WinnerIndex,
		CostZ:            a.ZScores.Cost,
		DurationZ:        a.ZScores.Duration,
		TokensZ:          a.ZScores.Tokens,
		IsOutlier:        a.ZScores.IsOutlier,
		TotalContextCost: a.TotalContextCost,
		TotalNewCost:     a.TotalNewCost,
		ComputedAt:       a.ComputedAt,
	}
}

func fromSessionAnalyticsModel(m *storagemodels.SessionAnalyticsModel) domainmodels.SessionAnalytics {
	return domainmodels.SessionAnalytics{
		SessionID:       m.SessionID,
		CascadeID:       m.CascadeID,
		GenusHash:       m.GenusHash,
		InputComplexity: domainmodels.InputComplexity(m.InputComplexity),
		TotalCost:       m.TotalCost,
		DurationMs:      m.DurationMs,
		TotalTokens:     m.TotalTokens,
		MessageCount:    m.MessageCount,
		DistinctCells:   m.DistinctCells,
		ErrorCount:      m.ErrorCount,
		CandidateCount:  m.CandidateCount,
		WinnerIndex:     m.WinnerIndex,
		ZScores: domainmodels.ZScores{
			Cost: m.CostZ, Duration: m.DurationZ, Tokens: m.TokensZ, IsOutlier: m.IsOutlier,
		},
		TotalContextCost: m.TotalContextCost,
		TotalNewCost:     m.TotalNewCost,
		ComputedAt:       m.ComputedAt,
	}
}

func toCellAnalyticsModel(c domainmodels.CellAnalytics) *storagemodels.CellAnalyticsModel {
	return &storagemodels.CellAnalyticsModel{
		ID:          uuid.New(),
		SessionID:   c.SessionID,
		CascadeID:   c.CascadeID,
		CellName:    c.CellName,
		SpeciesHash: c.SpeciesHash,
		Cost:        c.Cost,
		DurationMs:  c.DurationMs,
		TokensIn:    c.TokensIn,
		TokensOut:   c.TokensOut,
		CostZ:       c.ZScores.Cost,
		DurationZ:   c.ZScores.Duration,
		TokensZ:     c.ZScores.Tokens,
		IsOutlier:   c.ZScores.IsOutlier,
		ComputedAt:  c.ComputedAt,
	}
}

func fromCellAnalyticsModel(m *storagemodels.CellAnalyticsModel) domainmodels.CellAnalytics {
	return domainmodels.CellAnalytics{
		SessionID:   m.SessionID,
		CascadeID:   m.CascadeID,
		CellName:    m.CellName,
		SpeciesHash: m.SpeciesHash,
		Cost:        m.Cost,
		DurationMs:  m.DurationMs,
		TokensIn:    m.TokensIn,
		TokensOut:   m.TokensOut,
		ZScores: domainmodels.ZScores{
			Cost: m.CostZ, Duration: m.DurationZ, Tokens: m.TokensZ, IsOutlier: m.IsOutlier,
		},
		ComputedAt: m.ComputedAt,
	}
}

func toMessageAnalyticsModel(msg domainmodels.MessageAnalytics) *storagemodels.MessageAnalyticsModel {
	return &storagemodels.MessageAnalyticsModel{
		ID:             uuid.New(),
		SessionID:      msg.SessionID,
		CellName:       msg.CellName,
		MessageHash:    msg.MessageHash,
		SourceCell:     msg.SourceCell,
		Role:           msg.Role,
		Tokens:         msg.Tokens,
		Cost:           msg.Cost,
		PctOfCellCost:  msg.PctOfCellCost,
		RelevanceScore: msg.RelevanceScore,
		Reasoning:      msg.Reasoning,
	}
}
