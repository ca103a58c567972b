package storage

import (
	"context"
	"encoding/json"

	"github.com/uptrace/bun"

	storagemodels "github.com/smilemakc/cascaded/internal/infrastructure/storage/models"
	domainmodels "github.com/smilemakc/cascaded/pkg/models"
)

// LogRepository persists the append-only trace ledger (spec §6) written by
// the cascade runner, cost tracker, ward engine, and candidate engine as
// they dispatch cells and settle cost.
type LogRepository struct {
	db *bun.DB
}

// NewLogRepository creates a new LogRepository.
func NewLogRepository(db *bun.DB) *LogRepository {
	return &LogRepository{db: db}
}

// Append inserts a single log row.
func (r *LogRepository) Append(ctx context.Context, row domainmodels.LogRow) error {
	_, err := r.db.NewInsert().Model(toLogRowModel(row)).Exec(ctx)
	return err
}

// AppendBatch inserts many log rows in a single statement.
func (r *LogRepository) AppendBatch(ctx context.Context, rows []domainmodels.LogRow) error {
	if len(rows) == 0 {
		return nil
	}
	batch := make([]*storagemodels.LogRowModel, 0, len(rows))
	for _, row := range rows {
		batch = append(batch, toLogRowModel(row))
	}
	_, err := r.db.NewInsert().Model(&batch).Exec(ctx)
	return err
}

// FindBySession returns every row recorded for a session, ordered by time —
// the raw material for Echo reconstruction and analytics baselining.
func (r *LogRepository) FindBySession(ctx context.Context, sessionID string) ([]domainmodels.LogRow, error) {
	var rows []*storagemodels.LogRowModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("session_id = ?", sessionID).
		Order("timestamp ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return fromLogRowModels(rows), nil
}

// FindByCellName returns historical rows for a (cascade, cell) pair.
func (r *LogRepository) FindByCellName(ctx context.Context, cascadeID, cellName string, limit int) ([]domainmodels.LogRow, error) {
	var rows []*storagemodels.LogRowModel
	q := r.db.NewSelect().
		Model(&rows).
		Where("cascade_id = ? AND cell_name = ?", cascadeID, cellName).
		Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, err
	}
	return fromLogRowModels(rows), nil
}

func toLogRowModel(row domainmodels.LogRow) *storagemodels.LogRowModel {
	var embJSON string
	if len(row.ContentEmbedding) > 0 {
		b, _ := json.Marshal(row.ContentEmbedding)
		embJSON = string(b)
	}
	return &storagemodels.LogRowModel{
		SessionID:            row.SessionID,
		TraceID:              row.TraceID,
		ParentTraceID:        row.ParentTraceID,
		Timestamp:            row.Timestamp,
		Role:                 row.Role,
		NodeType:             string(row.NodeType),
		CellName:             row.CellName,
		CascadeID:            row.CascadeID,
		ModelRequested:       row.ModelRequested,
		ModelActual:          row.ModelActual,
		Cost:                 row.Cost,
		TokensIn:             row.TokensIn,
		TokensOut:            row.TokensOut,
		DurationMs:           row.DurationMs,
		ContentJSON:          row.ContentJSON,
		ContentHash:          row.ContentHash,
		ContextHashes:        storagemodels.StringArray(row.ContextHashes),
		CandidateIndex:       row.CandidateIndex,
		IsWinner:             row.IsWinner,
		MutationApplied:      row.MutationApplied,
		MutationType:         row.MutationType,
		SpeciesHash:          row.SpeciesHash,
		GenusHash:            row.GenusHash,
		FullRequestJSON:      row.FullRequestJSON,
		ContentEmbeddingJSON: embJSON,
	}
}

func fromLogRowModels(rows []*storagemodels.LogRowModel) []domainmodels.LogRow {
	out := make([]domainmodels.LogRow, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromLogRowModel(m))
	}
	return out
}

func fromLogRowModel(m *storagemodels.LogRowModel) domainmodels.LogRow {
	var embedding []float32
	if m.ContentEmbeddingJSON != "" {
		_ = json.Unmarshal([]byte(m.ContentEmbeddingJSON), &embedding)
	}
	return domainmodels.LogRow{
		SessionID:        m.SessionID,
		TraceID:          m.TraceID,
		ParentTraceID:    m.ParentTraceID,
		Timestamp:        m.Timestamp,
		Role:             m.Role,
		NodeType:         domainmodels.NodeType(m.NodeType),
		CellName:         m.CellName,
		CascadeID:        m.CascadeID,
		ModelRequested:   m.ModelRequested,
		ModelActual:      m.ModelActual,
		Cost:             m.Cost,
		TokensIn:         m.TokensIn,
		TokensOut:        m.TokensOut,
		DurationMs:       m.DurationMs,
		ContentJSON:      m.ContentJSON,
		ContentHash:      m.ContentHash,
		ContentEmbedding: embedding,
		ContextHashes:    []string(m.ContextHashes),
		CandidateIndex:   m.CandidateIndex,
		IsWinner:         m.IsWinner,
		MutationApplied:  m.MutationApplied,
		MutationType:     m.MutationType,
		SpeciesHash:      m.SpeciesHash,
		GenusHash:        m.GenusHash,
		FullRequestJSON:  m.FullRequestJSON,
	}
}
