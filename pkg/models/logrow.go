package models

import "time"

// NodeType enumerates the append-only log row discriminator (§3).
type NodeType string

const (
	NodeTypeAgent            NodeType = "agent"
	NodeTypeToolCall          NodeType = "tool_call"
	NodeTypeToolResult        NodeType = "tool_result"
	NodeTypeSoundingAttempt   NodeType = "sounding_attempt"
	NodeTypeCheckpoint        NodeType = "checkpoint"
	NodeTypeCostUpdate        NodeType = "cost_update"
	NodeTypeWardResult        NodeType = "ward_result"
	NodeTypeEmbedding         NodeType = "embedding"
)

// LogRow is the append-only wide-schema record of §3. It is the unit
// persisted to the log table and the unit the analytics worker reads.
type LogRow struct {
	SessionID     string    `json:"session_id"`
	TraceID       string    `json:"trace_id"`
	ParentTraceID string    `json:"parent_trace_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Role          string    `json:"role"`
	NodeType      NodeType  `json:"node_type"`
	CellName      string    `json:"cell_name"`
	CascadeID     string    `json:"cascade_id"`

	ModelRequested string   `json:"model_requested,omitempty"`
	ModelActual    string   `json:"model_actual,omitempty"`
	Cost           *float64 `json:"cost,omitempty"`
	TokensIn       int      `json:"tokens_in,omitempty"`
	TokensOut      int      `json:"tokens_out,omitempty"`
	DurationMs     int64    `json:"duration_ms,omitempty"`

	ContentJSON      string   `json:"content_json,omitempty"`
	ContentHash      string   `json:"content_hash"`
	ContentEmbedding []float32 `json:"content_embedding,omitempty"`
	ContextHashes    []string `json:"context_hashes,omitempty"`

	CandidateIndex   *int    `json:"candidate_index,omitempty"`
	IsWinner         bool    `json:"is_winner"`
	MutationApplied  string  `json:"mutation_applied,omitempty"`
	MutationType     string  `json:"mutation_type,omitempty"`

	SpeciesHash string `json:"species_hash"`
	GenusHash   string `json:"genus_hash"`

	FullRequestJSON string `json:"full_request_json,omitempty"`
}

// RAGChunk is one embedded chunk row, shared by the ephemeral and
// persistent RAG stores (§4.8, §4.10, §6).
type RAGChunk struct {
	ChunkID    string    `json:"chunk_id"`
	RagID      string    `json:"rag_id"`
	DocID      string    `json:"doc_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	CharStart  int       `json:"char_start"`
	CharEnd    int       `json:"char_end"`
	Embedding  []float32 `json:"embedding"`
}

// RAGManifestEntry tracks a persistent RAG index's file-level reuse state
// (§4.10), keyed by (rag_id, rel_path).
type RAGManifestEntry struct {
	RagID   string    `json:"rag_id"`
	RelPath string    `json:"rel_path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// InputComplexity is the §4.12 input-complexity category, derived from a
// cascade input's char count, JSON nesting depth, and array item volume.
type InputComplexity string

const (
	ComplexityTiny   InputComplexity = "tiny"
	ComplexitySmall  InputComplexity = "small"
	ComplexityMedium InputComplexity = "medium"
	ComplexityLarge  InputComplexity = "large"
	ComplexityHuge   InputComplexity = "huge"
)

// Baseline is a tier's mean/stddev for one metric, plus the sample size it
// was computed from (§4.12 step 4).
type Baseline struct {
	Mean    float64 `json:"mean"`
	StdDev  float64 `json:"stddev"`
	Samples int     `json:"samples"`
}

// ZScores bundles the cost/duration/tokens Z-scores computed against a
// baseline tier, plus whether any exceeds the |z|>2 outlier threshold.
type ZScores struct {
	Cost      float64 `json:"cost_z"`
	Duration  float64 `json:"duration_z"`
	Tokens    float64 `json:"tokens_z"`
	IsOutlier bool    `json:"is_outlier"`
}

// SessionAnalytics is one session's §4.12 post-run rollup.
type SessionAnalytics struct {
	SessionID        string          `json:"session_id"`
	CascadeID        string          `json:"cascade_id"`
	GenusHash        string          `json:"genus_hash"`
	InputComplexity  InputComplexity `json:"input_complexity"`
	TotalCost        float64         `json:"total_cost"`
	DurationMs       int64           `json:"duration_ms"`
	TotalTokens      int             `json:"total_tokens"`
	MessageCount     int             `json:"message_count"`
	DistinctCells    int             `json:"distinct_cells"`
	ErrorCount       int             `json:"error_count"`
	CandidateCount   int             `json:"candidate_count"`
	WinnerIndex      *int            `json:"winner_index,omitempty"`
	ZScores          ZScores         `json:"z_scores"`
	TotalContextCost float64         `json:"total_context_cost"`
	TotalNewCost     float64         `json:"total_new_cost"`
	ComputedAt       time.Time       `json:"computed_at"`
}

// CellAnalytics is one (cascade, cell, species_hash) rollup scoped to a
// single session (§4.12 step 6, "per-cell analytics").
type CellAnalytics struct {
	SessionID   string    `json:"session_id"`
	CascadeID   string    `json:"cascade_id"`
	CellName    string    `json:"cell_name"`
	SpeciesHash string    `json:"species_hash"`
	Cost        float64   `json:"cost"`
	DurationMs  int64     `json:"duration_ms"`
	TokensIn    int       `json:"tokens_in"`
	TokensOut   int       `json:"tokens_out"`
	ZScores     ZScores   `json:"z_scores"`
	ComputedAt  time.Time `json:"computed_at"`
}

// MessageAnalytics is one injected context message's §4.12 step 8
// per-message cost breakdown.
type MessageAnalytics struct {
	SessionID      string   `json:"session_id"`
	CellName       string   `json:"cell_name"`
	MessageHash    string   `json:"message_hash"`
	SourceCell     string   `json:"source_cell"`
	Role           string   `json:"role"`
	Tokens         int      `json:"tokens"`
	Cost           float64  `json:"cost"`
	PctOfCellCost  float64  `json:"pct_of_cell_cost"`
	RelevanceScore *float64 `json:"relevance_score,omitempty"`
	Reasoning      string   `json:"reasoning,omitempty"`
}
