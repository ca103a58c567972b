package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// SessionAnalyticsModel backs pkg/models.SessionAnalytics — one session's
// §4.12 post-run cost/duration/token rollup plus its Z-scores against the
// cluster baseline tier.
type SessionAnalyticsModel struct {
	bun.BaseModel `bun:"table:session_analytics,alias:sa"`

	ID               uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SessionID        string    `bun:"session_id,notnull,unique" json:"session_id"`
	CascadeID        string    `bun:"cascade_id,notnull" json:"cascade_id"`
	GenusHash        string    `bun:"genus_hash" json:"genus_hash"`
	InputComplexity  string    `bun:"input_complexity,notnull" json:"input_complexity"`
	TotalCost        float64   `bun:"total_cost,notnull,default:0" json:"total_cost"`
	DurationMs       int64     `bun:"duration_ms,notnull,default:0" json:"duration_ms"`
	TotalTokens      int       `bun:"total_tokens,notnull,default:0" json:"total_tokens"`
	MessageCount     int       `bun:"message_count,notnull,default:0" json:"message_count"`
	DistinctCells    int       `bun:"distinct_cells,notnull,default:0" json:"distinct_cells"`
	ErrorCount       int       `bun:"error_count,notnull,default:0" json:"error_count"`
	CandidateCount   int       `bun:"candidate_count,notnull,default:0" json:"candidate_count"`
	WinnerIndex      *int      `bun:"winner_index" json:"winner_index,omitempty"`
	CostZ            float64   `bun:"cost_z,notnull,default:0" json:"cost_z"`
	DurationZ        float64   `bun:"duration_z,notnull,default:0" json:"duration_z"`
	TokensZ          float64   `bun:"tokens_z,notnull,default:0" json:"tokens_z"`
	IsOutlier        bool      `bun:"is_outlier,notnull,default:false" json:"is_outlier"`
	TotalContextCost float64   `bun:"total_context_cost,notnull,default:0" json:"total_context_cost"`
	TotalNewCost     float64   `bun:"total_new_cost,notnull,default:0" json:"total_new_cost"`
	ComputedAt       time.Time `bun:"computed_at,notnull,default:current_timestamp" json:"computed_at"`
}

// TableName returns the table name for SessionAnalyticsModel.
func (SessionAnalyticsModel) TableName() string { return "session_analytics" }

// CellAnalyticsModel backs pkg/models.CellAnalytics — one (cascade, cell,
// species_hash) rollup scoped to a single session (§4.12 step 6).
type CellAnalyticsModel struct {
	bun.BaseModel `bun:"table:cell_analytics,alias:ca"`

	ID          uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SessionID   string    `bun:"session_id,notnull" json:"session_id"`
	CascadeID   string    `bun:"cascade_id,notnull" json:"cascade_id"`
	CellName    string    `bun:"cell_name,notnull" json:"cell_name"`
	SpeciesHash string    `bun:"species_hash" json:"species_hash"`
	Cost        float64   `bun:"cost,notnull,default:0" json:"cost"`
	DurationMs  int64     `bun:"duration_ms,notnull,default:0" json:"duration_ms"`
	TokensIn    int       `bun:"tokens_in,notnull,default:0" json:"tokens_in"`
	TokensOut   int       `bun:"tokens_out,notnull,default:0" json:"tokens_out"`
	CostZ       float64   `bun:"cost_z,notnull,default:0" json:"cost_z"`
	DurationZ   float64   `bun:"duration_z,notnull,default:0" json:"duration_z"`
	TokensZ     float64   `bun:"tokens_z,notnull,default:0" json:"tokens_z"`
	IsOutlier   bool      `bun:"is_outlier,notnull,default:false" json:"is_outlier"`
	ComputedAt  time.Time `bun:"computed_at,notnull,default:current_timestamp" json:"computed_at"`
}

// TableName returns the table name for CellAnalyticsModel.
func (CellAnalyticsModel) TableName() string { return "cell_analytics" }

// MessageAnalyticsModel backs pkg/models.MessageAnalytics — one injected
// context message's §4.12 step 8 per-message cost breakdown.
type MessageAnalyticsModel struct {
	bun.BaseModel `bun:"table:message_analytics,alias:ma"`

	ID             uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SessionID      string    `bun:"session_id,notnull" json:"session_id"`
	CellName       string    `bun:"cell_name,notnull" json:"cell_name"`
	MessageHash    string    `bun:"message_hash,notnull" json:"message_hash"`
	SourceCell     string    `bun:"source_cell" json:"source_cell"`
	Role           string    `bun:"role" json:"role"`
	Tokens         int       `bun:"tokens,notnull,default:0" json:"tokens"`
	Cost           float64   `bun:"cost,notnull,default:0" json:"cost"`
	PctOfCellCost  float64   `bun:"pct_of_cell_cost,notnull,default:0" json:"pct_of_cell_cost"`
	RelevanceScore *float64  `bun:"relevance_score" json:"relevance_score,omitempty"`
	Reasoning      string    `bun:"reasoning" json:"reasoning,omitempty"`
	ComputedAt     time.Time `bun:"computed_at,notnull,default:current_timestamp" json:"computed_at"`
}

// TableName returns the table name for MessageAnalyticsModel.
func (MessageAnalyticsModel) TableName() string { return "message_analytics" }
