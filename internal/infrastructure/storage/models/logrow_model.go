package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LogRowModel is the durable row shape backing pkg/models.LogRow — the
// append-only trace ledger every cell dispatch, tool call, ward result,
// and cost update writes to (spec §6).
type LogRowModel struct {
	bun.BaseModel `bun:"table:log_rows,alias:lr"`

	ID              uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	SessionID       string    `bun:"session_id,notnull" json:"session_id"`
	TraceID         string    `bun:"trace_id,notnull" json:"trace_id"`
	ParentTraceID   string    `bun:"parent_trace_id" json:"parent_trace_id,omitempty"`
	Timestamp       time.Time `bun:"timestamp,notnull,default:current_timestamp" json:"timestamp"`
	Role            string    `bun:"role" json:"role,omitempty"`
	NodeType        string    `bun:"node_type,notnull" json:"node_type"`
	CellName        string    `bun:"cell_name" json:"cell_name,omitempty"`
	CascadeID       string    `bun:"cascade_id,notnull" json:"cascade_id"`
	ModelRequested  string    `bun:"model_requested" json:"model_requested,omitempty"`
	ModelActual     string    `bun:"model_actual" json:"model_actual,omitempty"`
	Cost            *float64  `bun:"cost" json:"cost,omitempty"`
	TokensIn        int       `bun:"tokens_in" json:"tokens_in,omitempty"`
	TokensOut       int       `bun:"tokens_out" json:"tokens_out,omitempty"`
	DurationMs      int64     `bun:"duration_ms" json:"duration_ms,omitempty"`
	ContentJSON     string    `bun:"content_json,type:jsonb" json:"content_json,omitempty"`
	ContentHash     string    `bun:"content_hash" json:"content_hash,omitempty"`
	ContextHashes   StringArray `bun:"context_hashes,array" json:"context_hashes,omitempty"`
	CandidateIndex  *int      `bun:"candidate_index" json:"candidate_index,omitempty"`
	IsWinner        bool      `bun:"is_winner,default:false" json:"is_winner,omitempty"`
	MutationApplied string    `bun:"mutation_applied" json:"mutation_applied,omitempty"`
	MutationType    string    `bun:"mutation_type" json:"mutation_type,omitempty"`
	SpeciesHash     string    `bun:"species_hash" json:"species_hash,omitempty"`
	GenusHash       string    `bun:"genus_hash" json:"genus_hash,omitempty"`
	FullRequestJSON string    `bun:"full_request_json,type:jsonb" json:"full_request_json,omitempty"`

	// ContentEmbeddingJSON is a JSON-encoded float32 slice rather than a
	// pgvector column, since no vector-extension driver is wired into
	// go.mod; the RAG index (§4.10) does its own similarity scoring in Go.
	ContentEmbeddingJSON string `bun:"content_embedding_json,type:jsonb" json:"content_embedding_json,omitempty"`
}

// TableName returns the table name for LogRowModel.
func (LogRowModel) TableName() string {
	return "log_rows"
}

// BeforeInsert assigns defaults consistent with the teacher's model hooks.
func (l *LogRowModel) BeforeInsert(ctx interface{}) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	return nil
}
