package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RAGChunkModel backs pkg/models.RAGChunk — a single retrievable text
// fragment belonging to a persistent RAG corpus (spec §4.10).
type RAGChunkModel struct {
	bun.BaseModel `bun:"table:rag_chunks,alias:rc"`

	ID         uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	ChunkID    string    `bun:"chunk_id,notnull,unique" json:"chunk_id"`
	RagID      string    `bun:"rag_id,notnull" json:"rag_id"`
	DocID      string    `bun:"doc_id,notnull" json:"doc_id"`
	ChunkIndex int       `bun:"chunk_index,notnull" json:"chunk_index"`
	Text       string    `bun:"text,notnull" json:"text"`
	CharStart  int       `bun:"char_start" json:"char_start"`
	CharEnd    int       `bun:"char_end" json:"char_end"`
	// EmbeddingJSON is a JSON-encoded float32 slice; see LogRowModel for why
	// no pgvector column is used.
	EmbeddingJSON string    `bun:"embedding_json,type:jsonb" json:"embedding_json,omitempty"`
	CreatedAt     time.Time `bun:"created_at,notnull,default:current_timestamp" json:"created_at"`
}

// TableName returns the table name for RAGChunkModel.
func (RAGChunkModel) TableName() string {
	return "rag_chunks"
}

// RAGManifestModel backs pkg/models.RAGManifestEntry — the per-file
// fingerprint used to skip re-chunking/re-embedding unchanged source
// documents on corpus refresh.
type RAGManifestModel struct {
	bun.BaseModel `bun:"table:rag_manifest,alias:rm"`

	ID      uuid.UUID `bun:"id,pk,type:uuid,default:uuid_generate_v4()" json:"id"`
	RagID   string    `bun:"rag_id,notnull" json:"rag_id"`
	RelPath string    `bun:"rel_path,notnull" json:"rel_path"`
	Size    int64     `bun:"size,notnull" json:"size"`
	ModTime time.Time `bun:"mod_time,notnull" json:"mod_time"`
}

// TableName returns the table name for RAGManifestModel.
func (RAGManifestModel) TableName() string {
	return "rag_manifest"
}
