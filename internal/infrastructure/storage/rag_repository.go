package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	storagemodels "github.com/smilemakc/cascaded/internal/infrastructure/storage/models"
	domainmodels "github.com/smilemakc/cascaded/pkg/models"
)

// RAGRepository persists the persistent RAG index's chunks and per-file
// manifest (spec §4.10), reusing the smart-merge-by-natural-key pattern the
// teacher used to sync workflow nodes/edges by logical ID.
type RAGRepository struct {
	db *bun.DB
}

// NewRAGRepository creates a new RAGRepository.
func NewRAGRepository(db *bun.DB) *RAGRepository {
	return &RAGRepository{db: db}
}

// UpsertChunks replaces all chunks for a document with the given set,
// keyed by chunk_id (the natural key chunking produces deterministically
// from doc_id+chunk_index).
func (r *RAGRepository) UpsertChunks(ctx context.Context, ragID, docID string, chunks []domainmodels.RAGChunk) error {
	return r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var existing []*storagemodels.RAGChunkModel
		err := tx.NewSelect().
			Model(&existing).
			Where("rag_id = ? AND doc_id = ?", ragID, docID).
			Scan(ctx)
		if err != nil && err != sql.ErrNoRows {
			return err
		}

		existingByKey := make(map[string]*storagemodels.RAGChunkModel, len(existing))
		for _, m := range existing {
			existingByKey[m.ChunkID] = m
		}

		incomingKeys := make(map[string]bool, len(chunks))
		for _, chunk := range chunks {
			incomingKeys[chunk.ChunkID] = true
			model := toRAGChunkModel(chunk)

			if prior, ok := existingByKey[chunk.ChunkID]; ok {
				model.ID = prior.ID
				model.CreatedAt = prior.CreatedAt
				if _, err := tx.NewUpdate().
					Model(model).
					Column("text", "char_start", "char_end", "embedding_json", "chunk_index").
					Where("id = ?", prior.ID).
					Exec(ctx); err != nil {
					return fmt.Errorf("update chunk %s: %w", chunk.ChunkID, err)
				}
				continue
			}

			model.ID = uuid.New()
			if _, err := tx.NewInsert().Model(model).Exec(ctx); err != nil {
				return fmt.Errorf("insert chunk %s: %w", chunk.ChunkID, err)
			}
		}

		for key, prior := range existingByKey {
			if !incomingKeys[key] {
				if _, err := tx.NewDelete().
					Model((*storagemodels.RAGChunkModel)(nil)).
					Where("id = ?", prior.ID).
					Exec(ctx); err != nil {
					return fmt.Errorf("delete stale chunk %s: %w", key, err)
				}
			}
		}

		return nil
	})
}

// FindByRagID returns every chunk belonging to a corpus, for in-memory
// similarity scoring by the RAG index (§4.10).
func (r *RAGRepository) FindByRagID(ctx context.Context, ragID string) ([]domainmodels.RAGChunk, error) {
	var rows []*storagemodels.RAGChunkModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("rag_id = ?", ragID).
		Order("doc_id ASC", "chunk_index ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domainmodels.RAGChunk, 0, len(rows))
	for _, m := range rows {
		out = append(out, fromRAGChunkModel(m))
	}
	return out, nil
}

// GetManifest returns the stored manifest entries for a corpus, keyed by
// relative path, so the index builder can skip unchanged files.
func (r *RAGRepository) GetManifest(ctx context.Context, ragID string) (map[string]domainmodels.RAGManifestEntry, error) {
	var rows []*storagemodels.RAGManifestModel
	err := r.db.NewSelect().
		Model(&rows).
		Where("rag_id = ?", ragID).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domainmodels.RAGManifestEntry, len(rows))
	for _, m := range rows {
		out[m.RelPath] = domainmodels.RAGManifestEntry{
			RagID:   m.RagID,
			RelPath: m.RelPath,
			Size:    m.Size,
			ModTime: m.ModTime,
		}
	}
	return out, nil
}

// UpsertManifestEntry records or updates a single file's fingerprint.
func (r *RAGRepository) UpsertManifestEntry(ctx context.Context, entry domainmodels.RAGManifestEntry) error {
	existing := new(storagemodels.RAGManifestModel)
	err := r.db.NewSelect().
		Model(existing).
		Where("rag_id = ? AND rel_path = ?", entry.RagID, entry.RelPath).
		Scan(ctx)

	if err == sql.ErrNoRows {
		model := &storagemodels.RAGManifestModel{
			ID:      uuid.New(),
			RagID:   entry.RagID,
			RelPath: entry.RelPath,
			Size:    entry.Size,
			ModTime: entry.ModTime,
		}
		_, err := r.db.NewInsert().Model(model).Exec(ctx)
		return err
	}
	if err != nil {
		return err
	}

	existing.Size = entry.Size
	existing.ModTime = entry.ModTime
	_, err = r.db.NewUpdate().
		Model(existing).
		Column("size", "mod_time").
		Where("id = ?", existing.ID).
		Exec(ctx)
	return err
}

// DeleteManifestEntry removes a single file's fingerprint, for when the
// persistent RAG index build (§4.10) finds a manifest-tracked file no
// longer present on disk.
func (r *RAGRepository) DeleteManifestEntry(ctx context.Context, ragID, relPath string) error {
	_, err := r.db.NewDelete().
		Model((*storagemodels.RAGManifestModel)(nil)).
		Where("rag_id = ? AND rel_path = ?", ragID, relPath).
		Exec(ctx)
	return err
}

func toRAGChunkModel(chunk domainmodels.RAGChunk) *storagemodels.RAGChunkModel {
	var embJSON string
	if len(chunk.Embedding) > 0 {
		b, _ := json.Marshal(chunk.Embedding)
		embJSON = string(b)
	}
	return &storagemodels.RAGChunkModel{
		ChunkID:       chunk.ChunkID,
		RagID:         chunk.RagID,
		DocID:         chunk.DocID,
		ChunkIndex:    chunk.ChunkIndex,
		Text:          chunk.Text,
		CharStart:     chunk.CharStart,
		CharEnd:       chunk.CharEnd,
		EmbeddingJSON: embJSON,
	}
}

func fromRAGChunkModel(m *storagemodels.RAGChunkModel) domainmodels.RAGChunk {
	var embedding []float32
	if m.EmbeddingJSON != "" {
		_ = json.Unmarshal([]byte(m.EmbeddingJSON), &embedding)
	}
	return domainmodels.RAGChunk{
		ChunkID:    m.ChunkID,
		RagID:      m.RagID,
		DocID:      m.DocID,
		ChunkIndex: m.ChunkIndex,
		Text:       m.Text,
		CharStart:  m.CharStart,
		CharEnd:    m.CharEnd,
		Embedding:  embedding,
	}
}
