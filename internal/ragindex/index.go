// Package ragindex implements the §4.10 persistent, directory-scoped RAG
// index: a corpus identified by its build parameters, kept in sync with its
// source directory by manifest diffing rather than full rebuilds.
//
// Grounded on internal/infrastructure/storage's smart-merge-by-natural-key
// idiom (RAGRepository.UpsertChunks already diffs a document's chunk set
// against its prior rows); this package adds the file-system side of that
// diff — which documents changed at all — and the corpus-identity and
// query logic around it.
package ragindex

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/smilemakc/cascaded/internal/ephemeralrag"
	"github.com/smilemakc/cascaded/internal/infrastructure/storage"
	"github.com/smilemakc/cascaded/pkg/models"
)

const (
	defaultChunkChars   = 1200
	defaultChunkOverlap = 200
	binaryPeekBytes     = 1024
)

// Reranker reorders a smart-search candidate set by LLM judgment (§4.10
// "smart search": fetch 2-3x top_k, LLM-summarize-and-rerank). Optional —
// Query degrades to plain cosine ranking when none is configured.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []string) ([]int, error)
}

// Repository is the persistence surface ragindex needs from
// internal/infrastructure/storage.RAGRepository.
type Repository interface {
	UpsertChunks(ctx context.Context, ragID, docID string, chunks []models.RAGChunk) error
	FindByRagID(ctx context.Context, ragID string) ([]models.RAGChunk, error)
	GetManifest(ctx context.Context, ragID string) (map[string]models.RAGManifestEntry, error)
	UpsertManifestEntry(ctx context.Context, entry models.RAGManifestEntry) error
	DeleteManifestEntry(ctx context.Context, ragID, relPath string) error
}

var _ Repository = (*storage.RAGRepository)(nil)

// Spec identifies a persistent corpus. RagID is a deterministic hash of
// every field here, so two cells pointing at the same directory with the
// same filters/chunking/model share one corpus instead of duplicating it.
type Spec struct {
	AbsDir       string
	Recursive    bool
	Include      []string
	Exclude      []string
	ChunkChars   int
	ChunkOverlap int
	EmbedModel   string
}

// RagID computes the content-hash corpus identity (§4.10).
func (s Spec) RagID() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n%v\n%v\n%v\n%d\n%d\n%s", s.AbsDir, s.Recursive, s.Include, s.Exclude, s.chunkChars(), s.chunkOverlap(), s.EmbedModel)
	return "ragidx_" + hex.EncodeToString(h.Sum(nil))[:24]
}

func (s Spec) chunkChars() int {
	if s.ChunkChars > 0 {
		return s.ChunkChars
	}
	return defaultChunkChars
}

func (s Spec) chunkOverlap() int {
	if s.ChunkOverlap > 0 {
		return s.ChunkOverlap
	}
	return defaultChunkOverlap
}

// BuildReport summarizes one Build call, for logging/analytics.
type BuildReport struct {
	RagID     string
	Added     []string
	Updated   []string
	Removed   []string
	Unchanged int
	Skipped   []string // binary or excluded
}

// Index is one corpus's build+query surface.
type Index struct {
	spec     Spec
	repo     Repository
	embedder ephemeralrag.EmbeddingProvider
	reranker Reranker
}

// Config bundles Index construction parameters.
type Config struct {
	Spec     Spec
	Repo     Repository
	Embedder ephemeralrag.EmbeddingProvider
	Reranker Reranker
}

// New builds an Index for one corpus spec.
func New(cfg Config) *Index {
	return &Index{spec: cfg.Spec, repo: cfg.Repo, embedder: cfg.Embedder, reranker: cfg.Reranker}
}

// RagID returns this index's corpus identity.
func (idx *Index) RagID() string { return idx.spec.RagID() }

// Build walks the corpus directory and brings the stored chunks/manifest up
// to date: new or changed files are chunked, embedded, and upserted; files
// present in the manifest but no longer on disk have their chunks and
// manifest entry deleted (§4.10 manifest-diffing build).
func (idx *Index) Build(ctx context.Context) (*BuildReport, error) {
	ragID := idx.spec.RagID()
	report := &BuildReport{RagID: ragID}

	manifest, err := idx.repo.GetManifest(ctx, ragID)
	if err != nil {
		return nil, fmt.Errorf("loading manifest for %s: %w", ragID, err)
	}

	seen := make(map[string]bool, len(manifest))
	expectedDim, err := idx.sampleDimension(ctx, ragID)
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(idx.spec.AbsDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if !idx.spec.Recursive && path != idx.spec.AbsDir {
				return filepath.SkipDir
			}
			return nil
		}

		relPath, err := filepath.Rel(idx.spec.AbsDir, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)

		if !matchesFilters(relPath, idx.spec.Include, idx.spec.Exclude) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		isBinary, err := looksBinary(path)
		if err != nil {
			return err
		}
		if isBinary {
			report.Skipped = append(report.Skipped, relPath)
			return nil
		}

		seen[relPath] = true

		prior, known := manifest[relPath]
		if known && prior.Size == info.Size() && prior.ModTime.Equal(info.ModTime()) {
			report.Unchanged++
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", relPath, err)
		}

		chunks := chunkFile(string(content), idx.spec.chunkChars(), idx.spec.chunkOverlap())
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.text
		}

		vectors, err := idx.embedder.Embed(ctx, texts)
		if err != nil {
			return fmt.Errorf("embedding %s: %w", relPath, err)
		}
		if len(vectors) > 0 {
			if expectedDim == 0 {
				expectedDim = len(vectors[0])
			} else if len(vectors[0]) != expectedDim {
				return fmt.Errorf("embedding dimension drift in %s: corpus uses %d-dim vectors, got %d — refusing to mix embedding models in one rag_id", relPath, expectedDim, len(vectors[0]))
			}
		}

		rows := make([]models.RAGChunk, len(chunks))
		for i, c := range chunks {
			var emb []float32
			if i < len(vectors) {
				emb = vectors[i]
			}
			rows[i] = models.RAGChunk{
				ChunkID:    fmt.Sprintf("%s_%s_%d", ragID, sanitizeDocID(relPath), i),
				RagID:      ragID,
				DocID:      relPath,
				ChunkIndex: i,
				Text:       c.text,
				CharStart:  c.start,
				CharEnd:    c.end,
				Embedding:  emb,
			}
		}

		if err := idx.repo.UpsertChunks(ctx, ragID, relPath, rows); err != nil {
			return fmt.Errorf("upserting chunks for %s: %w", relPath, err)
		}
		if err := idx.repo.UpsertManifestEntry(ctx, models.RAGManifestEntry{
			RagID: ragID, RelPath: relPath, Size: info.Size(), ModTime: info.ModTime(),
		}); err != nil {
			return fmt.Errorf("recording manifest entry for %s: %w", relPath, err)
		}

		if known {
			report.Updated = append(report.Updated, relPath)
		} else {
			report.Added = append(report.Added, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for relPath := range manifest {
		if seen[relPath] {
			continue
		}
		if err := idx.repo.UpsertChunks(ctx, ragID, relPath, nil); err != nil {
			return nil, fmt.Errorf("deleting chunks for removed file %s: %w", relPath, err)
		}
		if err := idx.repo.DeleteManifestEntry(ctx, ragID, relPath); err != nil {
			return nil, fmt.Errorf("deleting manifest entry for removed file %s: %w", relPath, err)
		}
		report.Removed = append(report.Removed, relPath)
	}

	sort.Strings(report.Added)
	sort.Strings(report.Updated)
	sort.Strings(report.Removed)
	return report, nil
}

// sampleDimension returns the embedding width already stored for this
// corpus, or 0 if the corpus is empty — used to detect mid-corpus model
// drift as soon as the first new vector lands.
func (idx *Index) sampleDimension(ctx context.Context, ragID string) (int, error) {
	rows, err := idx.repo.FindByRagID(ctx, ragID)
	if err != nil {
		return 0, fmt.Errorf("sampling existing corpus dimension: %w", err)
	}
	for _, r := range rows {
		if len(r.Embedding) > 0 {
			return len(r.Embedding), nil
		}
	}
	return 0, nil
}

// Result is one scored chunk returned from Query.
type Result struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Text    string  `json:"text"`
	Score   float32 `json:"score"`
}

// Query embeds the query with the corpus's embedding model and returns the
// topK most similar chunks by cosine similarity. smart=true widens the
// candidate pool to 3x topK and reranks with the configured Reranker,
// degrading to plain cosine ranking when none is set (§4.10 "smart
// search").
func (idx *Index) Query(ctx context.Context, query string, topK int, smart bool) ([]Result, error) {
	if topK <= 0 {
		topK = 5
	}
	ragID := idx.spec.RagID()
	rows, err := idx.repo.FindByRagID(ctx, ragID)
	if err != nil {
		return nil, fmt.Errorf("loading corpus %s: %w", ragID, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	queryVec, err := idx.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vector for query")
	}
	qv := queryVec[0]

	scored := make([]Result, len(rows))
	for i, r := range rows {
		scored[i] = Result{ChunkID: r.ChunkID, DocID: r.DocID, Text: r.Text, Score: cosineSimilarity(qv, r.Embedding)}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	poolSize := topK
	if smart && idx.reranker != nil {
		poolSize = topK * 3
	}
	if poolSize > len(scored) {
		poolSize = len(scored)
	}
	pool := scored[:poolSize]

	if smart && idx.reranker != nil {
		candidates := make([]string, len(pool))
		for i, r := range pool {
			candidates[i] = r.Text
		}
		order, err := idx.reranker.Rerank(ctx, query, candidates)
		if err == nil && len(order) > 0 {
			reranked := make([]Result, 0, len(order))
			for _, i := range order {
				if i >= 0 && i < len(pool) {
					reranked = append(reranked, pool[i])
				}
			}
			pool = reranked
		}
	}

	if len(pool) > topK {
		pool = pool[:topK]
	}
	return pool, nil
}

type fileChunk struct {
	text  string
	start int
	end   int
}

// chunkFile splits file content into overlapping windows, preferring a
// paragraph, then line, then sentence boundary within the last 30% of each
// window — the same boundary-preference order internal/ephemeralrag uses,
// reimplemented here since that package's chunkText is unexported.
func chunkFile(text string, size, overlap int) []fileChunk {
	n := len(text)
	if n == 0 {
		return nil
	}

	var chunks []fileChunk
	start := 0
	for start < n {
		end := start + size
		if end >= n {
			end = n
		} else {
			end = fileBoundaryEnd(text, start, end)
		}
		chunks = append(chunks, fileChunk{text: text[start:end], start: start, end: end})
		if end >= n {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

func fileBoundaryEnd(text string, start, end int) int {
	windowStart := end - (end-start)*3/10
	if windowStart < start {
		windowStart = start
	}
	window := text[windowStart:end]

	if idx := strings.LastIndex(window, "\n\n"); idx >= 0 {
		return windowStart + idx + 2
	}
	if idx := strings.LastIndex(window, "\n"); idx >= 0 {
		return windowStart + idx + 1
	}
	if idx := strings.LastIndex(window, ". "); idx >= 0 {
		return windowStart + idx + 2
	}
	return end
}

// looksBinary peeks the first 1KiB for a NUL byte, the same heuristic git
// and most text tools use to classify a file as binary.
func looksBinary(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	buf := make([]byte, binaryPeekBytes)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false, nil
	}
	return bytes.IndexByte(buf[:n], 0) >= 0, nil
}

// matchesFilters applies include (if any) then exclude glob patterns
// against both the full relative path and its base name.
func matchesFilters(relPath string, include, exclude []string) bool {
	if len(include) > 0 && !matchAny(include, relPath) {
		return false
	}
	if matchAny(exclude, relPath) {
		return false
	}
	return true
}

func matchAny(patterns []string, relPath string) bool {
	base := filepath.Base(relPath)
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, relPath); ok {
			return true
		}
		if ok, _ := filepath.Match(p, base); ok {
			return true
		}
	}
	return false
}

var docIDSanitizer = strings.NewReplacer("/", "_", "\\", "_", " ", "_")

func sanitizeDocID(relPath string) string {
	return docIDSanitizer.Replace(relPath)
}

// cosineSimilarity scores two embedding vectors, independently reimplemented
// here (not imported from internal/ephemeralrag, which keeps its copy
// unexported) on the same
// `_examples/haasonsaas-nexus/internal/memory/backend/lancedb/backend.go`
// shape.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
