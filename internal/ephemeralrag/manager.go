// Package ephemeralrag implements the §4.8 ephemeral RAG manager: one
// instance per cell execution, indexing oversized intermediate content
// (template data, tool results, context injections, message content) into
// session-and-cell-scoped search tools, cleaned up on cell exit.
//
// Grounded on internal/infrastructure/cache's Redis wrapper for scoped
// scratch storage (chunks live in a Redis hash per rag_id, deleted wholesale
// on Cleanup rather than aged out by TTL, since the manager knows exactly
// when the cell exits) and on go-openai for chunk embeddings.
package ephemeralrag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/smilemakc/cascaded/internal/infrastructure/cache"
	"github.com/smilemakc/cascaded/pkg/models"
)

const (
	defaultThresholdChars = 25_000
	defaultChunkSize      = 1000
	defaultChunkOverlap   = 200
)

// Reasoner scores a chunk's relevance to a query for "smart" search mode
// (§3.C supplemented feature: a one-line why_relevant string per result).
// Optional: a Manager with no Reasoner configured serves smart=true
// requests exactly like smart=false.
type Reasoner interface {
	WhyRelevant(ctx context.Context, query, chunkText string) (string, error)
}

// SearchTool describes the per-source search function generated for the
// LLM cell executor to expose as an additional tool.
type SearchTool struct {
	Name        string
	Description string
	RagID       string
}

// SearchResult is one scored chunk returned from a search tool call.
type SearchResult struct {
	ChunkID     string  `json:"chunk_id"`
	Text        string  `json:"text"`
	Score       float32 `json:"score"`
	WhyRelevant string  `json:"why_relevant,omitempty"`
}

// Config bundles Manager construction parameters.
type Config struct {
	Cache          *cache.RedisCache
	Embedder       EmbeddingProvider
	Reasoner       Reasoner
	SessionID      string
	CellName       string
	ThresholdChars int
	ChunkSize      int
	ChunkOverlap   int
}

// Manager is one §4.8 manager instance, scoped to a single cell execution.
type Manager struct {
	cache     *cache.RedisCache
	embedder  EmbeddingProvider
	reasoner  Reasoner
	sessionID string
	cellName  string

	thresholdChars int
	chunkSize      int
	chunkOverlap   int

	mu       sync.Mutex
	seenHash map[string]string // content hash -> rag_id, dedupe within the manager
	ragIDs   []string          // created this cell, for Cleanup
	tools    map[string]SearchTool
}

// New builds a Manager scoped to one session+cell execution.
func New(cfg Config) *Manager {
	threshold := cfg.ThresholdChars
	if threshold <= 0 {
		threshold = defaultThresholdChars
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	chunkOverlap := cfg.ChunkOverlap
	if chunkOverlap < 0 {
		chunkOverlap = defaultChunkOverlap
	}
	return &Manager{
		cache: cfg.Cache, embedder: cfg.Embedder, reasoner: cfg.Reasoner,
		sessionID: cfg.SessionID, cellName: cfg.CellName,
		thresholdChars: threshold, chunkSize: chunkSize, chunkOverlap: chunkOverlap,
		seenHash: make(map[string]string), tools: make(map[string]SearchTool),
	}
}

// IndexIfLarge is called at each of the four entry points named in §4.8
// (process_template_data, process_tool_result, process_context_injection,
// check_message_content). If content serializes to more than
// thresholdChars, it chunks, embeds, and stores it, returning a placeholder
// string and the generated search tool. Returns ("", nil, nil) when content
// is below threshold — the caller should use the original content
// unchanged in that case.
func (m *Manager) IndexIfLarge(ctx context.Context, source string, content any) (string, *SearchTool, error) {
	text, err := measure(content)
	if err != nil {
		return "", nil, fmt.Errorf("measuring content from %s: %w", source, err)
	}
	if len(text) <= m.thresholdChars {
		return "", nil, nil
	}

	hash := contentHash(text)

	m.mu.Lock()
	if ragID, ok := m.seenHash[hash]; ok {
		tool := m.tools[ragID]
		m.mu.Unlock()
		return placeholderMessage(source, len(text), tool.Name), &tool, nil
	}
	m.mu.Unlock()

	ragID := fmt.Sprintf("ephemeral_%s_%s_%s_%s", m.sessionID, m.cellName, sanitizeSource(source), hash[:12])

	chunks := chunkText(text, m.chunkSize, m.chunkOverlap)
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}

	vectors, err := m.embedder.Embed(ctx, texts)
	if err != nil {
		return "", nil, fmt.Errorf("embedding chunks for %s: %w", source, err)
	}

	rows := make([]models.RAGChunk, len(chunks))
	for i, c := range chunks {
		var emb []float32
		if i < len(vectors) {
			emb = vectors[i]
		}
		rows[i] = models.RAGChunk{
			ChunkID:    fmt.Sprintf("%s_%d", ragID, i),
			RagID:      ragID,
			DocID:      source,
			ChunkIndex: i,
			Text:       c.Text,
			CharStart:  c.Start,
			CharEnd:    c.End,
			Embedding:  emb,
		}
	}

	if err := m.store(ctx, ragID, rows); err != nil {
		return "", nil, err
	}

	toolName := fmt.Sprintf("search_%s_result", sanitizeSource(source))
	tool := SearchTool{
		Name:        toolName,
		RagID:       ragID,
		Description: fmt.Sprintf("Search the large %s content for relevant sections.", source),
	}

	m.mu.Lock()
	m.seenHash[hash] = ragID
	m.ragIDs = append(m.ragIDs, ragID)
	m.tools[ragID] = tool
	m.mu.Unlock()

	return placeholderMessage(source, len(text), toolName), &tool, nil
}

// Search runs the (query, limit, smart) search tool contract (§4.8).
func (m *Manager) Search(ctx context.Context, ragID, query string, limit int, smart bool) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := m.load(ctx, ragID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}

	queryVec, err := m.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding search query: %w", err)
	}
	if len(queryVec) == 0 {
		return nil, fmt.Errorf("embedding provider returned no vector for query")
	}
	qv := queryVec[0]

	results := make([]SearchResult, len(rows))
	for i, r := range rows {
		results[i] = SearchResult{ChunkID: r.ChunkID, Text: r.Text, Score: cosineSimilarity(qv, r.Embedding)}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}

	if smart && m.reasoner != nil {
		for i := range results {
			why, err := m.reasoner.WhyRelevant(ctx, query, results[i].Text)
			if err == nil {
				results[i].WhyRelevant = why
			}
		}
	}

	return results, nil
}

// Cleanup deletes every rag_id this manager created and clears its tool
// registrations. Must run on cell exit regardless of success/failure.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	ragIDs := m.ragIDs
	m.ragIDs = nil
	m.tools = make(map[string]SearchTool)
	m.seenHash = make(map[string]string)
	m.mu.Unlock()

	if len(ragIDs) == 0 {
		return nil
	}
	keys := make([]string, len(ragIDs))
	for i, id := range ragIDs {
		keys[i] = chunkSetKey(id)
	}
	return m.cache.Delete(ctx, keys...)
}

func (m *Manager) store(ctx context.Context, ragID string, rows []models.RAGChunk) error {
	fields := make(map[string]any, len(rows))
	for _, r := range rows {
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshaling chunk %s: %w", r.ChunkID, err)
		}
		fields[r.ChunkID] = payload
	}
	if err := m.cache.Client().HSet(ctx, chunkSetKey(ragID), fields).Err(); err != nil {
		return fmt.Errorf("storing chunks for %s: %w", ragID, err)
	}
	return nil
}

func (m *Manager) load(ctx context.Context, ragID string) ([]models.RAGChunk, error) {
	raw, err := m.cache.Client().HGetAll(ctx, chunkSetKey(ragID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading chunks for %s: %w", ragID, err)
	}
	rows := make([]models.RAGChunk, 0, len(raw))
	for _, v := range raw {
		var row models.RAGChunk
		if err := json.Unmarshal([]byte(v), &row); err != nil {
			return nil, fmt.Errorf("unmarshaling chunk for %s: %w", ragID, err)
		}
		rows = append(rows, row)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ChunkIndex < rows[j].ChunkIndex })
	return rows, nil
}

func chunkSetKey(ragID string) string {
	return fmt.Sprintf("ephemeralrag:%s", ragID)
}

func measure(content any) (string, error) {
	if s, ok := content.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

var sourceSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeSource(source string) string {
	return strings.Trim(sourceSanitizer.ReplaceAllString(source, "_"), "_")
}

// placeholderMessage matches §4.8's exact replacement text shape.
func placeholderMessage(source string, totalChars int, toolName string) string {
	return fmt.Sprintf(
		"[Large content from %s: %d chars. Use %s(query) to find relevant parts.]",
		source, totalChars, toolName,
	)
}

type rawChunk struct {
	Text  string
	Start int
	End   int
}

// chunkText splits text into overlapping windows, preferring a paragraph,
// then line, then sentence boundary within the last 30% of each window
// (§4.8 "prefer paragraph → line → sentence boundaries within the last 30%
// of each chunk").
func chunkText(text string, size, overlap int) []rawChunk {
	if size <= 0 {
		size = defaultChunkSize
	}
	n := len(text)
	if n == 0 {
		return nil
	}

	var chunks []rawChunk
	start := 0
	for start < n {
		end := start + size
		if end >= n {
			end = n
		} else {
			end = boundaryEnd(text, start, end)
		}
		chunks = append(chunks, rawChunk{Text: text[start:end], Start: start, End: end})
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

// boundaryEnd looks within the last 30% of [start,end) for the
// highest-priority boundary (paragraph > line > sentence), falling back to
// the raw window end when none is found.
func boundaryEnd(text string, start, end int) int {
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
