package ragindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascaded/pkg/models"
)

// fakeRepo is an in-memory Repository, standing in for
// internal/infrastructure/storage.RAGRepository so Build/Query can be
// exercised without embedded postgres.
type fakeRepo struct {
	chunks   map[string][]models.RAGChunk // docID -> rows
	manifest map[string]models.RAGManifestEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{chunks: map[string][]models.RAGChunk{}, manifest: map[string]models.RAGManifestEntry{}}
}

func (r *fakeRepo) UpsertChunks(_ context.Context, _, docID string, chunks []models.RAGChunk) error {
	if len(chunks) == 0 {
		delete(r.chunks, docID)
		return nil
	}
	r.chunks[docID] = chunks
	return nil
}

func (r *fakeRepo) FindByRagID(_ context.Context, ragID string) ([]models.RAGChunk, error) {
	var out []models.RAGChunk
	for _, rows := range r.chunks {
		for _, row := range rows {
			if row.RagID == ragID {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

func (r *fakeRepo) GetManifest(_ context.Context, ragID string) (map[string]models.RAGManifestEntry, error) {
	out := make(map[string]models.RAGManifestEntry)
	for k, v := range r.manifest {
		if v.RagID == ragID {
			out[k] = v
		}
	}
	return out, nil
}

func (r *fakeRepo) UpsertManifestEntry(_ context.Context, entry models.RAGManifestEntry) error {
	r.manifest[entry.RelPath] = entry
	return nil
}

func (r *fakeRepo) DeleteManifestEntry(_ context.Context, _, relPath string) error {
	delete(r.manifest, relPath)
	return nil
}

type fakeEmbedder struct {
	dim   int
	calls int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := float32(len(t)%50) / 50
		vec := make([]float32, f.dim)
		vec[0] = v
		vec[1%f.dim] = 1 - v
		out[i] = vec
	}
	return out, nil
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func TestIndex_Build_AddsNewFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "alpha document content about widgets and gadgets.")
	writeFile(t, dir, "sub/b.md", "beta document content about gizmos.")

	repo := newFakeRepo()
	idx := New(Config{
		Spec:     Spec{AbsDir: dir, Recursive: true, Include: []string{"*.md"}},
		Repo:     repo,
		Embedder: &fakeEmbedder{dim: 4},
	})

	report, err := idx.Build(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.md", "sub/b.md"}, report.Added)
	assert.Empty(t, report.Updated)
	assert.Empty(t, report.Removed)

	rows, err := repo.FindByRagID(context.Background(), idx.RagID())
	require.NoError(t, err)
	assert.NotEmpty(t, rows)
}

func TestIndex_Build_SkipsUnchangedOnSecondRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "unchanged content for the index")

	repo := newFakeRepo()
	embedder := &fakeEmbedder{dim: 4}
	idx := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: embedder})

	_, err := idx.Build(context.Background())
	require.NoError(t, err)
	callsAfterFirst := embedder.calls

	report, err := idx.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Added)
	assert.Empty(t, report.Updated)
	assert.Equal(t, 1, report.Unchanged)
	assert.Equal(t, callsAfterFirst, embedder.calls, "unchanged file should not be re-embedded")
}

func TestIndex_Build_RemovesDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "keep me")
	writeFile(t, dir, "b.md", "delete me")

	repo := newFakeRepo()
	idx := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: &fakeEmbedder{dim: 4}})
	_, err := idx.Build(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "b.md")))

	report, err := idx.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b.md"}, report.Removed)

	_, stillTracked := repo.manifest["b.md"]
	assert.False(t, stillTracked)
}

func TestIndex_Build_SkipsBinaryFiles(t *testing.T) {
	dir := t.TempDir()
	full := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(full, []byte{0x00, 0x01, 0x02, 'a', 'b'}, 0o644))

	repo := newFakeRepo()
	idx := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: &fakeEmbedder{dim: 4}})

	report, err := idx.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"blob.bin"}, report.Skipped)
	assert.Empty(t, report.Added)
}

func TestIndex_Build_RefusesDimensionDrift(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "first document")

	repo := newFakeRepo()
	idx := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: &fakeEmbedder{dim: 4}})
	_, err := idx.Build(context.Background())
	require.NoError(t, err)

	writeFile(t, dir, "b.md", "second document")
	idx2 := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: &fakeEmbedder{dim: 8}})
	_, err = idx2.Build(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dimension drift")
}

func TestIndex_Query_ReturnsTopKByCosine(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "widgets widgets widgets widgets widgets")
	writeFile(t, dir, "b.md", "gadgets gadgets")

	repo := newFakeRepo()
	idx := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: &fakeEmbedder{dim: 4}})
	_, err := idx.Build(context.Background())
	require.NoError(t, err)

	results, err := idx.Query(context.Background(), "widgets", 1, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
}

type fakeReranker struct{ called bool }

func (f *fakeReranker) Rerank(_ context.Context, _ string, candidates []string) ([]int, error) {
	f.called = true
	order := make([]int, len(candidates))
	for i := range candidates {
		order[i] = len(candidates) - 1 - i // reverse order, to prove the reranker's output wins
	}
	return order, nil
}

func TestIndex_Query_SmartUsesReranker(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "first doc content")
	writeFile(t, dir, "b.md", "second doc content")
	writeFile(t, dir, "c.md", "third doc content")

	repo := newFakeRepo()
	reranker := &fakeReranker{}
	idx := New(Config{Spec: Spec{AbsDir: dir, Recursive: true}, Repo: repo, Embedder: &fakeEmbedder{dim: 4}, Reranker: reranker})
	_, err := idx.Build(context.Background())
	require.NoError(t, err)

	_, err = idx.Query(context.Background(), "doc", 2, true)
	require.NoError(t, err)
	assert.True(t, reranker.called)
}

func TestMatchesFilters_IncludeExclude(t *testing.T) {
	assert.True(t, matchesFilters("docs/readme.md", []string{"*.md"}, nil))
	assert.False(t, matchesFilters("docs/readme.md", []string{"*.txt"}, nil))
	assert.False(t, matchesFilters("docs/readme.md", nil, []string{"*.md"}))
}
