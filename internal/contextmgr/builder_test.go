package contextmgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/pkg/models"
)

func newTestEcho() *models.Echo {
	echo := models.NewEcho("sess-1", "casc-1", "", 0)
	echo.State[engine.CascadeInputStateKey] = map[string]any{"topic": "widgets"}
	echo.AppendLineage("fetch", "fetched widget data", "", nil, 10)
	echo.AppendLineage("summarize", "widgets are great", "", nil, 20)
	echo.AppendHistory("user", "fetch all widgets please", map[string]any{"cell": "fetch"})
	echo.AppendHistory("assistant", "fetched widget data", map[string]any{"cell": "fetch"})
	echo.AppendHistory("assistant", "widgets are great", map[string]any{"cell": "summarize", "callout": "key-finding"})
	return echo
}

func testCell(name string, cfg *models.CellContext) *models.Cell {
	return &models.Cell{Name: name, Instructions: "summarize the widgets", Context: cfg}
}

func TestBuildContext_NoContextBlockFallsBackToLastOutput(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", nil), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "summarize", messages[0]["source_cell"])
	assert.Equal(t, "widgets are great", messages[0]["content"])
}

func TestBuildContext_ExplicitFromPrevious(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{From: []string{"previous"}}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "summarize", messages[0]["source_cell"])
}

func TestBuildContext_ExplicitFromAllDedupsAndOrders(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{From: []string{"all"}}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "fetch", messages[0]["source_cell"])
	assert.Equal(t, "summarize", messages[1]["source_cell"])
}

func TestBuildContext_ExplicitSourcesWithMessagesInclude(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{
		Sources: []*models.ContextSpec{
			{Cell: "fetch", Include: []string{"messages"}},
		},
	}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 2)
	for _, m := range messages {
		assert.Equal(t, "fetch", m["source_cell"])
	}
}

func TestBuildContext_ExplicitSourceConditionSkipsWhenFalse(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	echo.State["include_fetch"] = false
	cfg := &models.CellContext{
		Sources: []*models.ContextSpec{
			{Cell: "fetch", Include: []string{"output"}, Condition: "state.include_fetch == true"},
		},
	}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)
	assert.Empty(t, out["messages"])
}

func TestBuildContext_IncludeInputPrependsCascadeInput(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{From: []string{"previous"}, IncludeInput: true}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 2)
	assert.Equal(t, "input", messages[0]["kind"])
}

func TestBuildContext_AutoModeAnchorsAlwaysIncluded(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{
		Anchors: &models.Anchors{Cells: []string{"fetch"}},
	}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "fetch", messages[0]["source_cell"])
}

func TestBuildContext_AutoModeHeuristicSelectionRespectsMaxMessages(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{
		Selection: &models.Selection{Strategy: "heuristic", MaxMessages: 1},
	}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 1)
}

func TestBuildContext_AutoModeCalloutAnchorType(t *testing.T) {
	b := New(Config{})
	echo := newTestEcho()
	cfg := &models.CellContext{
		Anchors: &models.Anchors{Types: []string{"callouts"}},
	}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, testCell("report", cfg), echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0]["content"], "key-finding")
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if len(t) > 0 && t[0] == 'f' {
			out[i] = []float32{1, 0}
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func TestBuildContext_SemanticSelectionScoresByEmbedding(t *testing.T) {
	b := New(Config{Embedder: stubEmbedder{}})
	echo := models.NewEcho("sess-2", "casc-1", "", 0)
	echo.AppendHistory("user", "foo content", map[string]any{"cell": "a"})
	echo.AppendHistory("user", "bar content", map[string]any{"cell": "b"})

	cell := &models.Cell{Name: "report", Instructions: "foo", Context: &models.CellContext{
		Selection: &models.Selection{Strategy: "semantic", MaxMessages: 1},
	}}

	out, err := b.BuildContext(context.Background(), &models.Cascade{}, cell, echo)
	require.NoError(t, err)

	messages := out["messages"].([]map[string]any)
	require.Len(t, messages, 1)
	assert.Equal(t, "foo content", messages[0]["content"])
}

func TestEstimateTokens_MinimumOneForNonEmpty(t *testing.T) {
	assert.Equal(t, 0, estimateTokens(""))
	assert.GreaterOrEqual(t, estimateTokens("a"), 1)
	assert.Equal(t, 2, estimateTokens("12345678"))
}

func TestCosineSimilarity_IdenticalVectorsScoreOne(t *testing.T) {
	assert.InDelta(t, 1.0, cosineSimilarity([]float32{1, 2, 3}, []float32{1, 2, 3}), 1e-9)
	assert.Equal(t, 0.0, cosineSimilarity([]float32{0, 0}, []float32{1, 1}))
}
