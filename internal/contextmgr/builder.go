// Package contextmgr implements the §4.9 context manager: explicit
// cell-to-cell wiring via `context.from`/`context.sources`, and auto mode's
// always-included anchors plus scored selection beyond them.
//
// Grounded on internal/application/template's VariableContext precedence
// idiom (execution > workflow > input, here inter-cell sources > anchors >
// scored selection) for the shape of "layered context with clear
// precedence", on internal/application/engine's ConditionCache for
// condition-expression evaluation (the same expr-lang/expr compiled-program
// cache the runner's router uses for routing conditions), and on
// `_examples/haasonsaas-nexus/internal/context/window.go`'s chars/4
// EstimateTokens heuristic for token-budget accounting.
package contextmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/expr-lang/expr"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/pkg/models"
)

const tokensPerChar = 0.25

// Embedder turns text into a vector for selection.strategy=semantic scoring.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Selector asks a cheap model to pick relevant summaries, for
// selection.strategy=llm/hybrid.
type Selector interface {
	SelectRelevant(ctx context.Context, query string, summaries []string) ([]int, error)
}

// Config bundles Builder construction parameters. Embedder and Selector are
// optional: semantic/llm/hybrid strategies degrade to heuristic scoring
// when their backing dependency isn't configured rather than failing
// context selection outright.
type Config struct {
	Embedder   Embedder
	Selector   Selector
	Conditions *engine.ConditionCache
}

// Builder implements engine.ContextBuilder.
type Builder struct {
	embedder   Embedder
	selector   Selector
	conditions *engine.ConditionCache
}

// New builds a Builder. A nil Conditions cache gets its own 256-entry one.
func New(cfg Config) *Builder {
	cc := cfg.Conditions
	if cc == nil {
		cc = engine.NewConditionCache(256)
	}
	return &Builder{embedder: cfg.Embedder, selector: cfg.Selector, conditions: cc}
}

// entry is one candidate context message before selection/budgeting.
type entry struct {
	role       string
	content    string
	sourceCell string
	kind       string // output|messages|state|images|input|callouts|errors
	turnIndex  int
	callout    string
}

// BuildContext implements engine.ContextBuilder (§4.9).
func (b *Builder) BuildContext(ctx context.Context, cascade *models.Cascade, cell *models.Cell, echo *models.Echo) (map[string]any, error) {
	cfg := cell.Context

	var entries []entry
	var err error
	switch {
	case cfg == nil:
		entries = b.defaultEntries(echo)
	case len(cfg.From) > 0 || len(cfg.Sources) > 0:
		entries, err = b.explicit(ctx, cascade, cell, echo, cfg)
	default:
		entries, err = b.auto(ctx, cell, echo, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("building context for cell %s: %w", cell.Name, err)
	}

	if cfg != nil && cfg.IncludeInput {
		if input, ok := echo.State[engine.CascadeInputStateKey]; ok {
			entries = append([]entry{{role: "user", content: renderAny(input), kind: "input"}}, entries...)
		}
	}

	return render(entries), nil
}

// defaultEntries is what a cell with no context block gets: just the
// immediately previous cell's output, so the LLM executor still has
// something to work from.
func (b *Builder) defaultEntries(echo *models.Echo) []entry {
	if len(echo.Lineage) == 0 {
		return nil
	}
	last := echo.Lineage[len(echo.Lineage)-1]
	return []entry{{role: "assistant", content: renderAny(last.Output), sourceCell: last.Cell, kind: "output"}}
}

// explicit resolves §4.9's explicit mode: `from` keywords/cell names plus
// structured `sources` specs.
func (b *Builder) explicit(ctx context.Context, cascade *models.Cascade, cell *models.Cell, echo *models.Echo, cfg *models.CellContext) ([]entry, error) {
	order := b.resolveFrom(cfg.From, echo)

	specByCell := make(map[string]*models.ContextSpec, len(cfg.Sources))
	for _, s := range cfg.Sources {
		if s.Cell != "" {
			specByCell[s.Cell] = s
		}
	}
	for _, s := range cfg.Sources {
		if s.Cell == "" {
			continue
		}
		found := false
		for _, n := range order {
			if n == s.Cell {
				found = true
				break
			}
		}
		if !found {
			order = append(order, s.Cell)
		}
	}

	var out []entry
	for _, cellName := range order {
		spec := specByCell[cellName]
		if spec == nil {
			spec = &models.ContextSpec{Cell: cellName, Include: []string{"output"}}
		}
		if spec.Condition != "" {
			ok, err := b.evalCondition(spec.Condition, echo, cell)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		out = append(out, gatherSpec(echo, spec)...)
	}
	return out, nil
}

// resolveFrom expands "all"/"first"/"previous" against completed cells in
// echo.Lineage, preserving completion order and first-occurrence dedup.
func (b *Builder) resolveFrom(from []string, echo *models.Echo) []string {
	seen := map[string]bool{}
	var names []string
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, f := range from {
		switch f {
		case "all":
			for _, l := range echo.Lineage {
				add(l.Cell)
			}
		case "first":
			if len(echo.Lineage) > 0 {
				add(echo.Lineage[0].Cell)
			}
		case "previous":
			if len(echo.Lineage) > 0 {
				add(echo.Lineage[len(echo.Lineage)-1].Cell)
			}
		default:
			add(f)
		}
	}
	return names
}

// gatherSpec pulls the requested include kinds for one source cell.
func gatherSpec(echo *models.Echo, spec *models.ContextSpec) []entry {
	include := spec.Include
	if len(include) == 0 {
		include = []string{"output"}
	}
	role := spec.AsRole
	if role == "" {
		role = "assistant"
	}

	var out []entry
	for _, kind := range include {
		switch kind {
		case "output":
			if output, ok := echo.Outputs[spec.Cell]; ok {
				out = append(out, entry{role: role, content: renderAny(output), sourceCell: spec.Cell, kind: "output"})
			}
		case "messages":
			for i, h := range echo.History {
				if cellOf(h) != spec.Cell {
					continue
				}
				if spec.MessagesFilter != "" && !strings.Contains(strings.ToLower(h.Content), strings.ToLower(spec.MessagesFilter)) {
					continue
				}
				out = append(out, entry{role: role, content: h.Content, sourceCell: spec.Cell, kind: "messages", turnIndex: i, callout: calloutOf(h)})
			}
		case "state":
			out = append(out, entry{role: role, content: renderAny(echo.State), sourceCell: spec.Cell, kind: "state"})
		case "images":
			for _, h := range echo.History {
				if cellOf(h) != spec.Cell {
					continue
				}
				imgs, ok := h.Metadata["images"]
				if !ok {
					continue
				}
				if spec.ImagesFilter != "" {
					tag, _ := h.Metadata["images_tag"].(string)
					if tag != spec.ImagesFilter {
						continue
					}
				}
				out = append(out, entry{role: role, content: renderAny(imgs), sourceCell: spec.Cell, kind: "images"})
			}
		}
	}
	return out
}

// auto resolves §4.9's auto mode: anchors always included, then
// selection.strategy scores everything else.
func (b *Builder) auto(ctx context.Context, cell *models.Cell, echo *models.Echo, cfg *models.CellContext) ([]entry, error) {
	seen := map[int]bool{}
	var out []entry

	if cfg.Anchors != nil {
		out = append(out, gatherAnchors(echo, cfg.Anchors, seen)...)
	}

	if cfg.Selection != nil {
		candidates := candidatesBeyondAnchors(echo, seen)
		selected, err := b.selectByStrategy(ctx, cell, cfg.Selection, candidates)
		if err != nil {
			return nil, err
		}
		out = append(out, selected...)
	}

	return out, nil
}

func gatherAnchors(echo *models.Echo, anchors *models.Anchors, seen map[int]bool) []entry {
	var out []entry

	for _, cellName := range anchors.Cells {
		if output, ok := echo.Outputs[cellName]; ok {
			out = append(out, entry{role: "assistant", content: renderAny(output), sourceCell: cellName, kind: "output"})
		}
	}

	if anchors.LastNTurns > 0 {
		start := len(echo.History) - anchors.LastNTurns
		if start < 0 {
			start = 0
		}
		for i := start; i < len(echo.History); i++ {
			if seen[i] {
				continue
			}
			seen[i] = true
			h := echo.History[i]
			out = append(out, entry{role: h.Role, content: h.Content, sourceCell: cellOf(h), kind: "messages", turnIndex: i, callout: calloutOf(h)})
		}
	}

	for _, t := range anchors.Types {
		switch t {
		case "output":
			for cellName, output := range echo.Outputs {
				out = append(out, entry{role: "assistant", content: renderAny(output), sourceCell: cellName, kind: "output"})
			}
		case "callouts":
			for i, h := range echo.History {
				if seen[i] {
					continue
				}
				if c := calloutOf(h); c != "" {
					out = append(out, entry{role: h.Role, content: fmt.Sprintf("[%s] %s", c, h.Content), sourceCell: cellOf(h), kind: "callouts", turnIndex: i, callout: c})
				}
			}
		case "input":
			if v, ok := echo.State[engine.CascadeInputStateKey]; ok {
				out = append(out, entry{role: "user", content: renderAny(v), kind: "input"})
			}
		case "errors":
			for i, h := range echo.History {
				if seen[i] {
					continue
				}
				if h.Role == "tool" && strings.Contains(h.Content, `"error"`) {
					out = append(out, entry{role: h.Role, content: h.Content, sourceCell: cellOf(h), kind: "errors", turnIndex: i})
				}
			}
		}
	}

	return out
}

func candidatesBeyondAnchors(echo *models.Echo, seen map[int]bool) []entry {
	var out []entry
	for i, h := range echo.History {
		if seen[i] {
			continue
		}
		out = append(out, entry{role: h.Role, content: h.Content, sourceCell: cellOf(h), kind: "messages", turnIndex: i, callout: calloutOf(h)})
	}
	return out
}

type scoredEntry struct {
	entry entry
	score float64
}

const hybridPrefilterSize = 20

func (b *Builder) selectByStrategy(ctx context.Context, cell *models.Cell, sel *models.Selection, candidates []entry) ([]entry, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	query := cell.Instructions

	var scored []scoredEntry
	var err error
	switch sel.Strategy {
	case "semantic":
		scored, err = b.scoreSemantic(ctx, query, candidates)
	case "llm":
		scored, err = b.scoreLLM(ctx, query, candidates)
	case "hybrid":
		scored, err = b.scoreLLM(ctx, query, heuristicTopN(query, candidates, hybridPrefilterSize))
	default:
		scored = heuristicScore(query, candidates)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].entry.turnIndex > scored[j].entry.turnIndex // tie-break: most recent first
	})

	if sel.Threshold > 0 {
		filtered := scored[:0]
		for _, s := range scored {
			if s.score >= sel.Threshold {
				filtered = append(filtered, s)
			}
		}
		scored = filtered
	}

	out := make([]entry, 0, len(scored))
	tokens := 0
	for _, s := range scored {
		if sel.MaxMessages > 0 && len(out) >= sel.MaxMessages {
			break
		}
		t := estimateTokens(s.entry.content)
		if sel.MaxTokens > 0 && tokens+t > sel.MaxTokens {
			continue
		}
		tokens += t
		out = append(out, s.entry)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].turnIndex < out[j].turnIndex })
	return out, nil
}

// heuristicScore is §4.9's weighted sum of keyword-overlap, recency, and
// callout-tag score.
func heuristicScore(query string, candidates []entry) []scoredEntry {
	queryWords := tokenize(query)
	maxIdx := 0
	for _, c := range candidates {
		if c.turnIndex > maxIdx {
			maxIdx = c.turnIndex
		}
	}

	out := make([]scoredEntry, len(candidates))
	for i, c := range candidates {
		overlap := keywordOverlap(queryWords, tokenize(c.content))
		recency := 0.0
		if maxIdx > 0 {
			recency = float64(c.turnIndex) / float64(maxIdx)
		}
		calloutBoost := 0.0
		if c.callout != "" {
			calloutBoost = 1.0
		}
		out[i] = scoredEntry{entry: c, score: 0.5*overlap + 0.3*recency + 0.2*calloutBoost}
	}
	return out
}

func heuristicTopN(query string, candidates []entry, n int) []entry {
	scored := heuristicScore(query, candidates)
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > n {
		scored = scored[:n]
	}
	out := make([]entry, len(scored))
	for i, s := range scored {
		out[i] = s.entry
	}
	return out
}

func (b *Builder) scoreSemantic(ctx context.Context, query string, candidates []entry) ([]scoredEntry, error) {
	if b.embedder == nil {
		return heuristicScore(query, candidates), nil
	}

	texts := make([]string, len(candidates)+1)
	texts[0] = query
	for i, c := range candidates {
		texts[i+1] = c.content
	}
	vectors, err := b.embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding context candidates: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(vectors), len(texts))
	}

	qv := vectors[0]
	out := make([]scoredEntry, len(candidates))
	for i, c := range candidates {
		out[i] = scoredEntry{entry: c, score: float64(cosineSimilarity(qv, vectors[i+1]))}
	}
	return out, nil
}

func (b *Builder) scoreLLM(ctx context.Context, query string, candidates []entry) ([]scoredEntry, error) {
	if b.selector == nil {
		return heuristicScore(query, candidates), nil
	}

	summaries := make([]string, len(candidates))
	for i, c := range candidates {
		summaries[i] = summarize(c.content)
	}
	indices, err := b.selector.SelectRelevant(ctx, query, summaries)
	if err != nil {
		return nil, fmt.Errorf("llm context selection: %w", err)
	}
	chosen := make(map[int]bool, len(indices))
	for _, idx := range indices {
		chosen[idx] = true
	}

	out := make([]scoredEntry, len(candidates))
	for i, c := range candidates {
		score := 0.0
		if chosen[i] {
			score = 1.0
		}
		out[i] = scoredEntry{entry: c, score: score}
	}
	return out, nil
}

func (b *Builder) evalCondition(condition string, echo *models.Echo, cell *models.Cell) (bool, error) {
	env := map[string]any{"state": echo.State, "outputs": echo.Outputs, "cell": cell.Name}
	prog, err := b.conditions.CompileAndCache(condition, env)
	if err != nil {
		return false, fmt.Errorf("compiling context condition %q: %w", condition, err)
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("evaluating context condition %q: %w", condition, err)
	}
	passed, _ := out.(bool)
	return passed, nil
}

func render(entries []entry) map[string]any {
	messages := make([]map[string]any, len(entries))
	for i, e := range entries {
		messages[i] = map[string]any{
			"role":        e.role,
			"content":     e.content,
			"source_cell": e.sourceCell,
			"kind":        e.kind,
		}
	}
	return map[string]any{"messages": messages}
}

func cellOf(h models.HistoryEntry) string {
	if h.Metadata == nil {
		return ""
	}
	c, _ := h.Metadata["cell"].(string)
	return c
}

func calloutOf(h models.HistoryEntry) string {
	if h.Metadata == nil {
		return ""
	}
	c, _ := h.Metadata["callout"].(string)
	return c
}

func renderAny(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

func tokenize(s string) map[string]bool {
	words := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	out := make(map[string]bool, len(words))
	for _, w := range words {
		if len(w) > 2 {
			out[w] = true
		}
	}
	return out
}

func keywordOverlap(query, candidate map[string]bool) float64 {
	if len(query) == 0 || len(candidate) == 0 {
		return 0
	}
	hits := 0
	for w := range query {
		if candidate[w] {
			hits++
		}
	}
	return float64(hits) / float64(len(query))
}

// summarize truncates content to a short preview for LLM-strategy selection,
// so the selector model reasons over summaries rather than full transcripts.
func summarize(content string) string {
	const maxLen = 240
	if utf8.RuneCountInString(content) <= maxLen {
		return content
	}
	runes := []rune(content)
	return string(runes[:maxLen]) + "…"
}

// cosineSimilarity scores two embedding vectors for semantic-strategy
// selection, grounded on the same
// `_examples/haasonsaas-nexus/internal/memory/backend/lancedb/backend.go`
// dot/norm pattern used by internal/ephemeralrag's embedding scorer;
// reimplemented here rather than imported since that one is unexported.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// estimateTokens is the chars/4 heuristic grounded on
// `_examples/haasonsaas-nexus/internal/context/window.go`'s EstimateTokens.
func estimateTokens(text string) int {
	chars := utf8.RuneCountInString(text)
	tokens := int(float64(chars) * tokensPerChar)
	if tokens < 1 && chars > 0 {
		tokens = 1
	}
	return tokens
}
