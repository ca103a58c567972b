package models

import (
	"encoding/json"
	"fmt"
)

// CellType discriminates which variant of a Cell is populated.
type CellType string

const (
	CellTypeLLM           CellType = "llm"           // has Instructions
	CellTypeDeterministic CellType = "deterministic" // has Tool
	CellTypeSQLMapping    CellType = "sql_mapping"   // has ForEachRow
	CellTypeScreen        CellType = "screen"        // has HTMX
)

// Cascade is a named workflow graph of cells (§3 Identities / §6 wire format).
type Cascade struct {
	CascadeID string `json:"cascade_id" yaml:"cascade_id"`

	Cells []*Cell `json:"cells" yaml:"cells"`
	Edges []*Edge `json:"edges,omitempty" yaml:"edges,omitempty"`

	InputsSchema  map[string]string `json:"inputs_schema,omitempty" yaml:"inputs_schema,omitempty"`
	Candidates    *CandidatesConfig `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	TokenBudget   *TokenBudget      `json:"token_budget,omitempty" yaml:"token_budget,omitempty"`
	ToolCaching   *ToolCachingConfig `json:"tool_caching,omitempty" yaml:"tool_caching,omitempty"`
	ResearchDB    string            `json:"research_db,omitempty" yaml:"research_db,omitempty"`
	Validators    map[string]*ValidatorSpec `json:"validators,omitempty" yaml:"validators,omitempty"`
	Narrator      *NarratorConfig   `json:"narrator,omitempty" yaml:"narrator,omitempty"`
	AutoContext   map[string]any    `json:"auto_context,omitempty" yaml:"auto_context,omitempty"`

	// Triggers is kept only as pass-through wire data: trigger dispatch is
	// out of scope, but the document format must still round-trip it.
	Triggers []map[string]any `json:"triggers,omitempty" yaml:"triggers,omitempty"`
}

// ToolCachingConfig is the decoded tool_caching section (supplemented
// feature, grounded on windlass/tools_mgmt.py). No tool cache is
// implemented; nothing in the module reads this config.
type ToolCachingConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	TTL     string `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// NarratorConfig is the decoded narrator section. No narrator event-bus
// subscriber is implemented; nothing in the module reads this config.
type NarratorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Template string `json:"template,omitempty" yaml:"template,omitempty"`
}

// TokenBudget is the cascade-level context token budget (§4.9).
type TokenBudget struct {
	MaxTotal         int    `json:"max_total" yaml:"max_total"`
	Strategy         string `json:"strategy" yaml:"strategy"` // sliding_window|prune_oldest|summarize|fail
	ReserveForOutput int    `json:"reserve_for_output,omitempty" yaml:"reserve_for_output,omitempty"`
}

// ValidatorSpec is a sum type: a named reference, a polyglot inline block,
// or an explicit {tool, inputs} dict (§4.3).
type ValidatorSpec struct {
	Name     string         `json:"name,omitempty" yaml:"name,omitempty"`
	Language string         `json:"language,omitempty" yaml:"language,omitempty"` // python|javascript|sql|clojure|bash
	Code     string         `json:"code,omitempty" yaml:"code,omitempty"`
	Tool     string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	Inputs   map[string]any `json:"inputs,omitempty" yaml:"inputs,omitempty"`
}

// Kind reports which sum-type arm is populated.
func (v *ValidatorSpec) Kind() string {
	switch {
	case v.Tool != "":
		return "explicit"
	case v.Language != "":
		return "inline"
	default:
		return "named"
	}
}

// Ward is a validator run at pre/post/turn position (§4.4).
type Ward struct {
	Validator        *ValidatorSpec `json:"validator" yaml:"validator"`
	Mode             string         `json:"mode" yaml:"mode"` // blocking|advisory|retry
	MaxAttempts      int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	RetryInstructions string        `json:"retry_instructions,omitempty" yaml:"retry_instructions,omitempty"`
}

// Wards groups a cell's pre/post/turn ward lists.
type Wards struct {
	Pre  []*Ward `json:"pre,omitempty" yaml:"pre,omitempty"`
	Post []*Ward `json:"post,omitempty" yaml:"post,omitempty"`
	Turn []*Ward `json:"turn,omitempty" yaml:"turn,omitempty"`
}

// DecisionPoints configures <decision> block suspension (§4.7).
type DecisionPoints struct {
	Enabled bool              `json:"enabled" yaml:"enabled"`
	Routing map[string]string `json:"routing,omitempty" yaml:"routing,omitempty"` // option.id -> "continue"|"retry"|cell name|"fail"
}

// Callouts tags turns/outputs with a rendered label (§4.9).
type Callouts struct {
	Template    string `json:"template" yaml:"template"`
	EveryTurn   bool   `json:"every_turn,omitempty" yaml:"every_turn,omitempty"`
}

// Rules holds loop_until and related per-turn validation config (§4.7).
type Rules struct {
	LoopUntil        *ValidatorSpec `json:"loop_until,omitempty" yaml:"loop_until,omitempty"`
	LoopUntilSilent  bool           `json:"loop_until_silent,omitempty" yaml:"loop_until_silent,omitempty"`
	LoopHistoryLimit int            `json:"loop_history_limit,omitempty" yaml:"loop_history_limit,omitempty"`
}

// IntraContext configures intra-cell context compression between turns (§4.9).
type IntraContext struct {
	Window           int `json:"window,omitempty" yaml:"window,omitempty"`
	LoopHistoryLimit int `json:"loop_history_limit,omitempty" yaml:"loop_history_limit,omitempty"`
}

// SubCascadeRef invokes a cascade synchronously or asynchronously from a cell.
type SubCascadeRef struct {
	Ref       string            `json:"ref" yaml:"ref"`
	InputMap  map[string]string `json:"input_map,omitempty" yaml:"input_map,omitempty"`
	ContextIn bool              `json:"context_in" yaml:"context_in"`
	Trigger   string            `json:"trigger,omitempty" yaml:"trigger,omitempty"` // on_start|on_end, async only
}

// OnError describes error-handling for a deterministic cell (§4.6).
type OnError struct {
	CellName     string         `json:"cell_name,omitempty" yaml:"cell_name,omitempty"`
	AutoFix      bool           `json:"auto_fix,omitempty" yaml:"auto_fix,omitempty"`
	Instructions string         `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	MaxAttempts  int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
}

// ContextSpec is one source in a cell's context block (§4.9).
type ContextSpec struct {
	Cell            string   `json:"cell,omitempty" yaml:"cell,omitempty"`
	Include         []string `json:"include,omitempty" yaml:"include,omitempty"` // images|output|messages|state
	ImagesFilter    string   `json:"images_filter,omitempty" yaml:"images_filter,omitempty"`
	MessagesFilter  string   `json:"messages_filter,omitempty" yaml:"messages_filter,omitempty"`
	AsRole          string   `json:"as_role,omitempty" yaml:"as_role,omitempty"`
	Condition       string   `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// CellContext configures inter-cell context selection (§4.9).
type CellContext struct {
	From        []string       `json:"from,omitempty" yaml:"from,omitempty"` // cell names or "all"/"first"/"previous"
	Sources     []*ContextSpec `json:"sources,omitempty" yaml:"sources,omitempty"`
	IncludeInput bool          `json:"include_input,omitempty" yaml:"include_input,omitempty"`
	Anchors     *Anchors       `json:"anchors,omitempty" yaml:"anchors,omitempty"`
	Selection   *Selection     `json:"selection,omitempty" yaml:"selection,omitempty"`
}

// Anchors are always-included prior content (§4.9).
type Anchors struct {
	Cells       []string `json:"cells,omitempty" yaml:"cells,omitempty"`
	LastNTurns  int      `json:"last_n_turns,omitempty" yaml:"last_n_turns,omitempty"`
	Types       []string `json:"types,omitempty" yaml:"types,omitempty"` // output|callouts|input|errors
}

// Selection configures scored context selection beyond anchors (§4.9).
type Selection struct {
	Strategy    string  `json:"strategy" yaml:"strategy"` // heuristic|semantic|llm|hybrid
	Threshold   float64 `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	MaxMessages int     `json:"max_messages,omitempty" yaml:"max_messages,omitempty"`
}

// Cell is one node of a cascade; a typed discriminated union of exactly one
// of LLM / deterministic / SQL-mapping / screen (§3).
type Cell struct {
	Name     string   `json:"name" yaml:"name"`
	Handoffs []string `json:"handoffs,omitempty" yaml:"handoffs,omitempty"`
	Routing  map[string]string `json:"routing,omitempty" yaml:"routing,omitempty"`

	// Exactly one of the following four is set.
	Instructions string         `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Tool         string         `json:"tool,omitempty" yaml:"tool,omitempty"`
	ForEachRow   *ForEachRowSpec `json:"for_each_row,omitempty" yaml:"for_each_row,omitempty"`
	HTMX         string         `json:"htmx,omitempty" yaml:"htmx,omitempty"`

	Context        *CellContext      `json:"context,omitempty" yaml:"context,omitempty"`
	Wards          *Wards            `json:"wards,omitempty" yaml:"wards,omitempty"`
	Audibles       []string          `json:"audibles,omitempty" yaml:"audibles,omitempty"`
	DecisionPoints *DecisionPoints   `json:"decision_points,omitempty" yaml:"decision_points,omitempty"`
	Callouts       *Callouts         `json:"callouts,omitempty" yaml:"callouts,omitempty"`

	ToolInputs map[string]any   `json:"tool_inputs,omitempty" yaml:"tool_inputs,omitempty"`
	Timeout    string           `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	OnError    *OnError         `json:"on_error,omitempty" yaml:"on_error,omitempty"`

	Candidates *CandidatesConfig `json:"candidates,omitempty" yaml:"candidates,omitempty"`
	Rules      *Rules            `json:"rules,omitempty" yaml:"rules,omitempty"`
	IntraContext *IntraContext   `json:"intra_context,omitempty" yaml:"intra_context,omitempty"`
	MaxTurns   int               `json:"max_turns,omitempty" yaml:"max_turns,omitempty"`
	Traits     []string          `json:"traits,omitempty" yaml:"traits,omitempty"`

	SubCascades  []*SubCascadeRef `json:"sub_cascades,omitempty" yaml:"sub_cascades,omitempty"`
	AsyncCascades []*SubCascadeRef `json:"async_cascades,omitempty" yaml:"async_cascades,omitempty"`
}

// ForEachRowSpec drives the SQL-mapping cell variant.
type ForEachRowSpec struct {
	Query    string            `json:"query" yaml:"query"`
	CellName string            `json:"cell_name" yaml:"cell_name"` // sub-cell run once per row
	InputMap map[string]string `json:"input_map,omitempty" yaml:"input_map,omitempty"`
}

// Type returns which discriminated variant this cell is.
func (c *Cell) Type() (CellType, error) {
	set := 0
	var t CellType
	if c.Instructions != "" {
		set++
		t = CellTypeLLM
	}
	if c.Tool != "" {
		set++
		t = CellTypeDeterministic
	}
	if c.ForEachRow != nil {
		set++
		t = CellTypeSQLMapping
	}
	if c.HTMX != "" {
		set++
		t = CellTypeScreen
	}
	if set != 1 {
		return "", fmt.Errorf("cell %q must set exactly one of instructions|tool|for_each_row|htmx, found %d", c.Name, set)
	}
	return t, nil
}

// Edge is an explicit routing edge between two named cells.
type Edge struct {
	From         string `json:"from" yaml:"from"`
	To           string `json:"to" yaml:"to"`
	Condition    string `json:"condition,omitempty" yaml:"condition,omitempty"`
	SourceHandle string `json:"source_handle,omitempty" yaml:"source_handle,omitempty"`
}

// ModelStrategy distributes a candidate factor across a set of models.
type ModelStrategy string

const (
	ModelStrategyRoundRobin ModelStrategy = "round_robin"
	ModelStrategyRandom     ModelStrategy = "random"
	ModelStrategyWeighted   ModelStrategy = "weighted"
)

// CandidatesConfig configures multi-sample fan-out for a cell (§3, §4.5).
type CandidatesConfig struct {
	Factor      string `json:"factor" yaml:"factor"` // integer or template string
	MaxParallel int    `json:"max_parallel" yaml:"max_parallel"`
	Mutate      bool   `json:"mutate,omitempty" yaml:"mutate,omitempty"`
	MutationMode string `json:"mutation_mode,omitempty" yaml:"mutation_mode,omitempty"` // rewrite|augment|approach
	Mutations   []string `json:"mutations,omitempty" yaml:"mutations,omitempty"`

	Mode string `json:"mode" yaml:"mode"` // evaluate|aggregate

	Validator *ValidatorSpec `json:"validator,omitempty" yaml:"validator,omitempty"` // prefilter

	Models        map[string]float64 `json:"models,omitempty" yaml:"models,omitempty"` // model -> weight (weight 1 for list semantics)
	ModelStrategy ModelStrategy      `json:"model_strategy,omitempty" yaml:"model_strategy,omitempty"`

	Evaluator             string  `json:"evaluator" yaml:"evaluator"` // human|hybrid|<llm spec name>
	EvaluatorInstructions string  `json:"evaluator_instructions,omitempty" yaml:"evaluator_instructions,omitempty"`
	CostAwareEvaluation   bool    `json:"cost_aware_evaluation,omitempty" yaml:"cost_aware_evaluation,omitempty"`
	CostNormalization     string  `json:"cost_normalization,omitempty" yaml:"cost_normalization,omitempty"` // min_max|z_score|log_scale
	QualityWeight         float64 `json:"quality_weight,omitempty" yaml:"quality_weight,omitempty"`
	CostWeight            float64 `json:"cost_weight,omitempty" yaml:"cost_weight,omitempty"`
	ParetoPolicy          string  `json:"pareto_policy,omitempty" yaml:"pareto_policy,omitempty"` // prefer_cheap|prefer_quality|balanced|interactive
	LLMPrefilter          int     `json:"llm_prefilter,omitempty" yaml:"llm_prefilter,omitempty"`

	AggregatorInstructions string `json:"aggregator_instructions,omitempty" yaml:"aggregator_instructions,omitempty"`
	AggregatorModel        string `json:"aggregator_model,omitempty" yaml:"aggregator_model,omitempty"`

	Reforge *ReforgeConfig `json:"reforge,omitempty" yaml:"reforge,omitempty"`
}

// ReforgeConfig configures iterative refinement rounds over a winner (§4.5).
type ReforgeConfig struct {
	Steps         int    `json:"steps" yaml:"steps"`
	FactorPerStep int    `json:"factor_per_step" yaml:"factor_per_step"`
	HoningPrompt  string `json:"honing_prompt" yaml:"honing_prompt"`
	Threshold     *ValidatorSpec `json:"threshold,omitempty" yaml:"threshold,omitempty"`
}

// GetCell returns the cell with the given name, or nil.
func (w *Cascade) GetCell(name string) *Cell {
	for _, c := range w.Cells {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// GetEdge returns the first explicit edge from->to, or nil.
func (w *Cascade) GetEdge(from, to string) *Edge {
	for _, e := range w.Edges {
		if e.From == from && e.To == to {
			return e
		}
	}
	return nil
}

// AddCell appends a cell, erroring if the name is already used.
func (w *Cascade) AddCell(c *Cell) error {
	if w.GetCell(c.Name) != nil {
		return fmt.Errorf("cell %q already exists", c.Name)
	}
	w.Cells = append(w.Cells, c)
	return nil
}

// AddEdge appends an explicit routing edge.
func (w *Cascade) AddEdge(e *Edge) error {
	if w.GetCell(e.From) == nil {
		return fmt.Errorf("edge references unknown source cell %q", e.From)
	}
	if w.GetCell(e.To) == nil {
		return fmt.Errorf("edge references unknown target cell %q", e.To)
	}
	w.Edges = append(w.Edges, e)
	return nil
}

// Clone deep-copies the cascade via a JSON round trip.
func (w *Cascade) Clone() (*Cascade, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("marshal cascade for clone: %w", err)
	}
	var out Cascade
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal cascade for clone: %w", err)
	}
	return &out, nil
}

// Validate checks structural invariants of the cascade document (§6, §9
// supplemented structural lint grounded on cascade_validator.py): duplicate
// cell names, dangling handoff/edge targets, cells with zero or multiple
// variant discriminators set, and sync sub_cascades that reference this
// cascade's own cascade_id (async_cascades may legitimately cycle and are not
// checked). References into other cascades are not followed, so longer
// sub_cascade cycles are not detected.
func (w *Cascade) Validate() error {
	var errs ValidationErrors

	if w.CascadeID == "" {
		errs = append(errs, ValidationError{Field: "cascade_id", Message: "is required"})
	}
	if len(w.Cells) == 0 {
		errs = append(errs, ValidationError{Field: "cells", Message: "must have at least one cell"})
	}

	seen := make(map[string]bool, len(w.Cells))
	for _, c := range w.Cells {
		if c.Name == "" {
			errs = append(errs, ValidationError{Field: "cells[].name", Message: "is required"})
			continue
		}
		if seen[c.Name] {
			errs = append(errs, ValidationError{Field: "cells[]." + c.Name, Message: "duplicate cell name"})
		}
		seen[c.Name] = true

		if _, err := c.Type(); err != nil {
			errs = append(errs, ValidationError{Field: "cells[]." + c.Name, Message: err.Error()})
		}

		for _, h := range c.Handoffs {
			if !seen[h] && w.GetCell(h) == nil {
				errs = append(errs, ValidationError{Field: "cells[]." + c.Name + ".handoffs", Message: "unknown handoff target " + h})
			}
		}
	}

	for _, e := range w.Edges {
		if e.From == "" || e.To == "" {
			errs = append(errs, ValidationError{Field: "edges[]", Message: "from/to are required"})
			continue
		}
		if e.From == e.To {
			errs = append(errs, ValidationError{Field: "edges[]", Message: "self-loop not allowed: " + e.From})
		}
		if w.GetCell(e.From) == nil {
			errs = append(errs, ValidationError{Field: "edges[].from", Message: "unknown cell " + e.From})
		}
		if w.GetCell(e.To) == nil {
			errs = append(errs, ValidationError{Field: "edges[].to", Message: "unknown cell " + e.To})
		}
	}

	if cyc := w.findCyclicSubCascade(); cyc != "" {
		errs = append(errs, ValidationError{Field: "cells[].sub_cascades", Message: "cyclic sub_cascade reference: " + cyc})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// findCyclicSubCascade checks each cell's sync sub_cascades (not async) for a
// direct reference back to this cascade's own cascade_id and returns that
// ref, or "" when there is none.
func (w *Cascade) findCyclicSubCascade() string {
	visited := map[string]bool{w.CascadeID: true}
	var walk func(refs []*SubCascadeRef) string
	walk = func(refs []*SubCascadeRef) string {
		for _, r := range refs {
			if visited[r.Ref] {
				return r.Ref
			}
		}
		return ""
	}
	for _, c := range w.Cells {
		if found := walk(c.SubCascades); found != "" {
			return found
		}
	}
	return ""
}

// UnreachableCells returns cell names with no incoming handoff/edge that are
// not the first cell (start cell) of the cascade.
func (w *Cascade) UnreachableCells() []string {
	if len(w.Cells) == 0 {
		return nil
	}
	start := w.Cells[0].Name
	reachable := map[string]bool{start: true}
	for _, c := range w.Cells {
		for _, h := range c.Handoffs {
			reachable[h] = true
		}
		for _, target := range c.Routing {
			reachable[target] = true
		}
	}
	for _, e := range w.Edges {
		reachable[e.To] = true
	}
	var out []string
	for _, c := range w.Cells {
		if !reachable[c.Name] {
			out = append(out, c.Name)
		}
	}
	return out
}
