package candidate

import (
	"fmt"
	"strconv"

	"github.com/expr-lang/expr"

	"github.com/smilemakc/cascaded/pkg/models"
)

// ResolveFactor parses CandidatesConfig.Factor, which is either a plain
// integer literal or an expr-lang template expression evaluated against the
// cell input (e.g. "len(input.items)" to scale sample count with input
// size).
func ResolveFactor(factor string, input map[string]any) (int, error) {
	if n, err := strconv.Atoi(factor); err == nil {
		return n, nil
	}

	out, err := expr.Eval(factor, map[string]any{"input": input})
	if err != nil {
		return 0, fmt.Errorf("candidates.factor %q is neither an integer nor a valid expression: %w", factor, err)
	}
	switch v := out.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("candidates.factor %q evaluated to non-numeric type %T", factor, out)
	}
}

// ModelAssignments returns, for each of factor attempts, which model (if
// any) should be used, distributing cfg.Models across attempts per
// cfg.ModelStrategy (§3 "model_strategy").
func ModelAssignments(cfg *models.CandidatesConfig, factor int) []string {
	out := make([]string, factor)
	if len(cfg.Models) == 0 {
		return out
	}

	names := make([]string, 0, len(cfg.Models))
	weights := make([]float64, 0, len(cfg.Models))
	for name, w := range cfg.Models {
		names = append(names, name)
		weights = append(weights, w)
	}

	switch cfg.ModelStrategy {
	case models.ModelStrategyWeighted:
		total := 0.0
		for _, w := range weights {
			total += w
		}
		if total <= 0 {
			total = 1
		}
		cursor := 0.0
		boundaries := make([]float64, len(names))
		for i, w := range weights {
			cursor += w / total
			boundaries[i] = cursor
		}
		for i := 0; i < factor; i++ {
			frac := (float64(i) + 0.5) / float64(factor)
			for j, b := range boundaries {
				if frac <= b {
					out[i] = names[j]
					break
				}
			}
			if out[i] == "" {
				out[i] = names[len(names)-1]
			}
		}
	case models.ModelStrategyRandom:
		// Deterministic pseudo-distribution: round-robin seeded by index,
		// since this package may not use math/rand (no time-varying clock
		// dependency is wired into the workflow replay guarantees of §8).
		for i := 0; i < factor; i++ {
			out[i] = names[i%len(names)]
		}
	default: // round_robin
		for i := 0; i < factor; i++ {
			out[i] = names[i%len(names)]
		}
	}
	return out
}

// MutationAssignments returns, for each of factor attempts, the mutation
// instruction to layer onto the base prompt (§3 "mutate"/"mutations").
// Index 0 is always unmutated so the baseline attempt is preserved even when
// mutate is enabled. Instructions come only from cfg.Mutations, cycled in
// order; cfg.MutationMode is not consulted and no built-in mutations are
// generated, so mutate with an empty Mutations list leaves every attempt
// unmutated.
func MutationAssignments(cfg *models.CandidatesConfig, factor int) []string {
	out := make([]string, factor)
	if !cfg.Mutate || len(cfg.Mutations) == 0 {
		return out
	}
	for i := 1; i < factor; i++ {
		out[i] = cfg.Mutations[(i-1)%len(cfg.Mutations)]
	}
	return out
}
