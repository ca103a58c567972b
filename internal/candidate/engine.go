// Package candidate implements the multi-sample fan-out/mutate/prefilter/
// evaluate/aggregate/reforge engine (§4.5). It is deliberately independent
// of internal/application/engine's CellExecutor types: an LLM cell executor
// (pkg/executor/builtin) that sees a cell.Candidates config calls into this
// package with an AttemptFunc closure and adapts the winning AttemptResult
// back into an engine.CellExecutionResult itself, which keeps the candidate
// fan-out pattern reusable by any future executor kind without an import
// cycle back to the runner.
//
// The wave/semaphore concurrency pattern here is grounded on the teacher's
// wave-based parallel DAG executor (pkg/engine's ready-queue dispatch,
// generalized from "ready nodes this wave" to "candidate attempts this
// round") using golang.org/x/sync/errgroup instead of a hand-rolled
// WaitGroup+channel fan-out.
package candidate

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/smilemakc/cascaded/internal/ward"
	"github.com/smilemakc/cascaded/pkg/models"
)

// AttemptResult is one candidate attempt's output, independent of the
// runner's CellExecutionResult so this package has no dependency on
// internal/application/engine.
type AttemptResult struct {
	Index       int
	Output      map[string]any
	Echo        *models.Echo
	Model       string
	TokensIn    int
	TokensOut   int
	Cost        float64
	SpeciesHash string
	Quality     float64 // set by an Evaluator after fan-out, 0 until then
}

// AttemptFunc runs a single candidate attempt: a forked Echo, the cell
// input, and a mutation instruction (empty for the unmutated baseline) go
// in, one AttemptResult comes out.
type AttemptFunc func(ctx context.Context, attemptIndex int, echo *models.Echo, input map[string]any, mutation string) (AttemptResult, error)

// EvaluatorFunc scores a completed attempt's quality in [0,1]. The human and
// hybrid evaluator modes described in §4.5 require a checkpoint suspension
// that only the runner can issue, so those are left to the caller: Engine.Run
// only invokes EvaluatorFunc for fully-automatable evaluation (an llm spec
// name resolved by the caller, or a caller-supplied heuristic).
type EvaluatorFunc func(ctx context.Context, attempt AttemptResult) (float64, error)

// Engine runs a cell's candidate fan-out.
type Engine struct {
	dispatcher        *ward.Dispatcher
	defaultMaxParallel int
}

// NewEngine builds a candidate Engine. defaultMaxParallel is used when a
// cascade's CandidatesConfig.MaxParallel is zero.
func NewEngine(dispatcher *ward.Dispatcher, defaultMaxParallel int) *Engine {
	if defaultMaxParallel <= 0 {
		defaultMaxParallel = 4
	}
	return &Engine{dispatcher: dispatcher, defaultMaxParallel: defaultMaxParallel}
}

// RunResult is everything a caller needs to merge a candidate round back
// into the parent Echo and record lineage.
type RunResult struct {
	Winner    AttemptResult
	Attempts  []AttemptResult
	Dropped   int // attempts removed by the prefilter validator
}

// Run fans attempts out across cfg.MaxParallel workers, prefilters them
// through cfg.Validator (if set), scores survivors with evaluate, and
// returns the winning attempt plus the full attempt list for logging.
// validators is the cascade's named-validator map, needed to resolve a
// named prefilter validator reference.
func (e *Engine) Run(ctx context.Context, cfg *models.CandidatesConfig, echo *models.Echo, input map[string]any, validators map[string]*models.ValidatorSpec, attempt AttemptFunc, evaluate EvaluatorFunc) (*RunResult, error) {
	if cfg == nil {
		return nil, fmt.Errorf("candidate.Run: nil CandidatesConfig")
	}

	factor, err := ResolveFactor(cfg.Factor, input)
	if err != nil {
		return nil, fmt.Errorf("resolving candidates.factor: %w", err)
	}
	if factor < 1 {
		factor = 1
	}

	attempts, err := e.fanOut(ctx, cfg, factor, echo, input, attempt)
	if err != nil {
		return nil, err
	}

	survivors, dropped, err := e.prefilter(ctx, cfg, validators, attempts)
	if err != nil {
		return nil, err
	}
	if len(survivors) == 0 {
		return nil, fmt.Errorf("%w: every candidate attempt failed the prefilter validator", models.ErrAllCandidatesFiltered)
	}

	if evaluate != nil {
		for i := range survivors {
			q, err := evaluate(ctx, survivors[i])
			if err != nil {
				return nil, fmt.Errorf("evaluating candidate %d: %w", survivors[i].Index, err)
			}
			survivors[i].Quality = q
		}
	}

	winner := SelectWinner(survivors, cfg)

	result, err := e.reforge(ctx, cfg, winner, echo, input, attempt, evaluate)
	if err != nil {
		return nil, err
	}

	return &RunResult{Winner: result, Attempts: attempts, Dropped: dropped}, nil
}

func (e *Engine) fanOut(ctx context.Context, cfg *models.CandidatesConfig, factor int, echo *models.Echo, input map[string]any, attempt AttemptFunc) ([]AttemptResult, error) {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = e.defaultMaxParallel
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallel)

	results := make([]AttemptResult, factor)
	models_ := ModelAssignments(cfg, factor)
	mutations := MutationAssignments(cfg, factor)

	for i := 0; i < factor; i++ {
		idx := i
		mutation := mutations[idx]
		g.Go(func() error {
			forked := echo.Fork()
			attemptInput := input
			if models_[idx] != "" {
				attemptInput = withModelOverride(input, models_[idx])
			}
			res, err := attempt(gctx, idx, forked, attemptInput, mutation)
			if err != nil {
				return fmt.Errorf("candidate attempt %d: %w", idx, err)
			}
			res.Index = idx
			results[idx] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Engine) prefilter(ctx context.Context, cfg *models.CandidatesConfig, validators map[string]*models.ValidatorSpec, attempts []AttemptResult) ([]AttemptResult, int, error) {
	if cfg.Validator == nil || e.dispatcher == nil {
		return attempts, 0, nil
	}

	survivors := make([]AttemptResult, 0, len(attempts))
	dropped := 0
	for _, a := range attempts {
		payload := map[string]any{"output": a.Output}
		passed, _, err := e.dispatcher.Evaluate(ctx, cfg.Validator, payload, validators)
		if err != nil {
			return nil, 0, fmt.Errorf("prefilter validator: %w", err)
		}
		if passed {
			survivors = append(survivors, a)
		} else {
			dropped++
		}
	}
	return survivors, dropped, nil
}

// reforge runs cfg.Reforge.Steps rounds of refinement over the current
// winner, each round fanning FactorPerStep new attempts seeded with the
// honing prompt as their mutation, stopping early once cfg.Reforge.Threshold
// passes or the step budget is exhausted (§4.5 "reforge").
func (e *Engine) reforge(ctx context.Context, cfg *models.CandidatesConfig, winner AttemptResult, echo *models.Echo, input map[string]any, attempt AttemptFunc, evaluate EvaluatorFunc) (AttemptResult, error) {
	if cfg.Reforge == nil || cfg.Reforge.Steps <= 0 {
		return winner, nil
	}

	current := winner
	for step := 0; step < cfg.Reforge.Steps; step++ {
		factor := cfg.Reforge.FactorPerStep
		if factor < 1 {
			factor = 1
		}

		round := make([]AttemptResult, factor)
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < factor; i++ {
			idx := i
			g.Go(func() error {
				forked := echo.Fork()
				res, err := attempt(gctx, idx, forked, input, cfg.Reforge.HoningPrompt)
				if err != nil {
					return fmt.Errorf("reforge step %d attempt %d: %w", step, idx, err)
				}
				res.Index = idx
				round[idx] = res
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return AttemptResult{}, err
		}

		if evaluate != nil {
			for i := range round {
				q, err := evaluate(ctx, round[i])
				if err != nil {
					return AttemptResult{}, fmt.Errorf("evaluating reforge candidate: %w", err)
				}
				round[i].Quality = q
			}
		}

		candidate := SelectWinner(round, cfg)
		if candidate.Quality > current.Quality {
			current = candidate
		}

		if cfg.Reforge.Threshold != nil && e.dispatcher != nil {
			passed, _, err := e.dispatcher.Evaluate(ctx, cfg.Reforge.Threshold, map[string]any{"output": current.Output, "quality": current.Quality}, nil)
			if err == nil && passed {
				break
			}
		}
	}
	return current, nil
}

func withModelOverride(input map[string]any, model string) map[string]any {
	out := make(map[string]any, len(input)+1)
	for k, v := range input {
		out[k] = v
	}
	out["_candidate_model"] = model
	return out
}

// normalizeCost maps a raw cost into [0,1] using the configured strategy
// (§4.5 cost_normalization); log_scale compresses long tails from expensive
// outlier attempts.
func normalizeCost(cost, maxCost float64, strategy string) float64 {
	if maxCost <= 0 {
		return 0
	}
	switch strategy {
	case "log_scale":
		return math.Log1p(cost) / math.Log1p(maxCost)
	default: // min_max, z_score approximated as min_max without a population
		return cost / maxCost
	}
}
