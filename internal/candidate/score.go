package candidate

import "github.com/smilemakc/cascaded/pkg/models"

// SelectWinner picks the best attempt from survivors per cfg.Mode/
// CostAwareEvaluation/ParetoPolicy (§4.5 "evaluate" mode). Aggregate mode is
// handled by the caller (it needs to invoke the aggregator LLM, which this
// package deliberately has no knowledge of) — SelectWinner is only used for
// evaluate-mode scoring and for choosing the best reforge round.
func SelectWinner(survivors []AttemptResult, cfg *models.CandidatesConfig) AttemptResult {
	if len(survivors) == 1 {
		return survivors[0]
	}
	if !cfg.CostAwareEvaluation {
		best := survivors[0]
		for _, a := range survivors[1:] {
			if a.Quality > best.Quality {
				best = a
			}
		}
		return best
	}

	maxCost := 0.0
	for _, a := range survivors {
		if a.Cost > maxCost {
			maxCost = a.Cost
		}
	}

	qualityWeight := cfg.QualityWeight
	costWeight := cfg.CostWeight
	if qualityWeight == 0 && costWeight == 0 {
		qualityWeight = 1
	}

	best := survivors[0]
	bestScore := paretoScore(survivors[0], maxCost, qualityWeight, costWeight, cfg.CostNormalization, cfg.ParetoPolicy)
	for _, a := range survivors[1:] {
		score := paretoScore(a, maxCost, qualityWeight, costWeight, cfg.CostNormalization, cfg.ParetoPolicy)
		if score > bestScore {
			best = a
			bestScore = score
		}
	}
	return best
}

func paretoScore(a AttemptResult, maxCost, qualityWeight, costWeight float64, normalization, policy string) float64 {
	normCost := normalizeCost(a.Cost, maxCost, normalization)
	costPenalty := normCost

	switch policy {
	case "prefer_cheap":
		return a.Quality*qualityWeight*0.5 - costPenalty*costWeight*1.5
	case "prefer_quality":
		return a.Quality*qualityWeight*1.5 - costPenalty*costWeight*0.5
	case "interactive":
		// Interactive sessions weigh latency-correlated cost heavily; cost
		// here doubles as a latency proxy since no separate timing signal
		// is threaded through AttemptResult.
		return a.Quality*qualityWeight - costPenalty*costWeight*2
	default: // balanced
		return a.Quality*qualityWeight - costPenalty*costWeight
	}
}
