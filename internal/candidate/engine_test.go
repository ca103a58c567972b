package candidate

import (
	"context"
	"testing"

	"github.com/smilemakc/cascaded/pkg/models"
)

func TestResolveFactor_Literal(t *testing.T) {
	t.Parallel()
	n, err := ResolveFactor("3", nil)
	if err != nil || n != 3 {
		t.Fatalf("expected 3, nil, got %d, %v", n, err)
	}
}

func TestResolveFactor_Expression(t *testing.T) {
	t.Parallel()
	n, err := ResolveFactor("len(input.items)", map[string]any{"input": map[string]any{"items": []any{1, 2}}})
	if err != nil || n != 2 {
		t.Fatalf("expected 2, nil, got %d, %v", n, err)
	}
}

func TestEngine_Run_SelectsHighestQuality(t *testing.T) {
	t.Parallel()
	e := NewEngine(nil, 4)
	echo := models.NewEcho("sess", "cascade", "", 0)

	cfg := &models.CandidatesConfig{Factor: "3", MaxParallel: 3, Mode: "evaluate", Evaluator: "hybrid"}

	attempt := func(ctx context.Context, idx int, echo *models.Echo, input map[string]any, mutation string) (AttemptResult, error) {
		return AttemptResult{Output: map[string]any{"idx": idx}}, nil
	}
	evaluate := func(ctx context.Context, a AttemptResult) (float64, error) {
		idx := a.Output["idx"].(int)
		return float64(idx) / 10.0, nil
	}

	result, err := e.Run(context.Background(), cfg, echo, map[string]any{}, nil, attempt, evaluate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Winner.Output["idx"].(int) != 2 {
		t.Errorf("expected attempt 2 (highest quality) to win, got %v", result.Winner.Output["idx"])
	}
	if len(result.Attempts) != 3 {
		t.Errorf("expected 3 attempts recorded, got %d", len(result.Attempts))
	}
}

func TestModelAssignments_RoundRobin(t *testing.T) {
	t.Parallel()
	cfg := &models.CandidatesConfig{Models: map[string]float64{"gpt-4o": 1, "gpt-4o-mini": 1}}
	assignments := ModelAssignments(cfg, 4)
	if len(assignments) != 4 {
		t.Fatalf("expected 4 assignments, got %d", len(assignments))
	}
	for _, m := range assignments {
		if m != "gpt-4o" && m != "gpt-4o-mini" {
			t.Errorf("unexpected model assignment %q", m)
		}
	}
}

func TestMutationAssignments_FirstAttemptUnmutated(t *testing.T) {
	t.Parallel()
	cfg := &models.CandidatesConfig{Mutate: true, Mutations: []string{"be terser", "be more formal"}}
	assignments := MutationAssignments(cfg, 3)
	if assignments[0] != "" {
		t.Errorf("expected baseline attempt to be unmutated, got %q", assignments[0])
	}
	if assignments[1] == "" || assignments[2] == "" {
		t.Errorf("expected subsequent attempts to carry a mutation")
	}
}
