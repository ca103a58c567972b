package engine

import (
	"context"
	"testing"

	"github.com/smilemakc/cascaded/pkg/models"
)

// fakeExecutor runs a deterministic function per cell, keyed by cell name,
// so tests can script multi-cell behavior without a real tool/LLM backend.
type fakeExecutor struct {
	byCell map[string]func(CellExecutionRequest) (CellExecutionResult, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{byCell: make(map[string]func(CellExecutionRequest) (CellExecutionResult, error))}
}

func (f *fakeExecutor) on(cell string, fn func(CellExecutionRequest) (CellExecutionResult, error)) *fakeExecutor {
	f.byCell[cell] = fn
	return f
}

func (f *fakeExecutor) Execute(ctx context.Context, req CellExecutionRequest) (CellExecutionResult, error) {
	fn, ok := f.byCell[req.Cell.Name]
	if !ok {
		return CellExecutionResult{Output: req.Input}, nil
	}
	return fn(req)
}

func twoCellCascade() *models.Cascade {
	return &models.Cascade{
		CascadeID: "greet",
		Cells: []*models.Cell{
			{Name: "start", Tool: "noop", Handoffs: []string{"finish"}},
			{Name: "finish", Tool: "noop"},
		},
	}
}

func TestRunner_LinearDispatch(t *testing.T) {
	exec := newFakeExecutor().
		on("start", func(req CellExecutionRequest) (CellExecutionResult, error) {
			return CellExecutionResult{Output: map[string]any{"greeting": "hi"}}, nil
		}).
		on("finish", func(req CellExecutionRequest) (CellExecutionResult, error) {
			out := map[string]any{"final": req.Input["greeting"]}
			return CellExecutionResult{Output: out}, nil
		})

	r := NewRunner(WithExecutor(models.CellTypeDeterministic, exec))

	result, err := r.Run(context.Background(), twoCellCascade(), map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Completed {
		t.Fatalf("expected completed result, got %+v", result)
	}
	if result.Output["final"] != "hi" {
		t.Fatalf("expected final=hi, got %+v", result.Output)
	}
}

func TestRunner_ConditionalEdgeRouting(t *testing.T) {
	cascade := &models.Cascade{
		CascadeID: "branch",
		Cells: []*models.Cell{
			{Name: "classify", Tool: "noop"},
			{Name: "route_a", Tool: "noop"},
			{Name: "route_b", Tool: "noop"},
		},
		Edges: []*models.Edge{
			{From: "classify", To: "route_a", Condition: `output.label == "a"`},
			{From: "classify", To: "route_b", Condition: `output.label == "b"`},
		},
	}

	exec := newFakeExecutor().
		on("classify", func(req CellExecutionRequest) (CellExecutionResult, error) {
			return CellExecutionResult{Output: map[string]any{"label": "b"}}, nil
		}).
		on("route_a", func(req CellExecutionRequest) (CellExecutionResult, error) {
			return CellExecutionResult{Output: map[string]any{"hit": "a"}}, nil
		}).
		on("route_b", func(req CellExecutionRequest) (CellExecutionResult, error) {
			return CellExecutionResult{Output: map[string]any{"hit": "b"}}, nil
		})

	r := NewRunner(WithExecutor(models.CellTypeDeterministic, exec))
	result, err := r.Run(context.Background(), cascade, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["hit"] != "b" {
		t.Fatalf("expected routing to route_b, got %+v", result.Output)
	}
}

func TestRunner_SuspendAndResume(t *testing.T) {
	cascade := &models.Cascade{
		CascadeID: "approval",
		Cells: []*models.Cell{
			{Name: "ask_human", Tool: "noop", Handoffs: []string{"finish"}},
			{Name: "finish", Tool: "noop"},
		},
	}

	suspended := false
	exec := newFakeExecutor().
		on("ask_human", func(req CellExecutionRequest) (CellExecutionResult, error) {
			if !suspended {
				suspended = true
				return CellExecutionResult{Suspend: &SuspendSignal{Reason: "human_checkpoint"}}, nil
			}
			return CellExecutionResult{Output: map[string]any{"approved": req.Input["decision"]}}, nil
		}).
		on("finish", func(req CellExecutionRequest) (CellExecutionResult, error) {
			return CellExecutionResult{Output: req.Input}, nil
		})

	store := NewInMemoryCheckpointStore()
	r := NewRunner(WithExecutor(models.CellTypeDeterministic, exec), WithCheckpointStore(store))

	first, err := r.Run(context.Background(), cascade, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.Completed {
		t.Fatalf("expected suspension, got completed result: %+v", first)
	}
	if first.ResumeToken == "" {
		t.Fatal("expected non-empty resume token")
	}

	second, err := r.Resume(context.Background(), cascade, first.ResumeToken, map[string]any{"decision": true})
	if err != nil {
		t.Fatalf("resume error: %v", err)
	}
	if !second.Completed {
		t.Fatalf("expected completion after resume, got %+v", second)
	}
	if second.Output["approved"] != true {
		t.Fatalf("expected approved=true, got %+v", second.Output)
	}
}

func TestRunner_MissingExecutorErrors(t *testing.T) {
	r := NewRunner()
	result, err := r.Run(context.Background(), twoCellCascade(), map[string]any{})
	if err != nil {
		t.Fatalf("unexpected top-level error: %v", err)
	}
	if result.Err == nil {
		t.Fatal("expected result.Err when no executor is registered for the cell type")
	}
}

func TestRunner_InvalidCascadeRejected(t *testing.T) {
	r := NewRunner()
	_, err := r.Run(context.Background(), &models.Cascade{}, map[string]any{})
	if err == nil {
		t.Fatal("expected validation error for cascade with no cells")
	}
}
