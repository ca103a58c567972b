package builtin

import (
	"context"
	"errors"
	"testing"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/pkg/executor"
	"github.com/smilemakc/cascaded/pkg/models"
)

type stubTool struct {
	calls  int
	fail   int // number of leading calls that fail
	output any
}

func (s *stubTool) Validate(config map[string]any) error { return nil }

func (s *stubTool) Execute(ctx context.Context, config map[string]any, input any) (any, error) {
	s.calls++
	if s.calls <= s.fail {
		return nil, errors.New("boom")
	}
	return s.output, nil
}

func newTestEcho() *models.Echo {
	return models.NewEcho("sess-1", "cascade-1", "", 0)
}

func TestDeterministicExecutor_Execute_Success(t *testing.T) {
	t.Parallel()
	reg := executor.NewManager()
	tool := &stubTool{output: map[string]any{"ok": true}}
	if err := reg.Register("demo_tool", tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	ex := NewDeterministicExecutor(reg, nil, "")
	req := engine.CellExecutionRequest{
		Cell:  &models.Cell{Name: "step1", Tool: "demo_tool", ToolInputs: map[string]any{"greeting": "{{ \"hi \" + input.name }}"}},
		Echo:  newTestEcho(),
		Input: map[string]any{"name": "world"},
	}

	result, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["ok"] != true {
		t.Fatalf("unexpected output: %v", result.Output)
	}
	if tool.calls != 1 {
		t.Fatalf("expected 1 call, got %d", tool.calls)
	}
}

func TestDeterministicExecutor_Execute_UnknownTool(t *testing.T) {
	t.Parallel()
	reg := executor.NewManager()
	ex := NewDeterministicExecutor(reg, nil, "")
	req := engine.CellExecutionRequest{
		Cell:  &models.Cell{Name: "step1", Tool: "missing"},
		Echo:  newTestEcho(),
		Input: map[string]any{},
	}
	if _, err := ex.Execute(context.Background(), req); err == nil {
		t.Fatal("expected error for unregistered tool")
	}
}

func TestDeterministicExecutor_Execute_OnErrorRoutesToCell(t *testing.T) {
	t.Parallel()
	reg := executor.NewManager()
	tool := &stubTool{fail: 99}
	if err := reg.Register("flaky_tool", tool); err != nil {
		t.Fatalf("register: %v", err)
	}

	ex := NewDeterministicExecutor(reg, nil, "")
	req := engine.CellExecutionRequest{
		Cell: &models.Cell{
			Name: "step1",
			Tool: "flaky_tool",
			OnError: &models.OnError{
				CellName:    "recover",
				MaxAttempts: 2,
			},
		},
		Echo:  newTestEcho(),
		Input: map[string]any{},
	}

	result, err := ex.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NextCell != "recover" {
		t.Fatalf("expected routing to 'recover', got %q", result.NextCell)
	}
	if result.Output["status"] != "error" {
		t.Fatalf("expected status=error in output, got %v", result.Output)
	}
}

func TestResolveRoute_MatchesStatusAgainstRoutingMap(t *testing.T) {
	t.Parallel()
	cell := &models.Cell{
		Routing: map[string]string{"retry": "fix_step", "default": "continue_step"},
	}
	if got := resolveRoute(cell, map[string]any{"status": "retry"}); got != "fix_step" {
		t.Fatalf("expected fix_step, got %q", got)
	}
	if got := resolveRoute(cell, map[string]any{"status": "unmapped"}); got != "continue_step" {
		t.Fatalf("expected default fallback continue_step, got %q", got)
	}
}

func TestResolveRoute_RouteFieldTakesPriorityOverStatus(t *testing.T) {
	t.Parallel()
	cell := &models.Cell{Routing: map[string]string{"custom": "target_cell"}}
	out := map[string]any{"_route": "custom", "status": "success"}
	if got := resolveRoute(cell, out); got != "target_cell" {
		t.Fatalf("expected target_cell, got %q", got)
	}
}

func TestResolveRoute_FallsBackToSingleHandoff(t *testing.T) {
	t.Parallel()
	cell := &models.Cell{Handoffs: []string{"next_cell"}}
	if got := resolveRoute(cell, map[string]any{}); got != "next_cell" {
		t.Fatalf("expected next_cell, got %q", got)
	}
}

func TestRenderNative_LiteralExpression(t *testing.T) {
	t.Parallel()
	out, err := renderNative(map[string]any{"count": "{{ 1 + 2 }}"}, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["count"] != 3 {
		t.Fatalf("expected native int 3, got %#v", m["count"])
	}
}

func TestRenderNative_MixedStringInterpolation(t *testing.T) {
	t.Parallel()
	out, err := renderNative("hello {{ input.name }}", map[string]any{"input": map[string]any{"name": "cascaded"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello cascaded" {
		t.Fatalf("expected interpolated string, got %v", out)
	}
}
