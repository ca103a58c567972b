package ward

import (
	"context"
	"testing"

	"github.com/smilemakc/cascaded/pkg/models"
)

func TestDispatcher_Evaluate_InlineExpr(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(nil)

	spec := &models.ValidatorSpec{Code: "output.score >= 0.5"}
	payload := map[string]any{"output": map[string]any{"score": 0.8}}

	passed, _, err := d.Evaluate(context.Background(), spec, payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !passed {
		t.Errorf("expected pass")
	}
}

func TestDispatcher_Evaluate_InlineExpr_Fail(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(nil)

	spec := &models.ValidatorSpec{Code: "output.score >= 0.5"}
	payload := map[string]any{"output": map[string]any{"score": 0.1}}

	passed, reason, err := d.Evaluate(context.Background(), spec, payload, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if passed {
		t.Errorf("expected failure")
	}
	if reason == "" {
		t.Errorf("expected a non-empty reason")
	}
}

func TestDispatcher_Evaluate_Named(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(nil)

	named := map[string]*models.ValidatorSpec{
		"non_empty": {Code: "output.text != \"\""},
	}
	spec := &models.ValidatorSpec{Name: "non_empty"}
	payload := map[string]any{"output": map[string]any{"text": "hello"}}

	passed, _, err := d.Evaluate(context.Background(), spec, payload, named)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !passed {
		t.Errorf("expected pass")
	}
}

func TestDispatcher_Evaluate_NamedUnknown(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(nil)

	spec := &models.ValidatorSpec{Name: "missing"}
	_, _, err := d.Evaluate(context.Background(), spec, map[string]any{}, nil)
	if err == nil {
		t.Fatal("expected error for unknown named validator")
	}
}

func TestDispatcher_Evaluate_Bash(t *testing.T) {
	t.Parallel()
	d := NewDispatcher(nil)

	spec := &models.ValidatorSpec{Language: "bash", Code: "exit 0"}
	passed, _, err := d.Evaluate(context.Background(), spec, map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !passed {
		t.Errorf("expected pass")
	}

	spec = &models.ValidatorSpec{Language: "bash", Code: "exit 1"}
	passed, _, err = d.Evaluate(context.Background(), spec, map[string]any{}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if passed {
		t.Errorf("expected failure")
	}
}

func TestValidateWardConfig(t *testing.T) {
	t.Parallel()

	ok := &models.Ward{Mode: "blocking", Validator: &models.ValidatorSpec{Code: "true"}}
	if err := ValidateWardConfig(ok); err != nil {
		t.Fatalf("expected valid ward, got %v", err)
	}

	bad := &models.Ward{Mode: "invalid_mode", Validator: &models.ValidatorSpec{Code: "true"}}
	if err := ValidateWardConfig(bad); err == nil {
		t.Fatal("expected error for invalid mode")
	}

	noValidator := &models.Ward{Mode: "blocking"}
	if err := ValidateWardConfig(noValidator); err == nil {
		t.Fatal("expected error for missing validator")
	}
}
