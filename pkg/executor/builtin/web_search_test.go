package builtin

import (
	"context"
	"testing"
)

func TestWebSearchExecutor_Validate_RequiresQueryAndCx(t *testing.T) {
	t.Parallel()
	ex := NewWebSearchExecutor("")
	if err := ex.Validate(map[string]any{}); err == nil {
		t.Fatal("expected error for missing query/cx")
	}
	if err := ex.Validate(map[string]any{"query": "go modules"}); err == nil {
		t.Fatal("expected error for missing cx")
	}
	if err := ex.Validate(map[string]any{"query": "go modules", "cx": "abc"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestWebSearchExecutor_Execute_NoAPIKey(t *testing.T) {
	t.Parallel()
	ex := NewWebSearchExecutor("")
	_, err := ex.Execute(context.Background(), map[string]any{"query": "go modules", "cx": "abc"}, nil)
	if err == nil {
		t.Fatal("expected error when no API key is configured")
	}
}
