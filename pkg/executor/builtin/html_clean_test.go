package builtin

import (
	"context"
	"strings"
	"testing"
)

func TestHTMLCleanExecutor_PlainText(t *testing.T) {
	t.Parallel()
	ex := NewHTMLCleanExecutor()
	out, err := ex.Execute(context.Background(), map[string]any{}, "just plain text, no markup")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["is_html"] != false {
		t.Fatalf("expected is_html=false for plain text, got %v", m)
	}
}

func TestHTMLCleanExecutor_StripsScriptsAndExtractsArticle(t *testing.T) {
	t.Parallel()
	ex := NewHTMLCleanExecutor()
	html := `<html><body><script>alert(1)</script><article><p>Hello cascaded world, this is the article body with enough text to be detected as the main content by the readability heuristics used here.</p></article></body></html>`
	out, err := ex.Execute(context.Background(), map[string]any{}, html)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["is_html"] != true {
		t.Fatalf("expected is_html=true, got %v", m)
	}
	text, _ := m["text_content"].(string)
	if strings.Contains(text, "alert(1)") {
		t.Fatalf("expected script content stripped, got %q", text)
	}
}

func TestHTMLCleanExecutor_EmptyInput(t *testing.T) {
	t.Parallel()
	ex := NewHTMLCleanExecutor()
	if _, err := ex.Execute(context.Background(), map[string]any{}, ""); err == nil {
		t.Fatal("expected error for empty content")
	}
}

func TestHTMLCleanExecutor_MapInputWithKey(t *testing.T) {
	t.Parallel()
	ex := NewHTMLCleanExecutor()
	out, err := ex.Execute(context.Background(), map[string]any{"input_key": "body"}, map[string]any{"body": "no markup here"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["text_content"] != "no markup here" {
		t.Fatalf("unexpected text_content: %v", m["text_content"])
	}
}
