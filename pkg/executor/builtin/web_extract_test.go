package builtin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWebExtractExecutor_Execute(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html><head><title>Test Page</title></head><body><article><p>This is the extracted article body with enough words to satisfy the readability content heuristics used by go-shiori.</p></article></body></html>`))
	}))
	defer srv.Close()

	ex := NewWebExtractExecutor()
	out, err := ex.Execute(context.Background(), map[string]any{"url": srv.URL}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m := out.(map[string]any)
	if m["url"] != srv.URL {
		t.Fatalf("expected url %q, got %v", srv.URL, m["url"])
	}
	if m["text_content"] == "" {
		t.Fatalf("expected non-empty text_content, got %v", m)
	}
}

func TestWebExtractExecutor_NonOKStatus(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	ex := NewWebExtractExecutor()
	if _, err := ex.Execute(context.Background(), map[string]any{"url": srv.URL}, nil); err == nil {
		t.Fatal("expected error for 404 response")
	}
}

func TestWebExtractExecutor_Validate_RequiresURL(t *testing.T) {
	t.Parallel()
	ex := NewWebExtractExecutor()
	if err := ex.Validate(map[string]any{}); err == nil {
		t.Fatal("expected error for missing url")
	}
}
