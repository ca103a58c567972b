package builtin

import (
	"context"
	"fmt"

	"google.golang.org/api/customsearch/v1"
	"google.golang.org/api/option"

	"github.com/smilemakc/cascaded/pkg/executor"
)

// WebSearchExecutor wraps Google's Programmable Search Engine API as a
// "web.search" tool, usable both as an ordinary deterministic cell (§4.6)
// and as an ephemeral RAG search tool surfaced to an LLM cell (§4.8).
type WebSearchExecutor struct {
	*executor.BaseExecutor
	apiKey string
}

// NewWebSearchExecutor builds a web.search tool. apiKey may be overridden
// per-call via config["api_key"] (falls back to this default;
// RegisterBuiltins registers the tool with an empty default).
func NewWebSearchExecutor(apiKey string) *WebSearchExecutor {
	return &WebSearchExecutor{BaseExecutor: executor.NewBaseExecutor("web.search"), apiKey: apiKey}
}

func (e *WebSearchExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "query", "cx")
}

func (e *WebSearchExecutor) Execute(ctx context.Context, config map[string]any, input any) (any, error) {
	query, err := e.GetString(config, "query")
	if err != nil {
		return nil, err
	}
	cx, err := e.GetString(config, "cx")
	if err != nil {
		return nil, err
	}

	apiKey := e.GetStringDefault(config, "api_key", e.apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("web.search: no API key configured")
	}

	svc, err := customsearch.NewService(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("web.search: building client: %w", err)
	}

	numResults := int64(e.GetIntDefault(config, "num", 5))
	call := svc.Cse.List().Cx(cx).Q(query).Num(numResults)

	resp, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("web.search: %w", err)
	}

	results := make([]map[string]any, 0, len(resp.Items))
	for _, item := range resp.Items {
		results = append(results, map[string]any{
			"title":   item.Title,
			"link":    item.Link,
			"snippet": item.Snippet,
		})
	}

	return map[string]any{"query": query, "results": results}, nil
}
