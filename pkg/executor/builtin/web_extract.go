package builtin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/smilemakc/cascaded/pkg/executor"
)

// WebExtractExecutor fetches a URL and runs it through the same
// goquery+readability pipeline as HTMLCleanExecutor, producing the article
// text an ephemeral RAG manifest entry (§4.8) or a deterministic cell can
// chunk and embed.
type WebExtractExecutor struct {
	*executor.BaseExecutor
	client *http.Client
}

// NewWebExtractExecutor builds a web.extract tool.
func NewWebExtractExecutor() *WebExtractExecutor {
	return &WebExtractExecutor{
		BaseExecutor: executor.NewBaseExecutor("web.extract"),
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (e *WebExtractExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "url")
}

func (e *WebExtractExecutor) Execute(ctx context.Context, config map[string]any, input any) (any, error) {
	rawURL, err := e.GetString(config, "url")
	if err != nil {
		return nil, err
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("web.extract: invalid url %q: %w", rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("web.extract: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web.extract: fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web.extract: %s returned status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("web.extract: reading body: %w", err)
	}

	cleaned, err := stripDangerousTags(string(body))
	if err != nil {
		return nil, fmt.Errorf("web.extract: preprocess: %w", err)
	}

	article, err := readability.FromReader(strings.NewReader(cleaned), parsedURL)
	if err != nil {
		return nil, fmt.Errorf("web.extract: readability: %w", err)
	}

	return map[string]any{
		"url":          rawURL,
		"title":        article.Title,
		"text_content": article.TextContent,
		"excerpt":      article.Excerpt,
		"site_name":    article.SiteName,
	}, nil
}
