package builtin

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/smilemakc/cascaded/pkg/executor"
)

// HTMLCleanExecutor extracts readable article content from HTML, stripping
// scripts/styles/boilerplate (§4.6 deterministic tool cells). Grounded on
// the teacher's pkg/executor/builtin/html_clean.go; trimmed to the subset
// of output fields a deterministic cascade cell needs.
type HTMLCleanExecutor struct {
	*executor.BaseExecutor
}

// NewHTMLCleanExecutor builds an html_clean tool.
func NewHTMLCleanExecutor() *HTMLCleanExecutor {
	return &HTMLCleanExecutor{BaseExecutor: executor.NewBaseExecutor("html_clean")}
}

func (e *HTMLCleanExecutor) Validate(config map[string]any) error { return nil }

func (e *HTMLCleanExecutor) Execute(_ context.Context, config map[string]any, input any) (any, error) {
	content, err := contentString(input, e.GetStringDefault(config, "input_key", ""))
	if err != nil {
		return nil, err
	}
	if content == "" {
		return nil, fmt.Errorf("html_clean: input content is empty")
	}

	if !looksLikeHTML(content) {
		return map[string]any{"text_content": content, "is_html": false}, nil
	}

	preprocessed, err := stripDangerousTags(content)
	if err != nil {
		return nil, fmt.Errorf("html_clean: preprocess: %w", err)
	}

	parsedURL, _ := url.Parse("http://localhost")
	article, err := readability.FromReader(strings.NewReader(preprocessed), parsedURL)
	if err != nil {
		return map[string]any{"text_content": preprocessed, "is_html": true, "extraction_fallback": true}, nil
	}

	maxLength := e.GetIntDefault(config, "max_length", 0)
	text := article.TextContent
	if maxLength > 0 && len(text) > maxLength {
		text = text[:maxLength]
	}

	return map[string]any{
		"text_content": text,
		"title":        article.Title,
		"excerpt":      article.Excerpt,
		"site_name":    article.SiteName,
		"length":       len(text),
		"is_html":      true,
	}, nil
}

func contentString(input any, inputKey string) (string, error) {
	switch v := input.(type) {
	case string:
		return v, nil
	case map[string]any:
		if inputKey != "" {
			s, _ := v[inputKey].(string)
			return s, nil
		}
		for _, k := range []string{"content", "html", "text", "body"} {
			if s, ok := v[k].(string); ok {
				return s, nil
			}
		}
		return "", fmt.Errorf("html_clean: no string field found in map input")
	default:
		return "", fmt.Errorf("html_clean: unsupported input type %T", input)
	}
}

var htmlTagPattern = regexp.MustCompile(`(?i)<(html|body|div|p|span|script|style)[\s>]`)

func looksLikeHTML(content string) bool {
	return htmlTagPattern.MatchString(content)
}

// stripDangerousTags removes script/style/iframe/object/embed elements
// before readability ever parses the document, grounded on the teacher's
// preprocess step.
func stripDangerousTags(content string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, iframe, object, embed, noscript").Remove()
	html, err := doc.Html()
	if err != nil {
		return "", err
	}
	return html, nil
}
