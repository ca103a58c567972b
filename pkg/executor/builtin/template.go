package builtin

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/expr-lang/expr"
)

// renderNative is the §4.6/§4.7 "native value" template engine: unlike
// internal/application/template's Engine (which only resolves env/input/resource and
// always stringifies), tool_inputs and LLM-cell bindings must surface real
// lists/maps/numbers to downstream code. Generalized from that engine's
// {{...}} placeholder idiom, evaluated with expr-lang/expr so any bound
// name (input, state, outputs, lineage, history, ...) is reachable without
// a bespoke path-resolution grammar per variable type.
var placeholderPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// renderNative recursively resolves {{ expr }} placeholders in data against
// bindings. A string consisting of exactly one placeholder returns the
// expression's native value; a string with embedded placeholders among
// other text has each occurrence stringified in place.
func renderNative(data any, bindings map[string]any) (any, error) {
	switch v := data.(type) {
	case string:
		return renderStringNative(v, bindings)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			rendered, err := renderNative(val, bindings)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", k, err)
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, val := range v {
			rendered, err := renderNative(val, bindings)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return data, nil
	}
}

func renderStringNative(s string, bindings map[string]any) (any, error) {
	matches := placeholderPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		code := s[matches[0][2]:matches[0][3]]
		out, err := expr.Eval(code, bindings)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", code, err)
		}
		return out, nil
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		b.WriteString(s[last:m[0]])
		code := s[m[2]:m[3]]
		out, err := expr.Eval(code, bindings)
		if err != nil {
			return nil, fmt.Errorf("evaluating %q: %w", code, err)
		}
		fmt.Fprint(&b, out)
		last = m[1]
	}
	b.WriteString(s[last:])
	return b.String(), nil
}
