package builtin

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"

	"github.com/smilemakc/cascaded/pkg/executor"
)

// JQExecutor runs a jq filter over its input (§4.6 deterministic tool
// cells), grounded on the teacher's "jq" transform type
// (pkg/executor/builtin/transform.go) but split into its own registered
// tool name since cascade cells reference tools by a flat name, not a
// transform-type discriminator.
type JQExecutor struct {
	*executor.BaseExecutor
}

// NewJQExecutor builds a jq tool.
func NewJQExecutor() *JQExecutor {
	return &JQExecutor{BaseExecutor: executor.NewBaseExecutor("jq")}
}

func (e *JQExecutor) Validate(config map[string]any) error {
	return e.ValidateRequired(config, "filter")
}

func (e *JQExecutor) Execute(ctx context.Context, config map[string]any, input any) (any, error) {
	filterStr, err := e.GetString(config, "filter")
	if err != nil {
		return nil, err
	}

	query, err := gojq.Parse(filterStr)
	if err != nil {
		return nil, fmt.Errorf("jq: parse filter %q: %w", filterStr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq: compile filter %q: %w", filterStr, err)
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return nil, fmt.Errorf("jq: evaluate filter %q: %w", filterStr, err)
		}
		results = append(results, v)
	}

	if len(results) == 1 {
		return results[0], nil
	}
	return results, nil
}
