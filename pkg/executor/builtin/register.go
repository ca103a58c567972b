// Package builtin provides the deterministic tool executor (§4.6) and the
// LLM turn-loop cell executor (§4.7), adapting pkg/executor's tool registry
// idiom into engine.CellExecutor implementations the runner dispatches by
// cell type.
package builtin

import (
	"github.com/smilemakc/cascaded/pkg/executor"
)

// RegisterBuiltins registers every deterministic tool this package ships
// into the given registry, mirroring the teacher's
// pkg/executor/builtin.RegisterBuiltins entry point (referenced by
// pkg/executor/registry.go's NewManager doc comment).
func RegisterBuiltins(reg executor.Manager) error {
	tools := []struct {
		name string
		ex   executor.Executor
	}{
		{"html_clean", NewHTMLCleanExecutor()},
		{"jq", NewJQExecutor()},
		{"web.search", NewWebSearchExecutor("")},
		{"web.extract", NewWebExtractExecutor()},
	}
	for _, t := range tools {
		if err := reg.Register(t.name, t.ex); err != nil {
			return err
		}
	}
	return nil
}
