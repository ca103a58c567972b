// Package importer loads cascade documents (spec §6 YAML schema) from disk
// into pkg/models.Cascade and re-serializes them back to YAML.
package importer

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/smilemakc/cascaded/pkg/executor"
	"github.com/smilemakc/cascaded/pkg/models"
)

// ValidationError represents a validation error with context.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ImportResult contains the result of importing a cascade document.
type ImportResult struct {
	Cascade    *models.Cascade
	CellsCount int
	EdgesCount int
}

// YAMLImporter loads and validates cascade documents, cross-checking cell
// tool references against the executor registry the way the original
// importer cross-checked node types against it.
type YAMLImporter struct {
	executorManager executor.Manager
}

// NewYAMLImporter creates a new YAML importer with the given executor manager.
func NewYAMLImporter(executorManager executor.Manager) *YAMLImporter {
	return &YAMLImporter{executorManager: executorManager}
}

// ImportFromYAML parses a cascade document and validates it both
// structurally (required fields, duplicate names) and semantically
// (reachability, sub-cascade cycles, via models.Cascade.Validate).
func (i *YAMLImporter) ImportFromYAML(data []byte) (*ImportResult, error) {
	content, err := ParseYAMLContent(data)
	if err != nil {
		return nil, err
	}

	var cascade models.Cascade
	if err := yaml.Unmarshal(content, &cascade); err != nil {
		return nil, fmt.Errorf("failed to parse cascade YAML: %w", err)
	}

	if err := i.validateStructure(&cascade); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	if err := cascade.Validate(); err != nil {
		return nil, fmt.Errorf("cascade validation failed: %w", err)
	}

	return &ImportResult{
		Cascade:    &cascade,
		CellsCount: len(cascade.Cells),
		EdgesCount: len(cascade.Edges),
	}, nil
}

// validateStructure performs the checks that precede models.Cascade.Validate
// (which only runs once the document is already well-formed): required
// top-level fields, duplicate cell names, and unknown tool references. The
// DAG-shape checks (unreachable cells, cyclic sub-cascades) are left to
// Cascade.Validate/UnreachableCells/findCyclicSubCascade, which already
// implement them — this importer does not duplicate that logic.
func (i *YAMLImporter) validateStructure(c *models.Cascade) error {
	if c.CascadeID == "" {
		return &ValidationError{Field: "cascade_id", Message: "cascade_id is required"}
	}

	if len(c.Cells) == 0 {
		return &ValidationError{Field: "cells", Message: "at least one cell is required"}
	}

	seen := make(map[string]bool, len(c.Cells))
	for idx, cell := range c.Cells {
		if cell.Name == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("cells[%d].name", idx),
				Message: "cell name is required",
			}
		}
		if seen[cell.Name] {
			return &ValidationError{
				Field:   fmt.Sprintf("cells[%d].name", idx),
				Message: fmt.Sprintf("duplicate cell name: %s", cell.Name),
			}
		}
		seen[cell.Name] = true

		if _, err := cell.Type(); err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("cells[%d]", idx),
				Message: err.Error(),
			}
		}

		if cell.Tool != "" && i.executorManager != nil && !i.executorManager.Has(cell.Tool) {
			return &ValidationError{
				Field:   fmt.Sprintf("cells[%d].tool", idx),
				Message: fmt.Sprintf("unknown executor tool: %s", cell.Tool),
			}
		}
	}

	for idx, edge := range c.Edges {
		if edge.From == "" || edge.To == "" {
			return &ValidationError{
				Field:   fmt.Sprintf("edges[%d]", idx),
				Message: "edge must have both from and to",
			}
		}
		if !seen[edge.From] {
			return &ValidationError{
				Field:   fmt.Sprintf("edges[%d].from", idx),
				Message: fmt.Sprintf("edge references non-existent cell: %s", edge.From),
			}
		}
		if !seen[edge.To] {
			return &ValidationError{
				Field:   fmt.Sprintf("edges[%d].to", idx),
				Message: fmt.Sprintf("edge references non-existent cell: %s", edge.To),
			}
		}
	}

	return nil
}

// ExportToYAML serializes a cascade back to its document form.
func (i *YAMLImporter) ExportToYAML(cascade *models.Cascade) ([]byte, error) {
	return yaml.Marshal(cascade)
}

// GetSupportedTools returns the executor tool names available to cells.
func (i *YAMLImporter) GetSupportedTools() []string {
	if i.executorManager == nil {
		return nil
	}
	return i.executorManager.List()
}

// ValidateToolName checks if a tool is registered in the executor registry.
func (i *YAMLImporter) ValidateToolName(tool string) bool {
	if i.executorManager == nil {
		return true
	}
	return i.executorManager.Has(tool)
}

// ParseYAMLContent strips a BOM and surrounding whitespace before parsing.
func ParseYAMLContent(data []byte) ([]byte, error) {
	content := strings.TrimPrefix(string(data), "\xef\xbb\xbf")
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty YAML content")
	}
	return []byte(content), nil
}
