// Package ward implements the validator dispatcher (§4.3) and the pre/post/
// turn ward engine (§4.4) that plugs into internal/application/engine as its
// engine.WardEngine.
package ward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"

	"github.com/expr-lang/expr"
	"github.com/go-playground/validator/v10"

	"github.com/smilemakc/cascaded/pkg/executor"
	"github.com/smilemakc/cascaded/pkg/models"
)

// wardConfigInput mirrors the fields of models.Ward that must hold one of a
// fixed set of values before a validator dispatch is ever attempted. Using
// go-playground/validator's struct-tag validation here catches a malformed
// ward (unknown mode, missing validator): Engine.EvaluateCell checks each
// ward this way before dispatching its validator.
type wardConfigInput struct {
	Mode        string `validate:"required,oneof=blocking advisory retry"`
	HasValidator bool  `validate:"eq=true"`
}

var structValidate = validator.New()

// ValidateWardConfig checks a Ward's shape before it is ever evaluated.
func ValidateWardConfig(w *models.Ward) error {
	if w == nil {
		return fmt.Errorf("%w: nil ward", models.ErrValidatorInvalid)
	}
	in := wardConfigInput{Mode: w.Mode, HasValidator: w.Validator != nil}
	if err := structValidate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidatorInvalid, err)
	}
	return nil
}

// Dispatcher resolves a models.ValidatorSpec's sum-type arm (named/inline/
// explicit, per ValidatorSpec.Kind) and runs it against a payload, returning
// a pass/fail verdict plus a human-readable reason on failure.
type Dispatcher struct {
	executors executor.Manager
}

// NewDispatcher builds a Dispatcher. executors may be nil if no cascade in
// this deployment uses explicit {tool, inputs} validators.
func NewDispatcher(executors executor.Manager) *Dispatcher {
	return &Dispatcher{executors: executors}
}

// Evaluate runs spec against payload, resolving named references against
// the cascade's top-level Validators map.
func (d *Dispatcher) Evaluate(ctx context.Context, spec *models.ValidatorSpec, payload map[string]any, named map[string]*models.ValidatorSpec) (bool, string, error) {
	if spec == nil {
		return true, "", nil
	}

	switch spec.Kind() {
	case "named":
		resolved, ok := named[spec.Name]
		if !ok {
			return false, "", fmt.Errorf("%w: unknown named validator %q", models.ErrValidatorInvalid, spec.Name)
		}
		return d.Evaluate(ctx, resolved, payload, named)

	case "explicit":
		return d.evaluateTool(ctx, spec, payload)

	default: // inline
		return d.evaluateInline(ctx, spec, payload)
	}
}

func (d *Dispatcher) evaluateInline(ctx context.Context, spec *models.ValidatorSpec, payload map[string]any) (bool, string, error) {
	switch spec.Language {
	case "", "expr", "javascript":
		out, err := expr.Eval(spec.Code, payload)
		if err != nil {
			return false, "", fmt.Errorf("inline validator expression: %w", err)
		}
		passed, ok := out.(bool)
		if !ok {
			return false, "", fmt.Errorf("inline validator expression %q must return a bool, got %T", spec.Code, out)
		}
		if !passed {
			return false, fmt.Sprintf("expression %q evaluated to false", spec.Code), nil
		}
		return true, "", nil

	case "bash":
		return d.evaluateBash(ctx, spec, payload)

	default:
		return false, "", fmt.Errorf("%w: inline validator language %q is not embedded in this runtime; use an explicit {tool} validator instead", models.ErrValidatorInvalid, spec.Language)
	}
}

// evaluateBash runs spec.Code as a shell script with the JSON-encoded
// payload on stdin; a zero exit status is a pass.
func (d *Dispatcher) evaluateBash(ctx context.Context, spec *models.ValidatorSpec, payload map[string]any) (bool, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, "", fmt.Errorf("marshal payload for bash validator: %w", err)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", spec.Code)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return false, stderr.String(), nil
		}
		return false, "", fmt.Errorf("bash validator: %w", err)
	}
	return true, "", nil
}

func (d *Dispatcher) evaluateTool(ctx context.Context, spec *models.ValidatorSpec, payload map[string]any) (bool, string, error) {
	if d.executors == nil {
		return false, "", fmt.Errorf("%w: validator %q references tool %q but no executor manager is configured", models.ErrValidatorInvalid, spec.Kind(), spec.Tool)
	}
	ex, err := d.executors.Get(spec.Tool)
	if err != nil {
		return false, "", fmt.Errorf("validator tool %q: %w", spec.Tool, err)
	}

	config := make(map[string]any, len(spec.Inputs)+1)
	for k, v := range spec.Inputs {
		config[k] = v
	}

	out, err := ex.Execute(ctx, config, payload)
	if err != nil {
		return false, err.Error(), nil
	}

	switch v := out.(type) {
	case bool:
		if !v {
			return false, "validator tool returned false", nil
		}
		return true, "", nil
	case map[string]any:
		if passed, ok := v["passed"].(bool); ok {
			reason, _ := v["reason"].(string)
			return passed, reason, nil
		}
		if valid, ok := v["valid"].(bool); ok {
			reason, _ := v["reason"].(string)
			return valid, reason, nil
		}
		return true, "", nil
	default:
		return true, "", nil
	}
}
