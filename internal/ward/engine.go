package ward

import (
	"context"
	"fmt"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/pkg/models"
)

// Engine evaluates a cell's pre/post/turn wards (§4.4) by walking the
// configured ward list for the requested stage and dispatching each one's
// validator through Dispatcher. Engine implements engine.WardEngine.
type Engine struct {
	dispatcher *Dispatcher
	logger     *logger.Logger
}

// NewEngine builds a ward Engine.
func NewEngine(dispatcher *Dispatcher, log *logger.Logger) *Engine {
	return &Engine{dispatcher: dispatcher, logger: log}
}

// EvaluateCell runs every ward configured for (cell, stage) and aggregates
// the verdicts: blocking wards that fail block the cell outright, retry
// wards that fail ask the caller to retry (the LLM turn-loop executor
// interprets Retry, not this engine), advisory wards only contribute to
// Reasons.
func (e *Engine) EvaluateCell(ctx context.Context, cascade *models.Cascade, cell *models.Cell, stage string, payload map[string]any) (engine.WardVerdict, error) {
	verdict := engine.WardVerdict{Passed: true}

	if cell.Wards == nil {
		return verdict, nil
	}

	var wards []*models.Ward
	switch stage {
	case "pre":
		wards = cell.Wards.Pre
	case "post":
		wards = cell.Wards.Post
	case "turn":
		wards = cell.Wards.Turn
	default:
		return verdict, fmt.Errorf("%w: unknown ward stage %q", models.ErrValidationFailed, stage)
	}

	for _, w := range wards {
		if err := ValidateWardConfig(w); err != nil {
			return verdict, err
		}

		passed, reason, err := e.dispatcher.Evaluate(ctx, w.Validator, payload, cascade.Validators)
		if err != nil {
			return verdict, fmt.Errorf("ward %s/%s: %w", cell.Name, stage, err)
		}
		if passed {
			continue
		}

		verdict.Passed = false
		if reason == "" {
			reason = fmt.Sprintf("ward failed for cell %s at %s", cell.Name, stage)
		}
		verdict.Reasons = append(verdict.Reasons, reason)

		switch w.Mode {
		case "blocking":
			verdict.Blocked = true
		case "retry":
			verdict.Retry = true
		case "advisory":
			// recorded in Reasons only
		default:
			return verdict, fmt.Errorf("%w: ward mode %q", models.ErrValidatorInvalid, w.Mode)
		}

		if e.logger != nil {
			e.logger.Warn("ward failed", "cell", cell.Name, "stage", stage, "mode", w.Mode, "reason", reason)
		}
	}

	return verdict, nil
}
