package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/pkg/executor"
	"github.com/smilemakc/cascaded/pkg/models"
)

// DeterministicExecutor implements engine.CellExecutor for tool cells
// (§4.6). It resolves cell.Tool against a pkg/executor.Manager, renders
// tool_inputs against the cell's bindings, and applies on_error repair
// before giving up. Grounded on the teacher's HTTP/transform executors'
// resolve-then-invoke shape, generalized to the flat tool-name registry
// pkg/executor already provides.
type DeterministicExecutor struct {
	tools       executor.Manager
	openai      *openai.Client
	repairModel string
}

// NewDeterministicExecutor builds a §4.6 executor. openaiClient may be nil,
// in which case on_error.auto_fix cells fail immediately instead of
// attempting LLM-assisted repair.
func NewDeterministicExecutor(tools executor.Manager, openaiClient *openai.Client, repairModel string) *DeterministicExecutor {
	if repairModel == "" {
		repairModel = openai.GPT4oMini
	}
	return &DeterministicExecutor{tools: tools, openai: openaiClient, repairModel: repairModel}
}

func (d *DeterministicExecutor) Execute(ctx context.Context, req engine.CellExecutionRequest) (engine.CellExecutionResult, error) {
	start := time.Now()

	tool, err := d.tools.Get(req.Cell.Tool)
	if err != nil {
		return engine.CellExecutionResult{}, fmt.Errorf("%w: deterministic cell %s", err, req.Cell.Name)
	}

	bindings := toolBindings(req)
	inputs, err := renderNative(req.Cell.ToolInputs, bindings)
	if err != nil {
		return engine.CellExecutionResult{}, fmt.Errorf("rendering tool_inputs for %s: %w", req.Cell.Name, err)
	}
	renderedInputs, ok := inputs.(map[string]any)
	if !ok {
		renderedInputs = map[string]any{}
	}

	maxAttempts := 1
	autoFix := false
	if req.Cell.OnError != nil {
		autoFix = req.Cell.OnError.AutoFix
		if req.Cell.OnError.MaxAttempts > 0 {
			maxAttempts = req.Cell.OnError.MaxAttempts
		}
	}

	var out any
	var execErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, execErr = tool.Execute(ctx, renderedInputs, req.Input)
		if execErr == nil {
			break
		}
		if !autoFix || d.openai == nil || attempt == maxAttempts {
			break
		}
		fixed, repairErr := d.repairInputs(ctx, req.Cell.Tool, execErr, renderedInputs)
		if repairErr != nil {
			break
		}
		renderedInputs = fixed
	}

	if execErr != nil {
		if req.Cell.OnError != nil && req.Cell.OnError.CellName != "" {
			return engine.CellExecutionResult{
				Output:     map[string]any{"status": "error", "error": execErr.Error()},
				NextCell:   req.Cell.OnError.CellName,
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		if req.Cell.OnError != nil && req.Cell.OnError.Instructions != "" {
			return engine.CellExecutionResult{
				Output:     map[string]any{"status": "error", "error": execErr.Error(), "fallback_instructions": req.Cell.OnError.Instructions},
				DurationMs: time.Since(start).Milliseconds(),
			}, nil
		}
		return engine.CellExecutionResult{}, fmt.Errorf("executing tool %s for cell %s: %w", req.Cell.Tool, req.Cell.Name, execErr)
	}

	output := normalizeOutput(out)
	return engine.CellExecutionResult{
		Output:     output,
		NextCell:   resolveRoute(req.Cell, output),
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// resolveRoute derives the next cell from a deterministic tool's result per
// §4.6: result._route, else result.status, else "success"; matched against
// the cell's routing map ("default" is the catch-all); falling back to a
// single handoffs entry when no routing map is configured. Returns "" to
// defer to the runner's edge-based router when none of these apply.
func resolveRoute(cell *models.Cell, output map[string]any) string {
	key, _ := output["_route"].(string)
	if key == "" {
		key, _ = output["status"].(string)
	}
	if key == "" {
		key = "success"
	}

	if len(cell.Routing) > 0 {
		if target, ok := cell.Routing[key]; ok {
			return target
		}
		if target, ok := cell.Routing["default"]; ok {
			return target
		}
		return ""
	}

	if len(cell.Handoffs) > 0 {
		return cell.Handoffs[0]
	}
	return ""
}

// repairInputs asks a cheap model to patch the tool_inputs given the error
// it produced, per spec §4.6 "auto_fix re-invokes the tool after asking a
// cheap model to repair the code/inputs".
func (d *DeterministicExecutor) repairInputs(ctx context.Context, tool string, failure error, inputs map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{
		"tool_type": tool,
		"error":     failure.Error(),
		"inputs":    inputs,
	})
	if err != nil {
		return nil, err
	}

	resp, err := d.openai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: d.repairModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Given a failed tool invocation, return corrected JSON inputs only, no prose."},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("auto_fix repair call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("auto_fix repair call returned no choices")
	}

	var fixed map[string]any
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &fixed); err != nil {
		return nil, fmt.Errorf("auto_fix repair response not valid JSON: %w", err)
	}
	return fixed, nil
}

// toolBindings assembles the {input, state, outputs, lineage, history}
// bindings tool_inputs templates render against (§4.6), plus the
// _cell_name/_session_id/_outputs/_state/_input injections data tools get.
func toolBindings(req engine.CellExecutionRequest) map[string]any {
	return cellBindings(req.Cell.Name, req.Echo, req.Input, req.Context)
}

// cellBindings builds the {input, state, outputs, lineage, history} set a
// cell's templates render against, scoped to the given echo (the parent's
// for ordinary cells, a forked shadow echo for candidate attempts — §5).
func cellBindings(cellName string, echo *models.Echo, input map[string]any, cellContext map[string]any) map[string]any {
	return map[string]any{
		"input":   input,
		"context": cellContext,
		"state":   echo.State,
		"outputs": echo.Outputs,
		"lineage": echo.Lineage,
		"history": echo.History,

		"_cell_name":  cellName,
		"_session_id": echo.SessionID,
		"_outputs":    echo.Outputs,
		"_state":      echo.State,
		"_input":      input,
	}
}

func normalizeOutput(out any) map[string]any {
	switch v := out.(type) {
	case map[string]any:
		return v
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"result": v}
	}
}
