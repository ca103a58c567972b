package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smilemakc/cascaded/internal/application/engine"
	"github.com/smilemakc/cascaded/internal/candidate"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/internal/ward"
	"github.com/smilemakc/cascaded/pkg/executor"
	"github.com/smilemakc/cascaded/pkg/models"
)

// LLMExecutor implements engine.CellExecutor for instruction cells (§4.7):
// a turn loop that calls the model, dispatches tool calls back through
// §4.6's tool registry, runs turn wards and rules.loop_until between turns,
// and recognizes <decision> blocks as checkpoint suspensions. Generalized
// from the teacher's llm.go template-resolve-before-execute shape and
// tool_calling_registry.go's per-call dispatch, replacing its
// builtin/sub-workflow/custom-code/OpenAPI union with pkg/executor's flat
// tool registry.
type LLMExecutor struct {
	client     *openai.Client
	tools      executor.Manager
	dispatcher *ward.Dispatcher
	wards      engine.WardEngine
	candidates *candidate.Engine
	logger     *logger.Logger

	defaultModel string
	maxTurns     int
}

// NewLLMExecutor builds a §4.7 executor.
func NewLLMExecutor(client *openai.Client, tools executor.Manager, dispatcher *ward.Dispatcher, wards engine.WardEngine, candidates *candidate.Engine, log *logger.Logger, defaultModel string) *LLMExecutor {
	if defaultModel == "" {
		defaultModel = openai.GPT4o
	}
	return &LLMExecutor{
		client:       client,
		tools:        tools,
		dispatcher:   dispatcher,
		wards:        wards,
		candidates:   candidates,
		logger:       log,
		defaultModel: defaultModel,
		maxTurns:     8,
	}
}

func (e *LLMExecutor) Execute(ctx context.Context, req engine.CellExecutionRequest) (engine.CellExecutionResult, error) {
	if req.Cell.Candidates != nil && e.candidates != nil {
		return e.executeWithCandidates(ctx, req)
	}
	result, err := e.runTurnLoop(ctx, req, req.Echo, req.Input, "")
	return result, err
}

// executeWithCandidates delegates to internal/candidate.Engine's fan-out,
// adapting between engine.CellExecutionRequest/Result and
// candidate.AttemptFunc/AttemptResult at this call site — candidate is
// deliberately independent of the engine package to avoid an import cycle.
func (e *LLMExecutor) executeWithCandidates(ctx context.Context, req engine.CellExecutionRequest) (engine.CellExecutionResult, error) {
	attempt := func(ctx context.Context, idx int, echo *models.Echo, input map[string]any, mutation string) (candidate.AttemptResult, error) {
		result, err := e.runTurnLoop(ctx, req, echo, input, mutation)
		if err != nil {
			return candidate.AttemptResult{}, err
		}
		quality := 0.0
		if q, ok := result.Output["quality"].(float64); ok {
			quality = q
		}
		return candidate.AttemptResult{
			Index:       idx,
			Output:      result.Output,
			Echo:        echo,
			Model:       result.Model,
			TokensIn:    result.TokensIn,
			TokensOut:   result.TokensOut,
			Cost:        result.ProviderCost,
			SpeciesHash: result.SpeciesHash,
			Quality:     quality,
		}, nil
	}

	var evaluate candidate.EvaluatorFunc
	if req.Cell.Candidates.Evaluator != "" && req.Cell.Candidates.Evaluator != "human" {
		evaluate = func(ctx context.Context, a candidate.AttemptResult) (float64, error) {
			return e.scoreAttempt(ctx, req.Cell.Candidates.EvaluatorInstructions, a)
		}
	}

	run, err := e.candidates.Run(ctx, req.Cell.Candidates, req.Echo, req.Input, req.Cascade.Validators, attempt, evaluate)
	if err != nil {
		return engine.CellExecutionResult{}, fmt.Errorf("candidate fan-out for cell %s: %w", req.Cell.Name, err)
	}

	req.Echo.MergeWinner(run.Winner.Echo, req.Cell.Name)
	return engine.CellExecutionResult{
		Output:       run.Winner.Output,
		SpeciesHash:  run.Winner.SpeciesHash,
		Model:        run.Winner.Model,
		TokensIn:     run.Winner.TokensIn,
		TokensOut:    run.Winner.TokensOut,
		ProviderCost: run.Winner.Cost,
	}, nil
}

// scoreAttempt asks a cheap model to rate a candidate attempt 0..1, used
// when cell.Candidates.Evaluator names an LLM spec instead of "human".
func (e *LLMExecutor) scoreAttempt(ctx context.Context, instructions string, a candidate.AttemptResult) (float64, error) {
	if e.client == nil {
		return 0, fmt.Errorf("no LLM client configured for candidate evaluation")
	}
	payload, err := json.Marshal(a.Output)
	if err != nil {
		return 0, err
	}
	prompt := instructions
	if prompt == "" {
		prompt = "Score the following candidate output from 0.0 (worst) to 1.0 (best). Respond with only the number."
	}
	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: e.defaultModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
	})
	if err != nil {
		return 0, fmt.Errorf("candidate evaluator call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return 0, fmt.Errorf("candidate evaluator returned no choices")
	}
	var score float64
	if _, err := fmt.Sscanf(resp.Choices[0].Message.Content, "%f", &score); err != nil {
		return 0, fmt.Errorf("candidate evaluator response %q is not a number", resp.Choices[0].Message.Content)
	}
	return score, nil
}

var decisionBlockPattern = regexp.MustCompile(`(?s)<decision>\s*(\{.*?\})\s*</decision>`)

// tagCallout renders a cell's callouts.template against the turn content
// and stamps it onto the most recent history entry's metadata (§4.9
// "Callouts" — first-class filters for context selection and UI surfacing).
// Returns "" when the template fails to render to a string.
func (e *LLMExecutor) tagCallout(req engine.CellExecutionRequest, echo *models.Echo, bindings map[string]any, content string) string {
	turnBindings := make(map[string]any, len(bindings)+1)
	for k, v := range bindings {
		turnBindings[k] = v
	}
	turnBindings["output"] = map[string]any{"content": content}

	rendered, err := renderStringNative(req.Cell.Callouts.Template, turnBindings)
	if err != nil {
		return ""
	}
	label, ok := rendered.(string)
	if !ok || label == "" {
		return ""
	}
	if len(echo.History) > 0 {
		last := &echo.History[len(echo.History)-1]
		if last.Metadata == nil {
			last.Metadata = map[string]any{}
		}
		last.Metadata["callout"] = label
	}
	return label
}

// runTurnLoop is the actual §4.7 loop, run once per non-candidate cell or
// once per candidate attempt.
func (e *LLMExecutor) runTurnLoop(ctx context.Context, req engine.CellExecutionRequest, echo *models.Echo, input map[string]any, mutationInstructions string) (engine.CellExecutionResult, error) {
	if e.client == nil {
		return engine.CellExecutionResult{}, fmt.Errorf("no OpenAI client configured for LLM cell %s", req.Cell.Name)
	}

	start := time.Now()
	maxTurns := req.Cell.MaxTurns
	if maxTurns <= 0 {
		maxTurns = e.maxTurns
	}

	bindings := cellBindings(req.Cell.Name, echo, input, req.Context)
	rendered, err := renderStringNative(req.Cell.Instructions, bindings)
	if err != nil {
		return engine.CellExecutionResult{}, fmt.Errorf("rendering instructions for %s: %w", req.Cell.Name, err)
	}
	instructions, _ := rendered.(string)
	if mutationInstructions != "" {
		instructions = instructions + "\n\n" + mutationInstructions
	}

	messages := []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: instructions}}
	messages = append(messages, contextMessages(req.Context, echo)...)

	tools := e.buildToolDefs(req.Cell.Traits, req.RAGTools)

	model := e.defaultModel
	var totalTokensIn, totalTokensOut int
	var totalCost float64

	for turn := 0; turn < maxTurns; turn++ {
		chatReq := openai.ChatCompletionRequest{Model: model, Messages: messages}
		if len(tools) > 0 {
			chatReq.Tools = tools
		}

		resp, err := e.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			return engine.CellExecutionResult{}, fmt.Errorf("LLM call for cell %s turn %d: %w", req.Cell.Name, turn, err)
		}
		if len(resp.Choices) == 0 {
			return engine.CellExecutionResult{}, fmt.Errorf("LLM call for cell %s turn %d: no choices returned", req.Cell.Name, turn)
		}
		totalTokensIn += resp.Usage.PromptTokens
		totalTokensOut += resp.Usage.CompletionTokens

		choice := resp.Choices[0].Message
		messages = append(messages, choice)
		echo.AppendHistory(openai.ChatMessageRoleAssistant, choice.Content, map[string]any{"cell": req.Cell.Name, "turn": turn})
		if req.Cell.Callouts != nil && req.Cell.Callouts.EveryTurn {
			e.tagCallout(req, echo, bindings, choice.Content)
		}

		if len(choice.ToolCalls) > 0 {
			for _, call := range choice.ToolCalls {
				result, err := e.executeToolCall(ctx, call)
				var content string
				if err != nil {
					content = fmt.Sprintf(`{"error": %q}`, err.Error())
				} else {
					content = result
				}
				messages = append(messages, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    content,
					ToolCallID: call.ID,
				})
				echo.AppendHistory(openai.ChatMessageRoleTool, content, map[string]any{"cell": req.Cell.Name, "tool_call": call.Function.Name})
			}
			continue
		}

		if req.Cell.DecisionPoints != nil && req.Cell.DecisionPoints.Enabled {
			if m := decisionBlockPattern.FindStringSubmatch(choice.Content); m != nil {
				var decision map[string]any
				if err := json.Unmarshal([]byte(m[1]), &decision); err == nil {
					return engine.CellExecutionResult{
						Output: map[string]any{"decision": decision},
						Suspend: &engine.SuspendSignal{
							Reason:       "decision_point",
							ResumeMode:   "inject_response",
							Presentation: decision,
						},
						DurationMs: time.Since(start).Milliseconds(),
					}, nil
				}
			}
		}

		turnPayload := map[string]any{"content": choice.Content, "turn": turn}
		if e.wards != nil {
			verdict, err := e.wards.EvaluateCell(ctx, req.Cascade, req.Cell, "turn", turnPayload)
			if err != nil {
				return engine.CellExecutionResult{}, fmt.Errorf("turn ward for cell %s: %w", req.Cell.Name, err)
			}
			if verdict.Retry && len(verdict.Reasons) > 0 {
				messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: verdict.Reasons[0]})
				continue
			}
			if verdict.Blocked {
				return engine.CellExecutionResult{}, fmt.Errorf("%w: cell %s blocked by turn ward: %v", models.ErrValidationFailed, req.Cell.Name, verdict.Reasons)
			}
		}

		if req.Cell.Rules != nil && req.Cell.Rules.LoopUntil != nil {
			passed, reason, err := e.dispatcher.Evaluate(ctx, req.Cell.Rules.LoopUntil, turnPayload, req.Cascade.Validators)
			if err != nil {
				return engine.CellExecutionResult{}, fmt.Errorf("loop_until for cell %s: %w", req.Cell.Name, err)
			}
			if !passed {
				if !req.Cell.Rules.LoopUntilSilent {
					if reason == "" {
						reason = "output did not satisfy loop_until"
					}
					messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: reason})
				}
				continue
			}
		}

		output := map[string]any{"content": choice.Content}
		if req.Cell.Callouts != nil {
			if callout := e.tagCallout(req, echo, bindings, choice.Content); callout != "" {
				output["_callout"] = callout
			}
		}

		return engine.CellExecutionResult{
			Output:     output,
			Model:      model,
			TokensIn:   totalTokensIn,
			TokensOut:  totalTokensOut,
			DurationMs: time.Since(start).Milliseconds(),
		}, nil
	}

	return engine.CellExecutionResult{
		Output:     map[string]any{"content": "", "status": "turn_budget_exhausted"},
		Model:      model,
		TokensIn:   totalTokensIn,
		TokensOut:  totalTokensOut,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

func (e *LLMExecutor) buildToolDefs(traits []string, ragTools []string) []openai.Tool {
	if e.tools == nil {
		return nil
	}
	names := append(append([]string{}, traits...), ragTools...)
	defs := make([]openai.Tool, 0, len(names))
	for _, name := range names {
		if !e.tools.Has(name) {
			continue
		}
		defs = append(defs, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        toolFunctionName(name),
				Description: fmt.Sprintf("Invoke the %q tool", name),
				Parameters: map[string]any{
					"type":                 "object",
					"additionalProperties": true,
				},
			},
		})
	}
	return defs
}

func (e *LLMExecutor) executeToolCall(ctx context.Context, call openai.ToolCall) (string, error) {
	name := toolNameFromFunction(call.Function.Name)
	tool, err := e.tools.Get(name)
	if err != nil {
		return "", err
	}
	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return "", fmt.Errorf("parsing arguments for tool %s: %w", name, err)
		}
	}
	out, err := tool.Execute(ctx, args, args)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("encoding result for tool %s: %w", name, err)
	}
	return string(encoded), nil
}

var toolFunctionNamePattern = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// toolFunctionName maps a registered tool name (which may contain dots,
// e.g. "web.search") to an OpenAI function name (letters/digits/underscore
// only).
func toolFunctionName(name string) string {
	return toolFunctionNamePattern.ReplaceAllString(name, "_")
}

func toolNameFromFunction(fn string) string {
	switch fn {
	case "web_search":
		return "web.search"
	case "web_extract":
		return "web.extract"
	default:
		return fn
	}
}

// contextMessages turns a ContextBuilder's selection (§4.9, cellContext
// ["messages"] = []map[string]any{"role", "content"}) into chat messages.
// A cell with no context block configured gets no ContextBuilder-selected
// set, so this falls back to the full echo history — the pre-§4.9 behavior.
func contextMessages(cellContext map[string]any, echo *models.Echo) []openai.ChatCompletionMessage {
	raw, ok := cellContext["messages"]
	if !ok {
		return historyMessages(echo)
	}
	entries, ok := raw.([]map[string]any)
	if !ok {
		return historyMessages(echo)
	}
	out := make([]openai.ChatCompletionMessage, 0, len(entries))
	for _, entry := range entries {
		role, _ := entry["role"].(string)
		content, _ := entry["content"].(string)
		if role == "" {
			role = openai.ChatMessageRoleUser
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: content})
	}
	return out
}

func historyMessages(echo *models.Echo) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(echo.History))
	for _, h := range echo.History {
		out = append(out, openai.ChatCompletionMessage{Role: h.Role, Content: h.Content})
	}
	return out
}
