// Package engine implements the cascade runner (§4.11): a sequential
// dispatch loop that walks a cascade's cells following explicit routing and
// handoffs, in contrast to the teacher's wave-based parallel DAG executor
// (kept, generalized, as the concurrency pattern for internal/candidate's
// fan-out instead — a cascade's cell graph is not a DAG, it is a
// potentially cyclic handoff graph walked one cell at a time).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/google/uuid"

	"github.com/smilemakc/cascaded/internal/bus"
	"github.com/smilemakc/cascaded/internal/infrastructure/logger"
	"github.com/smilemakc/cascaded/pkg/models"
)

// CascadeInputStateKey is where Run stashes the cascade's original input in
// echo.State, so a ContextBuilder can honor a cell's context.include_input
// (§4.9) without the runner needing to know anything about context
// selection itself.
const CascadeInputStateKey = "__cascade_input__"

// CellExecutor runs one cell's variant-specific body (instructions, tool,
// for_each_row, htmx) and returns its output plus any logs to append.
// Implementations live in pkg/executor (deterministic + LLM turn loop) and
// are looked up by cell type.
type CellExecutor interface {
	Execute(ctx context.Context, req CellExecutionRequest) (CellExecutionResult, error)
}

// CellExecutionRequest bundles everything an executor needs to run a cell
// without depending on the runner's internals.
type CellExecutionRequest struct {
	Cascade  *models.Cascade
	Cell     *models.Cell
	Echo     *models.Echo
	Input    map[string]any
	Context  map[string]any // selected inter-cell context (internal/contextmgr)
	RAGTools []string       // ephemeral search tool names available this cell (internal/ephemeralrag)
	Attempt  int            // candidate attempt index, 0 for non-candidate cells
}

// CellExecutionResult is what an executor hands back to the runner.
type CellExecutionResult struct {
	Output       map[string]any
	NextCell     string // explicit handoff override, empty to use routing
	Suspend      *SuspendSignal
	SpeciesHash  string
	Model        string
	TokensIn     int
	TokensOut    int
	ProviderCost float64
	DurationMs   int64
}

// SuspendSignal is returned by a CellExecutor when the cell requires human
// input, sub-cascade completion, or any other out-of-band resumption before
// the cascade can continue (§4.11 point 6, §7).
type SuspendSignal struct {
	Reason       string // human_checkpoint|decision_point|human_evaluator|sub_cascade|audible
	ResumeMode   string
	Presentation map[string]any
}

// WardEngine evaluates pre/post/turn wards for a cell (§4.4). A nil
// WardEngine is treated as "no wards configured anywhere" for tests that
// don't exercise validation.
type WardEngine interface {
	EvaluateCell(ctx context.Context, cascade *models.Cascade, cell *models.Cell, stage string, payload map[string]any) (WardVerdict, error)
}

// WardVerdict is the aggregate result of running a cell's wards for one
// stage (pre/post).
type WardVerdict struct {
	Passed  bool
	Blocked bool
	Retry   bool
	Reasons []string
}

// Router picks the next cell name given a completed cell's output and the
// cascade's decision points / rules / handoffs (§4.11 point 7). Returning
// "" means terminate the cascade.
type Router interface {
	Next(ctx context.Context, cascade *models.Cascade, cell *models.Cell, output map[string]any, echo *models.Echo) (string, error)
}

// ContextBuilder selects inter-cell and intra-cell context for a cell about
// to run (§4.9).
type ContextBuilder interface {
	BuildContext(ctx context.Context, cascade *models.Cascade, cell *models.Cell, echo *models.Echo) (map[string]any, error)
}

// SubCascadeSpawner invokes a sub-cascade synchronously or asynchronously
// (§4.11 "candidate/sub-cascade spawning").
type SubCascadeSpawner interface {
	SpawnSync(ctx context.Context, ref *models.SubCascadeRef, input map[string]any, parentSessionID string) (map[string]any, error)
	SpawnAsync(ctx context.Context, ref *models.SubCascadeRef, input map[string]any, parentSessionID string)
}

// AnalyticsScheduler enqueues a completed session for post-execution
// analysis (§4.12). Scheduling must never block session completion.
type AnalyticsScheduler interface {
	Schedule(sessionID string)
}

// Runner executes cascades as a sequential dispatch loop.
type Runner struct {
	executors   map[models.CellType]CellExecutor
	wards       WardEngine
	router      Router
	contextBld  ContextBuilder
	subCascades SubCascadeSpawner
	analytics   AnalyticsScheduler
	checkpoints CheckpointStore
	signer      *TokenSigner
	bus         *bus.Bus
	logger      *logger.Logger
	retry       *RetryPolicy
	maxCells    int // runaway-loop guard; 0 uses DefaultMaxCellDispatches
}

// DefaultMaxCellDispatches bounds a single session's cell dispatch count,
// guarding against routing cycles that never terminate.
const DefaultMaxCellDispatches = 10000

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithExecutor(t models.CellType, ex CellExecutor) RunnerOption {
	return func(r *Runner) { r.executors[t] = ex }
}

func WithWardEngine(w WardEngine) RunnerOption         { return func(r *Runner) { r.wards = w } }
func WithRouter(rt Router) RunnerOption                { return func(r *Runner) { r.router = rt } }
func WithContextBuilder(c ContextBuilder) RunnerOption { return func(r *Runner) { r.contextBld = c } }
func WithSubCascadeSpawner(s SubCascadeSpawner) RunnerOption {
	return func(r *Runner) { r.subCascades = s }
}
func WithAnalyticsScheduler(a AnalyticsScheduler) RunnerOption {
	return func(r *Runner) { r.analytics = a }
}
func WithCheckpointStore(s CheckpointStore) RunnerOption { return func(r *Runner) { r.checkpoints = s } }
func WithTokenSigner(s *TokenSigner) RunnerOption        { return func(r *Runner) { r.signer = s } }
func WithBus(b *bus.Bus) RunnerOption                    { return func(r *Runner) { r.bus = b } }
func WithLogger(l *logger.Logger) RunnerOption           { return func(r *Runner) { r.logger = l } }
func WithMaxCellDispatches(n int) RunnerOption           { return func(r *Runner) { r.maxCells = n } }
func WithRetryPolicy(p *RetryPolicy) RunnerOption        { return func(r *Runner) { r.retry = p } }

// NewRunner builds a Runner. A default Router (follow matching edge, else
// first unconditional edge, else handoff) is used unless overridden.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		executors:   make(map[models.CellType]CellExecutor),
		checkpoints: NewInMemoryCheckpointStore(),
		retry:       DefaultRetryPolicy(),
		maxCells:    DefaultMaxCellDispatches,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.router == nil {
		r.router = &defaultRouter{cache: NewConditionCache(256)}
	}
	return r
}

// Result is what Run/Resume return: either a completed cascade's final
// output, or a suspension the caller must present and later resume.
type Result struct {
	SessionID   string
	Completed   bool
	Output      map[string]any
	Suspension  *Checkpoint
	ResumeToken string
	Err         error
}

// Run starts a new session for the given cascade and input (§4.11 points
// 1-3: validate inputs, initialize the echo, fire on_cascade_start).
func (r *Runner) Run(ctx context.Context, cascade *models.Cascade, input map[string]any) (*Result, error) {
	if err := cascade.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cascade: %w", err)
	}
	for name := range cascade.InputsSchema {
		if _, ok := input[name]; !ok {
			return nil, fmt.Errorf("%w: missing required input %q", models.ErrInvalidInput, name)
		}
	}

	sessionID := uuid.NewString()
	echo := models.NewEcho(sessionID, cascade.CascadeID, "", 0)
	echo.State[CascadeInputStateKey] = input

	r.publish(bus.Event{
		Type:      bus.EventCascadeStarted,
		SessionID: sessionID,
		Data:      map[string]any{"cascade_id": cascade.CascadeID},
	})

	startCell := r.startCell(cascade)
	if startCell == "" {
		return nil, fmt.Errorf("cascade %s: no cells to start from", cascade.CascadeID)
	}

	return r.dispatchLoop(ctx, cascade, echo, startCell, input)
}

// Resume continues a suspended session from its persisted checkpoint
// (§4.11 point 6, §7), validating the resume token against the checkpoint
// identity when a TokenSigner is configured. The caller must supply the
// Cascade the session belongs to (resolved from echo.CascadeID by storage).
func (r *Runner) Resume(ctx context.Context, cascade *models.Cascade, resumeToken string, resumeInput map[string]any) (*Result, error) {
	var sessionID, checkpointID string
	var err error

	if r.signer != nil {
		sessionID, checkpointID, _, err = r.signer.Verify(resumeToken)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
	} else {
		sessionID, checkpointID, err = splitPlainToken(resumeToken)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
	}

	cp, err := r.checkpoints.Load(sessionID, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("resume: %w", err)
	}

	if err := r.checkpoints.Delete(sessionID, checkpointID); err != nil && r.logger != nil {
		r.logger.Warn("resume: failed to clear checkpoint", "error", err)
	}

	r.publish(bus.Event{
		Type:      bus.EventCheckpointResumed,
		SessionID: sessionID,
		CellName:  cp.CellName,
	})

	echo := cp.Echo
	if cascade.GetCell(cp.CellName) == nil {
		return nil, fmt.Errorf("resume: %w: %s", models.ErrCellNotFound, cp.CellName)
	}

	// The suspended cell is re-entered with the resume input; routing onward
	// happens once it completes.
	return r.dispatchLoop(ctx, cascade, echo, cp.CellName, resumeInput)
}

// dispatchLoop is the heart of the runner: walk cells following routing and
// handoffs until termination or suspension (§4.11 points 4-10).
func (r *Runner) dispatchLoop(ctx context.Context, cascade *models.Cascade, echo *models.Echo, startCell string, firstInput map[string]any) (*Result, error) {
	cellName := startCell
	input := firstInput
	dispatches := 0

	for cellName != "" {
		dispatches++
		if dispatches > r.maxCells {
			return nil, fmt.Errorf("session %s: exceeded max cell dispatches (%d); likely a routing cycle", echo.SessionID, r.maxCells)
		}

		cell := cascade.GetCell(cellName)
		if cell == nil {
			return nil, fmt.Errorf("%w: %s", models.ErrCellNotFound, cellName)
		}

		result, suspended, err := r.dispatchCell(ctx, cascade, cell, echo, input)
		if err != nil {
			r.publish(bus.Event{Type: bus.EventCascadeError, SessionID: echo.SessionID, CellName: cellName,
				Data: map[string]any{"error": err.Error()}})
			echo.Status = models.SessionStatusFailed
			return &Result{SessionID: echo.SessionID, Err: err}, nil
		}
		if suspended != nil {
			return r.suspend(echo, cell.Name, suspended)
		}

		for _, ref := range cell.AsyncCascades {
			if r.subCascades == nil {
				continue
			}
			if ref.Trigger == "" || ref.Trigger == "on_end" {
				r.subCascades.SpawnAsync(ctx, ref, result.Output, echo.SessionID)
			}
		}

		next, err := r.router.Next(ctx, cascade, cell, result.Output, echo)
		if err != nil {
			return nil, fmt.Errorf("routing from %s: %w", cellName, err)
		}
		if result.NextCell != "" {
			next = result.NextCell
		}

		input = result.Output
		cellName = next
	}

	echo.Status = models.SessionStatusCompleted
	now := time.Now()
	echo.EndedAt = &now

	r.publish(bus.Event{Type: bus.EventCascadeCompleted, SessionID: echo.SessionID})
	if r.analytics != nil {
		r.analytics.Schedule(echo.SessionID)
	}

	return &Result{SessionID: echo.SessionID, Completed: true, Output: input}, nil
}

// dispatchCell runs a single cell end-to-end: pre-wards, context selection,
// execution, post-wards, lineage recording (§4.11 point 5).
func (r *Runner) dispatchCell(ctx context.Context, cascade *models.Cascade, cell *models.Cell, echo *models.Echo, input map[string]any) (CellExecutionResult, *SuspendSignal, error) {
	r.publish(bus.Event{Type: bus.EventCellStarted, SessionID: echo.SessionID, CellName: cell.Name})

	if r.wards != nil {
		verdict, err := r.wards.EvaluateCell(ctx, cascade, cell, "pre", input)
		if err != nil {
			return CellExecutionResult{}, nil, fmt.Errorf("pre-ward evaluation for %s: %w", cell.Name, err)
		}
		r.publish(bus.Event{Type: bus.EventWardResult, SessionID: echo.SessionID, CellName: cell.Name,
			Data: map[string]any{"stage": "pre", "passed": verdict.Passed, "reasons": verdict.Reasons}})
		if verdict.Blocked {
			return CellExecutionResult{}, nil, fmt.Errorf("%w: cell %s blocked by pre-ward: %v", models.ErrValidationFailed, cell.Name, verdict.Reasons)
		}
	}

	var cellContext map[string]any
	if r.contextBld != nil {
		built, err := r.contextBld.BuildContext(ctx, cascade, cell, echo)
		if err != nil {
			return CellExecutionResult{}, nil, fmt.Errorf("context selection for %s: %w", cell.Name, err)
		}
		cellContext = built
	}

	cellType, err := cell.Type()
	if err != nil {
		return CellExecutionResult{}, nil, fmt.Errorf("cell %s: %w", cell.Name, err)
	}

	executor, ok := r.executors[cellType]
	if !ok {
		return CellExecutionResult{}, nil, fmt.Errorf("%w: no executor registered for cell type %q (cell %s)", models.ErrExecutorNotFound, cellType, cell.Name)
	}

	req := CellExecutionRequest{Cascade: cascade, Cell: cell, Echo: echo, Input: input, Context: cellContext}

	start := time.Now()
	var result CellExecutionResult
	execErr := r.retry.Execute(ctx, func() error {
		var innerErr error
		result, innerErr = executor.Execute(ctx, req)
		return innerErr
	})
	if execErr != nil {
		r.publish(bus.Event{Type: bus.EventCellFailed, SessionID: echo.SessionID, CellName: cell.Name,
			Data: map[string]any{"error": execErr.Error()}})
		return CellExecutionResult{}, nil, fmt.Errorf("executing cell %s: %w", cell.Name, execErr)
	}
	result.DurationMs = time.Since(start).Milliseconds()

	if result.Suspend != nil {
		return result, result.Suspend, nil
	}

	if r.wards != nil {
		verdict, werr := r.wards.EvaluateCell(ctx, cascade, cell, "post", result.Output)
		if werr != nil {
			return CellExecutionResult{}, nil, fmt.Errorf("post-ward evaluation for %s: %w", cell.Name, werr)
		}
		r.publish(bus.Event{Type: bus.EventWardResult, SessionID: echo.SessionID, CellName: cell.Name,
			Data: map[string]any{"stage": "post", "passed": verdict.Passed, "reasons": verdict.Reasons}})
		if verdict.Blocked {
			return CellExecutionResult{}, nil, fmt.Errorf("%w: cell %s blocked by post-ward: %v", models.ErrValidationFailed, cell.Name, verdict.Reasons)
		}
	}

	var cost *float64
	if result.ProviderCost != 0 {
		c := result.ProviderCost
		cost = &c
	}
	echo.AppendLineage(cell.Name, result.Output, result.Model, cost, result.DurationMs)

	r.publish(bus.Event{Type: bus.EventCellCompleted, SessionID: echo.SessionID, CellName: cell.Name,
		Data: map[string]any{"tokens_in": result.TokensIn, "tokens_out": result.TokensOut, "cost": result.ProviderCost}})

	return result, nil, nil
}

func (r *Runner) suspend(echo *models.Echo, cellName string, signal *SuspendSignal) (*Result, error) {
	checkpointID := uuid.NewString()
	echo.Status = models.SessionStatusSuspended
	cp := &Checkpoint{
		SessionID:    echo.SessionID,
		CheckpointID: checkpointID,
		CellName:     cellName,
		Reason:       signal.Reason,
		ResumeMode:   signal.ResumeMode,
		Echo:         echo,
		CreatedAt:    time.Now(),
		Presentation: signal.Presentation,
	}

	if err := r.checkpoints.Save(cp); err != nil {
		return nil, fmt.Errorf("saving checkpoint: %w", err)
	}

	var token string
	if r.signer != nil {
		signed, err := r.signer.Sign(cp)
		if err != nil {
			return nil, fmt.Errorf("signing resume token: %w", err)
		}
		token = signed
	} else {
		token = plainToken(echo.SessionID, checkpointID)
	}

	echo.Checkpoints = append(echo.Checkpoints, models.Checkpoint{
		CheckpointID: checkpointID,
		CellName:     cellName,
		Reason:       signal.Reason,
		Presentation: signal.Presentation,
		ResumeToken:  token,
		CreatedAt:    cp.CreatedAt,
	})

	r.publish(bus.Event{Type: bus.EventCheckpointSuspended, SessionID: echo.SessionID, CellName: cellName,
		Data: map[string]any{"reason": signal.Reason, "checkpoint_id": checkpointID}})

	return &Result{
		SessionID:   echo.SessionID,
		Completed:   false,
		Suspension:  cp,
		ResumeToken: token,
	}, nil
}

// plainToken/splitPlainToken encode a (sessionID, checkpointID) pair as an
// unsigned resume token, used when no TokenSigner is configured (tests,
// single-process deployments that trust their own callers).
func plainToken(sessionID, checkpointID string) string {
	return sessionID + ":" + checkpointID
}

func splitPlainToken(token string) (sessionID, checkpointID string, err error) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == ':' {
			return token[:i], token[i+1:], nil
		}
	}
	return "", "", fmt.Errorf("malformed resume token")
}

func (r *Runner) publish(e bus.Event) {
	if r.bus != nil {
		r.bus.Publish(e)
	}
}

// startCell returns the cascade's entry cell: the first cell with no
// incoming handoff, routing target, or edge.
func (r *Runner) startCell(cascade *models.Cascade) string {
	targeted := make(map[string]bool)
	for _, e := range cascade.Edges {
		targeted[e.To] = true
	}
	for _, c := range cascade.Cells {
		for _, h := range c.Handoffs {
			targeted[h] = true
		}
		for _, t := range c.Routing {
			targeted[t] = true
		}
	}
	for _, c := range cascade.Cells {
		if !targeted[c.Name] {
			return c.Name
		}
	}
	if len(cascade.Cells) > 0 {
		return cascade.Cells[0].Name
	}
	return ""
}

// defaultRouter implements a plain "follow the matching conditional edge,
// else the first unconditional edge, else the cell's handoff, else
// terminate" policy. Condition expressions are evaluated with the engine's
// shared ConditionCache so repeated dispatches of the same cell reuse the
// compiled program.
type defaultRouter struct {
	cache *ConditionCache
}

func (d *defaultRouter) Next(ctx context.Context, cascade *models.Cascade, cell *models.Cell, output map[string]any, echo *models.Echo) (string, error) {
	if d.cache == nil {
		d.cache = NewConditionCache(256)
	}

	env := map[string]any{"output": output, "state": echo.State}

	var fallback string
	for _, e := range cascade.Edges {
		if e.From != cell.Name {
			continue
		}
		if e.Condition == "" {
			if fallback == "" {
				fallback = e.To
			}
			continue
		}
		prog, err := d.cache.CompileAndCache(e.Condition, env)
		if err != nil {
			return "", fmt.Errorf("compiling edge condition %q: %w", e.Condition, err)
		}
		out, err := expr.Run(prog, env)
		if err != nil {
			return "", fmt.Errorf("evaluating edge condition %q: %w", e.Condition, err)
		}
		matched, _ := out.(bool)
		if matched {
			return e.To, nil
		}
	}

	if fallback != "" {
		return fallback, nil
	}

	if len(cell.Handoffs) > 0 {
		return cell.Handoffs[0], nil
	}

	return "", nil
}
