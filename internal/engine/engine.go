// Package engine implements the Execution Engine: a cursor-driven state
// machine over a validated task list, dispatching each task to the
// strategy matching its kind (sequential, parallel, conditional,
// decision, return), evaluating success criteria, and advancing the
// cursor per the routing rules.
//
// The engine is a computed goto over task ids, never a recursion:
// loops ("next=loop", backward on_success jumps) re-enter the same
// driver loop with an explicit iteration counter, so stack depth stays
// constant and cancellation is a single select away at every step.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tasker-run/tasker/internal/condeval"
	"github.com/tasker-run/tasker/internal/crc"
	"github.com/tasker-run/tasker/internal/model"
	"github.com/tasker-run/tasker/internal/observability"
	"github.com/tasker-run/tasker/internal/recovery"
	"github.com/tasker-run/tasker/internal/soh"
	"github.com/tasker-run/tasker/internal/varengine"
)

// maxIterations bounds the driver loop against routing cycles a
// validator cannot statically rule out (mutually recursive on_success
// jumps with no loop_count). Hitting it is an internal_error, not a
// task failure.
const maxIterations = 100000

// Engine drives one workflow: one task file, one run.
type Engine struct {
	cfg     Config
	tasks   *model.TaskList
	globals model.GlobalVariables

	registry *soh.Registry
	observer observability.Observer
	coord    crc.Coordination
	env      map[string]string

	// Split specs indexed by task id, built once at construction since
	// tasks are immutable; handed to every VE view so the
	// "@N_stdout_line_k@" accessors split on the configured delimiter.
	stdoutSplits map[int]*model.SplitSpec
	stderrSplits map[int]*model.SplitSpec

	// mu guards the structure of results/skipped/order. Individual
	// TaskResult cells are single-writer (the strategy that owns the
	// task) and become read-only once recorded.
	mu      sync.Mutex
	results map[int]*model.TaskResult
	skipped map[int]bool
	order   []int
}

// Outcome is the terminal state of one Run.
type Outcome struct {
	ExitCode      int
	ExecutionPath []int
	FailedTaskID  int
	HasFailedTask bool
}

// New builds an Engine over a validated task list. It reads the
// coordination environment once here (not per parallel task), per the
// CRC contract.
func New(tasks *model.TaskList, globals model.GlobalVariables, cfg Config) (*Engine, error) {
	base := DefaultConfig()
	base.Merge(cfg)
	cfg = base

	if tasks == nil || tasks.Len() == 0 {
		return nil, &NoTasksError{Path: cfg.TaskFilePath}
	}

	observer := cfg.Observer
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	coord := crc.ReadCoordination(crc.LookupEnv)
	if cfg.Coordination != nil {
		coord = *cfg.Coordination
	}

	env := map[string]string{}
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	stdoutSplits := map[int]*model.SplitSpec{}
	stderrSplits := map[int]*model.SplitSpec{}
	for _, t := range tasks.All() {
		if t.StdoutSplit != nil {
			stdoutSplits[t.ID] = t.StdoutSplit
		}
		if t.StderrSplit != nil {
			stderrSplits[t.ID] = t.StderrSplit
		}
	}

	return &Engine{
		cfg:          cfg,
		tasks:        tasks,
		globals:      globals,
		registry:     soh.NewRegistry(),
		observer:     observer,
		coord:        coord,
		env:          env,
		stdoutSplits: stdoutSplits,
		stderrSplits: stderrSplits,
		results:      map[int]*model.TaskResult{},
		skipped:      map[int]bool{},
	}, nil
}

// Results returns the recorded TaskResult of each task on the execution
// path, in execution order, for the JSON output emitter. Subtask results
// are not listed separately; they are reachable through their parent's
// Aggregate. Valid only after Run returns.
func (e *Engine) Results() []*model.TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*model.TaskResult, 0, len(e.order))
	for _, id := range e.order {
		if r, ok := e.results[id]; ok {
			out = append(out, r)
		}
	}
	return out
}

// Order returns the execution path (including skipped task ids).
func (e *Engine) Order() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.order...)
}

// Skipped returns the set of condition-skipped task ids.
func (e *Engine) Skipped() map[int]bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[int]bool, len(e.skipped))
	for id := range e.skipped {
		out[id] = true
	}
	return out
}

// Run executes the workflow to a terminal state. The returned Outcome
// always carries the workflow exit code; err is non-nil for every
// non-success terminal and implements ExitCoder.
func (e *Engine) Run(ctx context.Context) (Outcome, error) {
	if e.cfg.MasterTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, e.cfg.MasterTimeout, &TimeoutError{})
		defer cancel()
	}

	e.emit(ctx, observability.EventWorkflowStart, observability.LevelInfo, map[string]any{
		"run_id": e.cfg.RunID, "task_file": e.cfg.TaskFilePath, "tasks": e.tasks.Len(),
	})

	cursor, ok := e.initialCursor()
	if !ok {
		return e.finish(ctx, Outcome{ExitCode: ExitGeneralFailure},
			&InternalError{Context: fmt.Sprintf("start-from id %d not declared", e.cfg.StartFrom)})
	}

	loopIters := map[int]int{}
	for iter := 0; ; iter++ {
		if iter >= maxIterations {
			return e.finish(ctx, Outcome{ExitCode: ExitGeneralFailure},
				&InternalError{Context: "iteration cap reached; routing cycle without loop_count?"})
		}
		if err := ctx.Err(); err != nil {
			cerr := e.cancelCause(ctx)
			return e.finish(ctx, Outcome{ExitCode: exitCodeOf(cerr)}, cerr)
		}

		t, ok := e.tasks.Get(cursor)
		if !ok {
			return e.finish(ctx, Outcome{ExitCode: ExitGeneralFailure},
				&InternalError{Context: fmt.Sprintf("cursor points at undeclared task %d", cursor)})
		}

		if t.Kind == model.KindReturn {
			code := 0
			if t.HasReturnCode {
				code = t.ReturnCodeOverride
			}
			var err error
			if code != 0 {
				err = &TaskFailureError{TaskID: t.ID, TaskExit: code}
			}
			return e.finish(ctx, Outcome{ExitCode: code}, err)
		}

		// Condition-gated skip applies to kinds that do not consume
		// their condition internally (conditional branches on it,
		// decision treats it as its predicate).
		if t.Condition != "" && t.Kind != model.KindConditional && t.Kind != model.KindDecision {
			pass, err := e.evalPredicate(t.Condition, t.ID)
			if err != nil {
				return e.finish(ctx, Outcome{ExitCode: exitCodeOf(err), FailedTaskID: t.ID, HasFailedTask: true}, err)
			}
			if !pass {
				e.recordSkip(ctx, t)
				next, ok := e.tasks.Next(t.ID)
				if !ok {
					return e.finish(ctx, Outcome{ExitCode: ExitOK}, nil)
				}
				cursor = next.ID
				continue
			}
		}

		res, err := e.dispatch(ctx, t)
		if err != nil {
			return e.finish(ctx, Outcome{ExitCode: exitCodeOf(err), FailedTaskID: t.ID, HasFailedTask: true}, err)
		}
		if res == nil {
			return e.finish(ctx, Outcome{ExitCode: ExitGeneralFailure},
				&InternalError{Context: fmt.Sprintf("strategy for task %d returned no result", t.ID)})
		}
		e.record(ctx, res)

		// next=loop re-executes the current task until loop_count
		// iterations complete or loop_break fires on success.
		if t.Next.Keyword == "loop" && t.LoopCount > 0 {
			loopIters[t.ID]++
			exhausted := loopIters[t.ID] >= t.LoopCount
			broke := t.LoopBreak && res.Success
			if !exhausted && !broke {
				if err := e.sleep(ctx, t.SleepSeconds); err != nil {
					cerr := e.cancelCause(ctx)
					return e.finish(ctx, Outcome{ExitCode: exitCodeOf(cerr)}, cerr)
				}
				continue
			}
		}

		d := e.route(t, res)
		e.saveSnapshot(d.next, d.hasNext && !d.terminal)
		if d.terminal {
			out := Outcome{ExitCode: d.exit}
			if d.err != nil {
				out.FailedTaskID = t.ID
				out.HasFailedTask = true
			}
			return e.finish(ctx, out, d.err)
		}

		if err := e.sleep(ctx, t.SleepSeconds); err != nil {
			cerr := e.cancelCause(ctx)
			return e.finish(ctx, Outcome{ExitCode: exitCodeOf(cerr)}, cerr)
		}
		cursor = d.next
	}
}

func (e *Engine) initialCursor() (int, bool) {
	if e.cfg.HasStartFrom {
		if _, ok := e.tasks.Get(e.cfg.StartFrom); !ok {
			return 0, false
		}
		return e.cfg.StartFrom, true
	}
	first, ok := e.tasks.First()
	if !ok {
		return 0, false
	}
	return first.ID, true
}

func (e *Engine) dispatch(ctx context.Context, t *model.Task) (*model.TaskResult, error) {
	switch t.Kind {
	case model.KindSequential:
		return e.runSequential(ctx, t)
	case model.KindParallel:
		return e.runParallel(ctx, t)
	case model.KindConditional:
		return e.runConditional(ctx, t)
	case model.KindDecision:
		return e.runDecision(t)
	}
	return nil, &InternalError{Context: fmt.Sprintf("task %d has unknown kind %q", t.ID, t.Kind)}
}

// routeDecision is one routing verdict: either a terminal exit or the
// next cursor position.
type routeDecision struct {
	terminal bool
	exit     int
	err      error
	next     int
	hasNext  bool
}

func gotoTask(id int) routeDecision { return routeDecision{next: id, hasNext: true} }

// route applies the routing rules: explicit on_success/on_failure wins,
// then the next keyword, then sequential fall-through.
func (e *Engine) route(t *model.Task, res *model.TaskResult) routeDecision {
	if res.Success {
		if t.HasOnSuccess {
			return gotoTask(t.OnSuccess)
		}
		switch t.Next.Keyword {
		case "never":
			return routeDecision{terminal: true, exit: ExitNeverContinue}
		case "all_success", "any_success", "majority_success", "min_success", "max_failed":
			ok, err := e.evalAggregateKeyword(t, res)
			if err != nil {
				return routeDecision{terminal: true, exit: exitCodeOf(err), err: err}
			}
			if !ok {
				return e.failRoute(t, res)
			}
		}
		return e.fallthroughFrom(t)
	}
	return e.failRoute(t, res)
}

func (e *Engine) failRoute(t *model.Task, res *model.TaskResult) routeDecision {
	if t.HasOnFailure {
		return gotoTask(t.OnFailure)
	}
	if t.Next.Keyword == "always" {
		return e.fallthroughFrom(t)
	}
	if t.Kind == model.KindParallel || t.Kind == model.KindConditional {
		err := &ConditionalFailureError{TaskID: t.ID}
		return routeDecision{terminal: true, exit: err.ExitCode(), err: err}
	}
	err := &TaskFailureError{TaskID: t.ID, TaskExit: res.ExitCode, TimedOut: res.ExitCode == model.ExitTimeout}
	return routeDecision{terminal: true, exit: err.ExitCode(), err: err}
}

func (e *Engine) fallthroughFrom(t *model.Task) routeDecision {
	next, ok := e.tasks.Next(t.ID)
	if !ok {
		return routeDecision{terminal: true, exit: ExitOK}
	}
	return gotoTask(next.ID)
}

// evalAggregateKeyword evaluates an aggregate next keyword
// ("next=min_success=2") against the task's own just-completed
// multi-task result, reusing the success-criteria grammar.
func (e *Engine) evalAggregateKeyword(t *model.Task, res *model.TaskResult) (bool, error) {
	expr := t.Next.Keyword
	if t.Next.Threshold > 0 {
		expr = fmt.Sprintf("%s=%d", t.Next.Keyword, t.Next.Threshold)
	}
	compiled, err := condeval.CompileSuccess(expr)
	if err != nil {
		return false, &InternalError{Context: fmt.Sprintf("task %d next keyword", t.ID), Err: err}
	}
	ok, err := compiled.Eval(res, e.resolver())
	if err != nil {
		return false, e.classifyEvalError(t.ID, "next", err)
	}
	return ok, nil
}

// evalPredicate evaluates a condition expression against the most
// recently recorded result plus the variable engine.
func (e *Engine) evalPredicate(condition string, taskID int) (bool, error) {
	compiled, err := condeval.CompileCondition(condition)
	if err != nil {
		return false, &InternalError{Context: fmt.Sprintf("task %d condition survived validation but failed to parse", taskID), Err: err}
	}
	ok, err := compiled.Eval(e.lastResult(), e.resolver())
	if err != nil {
		return false, e.classifyEvalError(taskID, "condition", err)
	}
	return ok, nil
}

// evalSuccess applies the task's success criterion (default exit_0) to
// res, setting res.Success.
func (e *Engine) evalSuccess(t *model.Task, res *model.TaskResult) error {
	compiled := condeval.DefaultSuccess
	if t.Success != "" {
		var err error
		compiled, err = condeval.CompileSuccess(t.Success)
		if err != nil {
			return &InternalError{Context: fmt.Sprintf("task %d success survived validation but failed to parse", t.ID), Err: err}
		}
	}
	ok, err := compiled.Eval(res, e.resolver())
	if err != nil {
		return e.classifyEvalError(t.ID, "success", err)
	}
	res.Success = ok
	return nil
}

// classifyEvalError maps an evaluation failure onto the engine's error
// taxonomy. Every way an expression evaluation can fail at runtime —
// unresolved token, expansion depth overrun, an atom referencing a
// result that does not exist — means the data the expression depends on
// is not available, which is task_dependency (exit 21).
func (e *Engine) classifyEvalError(taskID int, field string, err error) error {
	return &TaskDependencyError{TaskID: taskID, Field: field, Err: err}
}

// varEngine builds a fresh VE view over the current results map. Cheap:
// the engine holds no compiled state, only the three source references.
func (e *Engine) varEngine() *varengine.Engine {
	ve := varengine.New(e.globals, e.resultsView(), e.env)
	ve.StdoutSplits = e.stdoutSplits
	ve.StderrSplits = e.stderrSplits
	return ve
}

func (e *Engine) resultsView() map[int]*model.TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	view := make(map[int]*model.TaskResult, len(e.results))
	for id, r := range e.results {
		view[id] = r
	}
	return view
}

// resolver adapts VE to the single-token resolver condeval's variable
// atoms expect.
func (e *Engine) resolver() func(token string) (string, error) {
	ve := e.varEngine()
	return func(token string) (string, error) {
		s, _, err := ve.Expand("@" + token + "@")
		return s, err
	}
}

func (e *Engine) lastResult() *model.TaskResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.order) - 1; i >= 0; i-- {
		if r, ok := e.results[e.order[i]]; ok {
			return r
		}
	}
	return nil
}

func (e *Engine) record(ctx context.Context, res *model.TaskResult) {
	e.mu.Lock()
	e.results[res.ID] = res
	if !containsInt(e.order, res.ID) {
		e.order = append(e.order, res.ID)
	}
	e.mu.Unlock()

	e.emit(ctx, observability.EventTaskComplete, observability.LevelInfo, map[string]any{
		"task_id": res.ID, "exit_code": res.ExitCode, "success": res.Success,
		"duration_seconds": res.DurationSeconds,
	})
}

// recordSubtask publishes a parallel/conditional subtask's result so
// later tasks can reference @id_stdout@ and friends.
func (e *Engine) recordSubtask(res *model.TaskResult) {
	e.mu.Lock()
	e.results[res.ID] = res
	e.mu.Unlock()
}

func (e *Engine) recordSkip(ctx context.Context, t *model.Task) {
	e.mu.Lock()
	e.skipped[t.ID] = true
	if !containsInt(e.order, t.ID) {
		e.order = append(e.order, t.ID)
	}
	e.mu.Unlock()

	e.emit(ctx, observability.EventTaskSkip, observability.LevelInfo, map[string]any{
		"task_id": t.ID, "condition": t.Condition,
	})
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

// sleep suspends the workflow for seconds, returning early with the
// context error on cancellation.
func (e *Engine) sleep(ctx context.Context, seconds float64) error {
	if seconds <= 0 {
		return nil
	}
	timer := time.NewTimer(time.Duration(seconds * float64(time.Second)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// cancelCause maps a cancelled context onto the engine's taxonomy:
// the CancellationError cmd/tasker installed as cancel cause, the
// master-timeout TimeoutError, or SIGTERM semantics as the default.
func (e *Engine) cancelCause(ctx context.Context) error {
	cause := context.Cause(ctx)
	var ce *CancellationError
	if errors.As(cause, &ce) {
		return ce
	}
	var te *TimeoutError
	if errors.As(cause, &te) {
		return te
	}
	if errors.Is(cause, context.DeadlineExceeded) {
		return &TimeoutError{}
	}
	return &CancellationError{Signal: syscall.SIGTERM}
}

func exitCodeOf(err error) int {
	var ec ExitCoder
	if errors.As(err, &ec) {
		return ec.ExitCode()
	}
	return ExitGeneralFailure
}

// finish emits the terminal event and deletes the recovery snapshot on
// success. It does NOT release SOH handles: results remain readable by
// the JSON emitter and log summary until the caller invokes Cleanup,
// which every exit path of cmd/tasker does.
func (e *Engine) finish(ctx context.Context, out Outcome, err error) (Outcome, error) {
	out.ExecutionPath = e.Order()

	if err == nil && e.cfg.Recovery != nil {
		if derr := e.cfg.Recovery.Delete(e.cfg.TaskFilePath); derr == nil {
			e.emit(ctx, observability.EventCheckpointDelete, observability.LevelVerbose, map[string]any{
				"task_file": e.cfg.TaskFilePath,
			})
		}
	}

	level := observability.LevelInfo
	data := map[string]any{"exit_code": out.ExitCode, "path": out.ExecutionPath}
	if err != nil {
		level = observability.LevelError
		data["error"] = err.Error()
	}
	e.emit(ctx, observability.EventWorkflowComplete, level, data)
	return out, err
}

// Cleanup releases every SOH handle created during the run, removing
// all spill files. Idempotent; callers defer it so temp files are
// deleted on every exit path, normal or not.
func (e *Engine) Cleanup() {
	for _, cerr := range e.registry.Cleanup() {
		e.emit(context.Background(), observability.EventSOHCleanup, observability.LevelWarning, map[string]any{
			"error": cerr.Error(),
		})
	}
}

// saveSnapshot persists the run's progress after a completed task when
// auto-recovery is on.
func (e *Engine) saveSnapshot(nextID int, hasNext bool) {
	if e.cfg.Recovery == nil {
		return
	}

	e.mu.Lock()
	completed := make([]recovery.TaskRecord, 0, len(e.order))
	for _, id := range e.order {
		if e.skipped[id] {
			continue
		}
		r, ok := e.results[id]
		if !ok {
			continue
		}
		rec := recovery.TaskRecord{TaskID: id, ExitCode: r.ExitCode, Success: r.Success}
		if r.Stdout != nil && r.Stdout.IsOnDisk() {
			rec.StdoutPath, _ = r.Stdout.Path()
		}
		if r.Stderr != nil && r.Stderr.IsOnDisk() {
			rec.StderrPath, _ = r.Stderr.Path()
		}
		completed = append(completed, rec)
	}
	e.mu.Unlock()

	snap := recovery.Snapshot{
		RunID:      e.cfg.RunID,
		TaskFile:   e.cfg.TaskFilePath,
		Globals:    e.globals,
		NextTaskID: nextID,
		HasNext:    hasNext,
		Completed:  completed,
	}
	if err := e.cfg.Recovery.Save(snap); err == nil {
		e.emit(context.Background(), observability.EventCheckpointSave, observability.LevelVerbose, map[string]any{
			"task_file": e.cfg.TaskFilePath, "next_task_id": nextID,
		})
	}
}

func (e *Engine) emit(ctx context.Context, typ observability.EventType, level observability.Level, data map[string]any) {
	e.observer.OnEvent(ctx, observability.Event{
		Type:      typ,
		Level:     level,
		Timestamp: time.Now(),
		Source:    "engine",
		Data:      data,
	})
}
