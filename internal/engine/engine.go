package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codemate-dev/gateway/internal/clock"
	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
	"github.com/codemate-dev/gateway/internal/hub"
	"github.com/codemate-dev/gateway/internal/planner"
	"github.com/codemate-dev/gateway/internal/store"
	"github.com/codemate-dev/gateway/internal/tools"
)

// timeBudgetReason is the failure reason recorded when a task's wall-clock
// budget elapses.
const timeBudgetReason = "Time budget exceeded"

// Engine owns the task lifecycle: it persists tasks, synthesizes plans,
// runs per-task workers, enforces budgets and risk policy, mediates
// approval, and publishes events.
//
// Workers are plain goroutines, one per active or resuming task. Approval
// resumes by spawning a fresh worker; the previous worker has always
// returned before approval_requested is emitted, so at most one worker is
// live per task.
type Engine struct {
	store  *store.Store
	hub    *hub.Hub
	runner tools.Runner
	clock  clock.Clock
	logger zerolog.Logger

	mu              sync.Mutex
	pendingApproval map[string]string // task_id -> step_id awaiting human input
	approvedSteps   map[string]string // task_id -> step_id granted one run past the gate
}

// New creates an engine with its collaborators.
func New(st *store.Store, h *hub.Hub, runner tools.Runner, clk clock.Clock, logger zerolog.Logger) *Engine {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Engine{
		store:           st,
		hub:             h,
		runner:          runner,
		clock:           clk,
		logger:          logger,
		pendingApproval: make(map[string]string),
		approvedSteps:   make(map[string]string),
	}
}

// CreateTask persists a new task, emits the initial event, and starts its
// worker. Returns the initial snapshot.
func (e *Engine) CreateTask(ctx context.Context, req domain.TaskCreateRequest) (*domain.Snapshot, error) {
	taskID, err := e.store.CreateTask(ctx, req)
	if err != nil {
		return nil, err
	}

	e.emit(taskID, constants.EventTaskUpdated, map[string]any{"status": string(constants.TaskStatusQueued)})
	e.logger.Info().Str("task_id", taskID).Str("goal", req.Goal).Msg("task created")

	go e.planAndRun(taskID)

	return e.store.Snapshot(ctx, taskID)
}

// Approve releases the step awaiting approval and resumes the task with a
// fresh worker. Returns ErrNoPendingApproval when nothing is pending.
func (e *Engine) Approve(ctx context.Context, taskID string) (*domain.Snapshot, error) {
	e.mu.Lock()
	stepID, ok := e.pendingApproval[taskID]
	if ok {
		delete(e.pendingApproval, taskID)
		e.approvedSteps[taskID] = stepID
	}
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: task %s", cmerrors.ErrNoPendingApproval, taskID)
	}

	if err := e.store.SetStep(ctx, stepID, constants.StepStatusPending, nil); err != nil {
		return nil, err
	}
	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusRunning, &stepID, nil); err != nil {
		return nil, err
	}
	e.emit(taskID, constants.EventTaskUpdated, map[string]any{
		"status":           string(constants.TaskStatusRunning),
		"approved_step_id": stepID,
	})
	e.logger.Info().Str("task_id", taskID).Str("step_id", stepID).Msg("step approved")

	go e.run(taskID)

	return e.store.Snapshot(ctx, taskID)
}

// Deny marks the pending step denied and fails the task with the reason.
func (e *Engine) Deny(ctx context.Context, taskID, reason string) (*domain.Snapshot, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if IsTerminalStatus(task.Status) {
		return nil, fmt.Errorf("%w: task %s is %s", cmerrors.ErrTaskTerminal, taskID, task.Status)
	}

	e.mu.Lock()
	stepID, ok := e.pendingApproval[taskID]
	if ok {
		delete(e.pendingApproval, taskID)
	}
	delete(e.approvedSteps, taskID)
	e.mu.Unlock()

	var stepPtr *string
	if ok {
		if err := e.store.SetStep(ctx, stepID, constants.StepStatusDenied, map[string]any{"reason": reason}); err != nil {
			return nil, err
		}
		stepPtr = &stepID
	}
	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusFailed, stepPtr, &reason); err != nil {
		return nil, err
	}

	payload := map[string]any{"reason": reason}
	if stepPtr != nil {
		payload["step_id"] = stepID
	} else {
		payload["step_id"] = nil
	}
	e.emit(taskID, constants.EventTaskFailed, payload)
	e.logger.Info().Str("task_id", taskID).Str("reason", reason).Msg("task denied")

	return e.store.Snapshot(ctx, taskID)
}

// Cancel cancels a task cooperatively: pending approval is cleared, the
// current step pointer is preserved, and the worker observes the cancelled
// status between steps. Cancelling a terminal task is a no-op.
func (e *Engine) Cancel(ctx context.Context, taskID string) (*domain.Snapshot, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	delete(e.pendingApproval, taskID)
	delete(e.approvedSteps, taskID)
	e.mu.Unlock()

	if IsTerminalStatus(task.Status) {
		// Terminal states are immutable; cancellation of a finished task
		// is not an error.
		return e.store.Snapshot(ctx, taskID)
	}

	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusCancelled, task.CurrentStepID, nil); err != nil {
		return nil, err
	}
	e.emit(taskID, constants.EventTaskUpdated, map[string]any{"status": string(constants.TaskStatusCancelled)})
	e.logger.Info().Str("task_id", taskID).Msg("task cancelled")

	return e.store.Snapshot(ctx, taskID)
}

// PendingApproval returns the step id awaiting approval for a task, if any.
func (e *Engine) PendingApproval(taskID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	stepID, ok := e.pendingApproval[taskID]
	return stepID, ok
}

// planAndRun is the worker entry for a freshly created task: it synthesizes
// and persists the plan, then enters the step loop. Planner failures fail
// the task with the message as reason.
func (e *Engine) planAndRun(taskID string) {
	defer e.recoverWorker(taskID)
	ctx := context.Background()

	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("worker failed to load task")
		return
	}

	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusPlanning, nil, nil); err != nil {
		e.failTask(ctx, taskID, nil, err.Error())
		return
	}
	e.emit(taskID, constants.EventTaskUpdated, map[string]any{"status": string(constants.TaskStatusPlanning)})

	steps, err := e.synthesizePlan(task)
	if err != nil {
		e.failTask(ctx, taskID, nil, err.Error())
		return
	}

	if err := e.store.AddSteps(ctx, taskID, steps); err != nil {
		e.failTask(ctx, taskID, nil, err.Error())
		return
	}
	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusRunning, nil, nil); err != nil {
		e.failTask(ctx, taskID, nil, err.Error())
		return
	}
	e.emit(taskID, constants.EventTaskUpdated, map[string]any{
		"status":        string(constants.TaskStatusRunning),
		"planned_steps": len(steps),
	})
	e.logger.Info().Str("task_id", taskID).Int("planned_steps", len(steps)).Msg("plan persisted")

	e.runLoop(ctx, taskID)
}

// synthesizePlan calls the planner and validates its output against the
// task budget.
func (e *Engine) synthesizePlan(task *domain.Task) ([]domain.Step, error) {
	steps, err := planner.Plan(task.ID, task.Goal, task.Context, task.MaxSteps)
	if err != nil {
		return nil, err
	}
	if len(steps) == 0 {
		return nil, cmerrors.ErrEmptyPlan
	}
	if len(steps) > task.MaxSteps {
		return nil, cmerrors.ErrPlanTooLarge
	}
	for i := range steps {
		if steps[i].ToolName == "" {
			return nil, cmerrors.ErrStepMissingTool
		}
	}
	return steps, nil
}

// run is the worker entry for a resumed task (after approval).
func (e *Engine) run(taskID string) {
	defer e.recoverWorker(taskID)
	e.runLoop(context.Background(), taskID)
}

// runLoop executes the task's steps in step_index order. It re-checks task
// status before every step (cooperative cancellation), enforces the time
// budget between steps, gates high-risk steps behind approval, and applies
// the retry policy to everything else.
func (e *Engine) runLoop(ctx context.Context, taskID string) {
	snap, err := e.store.Snapshot(ctx, taskID)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("worker failed to load snapshot")
		return
	}
	task := snap.Task

	for i := range snap.Steps {
		step := &snap.Steps[i]

		current, err := e.store.GetTask(ctx, taskID)
		if err != nil {
			return
		}
		if current.Status == constants.TaskStatusCancelled {
			e.emit(taskID, constants.EventTaskUpdated, map[string]any{"status": string(constants.TaskStatusCancelled)})
			return
		}
		if current.Status != constants.TaskStatusRunning && current.Status != constants.TaskStatusWaitingApproval {
			return
		}

		if e.budgetExceeded(task) {
			output := map[string]any{"error": timeBudgetReason}
			_ = e.store.SetStep(ctx, step.ID, constants.StepStatusFailed, output)
			e.failTask(ctx, taskID, &step.ID, timeBudgetReason)
			return
		}

		if step.IsTerminal() {
			continue
		}

		if err := e.store.SetStep(ctx, step.ID, constants.StepStatusInProgress, nil); err != nil {
			e.failTask(ctx, taskID, &step.ID, err.Error())
			return
		}
		if err := e.store.SetTask(ctx, taskID, constants.TaskStatusRunning, &step.ID, nil); err != nil {
			e.failTask(ctx, taskID, &step.ID, err.Error())
			return
		}
		e.emit(taskID, constants.EventTaskUpdated, map[string]any{
			"status":          string(constants.TaskStatusRunning),
			"current_step_id": step.ID,
			"tool_name":       step.ToolName,
			"step_action":     step.Action,
		})

		if step.RiskLevel == constants.RiskHigh && !e.consumeApproval(taskID, step.ID) {
			e.requestApproval(ctx, taskID, step)
			return
		}

		result := e.runWithRetry(ctx, taskID, step)
		if !result.OK {
			reason := result.Error
			if reason == "" {
				reason = "Step failed"
			}
			_ = e.store.SetStep(ctx, step.ID, constants.StepStatusFailed, result.Map())
			e.failTaskWithResult(ctx, taskID, step.ID, reason, result)
			if err := e.store.AddMemory(ctx, taskID, "failure", reason, 0.2); err != nil {
				e.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to record failure memory")
			}
			return
		}

		if err := e.store.SetStep(ctx, step.ID, constants.StepStatusCompleted, result.Map()); err != nil {
			e.failTask(ctx, taskID, &step.ID, err.Error())
			return
		}
		e.emit(taskID, constants.EventTaskUpdated, map[string]any{
			"status":            string(constants.TaskStatusRunning),
			"completed_step_id": step.ID,
		})
	}

	e.completeTask(ctx, taskID, task.Goal)
}

// consumeApproval reports whether the step holds an approval grant. The
// grant is one-shot: consuming it means the next high-risk step (or this
// one, were it ever revisited) gates again.
func (e *Engine) consumeApproval(taskID, stepID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.approvedSteps[taskID] == stepID {
		delete(e.approvedSteps, taskID)
		return true
	}
	return false
}

// requestApproval parks the task in waiting_approval. The worker returns
// immediately after emitting approval_requested; Approve spawns the
// successor worker.
func (e *Engine) requestApproval(ctx context.Context, taskID string, step *domain.Step) {
	_ = e.store.SetStep(ctx, step.ID, constants.StepStatusWaitingApproval, nil)
	_ = e.store.SetTask(ctx, taskID, constants.TaskStatusWaitingApproval, &step.ID, nil)

	e.mu.Lock()
	e.pendingApproval[taskID] = step.ID
	e.mu.Unlock()

	e.emit(taskID, constants.EventApprovalRequested, map[string]any{
		"task_id":    taskID,
		"step_id":    step.ID,
		"tool_name":  step.ToolName,
		"action":     step.Action,
		"risk_level": string(step.RiskLevel),
	})
	e.logger.Info().
		Str("task_id", taskID).
		Str("step_id", step.ID).
		Str("tool", step.ToolName).
		Msg("approval requested")
}

// runWithRetry invokes the tool with the retry policy: up to two total
// attempts, retrying only transient failures after a short backoff. Every
// attempt is persisted as its own tool_run record; the last result becomes
// the step output.
func (e *Engine) runWithRetry(ctx context.Context, taskID string, step *domain.Step) domain.ToolResult {
	last := domain.ToolResult{Error: "Unknown failure", Artifacts: map[string]any{}}

	for attempt := 0; attempt < constants.MaxToolAttempts; attempt++ {
		result, transient := e.runner.Run(ctx, step.ToolName, step.Input)
		if err := e.store.AddToolRun(ctx, taskID, step.ID, step.ToolName, step.Input, result.Map()); err != nil {
			e.logger.Warn().Err(err).Str("task_id", taskID).Str("step_id", step.ID).Msg("failed to record tool run")
		}
		last = result
		if result.OK {
			return result
		}
		if !transient || attempt == constants.MaxToolAttempts-1 {
			break
		}
		e.logger.Debug().
			Str("task_id", taskID).
			Str("step_id", step.ID).
			Int("attempt", attempt+1).
			Msg("transient tool failure, retrying")
		time.Sleep(constants.RetryBackoff)
	}
	return last
}

// completeTask finalizes a task whose steps all finished without failure.
func (e *Engine) completeTask(ctx context.Context, taskID, goal string) {
	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusCompleted, nil, nil); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task completed")
		return
	}
	e.emit(taskID, constants.EventTaskCompleted, map[string]any{"task_id": taskID})

	if err := e.store.AddMemory(ctx, taskID, "goal", goal, 1.0); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to record goal memory")
	}
	if err := e.store.AddMemory(ctx, taskID, "outcome", "completed", 0.9); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("failed to record outcome memory")
	}

	e.logger.Info().Str("task_id", taskID).Msg("task completed")
}

// failTask marks the task failed and emits task_failed.
func (e *Engine) failTask(ctx context.Context, taskID string, stepID *string, reason string) {
	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusFailed, stepID, &reason); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task failed")
	}
	payload := map[string]any{"reason": reason}
	if stepID != nil {
		payload["step_id"] = *stepID
	}
	e.emit(taskID, constants.EventTaskFailed, payload)
	e.logger.Warn().Str("task_id", taskID).Str("reason", reason).Msg("task failed")
}

// failTaskWithResult is failTask with the final tool result attached to the
// event payload.
func (e *Engine) failTaskWithResult(ctx context.Context, taskID, stepID, reason string, result domain.ToolResult) {
	if err := e.store.SetTask(ctx, taskID, constants.TaskStatusFailed, &stepID, &reason); err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task failed")
	}
	e.emit(taskID, constants.EventTaskFailed, map[string]any{
		"reason":  reason,
		"step_id": stepID,
		"result":  result.Map(),
	})
	e.logger.Warn().Str("task_id", taskID).Str("step_id", stepID).Str("reason", reason).Msg("task failed")
}

// budgetExceeded checks the wall-clock budget between steps. There is no
// preemption inside a running tool call.
func (e *Engine) budgetExceeded(task domain.Task) bool {
	now := clock.UnixSeconds(e.clock.Now())
	return now-task.CreatedAt > float64(task.TimeBudgetSec)
}

// emit persists the event and fans it out to subscribers. Persistence
// failures are logged; the worker does not stop for them.
func (e *Engine) emit(taskID, eventType string, payload map[string]any) {
	event, err := e.store.AppendEvent(context.Background(), taskID, eventType, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("task_id", taskID).Str("event_type", eventType).Msg("failed to persist event")
		return
	}
	e.hub.Publish(event)
}

// recoverWorker converts a worker panic into a task failure so background
// exceptions never escape silently.
func (e *Engine) recoverWorker(taskID string) {
	if r := recover(); r != nil {
		reason := fmt.Sprintf("worker panic: %v", r)
		e.logger.Error().Str("task_id", taskID).Str("reason", reason).Msg("worker panicked")
		e.failTask(context.Background(), taskID, nil, reason)
	}
}
