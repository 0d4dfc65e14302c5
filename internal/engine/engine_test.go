package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
	"github.com/codemate-dev/gateway/internal/hub"
	"github.com/codemate-dev/gateway/internal/store"
)

// mockClock is a settable clock shared by the engine and the store so
// budget checks can be driven deterministically.
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// stubResult is one scripted outcome for a tool.
type stubResult struct {
	result    domain.ToolResult
	transient bool
}

// stubRunner returns scripted results per tool and records every call.
// Tools with no script succeed with a canned output.
type stubRunner struct {
	mu      sync.Mutex
	scripts map[string][]stubResult
	calls   []string
	onCall  func(toolName string)
}

func newStubRunner() *stubRunner {
	return &stubRunner{scripts: make(map[string][]stubResult)}
}

func (r *stubRunner) script(toolName string, result domain.ToolResult, transient bool) {
	r.mu.Lock()
	r.scripts[toolName] = append(r.scripts[toolName], stubResult{result: result, transient: transient})
	r.mu.Unlock()
}

func (r *stubRunner) Run(_ context.Context, toolName string, _ map[string]any) (domain.ToolResult, bool) {
	r.mu.Lock()
	r.calls = append(r.calls, toolName)
	hook := r.onCall
	var next *stubResult
	if queue := r.scripts[toolName]; len(queue) > 0 {
		next = &queue[0]
		r.scripts[toolName] = queue[1:]
	}
	r.mu.Unlock()

	if hook != nil {
		hook(toolName)
	}
	if next != nil {
		return next.result, next.transient
	}
	return domain.ToolResult{OK: true, Output: "ok: " + toolName, Artifacts: map[string]any{}}, false
}

func (r *stubRunner) callLog() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func setupTestEngine(t *testing.T, clk *mockClock) (*Engine, *store.Store, *stubRunner) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "gateway.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	runner := newStubRunner()
	eng := New(s, hub.New(), runner, clk, zerolog.Nop())
	return eng, s, runner
}

func createTask(t *testing.T, eng *Engine, goal string) string {
	t.Helper()
	req := domain.TaskCreateRequest{Goal: goal}
	req.ApplyDefaults()
	snap, err := eng.CreateTask(context.Background(), req)
	require.NoError(t, err)
	return snap.Task.ID
}

// waitForStatus polls until the task reaches the wanted status. Workers run
// on their own goroutines, so tests observe state through the store.
func waitForStatus(t *testing.T, s *store.Store, taskID string, want constants.TaskStatus) *domain.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, _ := s.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never reached %s (last status %s)", taskID, want, task.Status)
	return nil
}

// waitForApproval polls until the engine registers a pending approval.
// The status flips to waiting_approval just before the registration, so
// tests synchronize on the registration itself.
func waitForApproval(t *testing.T, eng *Engine, taskID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if stepID, ok := eng.PendingApproval(taskID); ok {
			return stepID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never registered a pending approval", taskID)
	return ""
}

func eventTypes(events []domain.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.EventType
	}
	return types
}

func TestEngine_HappyPath(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	taskID := createTask(t, eng, "create README and commit")
	task := waitForStatus(t, s, taskID, constants.TaskStatusCompleted)
	assert.Nil(t, task.Error)
	assert.Nil(t, task.CurrentStepID)

	assert.Equal(t, []string{
		constants.ToolGitStatus,
		constants.ToolGenerateReadme,
		constants.ToolGitCommit,
		constants.ToolSummarizeTask,
	}, runner.callLog(), "tools run in plan order")

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, snap.Steps, 4)
	for _, step := range snap.Steps {
		assert.Equal(t, constants.StepStatusCompleted, step.Status)
		assert.Equal(t, true, step.Output["ok"])

		runs, err := s.ListToolRuns(ctx, step.ID)
		require.NoError(t, err)
		assert.Len(t, runs, 1, "one attempt per healthy step")
	}

	types := eventTypes(snap.Events)
	assert.Contains(t, types, constants.EventTaskCompleted)
	assert.Equal(t, constants.EventTaskCompleted, types[len(types)-1])
	assert.NotContains(t, types, constants.EventTaskFailed)

	items, err := s.ListMemory(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, items, 2, "completion records goal and outcome memories")
	byKey := map[string]string{}
	for _, item := range items {
		byKey[item.Key] = item.Value
	}
	assert.Equal(t, "create README and commit", byKey["goal"])
	assert.Equal(t, "completed", byKey["outcome"])
}

func TestEngine_HighRiskStepWaitsForApproval(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	taskID := createTask(t, eng, "push current changes to remote")
	stepID := waitForApproval(t, eng, taskID)

	task := waitForStatus(t, s, taskID, constants.TaskStatusWaitingApproval)
	require.NotNil(t, task.CurrentStepID)
	assert.Equal(t, stepID, *task.CurrentStepID)

	// The gated tool must not have run, and no attempt may be recorded.
	assert.Equal(t, []string{constants.ToolGitStatus}, runner.callLog())
	runs, err := s.ListToolRuns(ctx, stepID)
	require.NoError(t, err)
	assert.Empty(t, runs, "no tool_run before approval")

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(snap.Events), constants.EventApprovalRequested)
	for _, step := range snap.Steps {
		if step.ID == stepID {
			assert.Equal(t, constants.StepStatusWaitingApproval, step.Status)
			assert.Equal(t, constants.RiskHigh, step.RiskLevel)
		}
	}
}

func TestEngine_ApproveResumes(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	taskID := createTask(t, eng, "push current changes to remote")
	waitForApproval(t, eng, taskID)

	snap, err := eng.Approve(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusRunning, snap.Task.Status)

	task := waitForStatus(t, s, taskID, constants.TaskStatusCompleted)
	assert.Nil(t, task.Error)
	assert.Equal(t, []string{
		constants.ToolGitStatus,
		constants.ToolGitPush,
		constants.ToolSummarizeTask,
	}, runner.callLog(), "approved step runs exactly once and the plan resumes")

	_, pending := eng.PendingApproval(taskID)
	assert.False(t, pending, "approval registration is consumed")

	t.Run("second approve has nothing pending", func(t *testing.T) {
		_, err := eng.Approve(ctx, taskID)
		require.Error(t, err)
		assert.ErrorIs(t, err, cmerrors.ErrNoPendingApproval)
	})
}

func TestEngine_ApprovalGrantIsConsumedPerStep(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	// Two high-risk steps in one plan: push, then repository creation.
	taskID := createTask(t, eng, "push and create repository")
	firstStep := waitForApproval(t, eng, taskID)

	_, err := eng.Approve(ctx, taskID)
	require.NoError(t, err)

	// The grant covers the approved step only; the next high-risk step
	// must park the task again.
	secondStep := waitForApproval(t, eng, taskID)
	assert.NotEqual(t, firstStep, secondStep)

	calls := runner.callLog()
	assert.Equal(t, 1, countCalls(calls, constants.ToolGitPush), "approved tool runs exactly once")
	assert.Equal(t, 0, countCalls(calls, constants.ToolGitHubCreateRepo), "ungranted tool does not run")

	_, err = eng.Approve(ctx, taskID)
	require.NoError(t, err)
	waitForStatus(t, s, taskID, constants.TaskStatusCompleted)

	calls = runner.callLog()
	assert.Equal(t, []string{
		constants.ToolGitStatus,
		constants.ToolGitPush,
		constants.ToolGitHubCreateRepo,
		constants.ToolSummarizeTask,
	}, calls, "each gated tool runs once, in plan order")
}

func countCalls(calls []string, toolName string) int {
	n := 0
	for _, c := range calls {
		if c == toolName {
			n++
		}
	}
	return n
}

func TestEngine_DenyFailsTask(t *testing.T) {
	eng, _, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	taskID := createTask(t, eng, "push current changes to remote")
	stepID := waitForApproval(t, eng, taskID)

	snap, err := eng.Deny(ctx, taskID, "not today")
	require.NoError(t, err)
	assert.Equal(t, constants.TaskStatusFailed, snap.Task.Status)
	require.NotNil(t, snap.Task.Error)
	assert.Equal(t, "not today", *snap.Task.Error)

	for _, step := range snap.Steps {
		if step.ID == stepID {
			assert.Equal(t, constants.StepStatusDenied, step.Status)
			assert.Equal(t, "not today", step.Output["reason"])
		}
	}
	assert.NotContains(t, runner.callLog(), constants.ToolGitPush, "denied tool never runs")

	types := eventTypes(snap.Events)
	assert.Equal(t, constants.EventTaskFailed, types[len(types)-1])

	t.Run("deny on terminal task is rejected", func(t *testing.T) {
		_, err := eng.Deny(ctx, taskID, "again")
		require.Error(t, err)
		assert.ErrorIs(t, err, cmerrors.ErrTaskTerminal)
	})

	t.Run("approve after deny has nothing pending", func(t *testing.T) {
		_, err := eng.Approve(ctx, taskID)
		require.Error(t, err)
		assert.ErrorIs(t, err, cmerrors.ErrNoPendingApproval)
	})
}

func TestEngine_Cancel(t *testing.T) {
	eng, s, _ := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	t.Run("cancels a parked task", func(t *testing.T) {
		taskID := createTask(t, eng, "push current changes to remote")
		stepID := waitForApproval(t, eng, taskID)

		snap, err := eng.Cancel(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusCancelled, snap.Task.Status)
		require.NotNil(t, snap.Task.CurrentStepID, "current step pointer is preserved")
		assert.Equal(t, stepID, *snap.Task.CurrentStepID)

		_, pending := eng.PendingApproval(taskID)
		assert.False(t, pending, "pending approval is cleared")

		_, err = eng.Approve(ctx, taskID)
		assert.ErrorIs(t, err, cmerrors.ErrNoPendingApproval)
	})

	t.Run("cancelling a terminal task is a no-op", func(t *testing.T) {
		taskID := createTask(t, eng, "create README and commit")
		waitForStatus(t, s, taskID, constants.TaskStatusCompleted)

		snap, err := eng.Cancel(ctx, taskID)
		require.NoError(t, err)
		assert.Equal(t, constants.TaskStatusCompleted, snap.Task.Status, "terminal status is immutable")
	})

	t.Run("unknown task", func(t *testing.T) {
		_, err := eng.Cancel(ctx, "task_missing")
		require.Error(t, err)
		assert.ErrorIs(t, err, cmerrors.ErrTaskNotFound)
	})
}

func TestEngine_TimeBudget(t *testing.T) {
	clk := newMockClock()
	eng, s, runner := setupTestEngine(t, clk)
	ctx := context.Background()

	// The first tool call burns past the whole budget; the check between
	// steps must fail the task before the second tool runs.
	runner.onCall = func(toolName string) {
		if toolName == constants.ToolGitStatus {
			clk.Advance(time.Duration(constants.DefaultTimeBudgetSec+10) * time.Second)
		}
	}

	taskID := createTask(t, eng, "create README and commit")
	task := waitForStatus(t, s, taskID, constants.TaskStatusFailed)
	require.NotNil(t, task.Error)
	assert.Equal(t, "Time budget exceeded", *task.Error)

	assert.Equal(t, []string{constants.ToolGitStatus}, runner.callLog(), "no tool runs after the budget elapses")

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(snap.Steps), 2)
	assert.Equal(t, constants.StepStatusCompleted, snap.Steps[0].Status)
	assert.Equal(t, constants.StepStatusFailed, snap.Steps[1].Status)
	assert.Equal(t, "Time budget exceeded", snap.Steps[1].Output["error"])
}

func TestEngine_TransientFailureRetriesOnce(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	runner.script(constants.ToolGitStatus,
		domain.ToolResult{Error: "network unreachable", Artifacts: map[string]any{}}, true)

	taskID := createTask(t, eng, "summarize repository state")
	waitForStatus(t, s, taskID, constants.TaskStatusCompleted)

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Steps)
	first := snap.Steps[0]
	assert.Equal(t, constants.StepStatusCompleted, first.Status)

	runs, err := s.ListToolRuns(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2, "both attempts are recorded")
	assert.Equal(t, false, runs[0].Result["ok"])
	assert.Equal(t, true, runs[1].Result["ok"])
}

func TestEngine_TerminalFailureDoesNotRetry(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	runner.script(constants.ToolGitStatus,
		domain.ToolResult{Error: "not a git repository", Artifacts: map[string]any{}}, false)

	taskID := createTask(t, eng, "summarize repository state")
	task := waitForStatus(t, s, taskID, constants.TaskStatusFailed)
	require.NotNil(t, task.Error)
	assert.Equal(t, "not a git repository", *task.Error)

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	first := snap.Steps[0]
	assert.Equal(t, constants.StepStatusFailed, first.Status)
	assert.Equal(t, "not a git repository", first.Output["error"])

	runs, err := s.ListToolRuns(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1, "terminal failures are not retried")

	types := eventTypes(snap.Events)
	assert.Equal(t, constants.EventTaskFailed, types[len(types)-1])

	items, err := s.ListMemory(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, items, 1, "failure records one memory item")
	assert.Equal(t, "failure", items[0].Key)
	assert.Equal(t, "not a git repository", items[0].Value)
}

func TestEngine_TwoTransientFailuresFailTheStep(t *testing.T) {
	eng, s, runner := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	runner.script(constants.ToolGitStatus,
		domain.ToolResult{Error: "timeout", Artifacts: map[string]any{}}, true)
	runner.script(constants.ToolGitStatus,
		domain.ToolResult{Error: "timeout again", Artifacts: map[string]any{}}, true)

	taskID := createTask(t, eng, "summarize repository state")
	task := waitForStatus(t, s, taskID, constants.TaskStatusFailed)
	require.NotNil(t, task.Error)
	assert.Equal(t, "timeout again", *task.Error, "the last attempt's error becomes the reason")

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	runs, err := s.ListToolRuns(ctx, snap.Steps[0].ID)
	require.NoError(t, err)
	assert.Len(t, runs, 2, "attempt count is capped")
}

func TestEngine_TruncatedPlanRespectsMaxSteps(t *testing.T) {
	eng, s, _ := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	req := domain.TaskCreateRequest{
		Goal:     "create README and main.py, write unit tests, commit and push",
		MaxSteps: 2,
	}
	req.ApplyDefaults()
	snap, err := eng.CreateTask(ctx, req)
	require.NoError(t, err)

	waitForStatus(t, s, snap.Task.ID, constants.TaskStatusCompleted)

	final, err := s.Snapshot(ctx, snap.Task.ID)
	require.NoError(t, err)
	assert.Len(t, final.Steps, 2)
}

func TestEngine_EventOrdering(t *testing.T) {
	eng, s, _ := setupTestEngine(t, newMockClock())
	ctx := context.Background()

	taskID := createTask(t, eng, "create README and commit")
	waitForStatus(t, s, taskID, constants.TaskStatusCompleted)

	snap, err := s.Snapshot(ctx, taskID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Events)

	for i := 1; i < len(snap.Events); i++ {
		assert.Greater(t, snap.Events[i].ID, snap.Events[i-1].ID, "event ids are strictly increasing")
	}
	assert.Equal(t, constants.EventTaskUpdated, snap.Events[0].EventType)
	assert.Equal(t, "queued", snap.Events[0].Payload["status"])
}
