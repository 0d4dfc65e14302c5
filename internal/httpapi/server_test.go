package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	"github.com/codemate-dev/gateway/internal/engine"
	"github.com/codemate-dev/gateway/internal/hub"
	"github.com/codemate-dev/gateway/internal/store"
)

// okRunner succeeds for every tool without side effects.
type okRunner struct{}

func (okRunner) Run(_ context.Context, toolName string, _ map[string]any) (domain.ToolResult, bool) {
	return domain.ToolResult{OK: true, Output: "ok: " + toolName, Artifacts: map[string]any{}}, false
}

type testServer struct {
	srv   *httptest.Server
	store *store.Store
	eng   *engine.Engine
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.New(filepath.Join(t.TempDir(), "gateway.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := hub.New()
	eng := engine.New(s, h, okRunner{}, nil, zerolog.Nop())
	api := New(eng, s, h, nil, zerolog.Nop())

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, store: s, eng: eng}
}

func (ts *testServer) post(t *testing.T, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(ts.srv.URL+path, "application/json", &buf) //#nosec G107 -- local test server
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func (ts *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(ts.srv.URL + path) //#nosec G107 -- local test server
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func decodeSnapshot(t *testing.T, raw []byte) domain.Snapshot {
	t.Helper()
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	return snap
}

func (ts *testServer) waitStatus(t *testing.T, taskID string, want constants.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := ts.store.GetTask(context.Background(), taskID)
		require.NoError(t, err)
		if task.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s", taskID, want)
}

func (ts *testServer) waitApproval(t *testing.T, taskID string) string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if stepID, ok := ts.eng.PendingApproval(taskID); ok {
			return stepID
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never requested approval", taskID)
	return ""
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)

	resp, raw := ts.get(t, "/v1/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, constants.ServiceName, body["service"])
	assert.Greater(t, body["time"].(float64), 0.0)
}

func TestHandleCreateTask(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("accepts a valid request", func(t *testing.T) {
		resp, raw := ts.post(t, "/v1/tasks", map[string]any{
			"goal":    "create README and commit",
			"context": map[string]any{"repo_path": "."},
		})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeSnapshot(t, raw)
		assert.True(t, strings.HasPrefix(snap.Task.ID, "task_"))
		assert.Equal(t, "create README and commit", snap.Task.Goal)
		assert.Equal(t, constants.DefaultSteps, snap.Task.MaxSteps)
		assert.Equal(t, constants.DefaultTimeBudgetSec, snap.Task.TimeBudgetSec)

		ts.waitStatus(t, snap.Task.ID, constants.TaskStatusCompleted)
	})

	t.Run("rejects a short goal", func(t *testing.T) {
		resp, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "go"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Contains(t, body["detail"], "goal")
	})

	t.Run("rejects out-of-range budgets", func(t *testing.T) {
		resp, _ := ts.post(t, "/v1/tasks", map[string]any{"goal": "valid goal", "max_steps": 99})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, _ = ts.post(t, "/v1/tasks", map[string]any{"goal": "valid goal", "time_budget_sec": 5})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("rejects malformed JSON", func(t *testing.T) {
		resp, err := http.Post(ts.srv.URL+"/v1/tasks", "application/json", strings.NewReader("{not json"))
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandleGetTask(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("unknown id returns 404", func(t *testing.T) {
		resp, raw := ts.get(t, "/v1/tasks/task_missing")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		var body map[string]any
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Contains(t, body["detail"], "task_missing")
	})

	t.Run("returns the full snapshot", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "create README and commit"})
		created := decodeSnapshot(t, raw)
		ts.waitStatus(t, created.Task.ID, constants.TaskStatusCompleted)

		resp, raw := ts.get(t, "/v1/tasks/"+created.Task.ID)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeSnapshot(t, raw)
		assert.Equal(t, constants.TaskStatusCompleted, snap.Task.Status)
		assert.NotEmpty(t, snap.Steps)
		assert.NotEmpty(t, snap.Events)
	})
}

func TestHandleListTasks(t *testing.T) {
	ts := setupTestServer(t)

	for i := 0; i < 3; i++ {
		ts.post(t, "/v1/tasks", map[string]any{"goal": "summarize repository state"})
	}

	t.Run("default limit", func(t *testing.T) {
		resp, raw := ts.get(t, "/v1/tasks")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Tasks []domain.Task `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Len(t, body.Tasks, 3)
	})

	t.Run("explicit limit", func(t *testing.T) {
		resp, raw := ts.get(t, "/v1/tasks?limit=2")
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Tasks []domain.Task `json:"tasks"`
		}
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Len(t, body.Tasks, 2)
	})

	t.Run("invalid limits return 400", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=101", "limit=abc"} {
			resp, _ := ts.get(t, "/v1/tasks?"+q)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "query %q", q)
		}
	})
}

func TestApprovalEndpoints(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("approve resumes a parked task", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "push current changes to remote"})
		created := decodeSnapshot(t, raw)
		ts.waitApproval(t, created.Task.ID)

		resp, raw := ts.post(t, "/v1/tasks/"+created.Task.ID+"/approve", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeSnapshot(t, raw)
		assert.Equal(t, constants.TaskStatusRunning, snap.Task.Status)

		ts.waitStatus(t, created.Task.ID, constants.TaskStatusCompleted)
	})

	t.Run("approve without a pending step returns 409", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "create README and commit"})
		created := decodeSnapshot(t, raw)
		ts.waitStatus(t, created.Task.ID, constants.TaskStatusCompleted)

		resp, _ := ts.post(t, "/v1/tasks/"+created.Task.ID+"/approve", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("deny fails the task with the supplied reason", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "push current changes to remote"})
		created := decodeSnapshot(t, raw)
		stepID := ts.waitApproval(t, created.Task.ID)

		resp, raw := ts.post(t, "/v1/tasks/"+created.Task.ID+"/deny", map[string]any{"reason": "too risky"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeSnapshot(t, raw)
		assert.Equal(t, constants.TaskStatusFailed, snap.Task.Status)
		require.NotNil(t, snap.Task.Error)
		assert.Equal(t, "too risky", *snap.Task.Error)
		for _, step := range snap.Steps {
			if step.ID == stepID {
				assert.Equal(t, constants.StepStatusDenied, step.Status)
			}
		}
	})

	t.Run("deny without a body uses the default reason", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "push current changes to remote"})
		created := decodeSnapshot(t, raw)
		ts.waitApproval(t, created.Task.ID)

		resp, raw := ts.post(t, "/v1/tasks/"+created.Task.ID+"/deny", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)

		snap := decodeSnapshot(t, raw)
		require.NotNil(t, snap.Task.Error)
		assert.Equal(t, "Denied by user", *snap.Task.Error)
	})

	t.Run("deny on a terminal task returns 409", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "create README and commit"})
		created := decodeSnapshot(t, raw)
		ts.waitStatus(t, created.Task.ID, constants.TaskStatusCompleted)

		resp, _ := ts.post(t, "/v1/tasks/"+created.Task.ID+"/deny", nil)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("cancel a parked task", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "push current changes to remote"})
		created := decodeSnapshot(t, raw)
		ts.waitApproval(t, created.Task.ID)

		resp, raw := ts.post(t, "/v1/tasks/"+created.Task.ID+"/cancel", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		snap := decodeSnapshot(t, raw)
		assert.Equal(t, constants.TaskStatusCancelled, snap.Task.Status)
	})

	t.Run("actions on unknown tasks return 404", func(t *testing.T) {
		resp, _ := ts.post(t, "/v1/tasks/task_missing/deny", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)

		resp, _ = ts.post(t, "/v1/tasks/task_missing/cancel", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestHandleEvents(t *testing.T) {
	ts := setupTestServer(t)

	t.Run("unknown task returns 404", func(t *testing.T) {
		resp, _ := ts.get(t, "/v1/tasks/task_missing/events")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("first frame is a snapshot", func(t *testing.T) {
		_, raw := ts.post(t, "/v1/tasks", map[string]any{"goal": "create README and commit"})
		created := decodeSnapshot(t, raw)
		ts.waitStatus(t, created.Task.ID, constants.TaskStatusCompleted)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.srv.URL+"/v1/tasks/"+created.Task.ID+"/events", nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

		line, err := bufio.NewReader(resp.Body).ReadString('\n')
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(line, "data: "), "SSE frames start with a data field")

		var frame struct {
			EventType string          `json:"event_type"`
			Payload   domain.Snapshot `json:"payload"`
		}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &frame))
		assert.Equal(t, constants.EventSnapshot, frame.EventType)
		assert.Equal(t, created.Task.ID, frame.Payload.Task.ID)
		assert.Equal(t, constants.TaskStatusCompleted, frame.Payload.Task.Status)
		assert.NotEmpty(t, frame.Payload.Events)
	})
}
