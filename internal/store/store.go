// Package store provides durable persistence for the CodeMate gateway.
//
// The store is a single embedded SQLite database holding five logical
// tables: tasks, task_steps, tool_runs, task_events, memory_items. It is
// the single source of truth for task state; the engine holds only
// transient pointers.
//
// Concurrency contract: all mutating operations are serialized under one
// process-wide write mutex; reads run concurrently without it. Every write
// commits before the call returns.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	// Pure-Go SQLite driver, registered as "sqlite".
	_ "modernc.org/sqlite"

	"github.com/codemate-dev/gateway/internal/clock"
	"github.com/codemate-dev/gateway/internal/constants"
	"github.com/codemate-dev/gateway/internal/domain"
	cmerrors "github.com/codemate-dev/gateway/internal/errors"
)

// dirPerm is the permission for the database parent directory.
const dirPerm = 0o750

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY, goal TEXT NOT NULL, status TEXT NOT NULL, context_json TEXT NOT NULL,
  current_step_id TEXT, error TEXT, created_at REAL NOT NULL, updated_at REAL NOT NULL,
  max_steps INTEGER NOT NULL, time_budget_sec INTEGER NOT NULL, token_budget INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS task_steps (
  id TEXT PRIMARY KEY, task_id TEXT NOT NULL, step_index INTEGER NOT NULL, role TEXT NOT NULL,
  action TEXT NOT NULL, tool_name TEXT NOT NULL, risk_level TEXT NOT NULL, idempotent INTEGER NOT NULL,
  status TEXT NOT NULL, input_json TEXT NOT NULL, output_json TEXT, created_at REAL NOT NULL, updated_at REAL NOT NULL,
  UNIQUE(task_id, step_index)
);
CREATE TABLE IF NOT EXISTS tool_runs (
  id TEXT PRIMARY KEY, task_id TEXT NOT NULL, step_id TEXT NOT NULL, tool_name TEXT NOT NULL,
  args_json TEXT NOT NULL, result_json TEXT NOT NULL, duration_ms INTEGER NOT NULL, created_at REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS task_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT, task_id TEXT NOT NULL, event_type TEXT NOT NULL,
  payload_json TEXT NOT NULL, created_at REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS memory_items (
  id TEXT PRIMARY KEY, task_id TEXT NOT NULL, key TEXT NOT NULL, value TEXT NOT NULL,
  score REAL NOT NULL, created_at REAL NOT NULL
);
`

// Store is the SQLite-backed persistence layer.
type Store struct {
	db    *sql.DB
	clock clock.Clock

	// mu serializes all writers. SQLite allows a single writer at a time;
	// taking the lock in-process avoids SQLITE_BUSY churn between the
	// engine workers and the API handlers.
	mu sync.Mutex
}

// New opens (creating if needed) the database at dbPath and initializes
// the schema. The parent directory is created when missing.
func New(dbPath string, clk clock.Clock) (*Store, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("database path %w", cmerrors.ErrEmptyValue)
	}
	if clk == nil {
		clk = clock.RealClock{}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), dirPerm); err != nil {
		return nil, cmerrors.Wrap(err, "failed to create database directory")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, cmerrors.Wrap(err, "failed to open database")
	}

	s := &Store{db: db, clock: clk}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := s.db.Exec(pragma); err != nil {
			return cmerrors.Wrap(err, "failed to apply pragma")
		}
	}
	if _, err := s.db.Exec(schema); err != nil {
		return cmerrors.Wrap(err, "failed to initialize schema")
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// newID returns an opaque id with the given prefix, e.g. "task_a1b2c3d4e5f6".
func newID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + "_" + hex[:12]
}

// now returns the current time as fractional unix seconds.
func (s *Store) now() float64 {
	return clock.UnixSeconds(s.clock.Now())
}

// CreateTask persists a new task with status queued and returns its id.
func (s *Store) CreateTask(ctx context.Context, req domain.TaskCreateRequest) (string, error) {
	now := s.now()
	taskID := newID("task")

	contextJSON, err := encodeMap(req.Context)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks(id,goal,status,context_json,current_step_id,error,created_at,updated_at,max_steps,time_budget_sec,token_budget)
		 VALUES(?,?,?,?,NULL,NULL,?,?,?,?,?)`,
		taskID, strings.TrimSpace(req.Goal), string(constants.TaskStatusQueued), contextJSON,
		now, now, req.MaxSteps, req.TimeBudgetSec, req.TokenBudget,
	)
	if err != nil {
		return "", cmerrors.Wrap(err, "failed to insert task")
	}
	return taskID, nil
}

// AddSteps inserts all steps atomically with status pending and null output.
// Fails with ErrStepIndexCollision if any step_index already exists for the task.
func (s *Store) AddSteps(ctx context.Context, taskID string, steps []domain.Step) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return cmerrors.Wrap(err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	for i := range steps {
		st := &steps[i]
		inputJSON, encErr := encodeMap(st.Input)
		if encErr != nil {
			return encErr
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_steps(id,task_id,step_index,role,action,tool_name,risk_level,idempotent,status,input_json,output_json,created_at,updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,NULL,?,?)`,
			st.ID, taskID, st.StepIndex, st.Role, st.Action, st.ToolName, string(st.RiskLevel),
			boolToInt(st.Idempotent), string(constants.StepStatusPending), inputJSON, now, now,
		)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return fmt.Errorf("%w: step_index %d for task %s", cmerrors.ErrStepIndexCollision, st.StepIndex, taskID)
			}
			return cmerrors.Wrapf(err, "failed to insert step %s", st.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return cmerrors.Wrap(err, "failed to commit steps")
	}
	return nil
}

// SetTask updates a task's status, current step pointer and error text.
// Unknown statuses are rejected. updated_at is always refreshed.
func (s *Store) SetTask(ctx context.Context, taskID string, status constants.TaskStatus, currentStepID, errText *string) error {
	if !constants.IsValidTaskStatus(status) {
		return fmt.Errorf("%w: %q", cmerrors.ErrInvalidStatus, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status=?, current_step_id=?, error=?, updated_at=? WHERE id=?`,
		string(status), currentStepID, errText, s.now(), taskID,
	)
	return cmerrors.Wrap(err, "failed to update task")
}

// SetStep updates a step's status and output. A nil output clears the column.
func (s *Store) SetStep(ctx context.Context, stepID string, status constants.StepStatus, output map[string]any) error {
	var outputJSON any
	if output != nil {
		encoded, err := encodeMap(output)
		if err != nil {
			return err
		}
		outputJSON = encoded
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE task_steps SET status=?, output_json=?, updated_at=? WHERE id=?`,
		string(status), outputJSON, s.now(), stepID,
	)
	return cmerrors.Wrap(err, "failed to update step")
}

// AppendEvent persists an event and returns the stored record with its
// assigned id and timestamp.
func (s *Store) AppendEvent(ctx context.Context, taskID, eventType string, payload map[string]any) (domain.Event, error) {
	now := s.now()
	payloadJSON, err := encodeMap(payload)
	if err != nil {
		return domain.Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events(task_id,event_type,payload_json,created_at) VALUES(?,?,?,?)`,
		taskID, eventType, payloadJSON, now,
	)
	if err != nil {
		return domain.Event{}, cmerrors.Wrap(err, "failed to insert event")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, cmerrors.Wrap(err, "failed to read event id")
	}

	if payload == nil {
		payload = map[string]any{}
	}
	return domain.Event{ID: id, TaskID: taskID, EventType: eventType, Payload: payload, CreatedAt: now}, nil
}

// AddToolRun appends one tool invocation record. duration_ms is taken from
// the result map.
func (s *Store) AddToolRun(ctx context.Context, taskID, stepID, toolName string, args, result map[string]any) error {
	argsJSON, err := encodeMap(args)
	if err != nil {
		return err
	}
	resultJSON, err := encodeMap(result)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tool_runs(id,task_id,step_id,tool_name,args_json,result_json,duration_ms,created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		newID("run"), taskID, stepID, toolName, argsJSON, resultJSON, int64FromAny(result["duration_ms"]), s.now(),
	)
	return cmerrors.Wrap(err, "failed to insert tool run")
}

// AddMemory appends one scratchpad item.
func (s *Store) AddMemory(ctx context.Context, taskID, key, value string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_items(id,task_id,key,value,score,created_at) VALUES(?,?,?,?,?,?)`,
		newID("mem"), taskID, key, value, score, s.now(),
	)
	return cmerrors.Wrap(err, "failed to insert memory item")
}

// ListMemory returns a task's scratchpad items in insertion order.
func (s *Store) ListMemory(ctx context.Context, taskID string) ([]domain.MemoryItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,task_id,key,value,score,created_at FROM memory_items WHERE task_id=? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, cmerrors.Wrap(err, "failed to list memory items")
	}
	defer func() { _ = rows.Close() }()

	var items []domain.MemoryItem
	for rows.Next() {
		var item domain.MemoryItem
		if err := rows.Scan(&item.ID, &item.TaskID, &item.Key, &item.Value, &item.Score, &item.CreatedAt); err != nil {
			return nil, cmerrors.Wrap(err, "failed to scan memory item")
		}
		items = append(items, item)
	}
	return items, cmerrors.Wrap(rows.Err(), "failed to iterate memory items")
}

// GetTask returns a task by id, or ErrTaskNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", cmerrors.ErrTaskNotFound, taskID)
		}
		return nil, cmerrors.Wrap(err, "failed to read task")
	}
	return task, nil
}

// ListTasks returns up to limit tasks ordered by most recent update.
// The limit is clamped to [1,100].
func (s *Store) ListTasks(ctx context.Context, limit int) ([]domain.Task, error) {
	if limit < constants.MinListLimit {
		limit = constants.MinListLimit
	}
	if limit > constants.MaxListLimit {
		limit = constants.MaxListLimit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, cmerrors.Wrap(err, "failed to list tasks")
	}
	defer func() { _ = rows.Close() }()

	tasks := make([]domain.Task, 0, limit)
	for rows.Next() {
		task, scanErr := scanTask(rows)
		if scanErr != nil {
			return nil, cmerrors.Wrap(scanErr, "failed to scan task")
		}
		tasks = append(tasks, *task)
	}
	return tasks, cmerrors.Wrap(rows.Err(), "failed to iterate tasks")
}

// Snapshot returns the task, its steps ordered by step_index, and its
// events ordered by id. Fails with ErrTaskNotFound if the task is absent.
func (s *Store) Snapshot(ctx context.Context, taskID string) (*domain.Snapshot, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	steps, err := s.listSteps(ctx, taskID)
	if err != nil {
		return nil, err
	}
	events, err := s.listEvents(ctx, taskID)
	if err != nil {
		return nil, err
	}

	return &domain.Snapshot{Task: *task, Steps: steps, Events: events}, nil
}

func (s *Store) listSteps(ctx context.Context, taskID string) ([]domain.Step, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,step_index,role,action,tool_name,risk_level,idempotent,status,input_json,output_json,created_at,updated_at
		 FROM task_steps WHERE task_id=? ORDER BY step_index ASC`, taskID)
	if err != nil {
		return nil, cmerrors.Wrap(err, "failed to list steps")
	}
	defer func() { _ = rows.Close() }()

	var steps []domain.Step
	for rows.Next() {
		var (
			st         domain.Step
			idempotent int
			risk       string
			status     string
			inputJSON  string
			outputJSON sql.NullString
		)
		if err := rows.Scan(&st.ID, &st.StepIndex, &st.Role, &st.Action, &st.ToolName, &risk,
			&idempotent, &status, &inputJSON, &outputJSON, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, cmerrors.Wrap(err, "failed to scan step")
		}
		st.RiskLevel = constants.RiskLevel(risk)
		st.Status = constants.StepStatus(status)
		st.Idempotent = idempotent != 0
		st.Input = decodeMap(inputJSON)
		if outputJSON.Valid {
			st.Output = decodeMap(outputJSON.String)
		}
		steps = append(steps, st)
	}
	return steps, cmerrors.Wrap(rows.Err(), "failed to iterate steps")
}

func (s *Store) listEvents(ctx context.Context, taskID string) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,task_id,event_type,payload_json,created_at FROM task_events WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, cmerrors.Wrap(err, "failed to list events")
	}
	defer func() { _ = rows.Close() }()

	var events []domain.Event
	for rows.Next() {
		var (
			ev          domain.Event
			payloadJSON string
		)
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.EventType, &payloadJSON, &ev.CreatedAt); err != nil {
			return nil, cmerrors.Wrap(err, "failed to scan event")
		}
		ev.Payload = decodeMap(payloadJSON)
		events = append(events, ev)
	}
	return events, cmerrors.Wrap(rows.Err(), "failed to iterate events")
}

// ListToolRuns returns the tool run records for a step in insertion order.
func (s *Store) ListToolRuns(ctx context.Context, stepID string) ([]domain.ToolRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id,task_id,step_id,tool_name,args_json,result_json,created_at FROM tool_runs WHERE step_id=? ORDER BY created_at ASC, id ASC`, stepID)
	if err != nil {
		return nil, cmerrors.Wrap(err, "failed to list tool runs")
	}
	defer func() { _ = rows.Close() }()

	var runs []domain.ToolRun
	for rows.Next() {
		var (
			run        domain.ToolRun
			argsJSON   string
			resultJSON string
		)
		if err := rows.Scan(&run.ID, &run.TaskID, &run.StepID, &run.ToolName, &argsJSON, &resultJSON, &run.CreatedAt); err != nil {
			return nil, cmerrors.Wrap(err, "failed to scan tool run")
		}
		run.Args = decodeMap(argsJSON)
		run.Result = decodeMap(resultJSON)
		runs = append(runs, run)
	}
	return runs, cmerrors.Wrap(rows.Err(), "failed to iterate tool runs")
}

const taskColumns = `id,goal,status,context_json,current_step_id,error,created_at,updated_at,max_steps,time_budget_sec,token_budget`

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task        domain.Task
		status      string
		contextJSON string
		currentStep sql.NullString
		errText     sql.NullString
	)
	if err := row.Scan(&task.ID, &task.Goal, &status, &contextJSON, &currentStep, &errText,
		&task.CreatedAt, &task.UpdatedAt, &task.MaxSteps, &task.TimeBudgetSec, &task.TokenBudget); err != nil {
		return nil, err
	}
	task.Status = constants.TaskStatus(status)
	task.Context = decodeMap(contextJSON)
	if currentStep.Valid {
		task.CurrentStepID = &currentStep.String
	}
	if errText.Valid {
		task.Error = &errText.String
	}
	return &task, nil
}

// encodeMap serializes a payload map as canonical JSON. Nil maps encode as {}.
func encodeMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", cmerrors.Wrap(err, "failed to encode payload")
	}
	return string(raw), nil
}

// decodeMap parses a persisted JSON payload. Anything that is not a JSON
// object yields an empty map rather than an error, tolerating values written
// by newer schema versions.
func decodeMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// int64FromAny extracts an integer from a decoded JSON value.
func int64FromAny(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}
