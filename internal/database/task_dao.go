package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Task represents a persisted unit of schedulable work.
type Task struct {
	ID                  types.ID            `db:"id" json:"id"`
	RunID               types.ID            `db:"run_id" json:"run_id"`
	Phase               string              `db:"phase" json:"phase"`
	PhaseID             string              `db:"phase_id" json:"phase_id"`
	TargetKind          types.TargetKind    `db:"target_kind" json:"target_kind"`
	Target              string              `db:"target" json:"target"`
	Input               json.RawMessage     `db:"input" json:"input"`
	PriorityClass       types.PriorityClass `db:"priority_class" json:"priority_class"`
	PriorityReason      string              `db:"priority_reason" json:"priority_reason,omitempty"`
	PriorityOverridable bool                `db:"priority_overridable" json:"priority_overridable"`
	Status              types.TaskStatus    `db:"status" json:"status"`
	IdempotenceKey      string              `db:"idempotence_key" json:"idempotence_key"`
	DependsOn           types.ID            `db:"depends_on" json:"depends_on,omitempty"`
	Preempted           bool                `db:"preempted" json:"preempted"`
	PreemptionReason    string              `db:"preemption_reason" json:"preemption_reason,omitempty"`
	LastError           string              `db:"last_error" json:"last_error,omitempty"`
	StartedAt           *time.Time          `db:"started_at" json:"started_at,omitempty"`
	CompletedAt         *time.Time          `db:"completed_at" json:"completed_at,omitempty"`
	CreatedAt           time.Time           `db:"created_at" json:"created_at"`
}

// PhaseStats aggregates task counts and timings for one phase.
type PhaseStats struct {
	Total         int     `json:"total"`
	Completed     int     `json:"completed"`
	Failed        int     `json:"failed"`
	Running       int     `json:"running"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// TaskDAO provides persistence for tasks.
type TaskDAO struct {
	db *DB
}

// NewTaskDAO creates a new TaskDAO backed by the given database.
func NewTaskDAO(db *DB) *TaskDAO {
	return &TaskDAO{db: db}
}

// Create persists a new task. The ID is generated if not provided.
func (d *TaskDAO) Create(ctx context.Context, task *Task) error {
	if task.ID.IsZero() {
		task.ID = types.NewID()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = types.TaskStatusQueued
	}
	if len(task.Input) == 0 {
		task.Input = json.RawMessage("{}")
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, run_id, phase, phase_id, target_kind, target, input,
			priority_class, priority_reason, priority_overridable,
			status, idempotence_key, depends_on, preempted, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, task.Phase, task.PhaseID, task.TargetKind,
		task.Target, string(task.Input), int(task.PriorityClass),
		task.PriorityReason, task.PriorityOverridable, task.Status,
		task.IdempotenceKey, nullableID(task.DependsOn), task.Preempted,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// Get retrieves a task by ID.
func (d *TaskDAO) Get(ctx context.Context, id types.ID) (*Task, error) {
	row := d.db.QueryRowContext(ctx, taskSelectColumns+" WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.TASK_NOT_FOUND, fmt.Sprintf("task %s not found", id))
	}
	return task, err
}

// GetByIdempotenceKey retrieves a task by its idempotence key, or nil if
// no task carries the key.
func (d *TaskDAO) GetByIdempotenceKey(ctx context.Context, key string) (*Task, error) {
	row := d.db.QueryRowContext(ctx, taskSelectColumns+" WHERE idempotence_key = ?", key)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return task, err
}

// MarkRunning transitions a task to running and stamps started_at.
func (d *TaskDAO) MarkRunning(ctx context.Context, id types.ID) error {
	return d.updateStatus(ctx, id,
		"UPDATE tasks SET status = ?, started_at = ?, preempted = 0, preemption_reason = NULL WHERE id = ?",
		types.TaskStatusRunning, time.Now().UTC(), id)
}

// MarkCompleted transitions a task to completed and stamps completed_at.
func (d *TaskDAO) MarkCompleted(ctx context.Context, id types.ID) error {
	return d.updateStatus(ctx, id,
		"UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?",
		types.TaskStatusCompleted, time.Now().UTC(), id)
}

// MarkFailed transitions a task to failed, recording the executor error.
func (d *TaskDAO) MarkFailed(ctx context.Context, id types.ID, lastError string) error {
	return d.updateStatus(ctx, id,
		"UPDATE tasks SET status = ?, completed_at = ?, last_error = ? WHERE id = ?",
		types.TaskStatusFailed, time.Now().UTC(), lastError, id)
}

// MarkPreempted flags a task preempted with an auditable reason. The task
// stays eligible for re-admission; its next delivery resumes from the
// latest checkpoint.
func (d *TaskDAO) MarkPreempted(ctx context.Context, id types.ID, reason string) error {
	return d.updateStatus(ctx, id,
		"UPDATE tasks SET status = ?, preempted = 1, preemption_reason = ? WHERE id = ?",
		types.TaskStatusPreempted, reason, id)
}

// MarkCancelled transitions a task to cancelled.
func (d *TaskDAO) MarkCancelled(ctx context.Context, id types.ID) error {
	return d.updateStatus(ctx, id,
		"UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?",
		types.TaskStatusCancelled, time.Now().UTC(), id)
}

// SetPriority records a priority class assignment on a task. Assignments
// on a non-overridable task are rejected.
func (d *TaskDAO) SetPriority(ctx context.Context, id types.ID, class types.PriorityClass, reason string, overridable bool) error {
	task, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.PriorityOverridable && task.PriorityReason != "" {
		return fmt.Errorf("priority of task %s is not overridable", id)
	}

	_, err = d.db.ExecContext(ctx,
		"UPDATE tasks SET priority_class = ?, priority_reason = ?, priority_overridable = ? WHERE id = ?",
		int(class), reason, overridable, id)
	if err != nil {
		return fmt.Errorf("failed to set priority: %w", err)
	}
	return nil
}

// ListRunningByClasses returns running tasks for a run whose priority class
// is in classes, most recently started first. This ordering is the
// deterministic tie-break used when the budget guard selects preemption
// victims: the newest work has the least sunk cost past its last checkpoint.
func (d *TaskDAO) ListRunningByClasses(ctx context.Context, runID types.ID, classes []types.PriorityClass, limit int) ([]*Task, error) {
	if len(classes) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	placeholders := make([]string, len(classes))
	args := make([]interface{}, 0, len(classes)+2)
	args = append(args, runID)
	for i, c := range classes {
		placeholders[i] = "?"
		args = append(args, int(c))
	}
	args = append(args, limit)

	query := taskSelectColumns + fmt.Sprintf(
		" WHERE run_id = ? AND status = 'running' AND priority_class IN (%s) ORDER BY started_at DESC LIMIT ?",
		strings.Join(placeholders, ","))

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list running tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListDependents returns queued tasks whose depends_on references taskID.
func (d *TaskDAO) ListDependents(ctx context.Context, taskID types.ID) ([]*Task, error) {
	rows, err := d.db.QueryContext(ctx,
		taskSelectColumns+" WHERE depends_on = ? AND status = 'queued' ORDER BY created_at", taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependent tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListByRun returns all tasks for a run ordered by creation time.
func (d *TaskDAO) ListByRun(ctx context.Context, runID types.ID) ([]*Task, error) {
	rows, err := d.db.QueryContext(ctx,
		taskSelectColumns+" WHERE run_id = ? ORDER BY created_at", runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// Stats aggregates task counts and average completed duration for a phase.
func (d *TaskDAO) Stats(ctx context.Context, phaseID string) (PhaseStats, error) {
	var stats PhaseStats
	err := d.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'running' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(CASE WHEN status = 'completed' AND started_at IS NOT NULL
				THEN (julianday(completed_at) - julianday(started_at)) * 86400000.0
				ELSE NULL END), 0)
		FROM tasks WHERE phase_id = ?`, phaseID).Scan(
		&stats.Total, &stats.Completed, &stats.Failed, &stats.Running, &stats.AvgDurationMs)
	if err != nil {
		return PhaseStats{}, fmt.Errorf("failed to aggregate phase stats: %w", err)
	}
	return stats, nil
}

func (d *TaskDAO) updateStatus(ctx context.Context, id types.ID, query string, args ...interface{}) error {
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.NewError(types.TASK_NOT_FOUND, fmt.Sprintf("task %s not found", id))
	}
	return nil
}

const taskSelectColumns = `
	SELECT id, run_id, phase, phase_id, target_kind, target, input,
		priority_class, priority_reason, priority_overridable, status,
		idempotence_key, depends_on, preempted, preemption_reason,
		last_error, started_at, completed_at, created_at
	FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*Task, error) {
	var task Task
	var input string
	var priorityReason, dependsOn, preemptionReason, lastError sql.NullString
	var startedAt, completedAt sql.NullTime
	var priorityClass int

	err := row.Scan(
		&task.ID, &task.RunID, &task.Phase, &task.PhaseID, &task.TargetKind,
		&task.Target, &input, &priorityClass, &priorityReason,
		&task.PriorityOverridable, &task.Status, &task.IdempotenceKey,
		&dependsOn, &task.Preempted, &preemptionReason, &lastError,
		&startedAt, &completedAt, &task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Input = json.RawMessage(input)
	task.PriorityClass = types.PriorityClass(priorityClass)
	task.PriorityReason = priorityReason.String
	task.DependsOn = types.ID(dependsOn.String)
	task.PreemptionReason = preemptionReason.String
	task.LastError = lastError.String
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return &task, nil
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func nullableID(id types.ID) interface{} {
	if id.IsZero() {
		return nil
	}
	return id.String()
}
