package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// ThresholdType names a budget threshold tier.
type ThresholdType string

const (
	ThresholdWarn     ThresholdType = "warn"
	ThresholdThrottle ThresholdType = "throttle"
	ThresholdPause    ThresholdType = "pause"
)

// Actions recorded in budget events.
const (
	ActionLogged         = "logged"
	ActionPreemptedTasks = "preempted_tasks"
	ActionPausedRun      = "paused_run"
)

// BudgetEvent is an audit record of a threshold crossing and the action
// taken. Unresolved events gate re-firing: a threshold fires at most once
// per run until its event is resolved.
type BudgetEvent struct {
	ID                       types.ID      `db:"id" json:"id"`
	RunID                    types.ID      `db:"run_id" json:"run_id"`
	TenantID                 string        `db:"tenant_id" json:"tenant_id"`
	BudgetTotal              float64       `db:"budget_total" json:"budget_total"`
	BudgetSpent              float64       `db:"budget_spent" json:"budget_spent"`
	BudgetRemaining          float64       `db:"budget_remaining" json:"budget_remaining"`
	PercentUsed              float64       `db:"percent_used" json:"percent_used"`
	EventType                string        `db:"event_type" json:"event_type"`
	ThresholdType            ThresholdType `db:"threshold_type" json:"threshold_type"`
	ThresholdPercent         float64       `db:"threshold_percent" json:"threshold_percent"`
	ActionTaken              string        `db:"action_taken" json:"action_taken"`
	TasksAffected            []string      `db:"tasks_affected" json:"tasks_affected"`
	PriorityClassesPreempted []string      `db:"priority_classes_preempted" json:"priority_classes_preempted"`
	TriggeredAt              time.Time     `db:"triggered_at" json:"triggered_at"`
	ResolvedAt               *time.Time    `db:"resolved_at" json:"resolved_at,omitempty"`
}

// EventDAO persists budget threshold events.
type EventDAO struct {
	db *database.DB
}

// NewEventDAO creates an EventDAO backed by the given database.
func NewEventDAO(db *database.DB) *EventDAO {
	return &EventDAO{db: db}
}

const budgetEventInsert = `
	INSERT INTO budget_events (
		id, run_id, tenant_id, budget_total, budget_spent, budget_remaining,
		percent_used, event_type, threshold_type, threshold_percent,
		action_taken, tasks_affected, priority_classes_preempted, triggered_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Record persists a budget event.
func (d *EventDAO) Record(ctx context.Context, ev *BudgetEvent) error {
	args, err := insertArgs(ev)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, budgetEventInsert, args...); err != nil {
		return fmt.Errorf("failed to record budget event: %w", err)
	}
	return nil
}

// RecordOnce persists ev only when no unresolved event exists for its
// (run, threshold) pair. Check and insert share one transaction so two
// concurrent enforcement passes cannot both fire the same threshold.
// Reports whether this call recorded the event.
func (d *EventDAO) RecordOnce(ctx context.Context, ev *BudgetEvent) (bool, error) {
	args, err := insertArgs(ev)
	if err != nil {
		return false, err
	}
	recorded := false
	err = d.db.WithTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM budget_events WHERE run_id = ? AND threshold_type = ? AND resolved_at IS NULL",
			ev.RunID, ev.ThresholdType).Scan(&count); err != nil {
			return fmt.Errorf("failed to check budget event: %w", err)
		}
		if count > 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, budgetEventInsert, args...); err != nil {
			return fmt.Errorf("failed to record budget event: %w", err)
		}
		recorded = true
		return nil
	})
	return recorded, err
}

// SetTasksAffected rewrites the preemption outcome on a recorded event.
func (d *EventDAO) SetTasksAffected(ctx context.Context, id types.ID, tasks []string) error {
	tasksJSON, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("failed to marshal affected tasks: %w", err)
	}
	_, err = d.db.ExecContext(ctx,
		"UPDATE budget_events SET tasks_affected = ? WHERE id = ?",
		string(tasksJSON), id)
	if err != nil {
		return fmt.Errorf("failed to update budget event: %w", err)
	}
	return nil
}

func insertArgs(ev *BudgetEvent) ([]interface{}, error) {
	if ev.ID.IsZero() {
		ev.ID = types.NewID()
	}
	if ev.TriggeredAt.IsZero() {
		ev.TriggeredAt = time.Now().UTC()
	}
	tasksJSON, err := json.Marshal(ev.TasksAffected)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal affected tasks: %w", err)
	}
	classesJSON, err := json.Marshal(ev.PriorityClassesPreempted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal preempted classes: %w", err)
	}
	return []interface{}{
		ev.ID, ev.RunID, ev.TenantID, ev.BudgetTotal, ev.BudgetSpent,
		ev.BudgetRemaining, ev.PercentUsed, ev.EventType, ev.ThresholdType,
		ev.ThresholdPercent, ev.ActionTaken, string(tasksJSON),
		string(classesJSON), ev.TriggeredAt,
	}, nil
}

// HasFired reports whether an unresolved event exists for the run and
// threshold.
func (d *EventDAO) HasFired(ctx context.Context, runID types.ID, threshold ThresholdType) (bool, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM budget_events WHERE run_id = ? AND threshold_type = ? AND resolved_at IS NULL",
		runID, threshold).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check budget event: %w", err)
	}
	return count > 0, nil
}

// ResolveAbove resolves unresolved events for the run whose threshold
// percent exceeds currentPercent. Raising a run's budget pushes the spend
// percentage back down; resolved thresholds may fire again.
func (d *EventDAO) ResolveAbove(ctx context.Context, runID types.ID, currentPercent float64) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE budget_events SET resolved_at = ?
		WHERE run_id = ? AND resolved_at IS NULL AND threshold_percent > ?`,
		time.Now().UTC(), runID, currentPercent)
	if err != nil {
		return fmt.Errorf("failed to resolve budget events: %w", err)
	}
	return nil
}

// ResolveAll resolves every unresolved event for the run.
func (d *EventDAO) ResolveAll(ctx context.Context, runID types.ID) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE budget_events SET resolved_at = ? WHERE run_id = ? AND resolved_at IS NULL",
		time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("failed to resolve budget events: %w", err)
	}
	return nil
}

// ListByRun returns all budget events for a run, most recent first.
func (d *EventDAO) ListByRun(ctx context.Context, runID types.ID) ([]*BudgetEvent, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, run_id, tenant_id, budget_total, budget_spent, budget_remaining,
		       percent_used, event_type, threshold_type, threshold_percent,
		       action_taken, tasks_affected, priority_classes_preempted,
		       triggered_at, resolved_at
		FROM budget_events WHERE run_id = ?
		ORDER BY triggered_at DESC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list budget events: %w", err)
	}
	defer rows.Close()

	var out []*BudgetEvent
	for rows.Next() {
		var ev BudgetEvent
		var tasksJSON, classesJSON string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.TenantID, &ev.BudgetTotal,
			&ev.BudgetSpent, &ev.BudgetRemaining, &ev.PercentUsed,
			&ev.EventType, &ev.ThresholdType, &ev.ThresholdPercent,
			&ev.ActionTaken, &tasksJSON, &classesJSON,
			&ev.TriggeredAt, &resolvedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(tasksJSON), &ev.TasksAffected); err != nil {
			return nil, fmt.Errorf("failed to unmarshal affected tasks: %w", err)
		}
		if err := json.Unmarshal([]byte(classesJSON), &ev.PriorityClassesPreempted); err != nil {
			return nil, fmt.Errorf("failed to unmarshal preempted classes: %w", err)
		}
		if resolvedAt.Valid {
			t := resolvedAt.Time
			ev.ResolvedAt = &t
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
