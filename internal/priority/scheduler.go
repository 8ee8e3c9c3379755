// Package priority assigns priority classes to tasks and executes
// preemption decisions. Preemption is cooperative: the scheduler marks
// state and publishes an event; the worker pool cancels the in-flight
// execution and the task resumes from its last checkpoint.
package priority

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Scheduler assigns and enforces task priority.
type Scheduler interface {
	// AssignPriority sets a task's priority class. Assignment fails if a
	// previous non-overridable assignment exists.
	AssignPriority(ctx context.Context, taskID types.ID, class types.PriorityClass, reason string, overridable bool) error

	// PreemptTask marks a running task preempted with an auditable
	// reason. The task stays eligible for re-admission; its next resume
	// starts from the latest checkpoint.
	PreemptTask(ctx context.Context, taskID types.ID, reason string, resource types.ResourceType) error

	// PreemptForBudget preempts up to limit running tasks of the given
	// classes for a run, most recently started first, and returns the
	// preempted task IDs. P0 tasks are never selected.
	PreemptForBudget(ctx context.Context, runID types.ID, classes []types.PriorityClass, limit int, reason string) ([]types.ID, error)

	// PriorityForPhase derives the default priority class from phase
	// semantics.
	PriorityForPhase(phase string) types.PriorityClass
}

// DefaultScheduler implements Scheduler over the task DAO.
type DefaultScheduler struct {
	tasks  *database.TaskDAO
	bus    events.EventBus
	logger *slog.Logger
}

// NewScheduler creates a priority scheduler.
func NewScheduler(db *database.DB, bus events.EventBus, logger *slog.Logger) *DefaultScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultScheduler{
		tasks:  database.NewTaskDAO(db),
		bus:    bus,
		logger: logger.With("component", "priority_scheduler"),
	}
}

// AssignPriority sets the task's priority class.
func (s *DefaultScheduler) AssignPriority(ctx context.Context, taskID types.ID, class types.PriorityClass, reason string, overridable bool) error {
	if !class.Valid() {
		return fmt.Errorf("invalid priority class %d", int(class))
	}
	if err := s.tasks.SetPriority(ctx, taskID, class, reason, overridable); err != nil {
		return err
	}
	s.logger.Debug("priority assigned",
		"task_id", taskID, "class", class.String(), "reason", reason, "overridable", overridable)
	return nil
}

// PreemptTask preempts a single task.
func (s *DefaultScheduler) PreemptTask(ctx context.Context, taskID types.ID, reason string, resource types.ResourceType) error {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskStatusRunning && task.Status != types.TaskStatusQueued {
		return types.NewError(types.TASK_PREEMPTED,
			fmt.Sprintf("task %s is %s, not preemptible", taskID, task.Status))
	}

	fullReason := reason
	if resource != "" {
		fullReason = fmt.Sprintf("%s (resource: %s)", reason, resource)
	}
	if err := s.tasks.MarkPreempted(ctx, taskID, fullReason); err != nil {
		return err
	}

	s.publishPreempted(ctx, task, fullReason)
	s.logger.Info("task preempted",
		"task_id", taskID, "run_id", task.RunID,
		"class", task.PriorityClass.String(), "reason", fullReason)
	return nil
}

// PreemptForBudget selects running tasks of the eligible classes for the
// run, most recently started first, and preempts up to limit of them.
// Recently started tasks have the least sunk work to lose.
func (s *DefaultScheduler) PreemptForBudget(ctx context.Context, runID types.ID, classes []types.PriorityClass, limit int, reason string) ([]types.ID, error) {
	eligible := make([]types.PriorityClass, 0, len(classes))
	for _, c := range classes {
		if c == types.PriorityP0 {
			continue
		}
		eligible = append(eligible, c)
	}
	if len(eligible) == 0 || limit <= 0 {
		return nil, nil
	}

	candidates, err := s.tasks.ListRunningByClasses(ctx, runID, eligible, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list preemption candidates: %w", err)
	}

	preempted := make([]types.ID, 0, len(candidates))
	for _, task := range candidates {
		if err := s.tasks.MarkPreempted(ctx, task.ID, reason); err != nil {
			s.logger.Error("failed to preempt task", "task_id", task.ID, "error", err)
			continue
		}
		s.publishPreempted(ctx, task, reason)
		preempted = append(preempted, task.ID)
	}

	if len(preempted) > 0 {
		s.logger.Warn("budget preemption executed",
			"run_id", runID, "preempted", len(preempted),
			"classes", classNames(eligible), "reason", reason)
	}
	return preempted, nil
}

// PriorityForPhase maps phase semantics to a default class. Security and
// compliance phases run at P0, exploratory and research phases at P3,
// everything else at P2.
func (s *DefaultScheduler) PriorityForPhase(phase string) types.PriorityClass {
	p := strings.ToLower(phase)
	switch {
	case strings.Contains(p, "security"), strings.Contains(p, "compliance"):
		return types.PriorityP0
	case strings.Contains(p, "research"), strings.Contains(p, "exploratory"), strings.Contains(p, "explore"):
		return types.PriorityP3
	}
	return types.PriorityP2
}

func (s *DefaultScheduler) publishPreempted(ctx context.Context, task *database.Task, reason string) {
	if s.bus == nil {
		return
	}
	_ = s.bus.Publish(ctx, events.Event{
		Type:   events.EventTaskPreempted,
		RunID:  task.RunID,
		TaskID: task.ID,
		Data: map[string]interface{}{
			"reason":         reason,
			"priority_class": task.PriorityClass.String(),
		},
	})
}

func classNames(classes []types.PriorityClass) []string {
	out := make([]string, 0, len(classes))
	for _, c := range classes {
		out = append(out, c.String())
	}
	return out
}

// Ensure DefaultScheduler implements Scheduler at compile time.
var _ Scheduler = (*DefaultScheduler)(nil)
