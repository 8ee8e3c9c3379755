// Package scheduler expands phase plans into task graphs and feeds the job
// queue. Idempotence keys make scheduling re-entrant: submitting the same
// plan twice enqueues each task once.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// DefaultStream is the queue stream carrying task references.
const DefaultStream = "flightdeck.tasks"

// TaskRef is the queue payload: a pointer to the task row, not the task
// itself. Workers load the authoritative task state from the database on
// every delivery.
type TaskRef struct {
	TaskID types.ID `json:"task_id"`
	RunID  types.ID `json:"run_id"`
}

// Result summarizes one Schedule call.
type Result struct {
	TotalTasks    int `json:"total_tasks"`
	EnqueuedTasks int `json:"enqueued_tasks"`
}

// PriorityAssigner derives a default priority class from phase semantics.
// The priority scheduler implements it.
type PriorityAssigner interface {
	PriorityForPhase(phase string) types.PriorityClass
}

// TargetResolver reports whether an executor exists for a target. The
// executor registry implements it.
type TargetResolver interface {
	HasTarget(kind types.TargetKind, target string) bool
}

// Scheduler expands phase plans into tasks and tracks phase progress.
type Scheduler interface {
	// Schedule expands the plan into tasks and enqueues them. Sequential
	// phases enqueue only the first task; the rest are enqueued as their
	// upstream dependency completes. Re-submitting an identical plan is a
	// no-op per task.
	Schedule(ctx context.Context, plan *PhasePlan, phaseCtx PhaseContext) (Result, error)

	// OnTaskCompleted releases queued tasks that depend on the completed
	// task. Dependents of a phase whose timebox has lapsed are cancelled
	// instead of enqueued.
	OnTaskCompleted(ctx context.Context, taskID types.ID) error

	// OnTaskFailed cancels the chain of queued tasks withheld behind the
	// failed task so the run can settle instead of waiting forever.
	OnTaskFailed(ctx context.Context, taskID types.ID) error

	// GetStats aggregates task counts and timings for a phase.
	GetStats(ctx context.Context, phaseID string) (database.PhaseStats, error)
}

// DefaultScheduler implements Scheduler over the task DAO and job queue.
type DefaultScheduler struct {
	tasks      *database.TaskDAO
	jobs       queue.JobQueue
	priorities PriorityAssigner
	resolver   TargetResolver
	bus        events.EventBus
	logger     *slog.Logger
	stream     string

	// Phase timeboxes are advisory; the deadline set is process-local.
	deadlineMu sync.Mutex
	deadlines  map[string]time.Time
}

// NewScheduler creates a scheduler publishing to the given stream. An
// empty stream uses DefaultStream.
func NewScheduler(db *database.DB, jobs queue.JobQueue, priorities PriorityAssigner, resolver TargetResolver, bus events.EventBus, logger *slog.Logger, stream string) *DefaultScheduler {
	if stream == "" {
		stream = DefaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultScheduler{
		tasks:      database.NewTaskDAO(db),
		jobs:       jobs,
		priorities: priorities,
		resolver:   resolver,
		bus:        bus,
		logger:     logger.With("component", "scheduler"),
		stream:     stream,
		deadlines:  make(map[string]time.Time),
	}
}

// Schedule expands the plan into tasks and enqueues per the parallelism
// mode.
func (s *DefaultScheduler) Schedule(ctx context.Context, plan *PhasePlan, phaseCtx PhaseContext) (Result, error) {
	if err := plan.Validate(); err != nil {
		return Result{}, err
	}
	if phaseCtx.RunID.IsZero() || phaseCtx.PhaseID == "" {
		return Result{}, fmt.Errorf("phase context requires run_id and phase_id")
	}

	targets := plan.targets()
	for _, t := range targets {
		if s.resolver != nil && !s.resolver.HasTarget(t.kind, t.name) {
			return Result{}, types.NewError(types.EXECUTOR_NOT_FOUND,
				fmt.Sprintf("no %s executor registered for target %q", t.kind, t.name))
		}
	}

	if plan.Timebox != "" {
		timebox, err := ParseTimebox(plan.Timebox)
		if err != nil {
			return Result{}, err
		}
		s.setDeadline(phaseCtx.PhaseID, time.Now().Add(timebox))
	}

	class := types.PriorityP2
	if s.priorities != nil {
		class = s.priorities.PriorityForPhase(plan.Phase)
	}

	var result Result
	var prev types.ID
	sequential := plan.Parallelism == ParallelismSequential
	for i, t := range targets {
		result.TotalTasks++
		key := idempotenceKey(plan.Phase, plan.PlanVersion, phaseCtx.Inputs, t.kind, t.name)

		existing, err := s.tasks.GetByIdempotenceKey(ctx, key)
		if err != nil {
			return result, err
		}
		if existing != nil {
			prev = existing.ID
			continue
		}

		task := &database.Task{
			RunID:          phaseCtx.RunID,
			Phase:          plan.Phase,
			PhaseID:        phaseCtx.PhaseID,
			TargetKind:     t.kind,
			Target:         t.name,
			Input:          phaseCtx.Inputs,
			PriorityClass:  class,
			PriorityReason: fmt.Sprintf("phase default for %q", plan.Phase),
			IdempotenceKey: key,
		}
		if sequential && i > 0 {
			task.DependsOn = prev
		}
		if err := s.tasks.Create(ctx, task); err != nil {
			return result, err
		}
		prev = task.ID

		// Sequential phases release downstream tasks on completion of
		// their upstream dependency.
		if sequential && i > 0 {
			continue
		}
		enqueued, err := s.enqueueTask(ctx, task)
		if err != nil {
			return result, err
		}
		if enqueued {
			result.EnqueuedTasks++
		}
	}

	s.logger.Info("phase scheduled",
		"run_id", phaseCtx.RunID, "phase", plan.Phase, "phase_id", phaseCtx.PhaseID,
		"parallelism", plan.Parallelism,
		"total_tasks", result.TotalTasks, "enqueued_tasks", result.EnqueuedTasks)
	return result, nil
}

// OnTaskCompleted enqueues queued dependents of the completed task.
func (s *DefaultScheduler) OnTaskCompleted(ctx context.Context, taskID types.ID) error {
	dependents, err := s.tasks.ListDependents(ctx, taskID)
	if err != nil {
		return err
	}
	for _, task := range dependents {
		if s.deadlineExceeded(task.PhaseID) {
			if err := s.tasks.MarkCancelled(ctx, task.ID); err != nil {
				return err
			}
			s.logger.Warn("dependent task cancelled, phase timebox exceeded",
				"task_id", task.ID, "run_id", task.RunID, "phase_id", task.PhaseID)
			continue
		}
		if _, err := s.enqueueTask(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// OnTaskFailed cancels queued dependents of the failed task, walking the
// dependency chain so nothing downstream stays queued behind work that
// will never complete.
func (s *DefaultScheduler) OnTaskFailed(ctx context.Context, taskID types.ID) error {
	dependents, err := s.tasks.ListDependents(ctx, taskID)
	if err != nil {
		return err
	}
	for _, task := range dependents {
		if err := s.tasks.MarkCancelled(ctx, task.ID); err != nil {
			return err
		}
		s.logger.Warn("dependent task cancelled, upstream task failed",
			"task_id", task.ID, "run_id", task.RunID, "depends_on", taskID)
		if err := s.OnTaskFailed(ctx, task.ID); err != nil {
			return err
		}
	}
	return nil
}

// GetStats aggregates task counts and timings for a phase.
func (s *DefaultScheduler) GetStats(ctx context.Context, phaseID string) (database.PhaseStats, error) {
	return s.tasks.Stats(ctx, phaseID)
}

func (s *DefaultScheduler) enqueueTask(ctx context.Context, task *database.Task) (bool, error) {
	payload, err := json.Marshal(TaskRef{TaskID: task.ID, RunID: task.RunID})
	if err != nil {
		return false, fmt.Errorf("failed to marshal task ref: %w", err)
	}
	ack, err := s.jobs.Enqueue(ctx, s.stream, payload, task.IdempotenceKey)
	if err != nil {
		return false, err
	}
	if ack.Duplicate {
		return false, nil
	}
	if s.bus != nil {
		_ = s.bus.Publish(ctx, events.Event{
			Type:   events.EventTaskQueued,
			RunID:  task.RunID,
			TaskID: task.ID,
			Data: map[string]interface{}{
				"phase":          task.Phase,
				"target":         task.Target,
				"priority_class": task.PriorityClass.String(),
			},
		})
	}
	return true, nil
}

func (s *DefaultScheduler) setDeadline(phaseID string, deadline time.Time) {
	s.deadlineMu.Lock()
	s.deadlines[phaseID] = deadline
	s.deadlineMu.Unlock()
}

func (s *DefaultScheduler) deadlineExceeded(phaseID string) bool {
	s.deadlineMu.Lock()
	deadline, ok := s.deadlines[phaseID]
	s.deadlineMu.Unlock()
	return ok && time.Now().After(deadline)
}

// idempotenceKey derives a stable key from the task's identity. The hash
// covers phase, plan version, inputs, and target so an identical
// re-submission maps to the same key while any content change produces a
// fresh one.
func idempotenceKey(phase, planVersion string, inputs json.RawMessage, kind types.TargetKind, target string) string {
	h := sha256.New()
	h.Write([]byte(phase))
	h.Write([]byte{0})
	h.Write([]byte(planVersion))
	h.Write([]byte{0})
	h.Write(inputs)
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(target))
	return hex.EncodeToString(h.Sum(nil))
}

// Ensure DefaultScheduler implements Scheduler at compile time.
var _ Scheduler = (*DefaultScheduler)(nil)
