// Package orchestrator is the composition root: it wires the scheduler,
// priority scheduler, quota enforcer, budget guard, worker pool, and event
// bus so that admission and ongoing execution are continuously policed.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flightdeck-ai/flightdeck/internal/budget"
	"github.com/flightdeck-ai/flightdeck/internal/checkpoint"
	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/quota"
	"github.com/flightdeck-ai/flightdeck/internal/scheduler"
	"github.com/flightdeck-ai/flightdeck/internal/types"
	"github.com/flightdeck-ai/flightdeck/internal/worker"
)

// MaintenanceInterval is how often checkpoint and dedup cleanup run.
const MaintenanceInterval = 15 * time.Minute

// Orchestrator coordinates run lifecycle and governance.
type Orchestrator struct {
	runs        *database.RunDAO
	tasks       *database.TaskDAO
	sched       scheduler.Scheduler
	enforcer    quota.Enforcer
	guard       budget.Guard
	pool        *worker.Pool
	checkpoints checkpoint.Manager
	jobs        queue.JobQueue
	bus         events.EventBus
	logger      *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New creates an orchestrator over fully constructed components.
func New(db *database.DB, sched scheduler.Scheduler, enforcer quota.Enforcer, guard budget.Guard,
	pool *worker.Pool, checkpoints checkpoint.Manager, jobs queue.JobQueue,
	bus events.EventBus, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runs:        database.NewRunDAO(db),
		tasks:       database.NewTaskDAO(db),
		sched:       sched,
		enforcer:    enforcer,
		guard:       guard,
		pool:        pool,
		checkpoints: checkpoints,
		jobs:        jobs,
		bus:         bus,
		logger:      logger.With("component", "orchestrator"),
	}
}

// Start launches the worker pool, the event loop, and the maintenance loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return fmt.Errorf("orchestrator already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	o.cancel = cancel
	o.group = group
	o.running = true

	if o.pool != nil {
		if err := o.pool.Start(groupCtx); err != nil {
			cancel()
			o.running = false
			return err
		}
	}
	group.Go(func() error {
		o.eventLoop(groupCtx)
		return nil
	})
	group.Go(func() error {
		o.maintenanceLoop(groupCtx)
		return nil
	})

	o.logger.Info("orchestrator started")
	return nil
}

// Stop shuts down the worker pool and background loops.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = false
	cancel := o.cancel
	group := o.group
	o.mu.Unlock()

	cancel()
	var poolErr error
	if o.pool != nil {
		poolErr = o.pool.Stop()
	}
	if err := group.Wait(); err != nil {
		return err
	}
	o.logger.Info("orchestrator stopped")
	return poolErr
}

// CreateRun creates a run for the tenant after checking the concurrent-run
// quota.
func (o *Orchestrator) CreateRun(ctx context.Context, tenantID string) (*database.Run, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID cannot be empty")
	}
	if o.enforcer != nil {
		if err := o.enforcer.CheckConcurrentRuns(ctx, tenantID); err != nil {
			return nil, err
		}
	}
	run := &database.Run{TenantID: tenantID}
	if err := o.runs.Create(ctx, run); err != nil {
		return nil, err
	}
	o.logger.Info("run created", "run_id", run.ID, "tenant_id", tenantID)
	return run, nil
}

// SetRunBudget sets the run's cost budget.
func (o *Orchestrator) SetRunBudget(ctx context.Context, runID types.ID, totalUSD float64) error {
	return o.guard.SetBudget(ctx, runID, totalUSD)
}

// SubmitPhase admits and schedules one phase of a run. Admission rejects
// synchronously when the run is paused or the tenant's quota would be
// exceeded; nothing is enqueued on rejection.
func (o *Orchestrator) SubmitPhase(ctx context.Context, runID types.ID, plan *scheduler.PhasePlan,
	phaseCtx scheduler.PhaseContext, resources quota.ResourceRequest) (scheduler.Result, error) {

	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return scheduler.Result{}, err
	}
	switch run.Status {
	case types.RunStatusPaused:
		return scheduler.Result{}, types.NewError(types.RUN_PAUSED,
			fmt.Sprintf("run %s is paused (%s), admission halted", runID, run.PausedReason))
	case types.RunStatusCompleted, types.RunStatusFailed, types.RunStatusCancelled:
		return scheduler.Result{}, fmt.Errorf("run %s is %s, cannot schedule", runID, run.Status)
	}

	if o.enforcer != nil {
		if err := o.enforcer.CheckAdmission(ctx, run.TenantID, runID, resources); err != nil {
			return scheduler.Result{}, err
		}
	}

	phaseCtx.RunID = runID
	result, err := o.sched.Schedule(ctx, plan, phaseCtx)
	if err != nil {
		// The reservation must not outlive a failed schedule.
		if o.enforcer != nil {
			if relErr := o.enforcer.ReleaseUsage(ctx, run.TenantID, runID, resources); relErr != nil {
				o.logger.Error("failed to release reservation after schedule failure",
					"run_id", runID, "error", relErr)
			}
		}
		return result, err
	}

	if run.Status == types.RunStatusCreated {
		if err := o.runs.UpdateStatus(ctx, runID, types.RunStatusRunning, ""); err != nil {
			return result, err
		}
	}
	return result, nil
}

// PauseRun pauses a run with an operator-supplied reason.
func (o *Orchestrator) PauseRun(ctx context.Context, runID types.ID, reason string) error {
	if err := o.runs.UpdateStatus(ctx, runID, types.RunStatusPaused, reason); err != nil {
		return err
	}
	o.publishRunEvent(ctx, events.EventRunPaused, runID, map[string]interface{}{
		"paused_reason": reason,
	})
	return nil
}

// ResumeRun resumes a paused run. Budget pauses go through the guard so
// thresholds re-arm; other pauses simply transition the status.
func (o *Orchestrator) ResumeRun(ctx context.Context, runID types.ID) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusPaused {
		return fmt.Errorf("run %s is %s, not paused", runID, run.Status)
	}
	if run.PausedReason == types.PausedReasonBudgetExceeded {
		return o.guard.ResumeRun(ctx, runID)
	}
	if err := o.runs.UpdateStatus(ctx, runID, types.RunStatusRunning, ""); err != nil {
		return err
	}
	o.publishRunEvent(ctx, events.EventRunResumed, runID, nil)
	return nil
}

// CancelRun cancels a run. Queued tasks are cancelled immediately; running
// tasks are preempted cooperatively and cancelled when their delivery
// returns.
func (o *Orchestrator) CancelRun(ctx context.Context, runID types.ID) error {
	run, err := o.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if !run.Status.IsActive() {
		return fmt.Errorf("run %s is %s, cannot cancel", runID, run.Status)
	}
	if err := o.runs.UpdateStatus(ctx, runID, types.RunStatusCancelled, ""); err != nil {
		return err
	}

	tasks, err := o.tasks.ListByRun(ctx, runID)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Status == types.TaskStatusQueued || task.Status == types.TaskStatusPreempted {
			if err := o.tasks.MarkCancelled(ctx, task.ID); err != nil {
				o.logger.Error("failed to cancel task", "task_id", task.ID, "error", err)
			}
		}
	}
	if o.enforcer != nil {
		if err := o.enforcer.ReleaseRun(ctx, run.TenantID, runID); err != nil {
			o.logger.Error("failed to release run reservations", "run_id", runID, "error", err)
		}
	}
	o.logger.Info("run cancelled", "run_id", runID, "tenant_id", run.TenantID)
	return nil
}

// GetRun returns the run's current state.
func (o *Orchestrator) GetRun(ctx context.Context, runID types.ID) (*database.Run, error) {
	return o.runs.Get(ctx, runID)
}

// eventLoop reacts to task completion: recording cost against the budget,
// recording token and cost usage against the tenant quota, releasing
// dependent tasks, and closing out finished runs.
func (o *Orchestrator) eventLoop(ctx context.Context) {
	if o.bus == nil {
		return
	}
	ch, cleanup := o.bus.Subscribe(ctx, events.Filter{
		Types: []events.EventType{events.EventTaskCompleted, events.EventTaskFailed},
	}, 0)
	defer cleanup()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			o.handleTaskSettled(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleTaskSettled(ctx context.Context, ev events.Event) {
	if ev.Type == events.EventTaskCompleted {
		cost := floatField(ev.Data, "cost_usd")
		tokens := floatField(ev.Data, "tokens_used")

		if cost > 0 {
			if err := o.guard.RecordCost(ctx, ev.RunID, cost); err != nil {
				o.logger.Error("failed to record cost", "run_id", ev.RunID, "error", err)
			}
		}
		if o.enforcer != nil && (cost > 0 || tokens > 0) {
			run, err := o.runs.Get(ctx, ev.RunID)
			if err == nil {
				if tokens > 0 {
					if err := o.enforcer.RecordUsage(ctx, run.TenantID, ev.RunID, types.ResourceTokensPerDay, tokens); err != nil {
						o.logger.Error("failed to record token usage", "run_id", ev.RunID, "error", err)
					}
				}
				if cost > 0 {
					if err := o.enforcer.RecordUsage(ctx, run.TenantID, ev.RunID, types.ResourceCostPerDayUSD, cost); err != nil {
						o.logger.Error("failed to record cost usage", "run_id", ev.RunID, "error", err)
					}
				}
			}
		}

		if err := o.sched.OnTaskCompleted(ctx, ev.TaskID); err != nil {
			o.logger.Error("failed to release dependent tasks", "task_id", ev.TaskID, "error", err)
		}
	}

	if ev.Type == events.EventTaskFailed {
		// Tasks withheld behind the failed one can never run; cancel
		// them so the run settles.
		if err := o.sched.OnTaskFailed(ctx, ev.TaskID); err != nil {
			o.logger.Error("failed to cancel dependent tasks", "task_id", ev.TaskID, "error", err)
		}
	}

	o.checkRunCompletion(ctx, ev.RunID)
}

// checkRunCompletion closes out a run once every task is terminal.
func (o *Orchestrator) checkRunCompletion(ctx context.Context, runID types.ID) {
	run, err := o.runs.Get(ctx, runID)
	if err != nil || run.Status != types.RunStatusRunning {
		return
	}
	tasks, err := o.tasks.ListByRun(ctx, runID)
	if err != nil || len(tasks) == 0 {
		return
	}

	failed := false
	for _, task := range tasks {
		if !task.Status.IsTerminal() {
			return
		}
		if task.Status == types.TaskStatusFailed {
			failed = true
		}
	}

	status := types.RunStatusCompleted
	if failed {
		status = types.RunStatusFailed
	}
	if err := o.runs.UpdateStatus(ctx, runID, status, ""); err != nil {
		o.logger.Error("failed to close out run", "run_id", runID, "error", err)
		return
	}
	if o.enforcer != nil {
		if err := o.enforcer.ReleaseRun(ctx, run.TenantID, runID); err != nil {
			o.logger.Error("failed to release run reservations", "run_id", runID, "error", err)
		}
	}
	o.publishRunEvent(ctx, events.EventRunComplete, runID, map[string]interface{}{
		"status": string(status),
	})
	o.logger.Info("run finished", "run_id", runID, "status", status)
}

// maintenanceLoop periodically cleans up superseded checkpoints and
// expired dedup records.
func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if o.checkpoints != nil {
			if _, err := o.checkpoints.CleanupExpired(ctx); err != nil {
				o.logger.Warn("checkpoint cleanup failed", "error", err)
			}
		}
		if o.jobs != nil {
			if _, err := o.jobs.CleanupDedup(ctx); err != nil {
				o.logger.Warn("dedup cleanup failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) publishRunEvent(ctx context.Context, eventType events.EventType, runID types.ID, data map[string]interface{}) {
	if o.bus == nil {
		return
	}
	_ = o.bus.Publish(ctx, events.Event{Type: eventType, RunID: runID, Data: data})
}

// floatField reads a numeric event data field regardless of the concrete
// numeric type the publisher used.
func floatField(data map[string]interface{}, key string) float64 {
	if data == nil {
		return 0
	}
	switch v := data[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
