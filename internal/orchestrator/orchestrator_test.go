package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeck-ai/flightdeck/internal/budget"
	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/priority"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/quota"
	"github.com/flightdeck-ai/flightdeck/internal/registry"
	"github.com/flightdeck-ai/flightdeck/internal/scheduler"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

type fixture struct {
	orch  *Orchestrator
	defs  *quota.InMemoryDefinitionStore
	reg   *registry.InMemoryRegistry
	jobs  *queue.SQLiteQueue
	tasks *database.TaskDAO
	runs  *database.RunDAO
	db    *database.DB
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "orchestrator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.NewMigrator(db).Migrate(context.Background()))

	bus := events.NewEventBus()
	t.Cleanup(func() { bus.Close() })

	jobs := queue.NewSQLiteQueue(db, queue.Config{
		DedupTTL:     time.Hour,
		AckWait:      time.Second,
		MaxDeliver:   3,
		RetryDelay:   10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil)

	defs := quota.NewInMemoryDefinitionStore()
	runs := database.NewRunDAO(db)
	enforcer := quota.NewEnforcer(db, defs, runs, bus, nil)

	prio := priority.NewScheduler(db, bus, nil)
	guard, err := budget.NewGuard(db, prio, bus, budget.DefaultPolicy(), nil)
	require.NoError(t, err)

	reg := registry.NewInMemoryRegistry()
	reg.RegisterAgent("port-scanner", func(ctx context.Context, input json.RawMessage, exec registry.ExecutionContext) (registry.Result, error) {
		return registry.Result{}, nil
	})
	reg.RegisterAgent("subdomain-enum", func(ctx context.Context, input json.RawMessage, exec registry.ExecutionContext) (registry.Result, error) {
		return registry.Result{}, nil
	})

	sched := scheduler.NewScheduler(db, jobs, prio, reg, bus, nil, "")

	return &fixture{
		orch:  New(db, sched, enforcer, guard, nil, nil, jobs, bus, nil),
		defs:  defs,
		reg:   reg,
		jobs:  jobs,
		tasks: database.NewTaskDAO(db),
		runs:  runs,
		db:    db,
	}
}

func reconPlan() *scheduler.PhasePlan {
	return &scheduler.PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: scheduler.ParallelismParallel,
		Agents:      []string{"port-scanner", "subdomain-enum"},
	}
}

func phaseCtx() scheduler.PhaseContext {
	return scheduler.PhaseContext{
		PhaseID: "phase-1",
		Phase:   "recon",
		Inputs:  json.RawMessage(`{"scope":"example.com"}`),
	}
}

func TestCreateRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCreated, run.Status)

	_, err = f.orch.CreateRun(ctx, "")
	assert.Error(t, err)
}

func TestCreateRunConcurrentLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.defs.CreateDefinition(ctx, &quota.TenantQuota{
		TenantID:          "acme",
		MaxConcurrentRuns: 1,
	}))

	first, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, f.runs.UpdateStatus(ctx, first.ID, types.RunStatusRunning, ""))

	_, err = f.orch.CreateRun(ctx, "acme")
	require.Error(t, err)
	var fdErr *types.FlightdeckError
	require.True(t, errors.As(err, &fdErr))
	assert.Equal(t, types.QUOTA_EXCEEDED, fdErr.Code)
}

func TestSubmitPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)

	res, err := f.orch.SubmitPhase(ctx, run.ID, reconPlan(), phaseCtx(), quota.ResourceRequest{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.TotalTasks)
	assert.Equal(t, 2, res.EnqueuedTasks)

	got, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
}

func TestSubmitPhaseRejectedWhenPaused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, f.orch.PauseRun(ctx, run.ID, "maintenance window"))

	_, err = f.orch.SubmitPhase(ctx, run.ID, reconPlan(), phaseCtx(), quota.ResourceRequest{})
	require.Error(t, err)
	var fdErr *types.FlightdeckError
	require.True(t, errors.As(err, &fdErr))
	assert.Equal(t, types.RUN_PAUSED, fdErr.Code)
}

func TestSubmitPhaseQuotaRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.defs.CreateDefinition(ctx, &quota.TenantQuota{
		TenantID:    "acme",
		MaxCPUCores: 2,
	}))

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)

	_, err = f.orch.SubmitPhase(ctx, run.ID, reconPlan(), phaseCtx(), quota.ResourceRequest{CPUCores: 4})
	require.Error(t, err)
	var fdErr *types.FlightdeckError
	require.True(t, errors.As(err, &fdErr))
	assert.Equal(t, types.QUOTA_EXCEEDED, fdErr.Code)

	// Nothing was enqueued on rejection.
	depth, err := f.jobs.Depth(ctx, scheduler.DefaultStream, "workers")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSubmitPhaseReleasesReservationOnScheduleFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.defs.CreateDefinition(ctx, &quota.TenantQuota{
		TenantID:    "acme",
		MaxCPUCores: 4,
	}))

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)

	plan := reconPlan()
	plan.Agents = append(plan.Agents, "not-registered")
	_, err = f.orch.SubmitPhase(ctx, run.ID, plan, phaseCtx(), quota.ResourceRequest{CPUCores: 4})
	require.Error(t, err)

	// The failed submission must not hold the quota.
	res, err := f.orch.SubmitPhase(ctx, run.ID, reconPlan(), phaseCtx(), quota.ResourceRequest{CPUCores: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, res.EnqueuedTasks)
}

func TestCancelRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)
	_, err = f.orch.SubmitPhase(ctx, run.ID, reconPlan(), phaseCtx(), quota.ResourceRequest{})
	require.NoError(t, err)

	require.NoError(t, f.orch.CancelRun(ctx, run.ID))

	got, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCancelled, got.Status)

	tasks, err := f.tasks.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, types.TaskStatusCancelled, task.Status)
	}

	// Terminal runs cannot be cancelled again.
	assert.Error(t, f.orch.CancelRun(ctx, run.ID))
}

func TestPauseAndResumeRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)
	_, err = f.orch.SubmitPhase(ctx, run.ID, reconPlan(), phaseCtx(), quota.ResourceRequest{})
	require.NoError(t, err)

	require.NoError(t, f.orch.PauseRun(ctx, run.ID, "operator hold"))
	got, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPaused, got.Status)
	assert.Equal(t, "operator hold", got.PausedReason)

	require.NoError(t, f.orch.ResumeRun(ctx, run.ID))
	got, err = f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)

	// Resuming a running run is an error.
	assert.Error(t, f.orch.ResumeRun(ctx, run.ID))
}

func TestTaskSettlementClosesRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, f.orch.SetRunBudget(ctx, run.ID, 100))

	plan := reconPlan()
	plan.Agents = []string{"port-scanner"}
	_, err = f.orch.SubmitPhase(ctx, run.ID, plan, phaseCtx(), quota.ResourceRequest{})
	require.NoError(t, err)

	tasks, err := f.tasks.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, f.tasks.MarkRunning(ctx, tasks[0].ID))
	require.NoError(t, f.tasks.MarkCompleted(ctx, tasks[0].ID))

	f.orch.handleTaskSettled(ctx, events.Event{
		Type:   events.EventTaskCompleted,
		RunID:  run.ID,
		TaskID: tasks[0].ID,
		Data: map[string]interface{}{
			"cost_usd":    2.5,
			"tokens_used": 1200,
		},
	})

	got, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	assert.Equal(t, 2.5, got.BudgetSpentUSD)
}

func TestFailedTaskFailsRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)

	plan := reconPlan()
	plan.Agents = []string{"port-scanner"}
	_, err = f.orch.SubmitPhase(ctx, run.ID, plan, phaseCtx(), quota.ResourceRequest{})
	require.NoError(t, err)

	tasks, err := f.tasks.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NoError(t, f.tasks.MarkRunning(ctx, tasks[0].ID))
	require.NoError(t, f.tasks.MarkFailed(ctx, tasks[0].ID, "target unreachable"))

	f.orch.handleTaskSettled(ctx, events.Event{
		Type:   events.EventTaskFailed,
		RunID:  run.ID,
		TaskID: tasks[0].ID,
	})

	got, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, got.Status)
}

func TestFailedHeadSettlesSequentialRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	run, err := f.orch.CreateRun(ctx, "acme")
	require.NoError(t, err)

	plan := reconPlan()
	plan.Parallelism = scheduler.ParallelismSequential
	_, err = f.orch.SubmitPhase(ctx, run.ID, plan, phaseCtx(), quota.ResourceRequest{})
	require.NoError(t, err)

	tasks, err := f.tasks.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var head, dependent *database.Task
	for _, task := range tasks {
		if task.DependsOn.IsZero() {
			head = task
		} else {
			dependent = task
		}
	}
	require.NotNil(t, head)
	require.NotNil(t, dependent)

	require.NoError(t, f.tasks.MarkRunning(ctx, head.ID))
	require.NoError(t, f.tasks.MarkFailed(ctx, head.ID, "target unreachable"))

	f.orch.handleTaskSettled(ctx, events.Event{
		Type:   events.EventTaskFailed,
		RunID:  run.ID,
		TaskID: head.ID,
	})

	// The withheld dependent cancels with its failed upstream, so the
	// run settles instead of waiting on it forever.
	got, err := f.tasks.Get(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)

	gotRun, err := f.orch.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusFailed, gotRun.Status)
}
