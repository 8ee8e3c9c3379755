package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

type staticPriorities struct {
	class types.PriorityClass
}

func (p staticPriorities) PriorityForPhase(phase string) types.PriorityClass { return p.class }

type resolverFunc func(kind types.TargetKind, target string) bool

func (f resolverFunc) HasTarget(kind types.TargetKind, target string) bool { return f(kind, target) }

func allowAll(types.TargetKind, string) bool { return true }

func newTestScheduler(t *testing.T) (*DefaultScheduler, *queue.SQLiteQueue, *database.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.NewMigrator(db).Migrate(context.Background()))

	jobs := queue.NewSQLiteQueue(db, queue.Config{
		DedupTTL:     time.Hour,
		AckWait:      time.Second,
		MaxDeliver:   3,
		RetryDelay:   10 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil)
	s := NewScheduler(db, jobs, staticPriorities{types.PriorityP2}, resolverFunc(allowAll), nil, nil, "")
	return s, jobs, db
}

func testPhaseCtx() PhaseContext {
	return PhaseContext{
		RunID:   types.NewID(),
		PhaseID: "phase-1",
		Phase:   "recon",
		Inputs:  json.RawMessage(`{"target":"example.com"}`),
	}
}

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(`
phase: recon
plan_version: v3
parallelism: parallel
agents:
  - subdomain-enum
  - port-scanner
tools:
  - whois
budgets:
  tokens: 50000
  tools_minutes: 30
timebox: PT45M
`))
	require.NoError(t, err)
	assert.Equal(t, "recon", plan.Phase)
	assert.Equal(t, "v3", plan.PlanVersion)
	assert.Equal(t, []string{"subdomain-enum", "port-scanner"}, plan.Agents)
	assert.Equal(t, 50000, plan.Budgets.Tokens)
	assert.Equal(t, "PT45M", plan.Timebox)
}

func TestParsePlanRejectsInvalid(t *testing.T) {
	cases := []string{
		"parallelism: parallel\nagents: [a]",           // no phase
		"phase: x\nparallelism: fanout\nagents: [a]",   // bad parallelism
		"phase: x\nparallelism: parallel",              // no targets
		"phase: x\nparallelism: parallel\nagents: [a]\ntimebox: 45m", // bad timebox
	}
	for _, c := range cases {
		_, err := ParsePlan([]byte(c))
		assert.Error(t, err, "plan: %s", c)
	}
}

func TestParseTimebox(t *testing.T) {
	cases := map[string]time.Duration{
		"PT30M":   30 * time.Minute,
		"PT1H30M": 90 * time.Minute,
		"P1DT2H":  26 * time.Hour,
		"PT90S":   90 * time.Second,
		"PT0.5S":  500 * time.Millisecond,
		"P2D":     48 * time.Hour,
	}
	for in, want := range cases {
		got, err := ParseTimebox(in)
		require.NoError(t, err, "input %q", in)
		assert.Equal(t, want, got, "input %q", in)
	}

	for _, in := range []string{"", "P", "PT", "45m", "P1M", "P1Y", "PT1H30"} {
		_, err := ParseTimebox(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestScheduleParallelEnqueuesAll(t *testing.T) {
	s, jobs, _ := newTestScheduler(t)
	ctx := context.Background()

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismParallel,
		Agents:      []string{"a", "b"},
		Tools:       []string{"t"},
	}
	res, err := s.Schedule(ctx, plan, testPhaseCtx())
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalTasks)
	assert.Equal(t, 3, res.EnqueuedTasks)

	depth, err := jobs.Depth(ctx, DefaultStream, "workers")
	require.NoError(t, err)
	assert.Equal(t, 3, depth)
}

func TestScheduleSequentialGatesOnDependency(t *testing.T) {
	s, jobs, db := newTestScheduler(t)
	ctx := context.Background()
	phaseCtx := testPhaseCtx()

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismSequential,
		Agents:      []string{"first", "second", "third"},
	}
	res, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.TotalTasks)
	assert.Equal(t, 1, res.EnqueuedTasks)

	tasks := database.NewTaskDAO(db)
	all, err := tasks.ListByRun(ctx, phaseCtx.RunID)
	require.NoError(t, err)
	require.Len(t, all, 3)

	var head *database.Task
	for _, task := range all {
		if task.DependsOn.IsZero() {
			head = task
		}
	}
	require.NotNil(t, head)
	assert.Equal(t, "first", head.Target)

	// Completing the head releases exactly its dependent.
	require.NoError(t, tasks.MarkCompleted(ctx, head.ID))
	require.NoError(t, s.OnTaskCompleted(ctx, head.ID))

	depth, err := jobs.Depth(ctx, DefaultStream, "workers")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)
}

func TestFailedTaskCancelsDependentChain(t *testing.T) {
	s, jobs, db := newTestScheduler(t)
	ctx := context.Background()
	phaseCtx := testPhaseCtx()

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismSequential,
		Agents:      []string{"first", "second", "third"},
	}
	_, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)

	tasks := database.NewTaskDAO(db)
	all, err := tasks.ListByRun(ctx, phaseCtx.RunID)
	require.NoError(t, err)
	require.Len(t, all, 3)

	var head *database.Task
	for _, task := range all {
		if task.DependsOn.IsZero() {
			head = task
		}
	}
	require.NotNil(t, head)

	// A permanently failed head leaves nothing for its chain to wait on;
	// the whole chain cancels instead of staying queued forever.
	require.NoError(t, tasks.MarkFailed(ctx, head.ID, "exploit crashed"))
	require.NoError(t, s.OnTaskFailed(ctx, head.ID))

	for _, task := range all {
		if task.ID == head.ID {
			continue
		}
		got, err := tasks.Get(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, types.TaskStatusCancelled, got.Status, "target %s", task.Target)
	}

	// Nothing new was enqueued past the head's original message.
	depth, err := jobs.Depth(ctx, DefaultStream, "workers")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestScheduleIsIdempotent(t *testing.T) {
	s, _, db := newTestScheduler(t)
	ctx := context.Background()
	phaseCtx := testPhaseCtx()

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismParallel,
		Agents:      []string{"a", "b"},
	}
	first, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, first.EnqueuedTasks)

	second, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.TotalTasks)
	assert.Equal(t, 0, second.EnqueuedTasks)

	all, err := database.NewTaskDAO(db).ListByRun(ctx, phaseCtx.RunID)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// A new plan version is new work.
	plan.PlanVersion = "v2"
	third, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)
	assert.Equal(t, 2, third.EnqueuedTasks)
}

func TestScheduleUnknownTarget(t *testing.T) {
	s, _, _ := newTestScheduler(t)
	s.resolver = resolverFunc(func(kind types.TargetKind, target string) bool {
		return target != "missing"
	})

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismParallel,
		Agents:      []string{"present", "missing"},
	}
	_, err := s.Schedule(context.Background(), plan, testPhaseCtx())
	require.Error(t, err)
	var fdErr *types.FlightdeckError
	require.True(t, errors.As(err, &fdErr))
	assert.Equal(t, types.EXECUTOR_NOT_FOUND, fdErr.Code)
}

func TestTimeboxCancelsDependents(t *testing.T) {
	s, _, db := newTestScheduler(t)
	ctx := context.Background()
	phaseCtx := testPhaseCtx()

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismSequential,
		Agents:      []string{"first", "second"},
		Timebox:     "PT0.01S",
	}
	_, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)

	tasks := database.NewTaskDAO(db)
	all, err := tasks.ListByRun(ctx, phaseCtx.RunID)
	require.NoError(t, err)

	var head, dependent *database.Task
	for _, task := range all {
		if task.DependsOn.IsZero() {
			head = task
		} else {
			dependent = task
		}
	}
	require.NotNil(t, head)
	require.NotNil(t, dependent)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tasks.MarkCompleted(ctx, head.ID))
	require.NoError(t, s.OnTaskCompleted(ctx, head.ID))

	got, err := tasks.Get(ctx, dependent.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusCancelled, got.Status)
}

func TestGetStats(t *testing.T) {
	s, _, db := newTestScheduler(t)
	ctx := context.Background()
	phaseCtx := testPhaseCtx()

	plan := &PhasePlan{
		Phase:       "recon",
		PlanVersion: "v1",
		Parallelism: ParallelismParallel,
		Agents:      []string{"a", "b"},
	}
	_, err := s.Schedule(ctx, plan, phaseCtx)
	require.NoError(t, err)

	tasks := database.NewTaskDAO(db)
	all, err := tasks.ListByRun(ctx, phaseCtx.RunID)
	require.NoError(t, err)
	require.NoError(t, tasks.MarkRunning(ctx, all[0].ID))
	require.NoError(t, tasks.MarkCompleted(ctx, all[0].ID))

	stats, err := s.GetStats(ctx, phaseCtx.PhaseID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Completed)
}
