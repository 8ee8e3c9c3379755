package budget

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

type fakePreempter struct {
	calls   int
	classes []types.PriorityClass
	limit   int
	victims []types.ID
}

func (f *fakePreempter) PreemptForBudget(ctx context.Context, runID types.ID, classes []types.PriorityClass, limit int, reason string) ([]types.ID, error) {
	f.calls++
	f.classes = classes
	f.limit = limit
	return f.victims, nil
}

func newTestGuard(t *testing.T, preempter Preempter) (*DefaultGuard, *database.RunDAO) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.NewMigrator(db).Migrate(context.Background()))

	guard, err := NewGuard(db, preempter, nil, DefaultPolicy(), nil)
	require.NoError(t, err)
	return guard, database.NewRunDAO(db)
}

func newBudgetRun(t *testing.T, runs *database.RunDAO) *database.Run {
	t.Helper()
	run := &database.Run{TenantID: "acme", Status: types.RunStatusRunning}
	require.NoError(t, runs.Create(context.Background(), run))
	return run
}

func TestPolicyValidate(t *testing.T) {
	assert.NoError(t, DefaultPolicy().Validate())

	bad := DefaultPolicy()
	bad.ThrottlePercent = 40
	assert.Error(t, bad.Validate())

	bad = DefaultPolicy()
	bad.ThrottleClasses = []types.PriorityClass{types.PriorityP0}
	assert.Error(t, bad.Validate())
}

func TestThresholdEscalation(t *testing.T) {
	preempter := &fakePreempter{victims: []types.ID{types.NewID()}}
	guard, runs := newTestGuard(t, preempter)
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	require.NoError(t, guard.SetBudget(ctx, run.ID, 10.0))

	// 50% crossed: warn fires once.
	require.NoError(t, guard.RecordCost(ctx, run.ID, 5.0))
	st, err := guard.CheckBudget(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusWarn, st.Status)
	assert.Equal(t, 0, preempter.calls)

	evs, err := guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ThresholdWarn, evs[0].ThresholdType)

	// 80% crossed: throttle preempts eligible classes.
	require.NoError(t, guard.RecordCost(ctx, run.ID, 3.0))
	assert.Equal(t, 1, preempter.calls)
	assert.Equal(t, []types.PriorityClass{types.PriorityP3}, preempter.classes)
	assert.Equal(t, 5, preempter.limit)

	st, err = guard.CheckBudget(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusThrottle, st.Status)

	// 95% crossed: the run pauses.
	require.NoError(t, guard.RecordCost(ctx, run.ID, 1.5))
	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPaused, got.Status)
	assert.Equal(t, types.PausedReasonBudgetExceeded, got.PausedReason)

	st, err = guard.CheckBudget(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, st.Status)
	assert.InDelta(t, 95.0, st.PercentUsed, 0.01)
}

func TestThresholdsFireOnce(t *testing.T) {
	preempter := &fakePreempter{}
	guard, runs := newTestGuard(t, preempter)
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	require.NoError(t, guard.SetBudget(ctx, run.ID, 100.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 55.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 1.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 1.0))

	evs, err := guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestRecordOnceSingleFire(t *testing.T) {
	guard, runs := newTestGuard(t, nil)
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	ev := func() *BudgetEvent {
		return &BudgetEvent{
			RunID:         run.ID,
			TenantID:      run.TenantID,
			EventType:     "warn",
			ThresholdType: ThresholdWarn,
			ActionTaken:   ActionLogged,
		}
	}
	first, err := guard.eventsDAO.RecordOnce(ctx, ev())
	require.NoError(t, err)
	assert.True(t, first)

	second, err := guard.eventsDAO.RecordOnce(ctx, ev())
	require.NoError(t, err)
	assert.False(t, second)

	evs, err := guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)

	// Resolving re-arms the threshold.
	require.NoError(t, guard.eventsDAO.ResolveAll(ctx, run.ID))
	again, err := guard.eventsDAO.RecordOnce(ctx, ev())
	require.NoError(t, err)
	assert.True(t, again)
}

func TestConcurrentCostRecordingFiresWarnOnce(t *testing.T) {
	guard, runs := newTestGuard(t, &fakePreempter{})
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	require.NoError(t, guard.SetBudget(ctx, run.ID, 100.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 49.0))

	// Concurrent enforcement passes all cross warn together; the claim is
	// transactional so exactly one event lands.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, guard.RecordCost(ctx, run.ID, 0.5))
		}()
	}
	wg.Wait()

	evs, err := guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, ThresholdWarn, evs[0].ThresholdType)
}

func TestLargeSpendJumpFiresAllThresholds(t *testing.T) {
	preempter := &fakePreempter{}
	guard, runs := newTestGuard(t, preempter)
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	require.NoError(t, guard.SetBudget(ctx, run.ID, 10.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 9.8))

	evs, err := guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 3)
	assert.Equal(t, 1, preempter.calls)

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusPaused, got.Status)
}

func TestBudgetRaiseRearmsThresholds(t *testing.T) {
	guard, runs := newTestGuard(t, &fakePreempter{})
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	require.NoError(t, guard.SetBudget(ctx, run.ID, 10.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 6.0))

	evs, err := guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)

	// Raising the budget drops spend to 30%; warn re-arms and fires again
	// on the next crossing.
	require.NoError(t, guard.SetBudget(ctx, run.ID, 20.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 5.0))

	evs, err = guard.eventsDAO.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	warns := 0
	for _, ev := range evs {
		if ev.ThresholdType == ThresholdWarn {
			warns++
		}
	}
	assert.Equal(t, 2, warns)
}

func TestResumeRun(t *testing.T) {
	guard, runs := newTestGuard(t, &fakePreempter{})
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	require.NoError(t, guard.SetBudget(ctx, run.ID, 10.0))
	require.NoError(t, guard.RecordCost(ctx, run.ID, 9.6))

	got, err := runs.Get(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, types.RunStatusPaused, got.Status)

	require.NoError(t, guard.ResumeRun(ctx, run.ID))
	got, err = runs.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusRunning, got.Status)
	assert.Empty(t, got.PausedReason)

	// A running run cannot be budget-resumed.
	assert.Error(t, guard.ResumeRun(ctx, run.ID))
}

func TestRecordCostValidation(t *testing.T) {
	guard, runs := newTestGuard(t, nil)
	ctx := context.Background()
	run := newBudgetRun(t, runs)

	assert.Error(t, guard.RecordCost(ctx, run.ID, -1.0))
	assert.NoError(t, guard.RecordCost(ctx, run.ID, 0))
	assert.Error(t, guard.SetBudget(ctx, run.ID, 0))
}
