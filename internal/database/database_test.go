package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := NewMigrator(db).Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestMigrator(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "migrate.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	m := NewMigrator(db)

	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	version, err := m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("current version failed: %v", err)
	}
	if version != 2 {
		t.Errorf("expected version 2, got %d", version)
	}

	// Re-running is a no-op.
	if err := m.Migrate(ctx); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}

	applied, err := m.GetAppliedMigrations(ctx)
	if err != nil {
		t.Fatalf("get applied failed: %v", err)
	}
	if len(applied) != 2 {
		t.Errorf("expected 2 applied migrations, got %d", len(applied))
	}

	if err := m.Rollback(ctx, 1); err != nil {
		t.Fatalf("rollback failed: %v", err)
	}
	version, err = m.CurrentVersion(ctx)
	if err != nil {
		t.Fatalf("current version after rollback failed: %v", err)
	}
	if version != 1 {
		t.Errorf("expected version 1 after rollback, got %d", version)
	}
}

func TestHealth(t *testing.T) {
	db := setupTestDB(t)
	if err := db.Health(context.Background()); err != nil {
		t.Errorf("health check failed: %v", err)
	}
}

func TestRunDAOLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dao := NewRunDAO(db)

	run := &Run{TenantID: "acme"}
	if err := dao.Create(ctx, run); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if run.ID.IsZero() {
		t.Fatal("expected generated run ID")
	}

	got, err := dao.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.TenantID != "acme" || got.Status != types.RunStatusCreated {
		t.Errorf("unexpected run: %+v", got)
	}

	if err := dao.UpdateStatus(ctx, run.ID, types.RunStatusPaused, types.PausedReasonBudgetExceeded); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	got, _ = dao.Get(ctx, run.ID)
	if got.PausedReason != types.PausedReasonBudgetExceeded {
		t.Errorf("expected paused reason, got %q", got.PausedReason)
	}

	// Leaving paused clears the reason.
	if err := dao.UpdateStatus(ctx, run.ID, types.RunStatusRunning, "stale"); err != nil {
		t.Fatalf("update status failed: %v", err)
	}
	got, _ = dao.Get(ctx, run.ID)
	if got.PausedReason != "" {
		t.Errorf("expected cleared paused reason, got %q", got.PausedReason)
	}

	if _, err := dao.Get(ctx, types.NewID()); err == nil {
		t.Error("expected error for missing run")
	}
}

func TestRunDAOSpend(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dao := NewRunDAO(db)

	run := &Run{TenantID: "acme"}
	if err := dao.Create(ctx, run); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := dao.SetBudget(ctx, run.ID, 10.0); err != nil {
		t.Fatalf("set budget failed: %v", err)
	}

	total, spent, err := dao.AddSpend(ctx, run.ID, 2.5)
	if err != nil {
		t.Fatalf("add spend failed: %v", err)
	}
	if total != 10.0 || spent != 2.5 {
		t.Errorf("expected 10.0/2.5, got %.2f/%.2f", total, spent)
	}

	total, spent, err = dao.AddSpend(ctx, run.ID, 2.5)
	if err != nil {
		t.Fatalf("add spend failed: %v", err)
	}
	if total != 10.0 || spent != 5.0 {
		t.Errorf("expected 10.0/5.0, got %.2f/%.2f", total, spent)
	}
}

func TestRunDAOCountActive(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	dao := NewRunDAO(db)

	for i := 0; i < 3; i++ {
		if err := dao.Create(ctx, &Run{TenantID: "acme"}); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}
	done := &Run{TenantID: "acme", Status: types.RunStatusCompleted}
	if err := dao.Create(ctx, done); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	count, err := dao.CountActiveByTenant(ctx, "acme")
	if err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 active runs, got %d", count)
	}
}

func newTestTask(runID types.ID, phase, key string) *Task {
	return &Task{
		RunID:          runID,
		Phase:          phase,
		PhaseID:        phase + "-1",
		TargetKind:     types.TargetKindAgent,
		Target:         "analyzer",
		PriorityClass:  types.PriorityP2,
		IdempotenceKey: key,
	}
}

func TestTaskDAOLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	runs := NewRunDAO(db)
	tasks := NewTaskDAO(db)

	run := &Run{TenantID: "acme"}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	task := newTestTask(run.ID, "recon", "key-1")
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}

	byKey, err := tasks.GetByIdempotenceKey(ctx, "key-1")
	if err != nil {
		t.Fatalf("get by key failed: %v", err)
	}
	if byKey == nil || byKey.ID != task.ID {
		t.Fatal("expected task by idempotence key")
	}
	missing, err := tasks.GetByIdempotenceKey(ctx, "no-such-key")
	if err != nil {
		t.Fatalf("get by missing key failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for unknown idempotence key")
	}

	if err := tasks.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	got, _ := tasks.Get(ctx, task.ID)
	if got.Status != types.TaskStatusRunning || got.StartedAt == nil {
		t.Errorf("unexpected task after mark running: %+v", got)
	}

	if err := tasks.MarkPreempted(ctx, task.ID, "budget throttle"); err != nil {
		t.Fatalf("mark preempted failed: %v", err)
	}
	got, _ = tasks.Get(ctx, task.ID)
	if !got.Preempted || got.PreemptionReason != "budget throttle" {
		t.Errorf("unexpected task after preemption: %+v", got)
	}
	if got.Status.IsTerminal() {
		t.Error("preempted must not be terminal")
	}

	// Resume clears the preemption flag.
	if err := tasks.MarkRunning(ctx, task.ID); err != nil {
		t.Fatalf("mark running failed: %v", err)
	}
	got, _ = tasks.Get(ctx, task.ID)
	if got.Preempted || got.PreemptionReason != "" {
		t.Errorf("expected cleared preemption, got %+v", got)
	}

	if err := tasks.MarkCompleted(ctx, task.ID); err != nil {
		t.Fatalf("mark completed failed: %v", err)
	}
	got, _ = tasks.Get(ctx, task.ID)
	if got.Status != types.TaskStatusCompleted || got.CompletedAt == nil {
		t.Errorf("unexpected task after completion: %+v", got)
	}
}

func TestTaskDAOSetPriority(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	runs := NewRunDAO(db)
	tasks := NewTaskDAO(db)

	run := &Run{TenantID: "acme"}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}
	task := newTestTask(run.ID, "recon", "key-prio")
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("create task failed: %v", err)
	}

	if err := tasks.SetPriority(ctx, task.ID, types.PriorityP1, "manual bump", false); err != nil {
		t.Fatalf("set priority failed: %v", err)
	}
	got, _ := tasks.Get(ctx, task.ID)
	if got.PriorityClass != types.PriorityP1 {
		t.Errorf("expected P1, got %s", got.PriorityClass)
	}

	// The first assignment was non-overridable.
	if err := tasks.SetPriority(ctx, task.ID, types.PriorityP3, "sneaky demote", true); err == nil {
		t.Error("expected error overriding non-overridable priority")
	}
}

func TestTaskDAOListRunningByClasses(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	runs := NewRunDAO(db)
	tasks := NewTaskDAO(db)

	run := &Run{TenantID: "acme"}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	mk := func(key string, class types.PriorityClass, startedOffset time.Duration) types.ID {
		task := newTestTask(run.ID, "exploit", key)
		task.PriorityClass = class
		if err := tasks.Create(ctx, task); err != nil {
			t.Fatalf("create task failed: %v", err)
		}
		started := time.Now().UTC().Add(startedOffset)
		if _, err := db.ExecContext(ctx,
			"UPDATE tasks SET status = 'running', started_at = ? WHERE id = ?",
			started, task.ID); err != nil {
			t.Fatalf("seed running task failed: %v", err)
		}
		return task.ID
	}

	old := mk("k-old", types.PriorityP3, -time.Hour)
	newer := mk("k-new", types.PriorityP3, -time.Minute)
	mk("k-p0", types.PriorityP0, -time.Second)

	got, err := tasks.ListRunningByClasses(ctx, run.ID, []types.PriorityClass{types.PriorityP3}, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got))
	}
	// Most recently started first.
	if got[0].ID != newer || got[1].ID != old {
		t.Errorf("unexpected ordering: %s, %s", got[0].ID, got[1].ID)
	}
}

func TestTaskDAOStats(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	runs := NewRunDAO(db)
	tasks := NewTaskDAO(db)

	run := &Run{TenantID: "acme"}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	for i, status := range []types.TaskStatus{
		types.TaskStatusCompleted, types.TaskStatusCompleted,
		types.TaskStatusFailed, types.TaskStatusRunning,
	} {
		task := newTestTask(run.ID, "scan", "")
		task.IdempotenceKey = string(rune('a' + i))
		if err := tasks.Create(ctx, task); err != nil {
			t.Fatalf("create task failed: %v", err)
		}
		started := time.Now().UTC().Add(-2 * time.Second)
		completed := time.Now().UTC()
		if _, err := db.ExecContext(ctx,
			"UPDATE tasks SET status = ?, started_at = ?, completed_at = ? WHERE id = ?",
			status, started, completed, task.ID); err != nil {
			t.Fatalf("seed task failed: %v", err)
		}
	}

	stats, err := tasks.Stats(ctx, "scan-1")
	if err != nil {
		t.Fatalf("stats failed: %v", err)
	}
	if stats.Total != 4 || stats.Completed != 2 || stats.Failed != 1 || stats.Running != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.AvgDurationMs < 1000 {
		t.Errorf("expected avg duration around 2000ms, got %.0f", stats.AvgDurationMs)
	}
}

func TestTaskDAOListDependents(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	runs := NewRunDAO(db)
	tasks := NewTaskDAO(db)

	run := &Run{TenantID: "acme"}
	if err := runs.Create(ctx, run); err != nil {
		t.Fatalf("create run failed: %v", err)
	}

	upstream := newTestTask(run.ID, "recon", "up")
	if err := tasks.Create(ctx, upstream); err != nil {
		t.Fatalf("create task failed: %v", err)
	}
	downstream := newTestTask(run.ID, "recon", "down")
	downstream.DependsOn = upstream.ID
	if err := tasks.Create(ctx, downstream); err != nil {
		t.Fatalf("create task failed: %v", err)
	}

	deps, err := tasks.ListDependents(ctx, upstream.ID)
	if err != nil {
		t.Fatalf("list dependents failed: %v", err)
	}
	if len(deps) != 1 || deps[0].ID != downstream.ID {
		t.Errorf("unexpected dependents: %+v", deps)
	}
}
