// Package budget tracks cumulative run cost and fires threshold actions.
// The runs table is the ledger of record for spend; the guard keeps no
// independent in-memory totals.
package budget

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Policy configures the threshold tiers and throttle aggressiveness.
type Policy struct {
	// WarnPercent emits an alert with no enforcement action. Default 50.
	WarnPercent float64

	// ThrottlePercent preempts low-priority running tasks. Default 80.
	ThrottlePercent float64

	// PausePercent pauses the run entirely. Default 95.
	PausePercent float64

	// ThrottleClasses are the priority classes eligible for budget-driven
	// preemption, in preemption order. Default P3 only; configure P2 and
	// P3 for aggressive throttling. P0 is never eligible.
	ThrottleClasses []types.PriorityClass

	// MaxPreemptPerThrottle bounds how many tasks one throttle crossing
	// may preempt. Default 5.
	MaxPreemptPerThrottle int
}

// DefaultPolicy returns the standard 50/80/95 policy preempting P3 only.
func DefaultPolicy() Policy {
	return Policy{
		WarnPercent:           50,
		ThrottlePercent:       80,
		PausePercent:          95,
		ThrottleClasses:       []types.PriorityClass{types.PriorityP3},
		MaxPreemptPerThrottle: 5,
	}
}

// Validate checks the policy for ordering and class constraints.
func (p Policy) Validate() error {
	if p.WarnPercent <= 0 || p.ThrottlePercent <= p.WarnPercent || p.PausePercent <= p.ThrottlePercent {
		return fmt.Errorf("budget thresholds must satisfy 0 < warn < throttle < pause")
	}
	for _, class := range p.ThrottleClasses {
		if class == types.PriorityP0 {
			return fmt.Errorf("P0 tasks cannot be eligible for budget preemption")
		}
	}
	return nil
}

// Status is the result of a budget check.
type Status struct {
	TotalUSD     float64 `json:"total_usd"`
	SpentUSD     float64 `json:"spent_usd"`
	RemainingUSD float64 `json:"remaining_usd"`
	PercentUsed  float64 `json:"percent_used"`
	Status       string  `json:"status"`
}

// Budget status values.
const (
	StatusOK       = "ok"
	StatusWarn     = "warn"
	StatusThrottle = "throttle"
	StatusPaused   = "paused"
)

// Preempter selects and preempts running tasks of the given classes for a
// run. The priority scheduler implements it.
type Preempter interface {
	PreemptForBudget(ctx context.Context, runID types.ID, classes []types.PriorityClass, limit int, reason string) ([]types.ID, error)
}

// Guard tracks run spend against a budget and enforces threshold actions.
type Guard interface {
	// SetBudget sets or raises the run's total budget. Raising the budget
	// re-arms thresholds the new spend percentage no longer crosses.
	SetBudget(ctx context.Context, runID types.ID, totalUSD float64) error

	// RecordCost is the sole cost-ingestion point. It increments the
	// run's spend and enforces any newly crossed thresholds.
	RecordCost(ctx context.Context, runID types.ID, costUSD float64) error

	// CheckBudget returns the run's current budget status without
	// enforcing.
	CheckBudget(ctx context.Context, runID types.ID) (Status, error)

	// EnforceBudget fires actions for any crossed, unfired thresholds.
	EnforceBudget(ctx context.Context, runID types.ID) error

	// ResumeRun lifts a budget pause and re-arms all thresholds.
	ResumeRun(ctx context.Context, runID types.ID) error
}

// DefaultGuard implements Guard over the run DAO and budget event ledger.
type DefaultGuard struct {
	runs      *database.RunDAO
	eventsDAO *EventDAO
	preempter Preempter
	bus       events.EventBus
	policy    Policy
	logger    *slog.Logger
}

// NewGuard creates a budget guard with the given policy.
func NewGuard(db *database.DB, preempter Preempter, bus events.EventBus, policy Policy, logger *slog.Logger) (*DefaultGuard, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultGuard{
		runs:      database.NewRunDAO(db),
		eventsDAO: NewEventDAO(db),
		preempter: preempter,
		bus:       bus,
		policy:    policy,
		logger:    logger.With("component", "budget_guard"),
	}, nil
}

// SetBudget sets the run's total budget and re-arms thresholds above the
// resulting spend percentage.
func (g *DefaultGuard) SetBudget(ctx context.Context, runID types.ID, totalUSD float64) error {
	if totalUSD <= 0 {
		return types.NewError(types.BUDGET_NOT_CONFIGURED,
			fmt.Sprintf("budget for run %s must be positive, got %.2f", runID, totalUSD))
	}
	if err := g.runs.SetBudget(ctx, runID, totalUSD); err != nil {
		return err
	}
	run, err := g.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	percent := percentUsed(run.BudgetSpentUSD, run.BudgetTotalUSD)
	if err := g.eventsDAO.ResolveAbove(ctx, runID, percent); err != nil {
		return err
	}
	g.logger.Info("budget set", "run_id", runID, "total_usd", totalUSD, "percent_used", percent)
	return nil
}

// RecordCost increments the run's spend counter and enforces thresholds.
func (g *DefaultGuard) RecordCost(ctx context.Context, runID types.ID, costUSD float64) error {
	if costUSD < 0 {
		return fmt.Errorf("cost cannot be negative: %.4f", costUSD)
	}
	if costUSD == 0 {
		return nil
	}
	if _, _, err := g.runs.AddSpend(ctx, runID, costUSD); err != nil {
		return err
	}
	return g.EnforceBudget(ctx, runID)
}

// CheckBudget reports the run's budget status.
func (g *DefaultGuard) CheckBudget(ctx context.Context, runID types.ID) (Status, error) {
	run, err := g.runs.Get(ctx, runID)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		TotalUSD:     run.BudgetTotalUSD,
		SpentUSD:     run.BudgetSpentUSD,
		RemainingUSD: run.BudgetTotalUSD - run.BudgetSpentUSD,
		PercentUsed:  percentUsed(run.BudgetSpentUSD, run.BudgetTotalUSD),
	}
	switch {
	case run.Status == types.RunStatusPaused && run.PausedReason == types.PausedReasonBudgetExceeded:
		st.Status = StatusPaused
	case run.BudgetTotalUSD <= 0:
		st.Status = StatusOK
	case st.PercentUsed >= g.policy.ThrottlePercent:
		st.Status = StatusThrottle
	case st.PercentUsed >= g.policy.WarnPercent:
		st.Status = StatusWarn
	default:
		st.Status = StatusOK
	}
	return st, nil
}

// EnforceBudget fires crossed, unfired thresholds in ascending order. A run
// with no budget configured is never enforced.
func (g *DefaultGuard) EnforceBudget(ctx context.Context, runID types.ID) error {
	run, err := g.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.BudgetTotalUSD <= 0 {
		return nil
	}
	percent := percentUsed(run.BudgetSpentUSD, run.BudgetTotalUSD)

	// Ascending order so a large spend jump fires warn before throttle
	// before pause.
	thresholds := []struct {
		percent float64
		fire    func(context.Context, *database.Run, float64) error
	}{
		{g.policy.WarnPercent, g.fireWarn},
		{g.policy.ThrottlePercent, g.fireThrottle},
		{g.policy.PausePercent, g.firePause},
	}
	for _, t := range thresholds {
		if percent < t.percent {
			continue
		}
		// Each fire claims its threshold event atomically; an already
		// fired threshold is a no-op.
		if err := t.fire(ctx, run, percent); err != nil {
			return err
		}
	}
	return nil
}

// ResumeRun lifts a budget pause, resolves all fired thresholds, and
// returns the run to running.
func (g *DefaultGuard) ResumeRun(ctx context.Context, runID types.ID) error {
	run, err := g.runs.Get(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status != types.RunStatusPaused || run.PausedReason != types.PausedReasonBudgetExceeded {
		return types.NewError(types.RUN_PAUSED,
			fmt.Sprintf("run %s is not budget-paused (status %s)", runID, run.Status))
	}
	if err := g.runs.UpdateStatus(ctx, runID, types.RunStatusRunning, ""); err != nil {
		return err
	}
	if err := g.eventsDAO.ResolveAll(ctx, runID); err != nil {
		return err
	}
	if err := g.recordEvent(ctx, run, percentUsed(run.BudgetSpentUSD, run.BudgetTotalUSD),
		"resume", ThresholdPause, g.policy.PausePercent, "resumed_run", nil, nil); err != nil {
		return err
	}
	g.publish(ctx, events.EventBudgetResume, run, nil)
	g.publish(ctx, events.EventRunResumed, run, nil)
	g.logger.Info("budget pause lifted", "run_id", runID, "tenant_id", run.TenantID)
	return nil
}

func (g *DefaultGuard) fireWarn(ctx context.Context, run *database.Run, percent float64) error {
	_, fired, err := g.claimEvent(ctx, run, percent, "warn", ThresholdWarn,
		g.policy.WarnPercent, ActionLogged, nil)
	if err != nil || !fired {
		return err
	}
	g.publish(ctx, events.EventBudgetWarn, run, map[string]interface{}{
		"percent_used": percent,
	})
	g.logger.Warn("budget warn threshold crossed",
		"run_id", run.ID, "tenant_id", run.TenantID,
		"spent_usd", run.BudgetSpentUSD, "total_usd", run.BudgetTotalUSD,
		"percent_used", percent)
	return nil
}

func (g *DefaultGuard) fireThrottle(ctx context.Context, run *database.Run, percent float64) error {
	classes := make([]string, 0, len(g.policy.ThrottleClasses))
	for _, c := range g.policy.ThrottleClasses {
		classes = append(classes, c.String())
	}
	ev, fired, err := g.claimEvent(ctx, run, percent, "throttle", ThresholdThrottle,
		g.policy.ThrottlePercent, ActionPreemptedTasks, classes)
	if err != nil || !fired {
		return err
	}

	var preempted []types.ID
	if g.preempter != nil {
		preempted, err = g.preempter.PreemptForBudget(ctx, run.ID,
			g.policy.ThrottleClasses, g.policy.MaxPreemptPerThrottle,
			fmt.Sprintf("budget throttle at %.1f%% spent", percent))
		if err != nil {
			return fmt.Errorf("budget throttle preemption failed: %w", err)
		}
	}

	taskIDs := make([]string, 0, len(preempted))
	for _, id := range preempted {
		taskIDs = append(taskIDs, id.String())
	}
	if err := g.eventsDAO.SetTasksAffected(ctx, ev.ID, taskIDs); err != nil {
		return err
	}

	g.publish(ctx, events.EventBudgetThrottle, run, map[string]interface{}{
		"percent_used":    percent,
		"tasks_preempted": taskIDs,
	})
	for _, id := range preempted {
		ev := events.Event{
			Type:     events.EventPreemptForBudget,
			RunID:    run.ID,
			TenantID: run.TenantID,
			TaskID:   id,
			Data:     map[string]interface{}{"percent_used": percent},
		}
		if g.bus != nil {
			_ = g.bus.Publish(ctx, ev)
		}
	}
	g.logger.Warn("budget throttle threshold crossed",
		"run_id", run.ID, "tenant_id", run.TenantID,
		"percent_used", percent, "tasks_preempted", len(preempted))
	return nil
}

func (g *DefaultGuard) firePause(ctx context.Context, run *database.Run, percent float64) error {
	_, fired, err := g.claimEvent(ctx, run, percent, "pause", ThresholdPause,
		g.policy.PausePercent, ActionPausedRun, nil)
	if err != nil || !fired {
		return err
	}
	if err := g.runs.UpdateStatus(ctx, run.ID, types.RunStatusPaused, types.PausedReasonBudgetExceeded); err != nil {
		return err
	}
	g.publish(ctx, events.EventBudgetPause, run, map[string]interface{}{
		"percent_used": percent,
	})
	g.publish(ctx, events.EventRunPaused, run, map[string]interface{}{
		"paused_reason": types.PausedReasonBudgetExceeded,
	})
	g.logger.Error("budget pause threshold crossed, run paused",
		"run_id", run.ID, "tenant_id", run.TenantID,
		"spent_usd", run.BudgetSpentUSD, "total_usd", run.BudgetTotalUSD,
		"percent_used", percent)
	return nil
}

func buildEvent(run *database.Run, percent float64, eventType string,
	threshold ThresholdType, thresholdPercent float64,
	action string, tasks, classes []string) *BudgetEvent {
	return &BudgetEvent{
		RunID:                    run.ID,
		TenantID:                 run.TenantID,
		BudgetTotal:              run.BudgetTotalUSD,
		BudgetSpent:              run.BudgetSpentUSD,
		BudgetRemaining:          run.BudgetTotalUSD - run.BudgetSpentUSD,
		PercentUsed:              percent,
		EventType:                eventType,
		ThresholdType:            threshold,
		ThresholdPercent:         thresholdPercent,
		ActionTaken:              action,
		TasksAffected:            tasks,
		PriorityClassesPreempted: classes,
	}
}

func (g *DefaultGuard) recordEvent(ctx context.Context, run *database.Run, percent float64,
	eventType string, threshold ThresholdType, thresholdPercent float64,
	action string, tasks, classes []string) error {
	return g.eventsDAO.Record(ctx, buildEvent(run, percent, eventType, threshold,
		thresholdPercent, action, tasks, classes))
}

// claimEvent records the threshold event unless an unresolved one already
// exists for the run; the insert doubles as the single-fire claim.
func (g *DefaultGuard) claimEvent(ctx context.Context, run *database.Run, percent float64,
	eventType string, threshold ThresholdType, thresholdPercent float64,
	action string, classes []string) (*BudgetEvent, bool, error) {
	ev := buildEvent(run, percent, eventType, threshold, thresholdPercent, action, nil, classes)
	fired, err := g.eventsDAO.RecordOnce(ctx, ev)
	return ev, fired, err
}

func (g *DefaultGuard) publish(ctx context.Context, eventType events.EventType, run *database.Run, data map[string]interface{}) {
	if g.bus == nil {
		return
	}
	_ = g.bus.Publish(ctx, events.Event{
		Type:     eventType,
		RunID:    run.ID,
		TenantID: run.TenantID,
		Data:     data,
	})
}

func percentUsed(spent, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return spent / total * 100
}

// Ensure DefaultGuard implements Guard at compile time.
var _ Guard = (*DefaultGuard)(nil)
