package events

import (
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// EventType identifies the kind of event flowing through the bus.
type EventType string

// Task lifecycle events, published by the scheduler and worker pool.
const (
	EventTaskQueued    EventType = "task.queued"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskPreempted EventType = "task.preempted"
)

// Governance events, published by the budget guard and quota enforcer.
const (
	EventBudgetWarn       EventType = "budget.warn"
	EventBudgetThrottle   EventType = "budget.throttle"
	EventBudgetPause      EventType = "budget.pause"
	EventBudgetResume     EventType = "budget.resume"
	EventQuotaViolation   EventType = "quota.violation"
	EventPreemptForBudget EventType = "budget.preempt"
)

// Run lifecycle events, published by the orchestrator.
const (
	EventRunPaused   EventType = "run.paused"
	EventRunResumed  EventType = "run.resumed"
	EventRunComplete EventType = "run.completed"
)

// Event is a single observability event. Data carries event-specific
// fields (cost figures, preemption reasons, violation details).
type Event struct {
	Type      EventType              `json:"type"`
	RunID     types.ID               `json:"run_id,omitempty"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	TaskID    types.ID               `json:"task_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Filter selects which events a subscription receives. Zero-value fields
// match everything.
type Filter struct {
	// Types restricts delivery to the listed event types.
	Types []EventType

	// RunID restricts delivery to events for one run.
	RunID types.ID

	// TenantID restricts delivery to events for one tenant.
	TenantID string
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(event Event) bool {
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if event.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.RunID.IsZero() && event.RunID != f.RunID {
		return false
	}
	if f.TenantID != "" && event.TenantID != f.TenantID {
		return false
	}
	return true
}
