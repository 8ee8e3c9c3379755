package types

import "fmt"

// TaskStatus represents the lifecycle state of a scheduled task.
type TaskStatus string

const (
	// TaskStatusQueued indicates the task has been admitted and enqueued
	TaskStatusQueued TaskStatus = "queued"
	// TaskStatusRunning indicates a worker is currently executing the task
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusCompleted indicates the task finished successfully
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the executor returned an error
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusPreempted indicates the task was preempted and is eligible for resume
	TaskStatusPreempted TaskStatus = "preempted"
	// TaskStatusCancelled indicates the task was cancelled and will not run again
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is a terminal state.
// Preempted tasks are not terminal; they resume once pressure subsides.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	// RunStatusCreated indicates the run exists but has not started
	RunStatusCreated RunStatus = "created"
	// RunStatusRunning indicates the run is executing phases
	RunStatusRunning RunStatus = "running"
	// RunStatusPaused indicates admission for the run is halted
	RunStatusPaused RunStatus = "paused"
	// RunStatusCompleted indicates all phases finished
	RunStatusCompleted RunStatus = "completed"
	// RunStatusFailed indicates the run ended with failures
	RunStatusFailed RunStatus = "failed"
	// RunStatusCancelled indicates the run was cancelled
	RunStatusCancelled RunStatus = "cancelled"
)

// IsActive reports whether the run counts against the tenant's
// concurrent-run quota.
func (s RunStatus) IsActive() bool {
	return s == RunStatusCreated || s == RunStatusRunning || s == RunStatusPaused
}

// PausedReasonBudgetExceeded is set on a run paused by the budget guard.
const PausedReasonBudgetExceeded = "budget_exceeded"

// PriorityClass ranks task importance for preemption decisions.
// P0 is the highest priority; P3 the lowest.
type PriorityClass int

const (
	PriorityP0 PriorityClass = iota
	PriorityP1
	PriorityP2
	PriorityP3
)

// String returns the canonical "P0".."P3" form.
func (p PriorityClass) String() string {
	return fmt.Sprintf("P%d", int(p))
}

// Valid reports whether the class is one of P0..P3.
func (p PriorityClass) Valid() bool {
	return p >= PriorityP0 && p <= PriorityP3
}

// ParsePriorityClass parses the canonical "P0".."P3" form.
func ParsePriorityClass(s string) (PriorityClass, error) {
	switch s {
	case "P0":
		return PriorityP0, nil
	case "P1":
		return PriorityP1, nil
	case "P2":
		return PriorityP2, nil
	case "P3":
		return PriorityP3, nil
	}
	return 0, fmt.Errorf("invalid priority class %q", s)
}

// ResourceType identifies a quota-governed resource dimension.
type ResourceType string

const (
	ResourceCPUCores       ResourceType = "cpu_cores"
	ResourceMemoryGB       ResourceType = "memory_gb"
	ResourceStorageGB      ResourceType = "storage_gb"
	ResourceTokensPerDay   ResourceType = "tokens_per_day"
	ResourceCostPerDayUSD  ResourceType = "cost_per_day_usd"
	ResourceGPUs           ResourceType = "gpus"
	ResourceConcurrentRuns ResourceType = "concurrent_runs"
)

// TargetKind discriminates the task payload union: a task targets either
// a registered agent or a registered tool. Payloads are validated against
// the kind at the scheduler boundary so malformed inputs fail fast.
type TargetKind string

const (
	// TargetKindAgent routes the task to ExecuteAgent
	TargetKindAgent TargetKind = "agent"
	// TargetKindTool routes the task to ExecuteTool
	TargetKindTool TargetKind = "tool"
)

// Valid reports whether the kind is a known target kind.
func (k TargetKind) Valid() bool {
	return k == TargetKindAgent || k == TargetKindTool
}
