// Package registry defines the executor registry boundary: the externally
// supplied agent and tool implementations the worker pool invokes. The
// registry is an explicitly constructed instance injected at startup;
// there is no process-wide registration side channel.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/flightdeck-ai/flightdeck/internal/checkpoint"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// SaveCheckpointFunc persists a named resume-point from inside a running
// executor. Executors call it as they pass milestones so a preempted or
// crashed task loses no more than the work since its last checkpoint.
type SaveCheckpointFunc func(ctx context.Context, token string, payload json.RawMessage) error

// ExecutionContext carries the task's identity and checkpoint facilities
// into an executor invocation.
type ExecutionContext struct {
	RunID   types.ID
	Phase   string
	TaskID  types.ID
	TraceID string

	// Resume is the latest checkpoint for (run, phase), or nil on a
	// fresh start. Executors skip sub-steps the checkpoint records as
	// complete.
	Resume *checkpoint.Checkpoint

	// SaveCheckpoint persists a milestone for later resume.
	SaveCheckpoint SaveCheckpointFunc
}

// Result is the outcome of an executor invocation. CostUSD and TokensUsed
// feed the budget guard and quota enforcer through the orchestrator; they
// must reflect all cost the invocation incurred.
type Result struct {
	Output     json.RawMessage `json:"output,omitempty"`
	CostUSD    float64         `json:"cost_usd"`
	TokensUsed int             `json:"tokens_used"`
}

// Executor is a single agent or tool implementation. Executions may be
// long-running; implementations must honor context cancellation, which is
// how cooperative preemption reaches in-flight work.
type Executor func(ctx context.Context, input json.RawMessage, exec ExecutionContext) (Result, error)

// ExecutorRegistry resolves task targets to executors.
type ExecutorRegistry interface {
	// ExecuteAgent invokes the named agent executor.
	ExecuteAgent(ctx context.Context, target string, input json.RawMessage, exec ExecutionContext) (Result, error)

	// ExecuteTool invokes the named tool executor.
	ExecuteTool(ctx context.Context, target string, input json.RawMessage, exec ExecutionContext) (Result, error)

	// HasTarget reports whether the registry can resolve the target for
	// the given kind. The scheduler uses this to fail fast on unknown
	// targets at admission time rather than at execution time.
	HasTarget(kind types.TargetKind, target string) bool
}

// InMemoryRegistry is an ExecutorRegistry populated at composition time.
type InMemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]Executor
	tools  map[string]Executor
}

// NewInMemoryRegistry creates an empty registry.
func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		agents: make(map[string]Executor),
		tools:  make(map[string]Executor),
	}
}

// RegisterAgent registers an agent executor under the given name.
func (r *InMemoryRegistry) RegisterAgent(name string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[name] = executor
}

// RegisterTool registers a tool executor under the given name.
func (r *InMemoryRegistry) RegisterTool(name string, executor Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = executor
}

// ExecuteAgent invokes the named agent executor.
func (r *InMemoryRegistry) ExecuteAgent(ctx context.Context, target string, input json.RawMessage, exec ExecutionContext) (Result, error) {
	r.mu.RLock()
	executor, ok := r.agents[target]
	r.mu.RUnlock()
	if !ok {
		return Result{}, types.NewError(types.EXECUTOR_NOT_FOUND,
			fmt.Sprintf("no agent executor registered for target %q", target))
	}
	return executor(ctx, input, exec)
}

// ExecuteTool invokes the named tool executor.
func (r *InMemoryRegistry) ExecuteTool(ctx context.Context, target string, input json.RawMessage, exec ExecutionContext) (Result, error) {
	r.mu.RLock()
	executor, ok := r.tools[target]
	r.mu.RUnlock()
	if !ok {
		return Result{}, types.NewError(types.EXECUTOR_NOT_FOUND,
			fmt.Sprintf("no tool executor registered for target %q", target))
	}
	return executor(ctx, input, exec)
}

// HasTarget reports whether a target is registered for the kind.
func (r *InMemoryRegistry) HasTarget(kind types.TargetKind, target string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case types.TargetKindAgent:
		_, ok := r.agents[target]
		return ok
	case types.TargetKindTool:
		_, ok := r.tools[target]
		return ok
	}
	return false
}

// Ensure InMemoryRegistry implements ExecutorRegistry at compile time.
var _ ExecutorRegistry = (*InMemoryRegistry)(nil)
