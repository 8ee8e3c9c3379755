// Package quota enforces per-tenant resource ceilings. Admission is
// transactional check-and-reserve: usage is summed and the reservation
// written in a single database transaction, so two concurrent admissions
// cannot both slip under the same limit.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// ResourceRequest is the set of resources a run or task asks to reserve.
// Zero-valued dimensions are not checked.
type ResourceRequest struct {
	CPUCores  float64 `json:"cpu_cores,omitempty"`
	MemoryGB  float64 `json:"memory_gb,omitempty"`
	StorageGB float64 `json:"storage_gb,omitempty"`
	GPUs      float64 `json:"gpus,omitempty"`
	Tokens    float64 `json:"tokens,omitempty"`
	CostUSD   float64 `json:"cost_usd,omitempty"`
}

func (r ResourceRequest) dimensions() []requestedDimension {
	return []requestedDimension{
		{types.ResourceCPUCores, r.CPUCores},
		{types.ResourceMemoryGB, r.MemoryGB},
		{types.ResourceStorageGB, r.StorageGB},
		{types.ResourceGPUs, r.GPUs},
		{types.ResourceTokensPerDay, r.Tokens},
		{types.ResourceCostPerDayUSD, r.CostUSD},
	}
}

type requestedDimension struct {
	resource types.ResourceType
	amount   float64
}

// RunCounter reports the number of active runs for a tenant. The run DAO
// implements it.
type RunCounter interface {
	CountActiveByTenant(ctx context.Context, tenantID string) (int, error)
}

// Enforcer validates resource requests against tenant quotas and maintains
// the usage ledger.
type Enforcer interface {
	// CheckAdmission checks the request against the tenant's quota and
	// reserves the resources atomically. A tenant with no configured
	// quota is admitted without reservation. Returns a QUOTA_EXCEEDED
	// error when any requested dimension would exceed its ceiling.
	CheckAdmission(ctx context.Context, tenantID string, runID types.ID, req ResourceRequest) error

	// CheckConcurrentRuns checks whether the tenant may start another run.
	CheckConcurrentRuns(ctx context.Context, tenantID string) error

	// ReleaseUsage returns previously reserved resources to the tenant.
	ReleaseUsage(ctx context.Context, tenantID string, runID types.ID, req ResourceRequest) error

	// ReleaseRun returns all compute resources still reserved by a run.
	// Called when a run reaches a terminal state.
	ReleaseRun(ctx context.Context, tenantID string, runID types.ID) error

	// RecordUsage appends consumed usage for daily-windowed dimensions
	// (tokens, cost) after the fact.
	RecordUsage(ctx context.Context, tenantID string, runID types.ID, resource types.ResourceType, amount float64) error

	// Violations returns recent violations for a tenant.
	Violations(ctx context.Context, tenantID string, limit int) ([]*Violation, error)
}

// DefaultEnforcer implements Enforcer over a DefinitionStore and the
// SQLite usage ledger.
type DefaultEnforcer struct {
	db     *database.DB
	defs   DefinitionStore
	ledger *LedgerDAO
	runs   RunCounter
	bus    events.EventBus
	logger *slog.Logger

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]cachedQuota
}

type cachedQuota struct {
	quota     *TenantQuota
	fetchedAt time.Time
}

// EnforcerOption configures a DefaultEnforcer.
type EnforcerOption func(*DefaultEnforcer)

// WithDefinitionCacheTTL sets how long a fetched quota definition may be
// reused before re-reading the definition store. Default 10s.
func WithDefinitionCacheTTL(ttl time.Duration) EnforcerOption {
	return func(e *DefaultEnforcer) {
		if ttl > 0 {
			e.cacheTTL = ttl
		}
	}
}

// NewEnforcer creates a quota enforcer.
func NewEnforcer(db *database.DB, defs DefinitionStore, runs RunCounter, bus events.EventBus, logger *slog.Logger, opts ...EnforcerOption) *DefaultEnforcer {
	if logger == nil {
		logger = slog.Default()
	}
	e := &DefaultEnforcer{
		db:       db,
		defs:     defs,
		ledger:   NewLedgerDAO(db),
		runs:     runs,
		bus:      bus,
		logger:   logger.With("component", "quota_enforcer"),
		cacheTTL: 10 * time.Second,
		cache:    make(map[string]cachedQuota),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAdmission sums current usage and writes the reservation in one
// transaction. On violation the transaction rolls back so no partial
// reservation survives; the violation record is written afterwards on its
// own connection.
func (e *DefaultEnforcer) CheckAdmission(ctx context.Context, tenantID string, runID types.ID, req ResourceRequest) error {
	quota, err := e.quotaFor(ctx, tenantID)
	if err != nil {
		return err
	}
	if quota == nil {
		// No quota configured means no governance for this tenant.
		return nil
	}

	var violation *Violation
	err = e.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, dim := range req.dimensions() {
			if dim.amount <= 0 {
				continue
			}
			limit := quota.Limit(dim.resource)
			if limit <= 0 {
				continue
			}

			used, err := e.ledger.sumUsageTx(ctx, tx, tenantID, dim.resource, windowStart(dim.resource))
			if err != nil {
				return err
			}
			ceiling := limit + quota.Burst(dim.resource)
			if used+dim.amount > ceiling {
				violation = &Violation{
					TenantID:        tenantID,
					RunID:           runID,
					ResourceType:    dim.resource,
					RequestedAmount: dim.amount,
					LimitAmount:     limit,
				}
				return types.NewError(types.QUOTA_EXCEEDED,
					fmt.Sprintf("tenant %s would exceed %s quota: used %.2f + requested %.2f > limit %.2f (burst %.2f)",
						tenantID, dim.resource, used, dim.amount, limit, quota.Burst(dim.resource)))
			}
			if err := e.ledger.insertUsageTx(ctx, tx, tenantID, runID, dim.resource, dim.amount); err != nil {
				return err
			}
		}
		return nil
	})

	if violation != nil {
		e.recordViolation(ctx, violation)
	}
	return err
}

// CheckConcurrentRuns checks the tenant's active run count against its
// concurrent-run ceiling.
func (e *DefaultEnforcer) CheckConcurrentRuns(ctx context.Context, tenantID string) error {
	quota, err := e.quotaFor(ctx, tenantID)
	if err != nil {
		return err
	}
	if quota == nil || quota.MaxConcurrentRuns <= 0 {
		return nil
	}

	active, err := e.runs.CountActiveByTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to count active runs: %w", err)
	}
	if active >= quota.MaxConcurrentRuns {
		e.recordViolation(ctx, &Violation{
			TenantID:        tenantID,
			ResourceType:    types.ResourceConcurrentRuns,
			RequestedAmount: float64(active + 1),
			LimitAmount:     float64(quota.MaxConcurrentRuns),
		})
		return types.NewError(types.QUOTA_EXCEEDED,
			fmt.Sprintf("tenant %s has %d active runs, limit %d", tenantID, active, quota.MaxConcurrentRuns))
	}
	return nil
}

// ReleaseUsage records negative ledger entries for each reserved dimension.
func (e *DefaultEnforcer) ReleaseUsage(ctx context.Context, tenantID string, runID types.ID, req ResourceRequest) error {
	for _, dim := range req.dimensions() {
		if dim.amount <= 0 {
			continue
		}
		// Daily-windowed dimensions are consumed, not held; they are
		// never released.
		if isDailyWindowed(dim.resource) {
			continue
		}
		if err := e.ledger.RecordUsage(ctx, tenantID, runID, dim.resource, -dim.amount); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseRun returns all compute resources the run still holds.
func (e *DefaultEnforcer) ReleaseRun(ctx context.Context, tenantID string, runID types.ID) error {
	return e.ledger.ReleaseRun(ctx, tenantID, runID)
}

// RecordUsage appends consumed usage without an admission check. The
// budget guard and worker pool call this for tokens and cost as results
// come back.
func (e *DefaultEnforcer) RecordUsage(ctx context.Context, tenantID string, runID types.ID, resource types.ResourceType, amount float64) error {
	if amount == 0 {
		return nil
	}
	return e.ledger.RecordUsage(ctx, tenantID, runID, resource, amount)
}

// Violations returns recent violations for a tenant.
func (e *DefaultEnforcer) Violations(ctx context.Context, tenantID string, limit int) ([]*Violation, error) {
	return e.ledger.ListViolations(ctx, tenantID, limit)
}

func (e *DefaultEnforcer) quotaFor(ctx context.Context, tenantID string) (*TenantQuota, error) {
	e.cacheMu.Lock()
	if cached, ok := e.cache[tenantID]; ok && time.Since(cached.fetchedAt) < e.cacheTTL {
		e.cacheMu.Unlock()
		return cached.quota, nil
	}
	e.cacheMu.Unlock()

	quota, err := e.defs.GetDefinition(ctx, tenantID)
	if err != nil {
		return nil, types.WrapRetryableError(types.QUOTA_NOT_CONFIGURED,
			fmt.Sprintf("failed to load quota definition for tenant %s", tenantID), err)
	}

	e.cacheMu.Lock()
	e.cache[tenantID] = cachedQuota{quota: quota, fetchedAt: time.Now()}
	e.cacheMu.Unlock()

	if quota != nil {
		if err := e.ledger.MirrorDefinition(ctx, quota); err != nil {
			e.logger.Warn("failed to mirror quota definition", "tenant_id", tenantID, "error", err)
		}
	}
	return quota, nil
}

// InvalidateCache drops the cached definition for a tenant so the next
// admission re-reads the store. Call after updating a definition.
func (e *DefaultEnforcer) InvalidateCache(tenantID string) {
	e.cacheMu.Lock()
	delete(e.cache, tenantID)
	e.cacheMu.Unlock()
}

func (e *DefaultEnforcer) recordViolation(ctx context.Context, v *Violation) {
	if err := e.ledger.RecordViolation(ctx, v); err != nil {
		e.logger.Error("failed to record quota violation", "tenant_id", v.TenantID, "error", err)
	}
	e.logger.Warn("quota violation",
		"tenant_id", v.TenantID,
		"resource_type", v.ResourceType,
		"requested", v.RequestedAmount,
		"limit", v.LimitAmount)

	if e.bus != nil {
		_ = e.bus.Publish(ctx, events.Event{
			Type:     events.EventQuotaViolation,
			RunID:    v.RunID,
			TenantID: v.TenantID,
			Data: map[string]interface{}{
				"resource_type": string(v.ResourceType),
				"requested":     v.RequestedAmount,
				"limit":         v.LimitAmount,
			},
		})
	}
}

// windowStart returns the ledger window origin for a resource: start of the
// current UTC day for daily dimensions, the epoch otherwise.
func windowStart(resource types.ResourceType) time.Time {
	if isDailyWindowed(resource) {
		now := time.Now().UTC()
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
	return time.Time{}
}

func isDailyWindowed(resource types.ResourceType) bool {
	return resource == types.ResourceTokensPerDay || resource == types.ResourceCostPerDayUSD
}

// Ensure DefaultEnforcer implements Enforcer at compile time.
var _ Enforcer = (*DefaultEnforcer)(nil)
