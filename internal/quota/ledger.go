package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Usage is one append-only entry in the tenant usage ledger. Releases are
// recorded as negative amounts; current usage is the sum.
type Usage struct {
	ID           types.ID           `db:"id" json:"id"`
	TenantID     string             `db:"tenant_id" json:"tenant_id"`
	RunID        types.ID           `db:"run_id" json:"run_id"`
	ResourceType types.ResourceType `db:"resource_type" json:"resource_type"`
	Amount       float64            `db:"amount" json:"amount"`
	RecordedAt   time.Time          `db:"recorded_at" json:"recorded_at"`
}

// Violation is an immutable audit record of a rejected admission.
type Violation struct {
	ID              types.ID           `db:"id" json:"id"`
	TenantID        string             `db:"tenant_id" json:"tenant_id"`
	RunID           types.ID           `db:"run_id" json:"run_id,omitempty"`
	ResourceType    types.ResourceType `db:"resource_type" json:"resource_type"`
	RequestedAmount float64            `db:"requested_amount" json:"requested_amount"`
	LimitAmount     float64            `db:"limit_amount" json:"limit_amount"`
	OccurredAt      time.Time          `db:"occurred_at" json:"occurred_at"`
}

// LedgerDAO persists the usage ledger, violations, and the relational
// mirror of quota definitions that audit dashboards read.
type LedgerDAO struct {
	db *database.DB
}

// NewLedgerDAO creates a LedgerDAO backed by the given database.
func NewLedgerDAO(db *database.DB) *LedgerDAO {
	return &LedgerDAO{db: db}
}

// RecordUsage appends a usage entry outside any admission transaction.
// Use negative amounts to release a prior reservation.
func (d *LedgerDAO) RecordUsage(ctx context.Context, tenantID string, runID types.ID, resource types.ResourceType, amount float64) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT INTO tenant_usage (id, tenant_id, run_id, resource_type, amount, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		types.NewID(), tenantID, runID, resource, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SumUsage returns the summed usage for a tenant and resource recorded at
// or after since. A zero since sums the whole ledger.
func (d *LedgerDAO) SumUsage(ctx context.Context, tenantID string, resource types.ResourceType, since time.Time) (float64, error) {
	var sum float64
	err := d.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM tenant_usage WHERE tenant_id = ? AND resource_type = ? AND recorded_at >= ?",
		tenantID, resource, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return sum, nil
}

// sumUsageTx sums usage inside an admission transaction.
func (d *LedgerDAO) sumUsageTx(ctx context.Context, tx *sql.Tx, tenantID string, resource types.ResourceType, since time.Time) (float64, error) {
	var sum float64
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM tenant_usage WHERE tenant_id = ? AND resource_type = ? AND recorded_at >= ?",
		tenantID, resource, since).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return sum, nil
}

// insertUsageTx appends a usage entry inside an admission transaction.
func (d *LedgerDAO) insertUsageTx(ctx context.Context, tx *sql.Tx, tenantID string, runID types.ID, resource types.ResourceType, amount float64) error {
	_, err := tx.ExecContext(ctx,
		"INSERT INTO tenant_usage (id, tenant_id, run_id, resource_type, amount, recorded_at) VALUES (?, ?, ?, ?, ?, ?)",
		types.NewID(), tenantID, runID, resource, amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to reserve usage: %w", err)
	}
	return nil
}

// ReleaseRun zeroes the run's outstanding compute reservations by
// appending offsetting negative entries. Daily-windowed dimensions are
// consumed, not held, and are left untouched.
func (d *LedgerDAO) ReleaseRun(ctx context.Context, tenantID string, runID types.ID) error {
	rows, err := d.db.QueryContext(ctx, `
		SELECT resource_type, COALESCE(SUM(amount), 0)
		FROM tenant_usage
		WHERE tenant_id = ? AND run_id = ? AND resource_type IN (?, ?, ?, ?)
		GROUP BY resource_type`,
		tenantID, runID,
		types.ResourceCPUCores, types.ResourceMemoryGB,
		types.ResourceStorageGB, types.ResourceGPUs)
	if err != nil {
		return fmt.Errorf("failed to sum run reservations: %w", err)
	}
	defer rows.Close()

	type held struct {
		resource types.ResourceType
		amount   float64
	}
	var outstanding []held
	for rows.Next() {
		var h held
		if err := rows.Scan(&h.resource, &h.amount); err != nil {
			return err
		}
		if h.amount > 0 {
			outstanding = append(outstanding, h)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, h := range outstanding {
		if err := d.RecordUsage(ctx, tenantID, runID, h.resource, -h.amount); err != nil {
			return err
		}
	}
	return nil
}

// RecordViolation appends an immutable violation audit record.
func (d *LedgerDAO) RecordViolation(ctx context.Context, v *Violation) error {
	if v.ID.IsZero() {
		v.ID = types.NewID()
	}
	if v.OccurredAt.IsZero() {
		v.OccurredAt = time.Now().UTC()
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO quota_violations (id, tenant_id, run_id, resource_type, requested_amount, limit_amount, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TenantID, nullableRunID(v.RunID), v.ResourceType,
		v.RequestedAmount, v.LimitAmount, v.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to record violation: %w", err)
	}
	return nil
}

// ListViolations returns the most recent violations for a tenant.
func (d *LedgerDAO) ListViolations(ctx context.Context, tenantID string, limit int) ([]*Violation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, tenant_id, run_id, resource_type, requested_amount, limit_amount, occurred_at
		FROM quota_violations WHERE tenant_id = ?
		ORDER BY occurred_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var out []*Violation
	for rows.Next() {
		var v Violation
		var runID sql.NullString
		if err := rows.Scan(&v.ID, &v.TenantID, &runID, &v.ResourceType,
			&v.RequestedAmount, &v.LimitAmount, &v.OccurredAt); err != nil {
			return nil, err
		}
		v.RunID = types.ID(runID.String)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// MirrorDefinition upserts the quota definition into the tenant_quotas
// table. The etcd definition store is authoritative; the mirror exists so
// audit surfaces can join quotas against usage with plain SQL.
func (d *LedgerDAO) MirrorDefinition(ctx context.Context, q *TenantQuota) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO tenant_quotas (
			tenant_id, max_cpu_cores, max_memory_gb, max_storage_gb,
			max_tokens_per_day, max_cost_per_day_usd, max_gpus,
			max_concurrent_runs, burst_cpu_cores, burst_memory_gb, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			max_cpu_cores = excluded.max_cpu_cores,
			max_memory_gb = excluded.max_memory_gb,
			max_storage_gb = excluded.max_storage_gb,
			max_tokens_per_day = excluded.max_tokens_per_day,
			max_cost_per_day_usd = excluded.max_cost_per_day_usd,
			max_gpus = excluded.max_gpus,
			max_concurrent_runs = excluded.max_concurrent_runs,
			burst_cpu_cores = excluded.burst_cpu_cores,
			burst_memory_gb = excluded.burst_memory_gb,
			updated_at = excluded.updated_at`,
		q.TenantID, q.MaxCPUCores, q.MaxMemoryGB, q.MaxStorageGB,
		q.MaxTokensPerDay, q.MaxCostPerDayUSD, q.MaxGPUs,
		q.MaxConcurrentRuns, q.BurstCPUCores, q.BurstMemoryGB,
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mirror quota definition: %w", err)
	}
	return nil
}

func nullableRunID(id types.ID) interface{} {
	if id.IsZero() {
		return nil
	}
	return id.String()
}
