package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Run represents a persisted unit of tenant work spanning many tasks and phases.
type Run struct {
	ID             types.ID        `db:"id" json:"id"`
	TenantID       string          `db:"tenant_id" json:"tenant_id"`
	Status         types.RunStatus `db:"status" json:"status"`
	PausedReason   string          `db:"paused_reason" json:"paused_reason,omitempty"`
	BudgetTotalUSD float64         `db:"budget_total_usd" json:"budget_total_usd"`
	BudgetSpentUSD float64         `db:"budget_spent_usd" json:"budget_spent_usd"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// RunDAO provides persistence for runs, including the run-level budget
// counters maintained by the budget guard.
type RunDAO struct {
	db *DB
}

// NewRunDAO creates a new RunDAO backed by the given database.
func NewRunDAO(db *DB) *RunDAO {
	return &RunDAO{db: db}
}

// Create persists a new run. The ID is generated if not provided.
func (d *RunDAO) Create(ctx context.Context, run *Run) error {
	if run.ID.IsZero() {
		run.ID = types.NewID()
	}
	if run.Status == "" {
		run.Status = types.RunStatusCreated
	}
	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, status, paused_reason, budget_total_usd, budget_spent_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.Status, nullableString(run.PausedReason),
		run.BudgetTotalUSD, run.BudgetSpentUSD, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// Get retrieves a run by ID.
func (d *RunDAO) Get(ctx context.Context, id types.ID) (*Run, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, status, paused_reason, budget_total_usd, budget_spent_usd, created_at, updated_at
		FROM runs WHERE id = ?`, id)

	var run Run
	var pausedReason sql.NullString
	err := row.Scan(&run.ID, &run.TenantID, &run.Status, &pausedReason,
		&run.BudgetTotalUSD, &run.BudgetSpentUSD, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	run.PausedReason = pausedReason.String
	return &run, nil
}

// UpdateStatus transitions a run's status. The paused reason is cleared
// unless the new status is paused.
func (d *RunDAO) UpdateStatus(ctx context.Context, id types.ID, status types.RunStatus, pausedReason string) error {
	if status != types.RunStatusPaused {
		pausedReason = ""
	}
	res, err := d.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, paused_reason = ?, updated_at = ? WHERE id = ?",
		status, nullableString(pausedReason), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}
	return nil
}

// CountActiveByTenant returns the number of runs counting against the
// tenant's concurrent-run quota.
func (d *RunDAO) CountActiveByTenant(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM runs WHERE tenant_id = ? AND status IN ('created', 'running', 'paused')",
		tenantID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active runs: %w", err)
	}
	return count, nil
}

// SetBudget sets the total budget for a run.
func (d *RunDAO) SetBudget(ctx context.Context, id types.ID, totalUSD float64) error {
	res, err := d.db.ExecContext(ctx,
		"UPDATE runs SET budget_total_usd = ?, updated_at = ? WHERE id = ?",
		totalUSD, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set budget: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
	}
	return nil
}

// AddSpend atomically increments the run's spent counter and returns the
// updated totals. The runs row is the ledger of record for run spend;
// callers must not keep independent in-memory totals.
func (d *RunDAO) AddSpend(ctx context.Context, id types.ID, costUSD float64) (total, spent float64, err error) {
	err = d.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, txErr := tx.ExecContext(ctx,
			"UPDATE runs SET budget_spent_usd = budget_spent_usd + ?, updated_at = ? WHERE id = ?",
			costUSD, time.Now().UTC(), id)
		if txErr != nil {
			return fmt.Errorf("failed to record spend: %w", txErr)
		}
		affected, txErr := res.RowsAffected()
		if txErr != nil {
			return txErr
		}
		if affected == 0 {
			return types.NewError(types.RUN_NOT_FOUND, fmt.Sprintf("run %s not found", id))
		}
		return tx.QueryRowContext(ctx,
			"SELECT budget_total_usd, budget_spent_usd FROM runs WHERE id = ?", id).
			Scan(&total, &spent)
	})
	return total, spent, err
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
