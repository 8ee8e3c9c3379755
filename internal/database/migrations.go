package database

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sort"
	"time"
)

//go:embed schema.sql
var initialSchema string

// Migrator handles database schema migrations
type Migrator interface {
	// Migrate applies all pending migrations
	Migrate(ctx context.Context) error

	// CurrentVersion returns the current schema version
	CurrentVersion(ctx context.Context) (int, error)

	// Rollback rolls back to a target version
	Rollback(ctx context.Context, targetVersion int) error

	// GetAppliedMigrations returns a list of all applied migrations
	GetAppliedMigrations(ctx context.Context) ([]MigrationInfo, error)
}

// MigrationInfo describes an applied migration
type MigrationInfo struct {
	Version   int
	Name      string
	AppliedAt time.Time
}

// migration represents a single database migration
type migration struct {
	version int
	name    string
	up      string
	down    string
}

// migrator implements the Migrator interface
type migrator struct {
	db         *DB
	migrations []migration
}

// NewMigrator creates a new database migrator
func NewMigrator(db *DB) Migrator {
	return &migrator{
		db:         db,
		migrations: getMigrations(),
	}
}

// getMigrations returns all available migrations in order
func getMigrations() []migration {
	migrations := []migration{
		{
			version: 1,
			name:    "initial_schema",
			up:      initialSchema,
			down:    getDownMigration1(),
		},
		{
			version: 2,
			name:    "budget_guard",
			up:      getBudgetGuardSchema(),
			down:    getDownMigration2(),
		},
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations
}

// Migrate applies all pending migrations in version order.
// Each migration runs in its own transaction together with the
// schema_migrations bookkeeping row.
func (m *migrator) Migrate(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}

	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for _, mig := range m.migrations {
		if mig.version <= current {
			continue
		}

		err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.up); err != nil {
				return fmt.Errorf("migration %d (%s) failed: %w", mig.version, mig.name, err)
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)",
				mig.version, mig.name, time.Now().UTC(),
			)
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// CurrentVersion returns the highest applied migration version, or 0 if
// no migrations have been applied.
func (m *migrator) CurrentVersion(ctx context.Context) (int, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return 0, err
	}

	var version sql.NullInt64
	err := m.db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	if !version.Valid {
		return 0, nil
	}
	return int(version.Int64), nil
}

// Rollback reverts migrations down to (but not including) targetVersion.
func (m *migrator) Rollback(ctx context.Context, targetVersion int) error {
	current, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if targetVersion >= current {
		return nil
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		mig := m.migrations[i]
		if mig.version > current || mig.version <= targetVersion {
			continue
		}

		err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, mig.down); err != nil {
				return fmt.Errorf("rollback of migration %d (%s) failed: %w", mig.version, mig.name, err)
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", mig.version)
			return err
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// GetAppliedMigrations returns all applied migrations ordered by version.
func (m *migrator) GetAppliedMigrations(ctx context.Context) ([]MigrationInfo, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT version, name, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to query migrations: %w", err)
	}
	defer rows.Close()

	var infos []MigrationInfo
	for rows.Next() {
		var info MigrationInfo
		if err := rows.Scan(&info.Version, &info.Name, &info.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (m *migrator) ensureMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at TIMESTAMP NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

// getBudgetGuardSchema adds run-level budget tracking and the budget_events
// audit table.
func getBudgetGuardSchema() string {
	return `
ALTER TABLE runs ADD COLUMN budget_total_usd REAL NOT NULL DEFAULT 0;
ALTER TABLE runs ADD COLUMN budget_spent_usd REAL NOT NULL DEFAULT 0;

CREATE TABLE IF NOT EXISTS budget_events (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    budget_total REAL NOT NULL,
    budget_spent REAL NOT NULL,
    budget_remaining REAL NOT NULL,
    percent_used REAL NOT NULL,
    event_type TEXT NOT NULL,
    threshold_type TEXT NOT NULL,
    threshold_percent REAL NOT NULL,
    action_taken TEXT NOT NULL,
    tasks_affected TEXT NOT NULL DEFAULT '[]',
    priority_classes_preempted TEXT NOT NULL DEFAULT '[]',
    triggered_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    resolved_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_budget_events_run ON budget_events(run_id, threshold_type);
`
}

func getDownMigration1() string {
	return `
DROP TABLE IF EXISTS queue_deliveries;
DROP TABLE IF EXISTS queue_dedup;
DROP TABLE IF EXISTS queue_messages;
DROP TABLE IF EXISTS quota_violations;
DROP TABLE IF EXISTS tenant_usage;
DROP TABLE IF EXISTS tenant_quotas;
DROP TABLE IF EXISTS checkpoints;
DROP TABLE IF EXISTS tasks;
DROP TABLE IF EXISTS runs;
`
}

func getDownMigration2() string {
	return `
DROP TABLE IF EXISTS budget_events;
ALTER TABLE runs DROP COLUMN budget_spent_usd;
ALTER TABLE runs DROP COLUMN budget_total_usd;
`
}
