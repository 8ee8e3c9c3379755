package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Checkpoint is a named snapshot of intermediate task state. Checkpoints
// are append-only: later checkpoints for the same (run, phase) supersede
// earlier ones without deleting them, and the most recent one is
// authoritative for resume.
type Checkpoint struct {
	ID       types.ID        `db:"id" json:"id"`
	RunID    types.ID        `db:"run_id" json:"run_id"`
	Phase    string          `db:"phase" json:"phase"`
	TaskID   types.ID        `db:"task_id" json:"task_id,omitempty"`
	Token    string          `db:"token" json:"token"`
	Payload  json.RawMessage `db:"payload" json:"payload"`
	Checksum string          `db:"checksum" json:"checksum"`
	SavedAt  time.Time       `db:"saved_at" json:"saved_at"`
}

// Store provides persistence for checkpoints.
type Store interface {
	// Save appends a checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Get retrieves a checkpoint by ID. Returns nil if not found.
	Get(ctx context.Context, id types.ID) (*Checkpoint, error)

	// Latest returns the most recent checkpoint for a run, optionally
	// narrowed to one phase (empty phase matches any). Returns nil if
	// none exists.
	Latest(ctx context.Context, runID types.ID, phase string) (*Checkpoint, error)

	// DeleteSuperseded removes checkpoints older than cutoff that are not
	// the latest for their (run, phase) pair, returning the count removed.
	DeleteSuperseded(ctx context.Context, cutoff time.Time) (int, error)
}

// SQLiteStore implements Store on the shared database.
type SQLiteStore struct {
	db *database.DB
}

// NewSQLiteStore creates a checkpoint store backed by the given database.
func NewSQLiteStore(db *database.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Save appends a checkpoint row.
func (s *SQLiteStore) Save(ctx context.Context, cp *Checkpoint) error {
	if cp.ID.IsZero() {
		cp.ID = types.NewID()
	}
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now().UTC()
	}
	if len(cp.Payload) == 0 {
		cp.Payload = json.RawMessage("{}")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, run_id, phase, task_id, token, payload, checksum, saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.Phase, nullableTaskID(cp.TaskID), cp.Token,
		string(cp.Payload), cp.Checksum, cp.SavedAt)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Get retrieves a checkpoint by ID.
func (s *SQLiteStore) Get(ctx context.Context, id types.ID) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+" WHERE id = ?", id)
	return scanCheckpoint(row)
}

// Latest returns the newest checkpoint for (run, phase); empty phase
// matches checkpoints from any phase of the run.
func (s *SQLiteStore) Latest(ctx context.Context, runID types.ID, phase string) (*Checkpoint, error) {
	var row *sql.Row
	if phase == "" {
		row = s.db.QueryRowContext(ctx,
			checkpointSelect+" WHERE run_id = ? ORDER BY saved_at DESC, rowid DESC LIMIT 1", runID)
	} else {
		row = s.db.QueryRowContext(ctx,
			checkpointSelect+" WHERE run_id = ? AND phase = ? ORDER BY saved_at DESC, rowid DESC LIMIT 1",
			runID, phase)
	}
	return scanCheckpoint(row)
}

// DeleteSuperseded removes old checkpoints while always retaining the
// latest per (run, phase) so resume never loses its anchor.
func (s *SQLiteStore) DeleteSuperseded(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints
		WHERE saved_at < ?
			AND rowid NOT IN (
				SELECT MAX(rowid) FROM checkpoints GROUP BY run_id, phase
			)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete superseded checkpoints: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

const checkpointSelect = `
	SELECT id, run_id, phase, task_id, token, payload, checksum, saved_at
	FROM checkpoints`

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var cp Checkpoint
	var taskID sql.NullString
	var payload string
	err := row.Scan(&cp.ID, &cp.RunID, &cp.Phase, &taskID, &cp.Token,
		&payload, &cp.Checksum, &cp.SavedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}
	cp.TaskID = types.ID(taskID.String)
	cp.Payload = json.RawMessage(payload)
	return &cp, nil
}

func nullableTaskID(id types.ID) interface{} {
	if id.IsZero() {
		return nil
	}
	return id.String()
}

// Ensure SQLiteStore implements Store at compile time.
var _ Store = (*SQLiteStore)(nil)
