package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flightdeck-ai/flightdeck/internal/types"
)

// Manager manages the lifecycle of task checkpoints for crash-safe and
// preemption-safe resumability. A restarting task asks for its latest
// checkpoint and reconstructs in-memory state from the payload, skipping
// sub-steps recorded as complete. Integrity is protected by a SHA-256
// checksum computed at save time and validated on every read.
type Manager interface {
	// SaveCheckpoint appends a named checkpoint for (run, phase).
	// The token identifies the resumable milestone within the task.
	SaveCheckpoint(ctx context.Context, runID types.ID, phase, token string, payload json.RawMessage) (*Checkpoint, error)

	// LatestCheckpoint returns the most recent checkpoint for the run,
	// optionally narrowed to a phase. Returns nil if none exists.
	// The checkpoint's integrity is validated before it is returned.
	LatestCheckpoint(ctx context.Context, runID types.ID, phase string) (*Checkpoint, error)

	// ResumeFromCheckpoint loads a specific checkpoint by ID, validating
	// integrity. Returns an error if the checkpoint does not exist or is
	// corrupt.
	ResumeFromCheckpoint(ctx context.Context, id types.ID) (*Checkpoint, error)

	// CleanupExpired removes superseded checkpoints older than the
	// retention window, returning the count removed. The latest
	// checkpoint per (run, phase) is always retained.
	CleanupExpired(ctx context.Context) (int, error)
}

// DefaultManager implements Manager using a checkpoint Store.
type DefaultManager struct {
	store     Store
	retention time.Duration
	logger    *slog.Logger
}

// NewManager creates a checkpoint manager. Retention governs how long
// superseded checkpoints are kept before CleanupExpired removes them.
func NewManager(store Store, retention time.Duration, logger *slog.Logger) *DefaultManager {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultManager{
		store:     store,
		retention: retention,
		logger:    logger.With("component", "checkpoint"),
	}
}

// SaveCheckpoint appends a checkpoint with an integrity checksum.
func (m *DefaultManager) SaveCheckpoint(ctx context.Context, runID types.ID, phase, token string, payload json.RawMessage) (*Checkpoint, error) {
	if runID.IsZero() {
		return nil, fmt.Errorf("run ID cannot be empty")
	}
	if token == "" {
		return nil, fmt.Errorf("checkpoint token cannot be empty")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	cp := &Checkpoint{
		ID:      types.NewID(),
		RunID:   runID,
		Phase:   phase,
		Token:   token,
		Payload: payload,
		SavedAt: time.Now().UTC(),
	}
	cp.Checksum = computeChecksum(cp)

	if err := m.store.Save(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}

	m.logger.Debug("checkpoint saved",
		"run_id", runID, "phase", phase, "token", token, "checkpoint_id", cp.ID)
	return cp, nil
}

// LatestCheckpoint returns the authoritative resume point for (run, phase).
func (m *DefaultManager) LatestCheckpoint(ctx context.Context, runID types.ID, phase string) (*Checkpoint, error) {
	cp, err := m.store.Latest(ctx, runID, phase)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if cp == nil {
		return nil, nil
	}
	if err := validateChecksum(cp); err != nil {
		return nil, types.WrapError(types.CHECKPOINT_CORRUPT,
			fmt.Sprintf("checkpoint %s failed integrity validation", cp.ID), err)
	}
	return cp, nil
}

// ResumeFromCheckpoint loads and validates a specific checkpoint.
func (m *DefaultManager) ResumeFromCheckpoint(ctx context.Context, id types.ID) (*Checkpoint, error) {
	cp, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	if err := validateChecksum(cp); err != nil {
		return nil, types.WrapError(types.CHECKPOINT_CORRUPT,
			fmt.Sprintf("checkpoint %s failed integrity validation", cp.ID), err)
	}
	return cp, nil
}

// CleanupExpired removes superseded checkpoints past the retention window.
func (m *DefaultManager) CleanupExpired(ctx context.Context) (int, error) {
	count, err := m.store.DeleteSuperseded(ctx, time.Now().UTC().Add(-m.retention))
	if err != nil {
		return 0, err
	}
	if count > 0 {
		m.logger.Info("cleaned up expired checkpoints", "count", count)
	}
	return count, nil
}

// computeChecksum computes a SHA-256 checksum over the identifying fields
// and payload. JSON serialization gives a stable byte representation.
func computeChecksum(cp *Checkpoint) string {
	data, err := json.Marshal(struct {
		RunID   types.ID
		Phase   string
		Token   string
		Payload json.RawMessage
	}{cp.RunID, cp.Phase, cp.Token, cp.Payload})
	if err != nil {
		// Marshalling the raw fields above cannot fail in practice.
		return ""
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// validateChecksum recomputes the checksum and compares it to the stored one.
func validateChecksum(cp *Checkpoint) error {
	if cp.Checksum == "" {
		return fmt.Errorf("checkpoint has no checksum")
	}
	computed := computeChecksum(cp)
	if computed != cp.Checksum {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", cp.Checksum, computed)
	}
	return nil
}

// Ensure DefaultManager implements Manager at compile time.
var _ Manager = (*DefaultManager)(nil)
