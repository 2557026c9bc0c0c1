// Package checkpointstore defines the port interface for durable session
// checkpoints.
package checkpointstore

import (
	"context"

	"github.com/planloom/planloom/internal/domain/checkpoint"
)

// Store persists full session-state snapshots keyed by session id. Access is
// isolated per key: concurrent sessions never contend on each other's rows.
type Store interface {
	// Save durably persists the snapshot. Callers must not report a
	// suspension until Save has returned nil.
	Save(ctx context.Context, cp *checkpoint.Checkpoint) error

	// Load returns the latest snapshot, or domain.ErrNotFound.
	Load(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error)

	// Exists reports whether a snapshot is stored for the session.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Delete removes the snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, sessionID string) error
}
