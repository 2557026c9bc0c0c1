package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/checkpoint"
	"github.com/planloom/planloom/internal/domain/session"
)

// CheckpointStore implements checkpointstore.Store using PostgreSQL. Each
// session owns exactly one row; Save upserts the full state snapshot as JSONB
// and bumps the row version. Rows are keyed by session id, so concurrent
// sessions never touch each other's snapshots.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

// NewCheckpointStore creates a new CheckpointStore backed by the given pool.
func NewCheckpointStore(pool *pgxpool.Pool) *CheckpointStore {
	return &CheckpointStore{pool: pool}
}

// Save upserts the snapshot. It returns only after the row is committed;
// callers rely on that before reporting a suspension.
func (s *CheckpointStore) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`INSERT INTO checkpoints (session_id, state, version)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (session_id) DO UPDATE SET
		   state = EXCLUDED.state,
		   version = checkpoints.version + 1,
		   updated_at = now()
		 RETURNING version, created_at, updated_at`,
		cp.SessionID, stateJSON,
	).Scan(&cp.Version, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, err)
	}
	return nil
}

// Load returns the latest snapshot for the session.
func (s *CheckpointStore) Load(ctx context.Context, sessionID string) (*checkpoint.Checkpoint, error) {
	cp := checkpoint.Checkpoint{SessionID: sessionID}
	var stateJSON []byte

	err := s.pool.QueryRow(ctx,
		`SELECT state, version, created_at, updated_at FROM checkpoints WHERE session_id = $1`,
		sessionID,
	).Scan(&stateJSON, &cp.Version, &cp.CreatedAt, &cp.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}

	var st session.State
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint state %s: %w", sessionID, err)
	}
	cp.State = st
	return &cp, nil
}

// Exists reports whether a snapshot is stored for the session.
func (s *CheckpointStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM checkpoints WHERE session_id = $1)`, sessionID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checkpoint exists %s: %w", sessionID, err)
	}
	return exists, nil
}

// Delete removes the snapshot. Missing rows are not an error.
func (s *CheckpointStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM checkpoints WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	return nil
}
