// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/planloom/planloom/internal/domain/session"
)

// Store is the port interface for session bookkeeping rows. Full state
// snapshots live in the checkpoint store; these rows back the listing and
// inspection surfaces.
type Store interface {
	CreateSession(ctx context.Context, st *session.State) error
	UpdateSession(ctx context.Context, st *session.State) error
	GetSession(ctx context.Context, id string) (*session.Summary, error)
	ListSessions(ctx context.Context, limit, offset int) ([]session.Summary, error)
	DeleteSession(ctx context.Context, id string) error
}
