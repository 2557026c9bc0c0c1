// Package eventstore defines the port interface for the append-only event log.
package eventstore

import (
	"context"

	"github.com/planloom/planloom/internal/domain/event"
)

// Page is a cursor-paginated page of events.
type Page struct {
	Events  []event.Event `json:"events"`
	Cursor  string        `json:"cursor"`
	HasMore bool          `json:"has_more"`
}

// Store is the port interface for appending and loading session events.
type Store interface {
	// Append persists a new event. Seq is assigned by the store,
	// monotonically increasing per session.
	Append(ctx context.Context, ev *event.Event) error

	// LoadBySession returns a cursor-paginated page of the session's events
	// in Seq order. An empty cursor starts from the beginning.
	LoadBySession(ctx context.Context, sessionID string, cursor string, limit int) (*Page, error)
}
