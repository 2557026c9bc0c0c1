// Package broadcast defines the port for streaming session events to
// connected observers.
package broadcast

import "context"

// Broadcaster delivers a typed event to every observer of the given session.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, sessionID, eventType string, payload any)
}
