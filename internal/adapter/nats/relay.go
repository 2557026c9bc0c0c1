package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/port/broadcast"
	"github.com/planloom/planloom/internal/port/messagequeue"
)

// wsEventType is the message type relayed envelopes arrive under. It is
// distinct from the engine's own stream types so subscribers can tell a
// mirrored bus envelope from a local snapshot push.
const wsEventType = "session_event"

// EventRelay forwards session lifecycle envelopes from the bus to the
// WebSocket hub. In a multi-instance deployment it is what lets a client
// follow a session hosted on another instance.
type EventRelay struct {
	queue  messagequeue.Queue
	hub    broadcast.Broadcaster
	logger *slog.Logger
}

// NewEventRelay builds a relay. A nil logger falls back to slog.Default.
func NewEventRelay(queue messagequeue.Queue, hub broadcast.Broadcaster, logger *slog.Logger) *EventRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRelay{queue: queue, hub: hub, logger: logger}
}

// Start subscribes to every session's event subject. The returned stop
// function cancels the subscription.
func (r *EventRelay) Start(ctx context.Context) (func(), error) {
	stop, err := r.queue.Subscribe(ctx, messagequeue.SubjectSessionEvents+".>", r.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe session events: %w", err)
	}
	r.logger.Info("event relay subscribed", "subject", messagequeue.SubjectSessionEvents+".>")
	return stop, nil
}

func (r *EventRelay) handle(ctx context.Context, subject string, data []byte) error {
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("decode envelope on %s: %w", subject, err)
	}
	if ev.SessionID == "" {
		return fmt.Errorf("envelope on %s has no session id", subject)
	}

	r.hub.BroadcastEvent(ctx, ev.SessionID, wsEventType, ev)
	return nil
}
