package ws

import (
	"context"
	"encoding/json"

	"github.com/planloom/planloom/internal/domain/session"
)

// Event type constants for WebSocket messages.
const (
	EventStepUpdate      = "step_update"
	EventReviewRequired  = "review_required"
	EventSessionComplete = "session_complete"
	EventSessionFailed   = "session_failed"
	EventSessionDeleted  = "session_deleted"
)

// ReviewRequiredPayload is delivered when a session suspends for review.
type ReviewRequiredPayload struct {
	SessionID          string         `json:"session_id"`
	Request            string         `json:"request"`
	Summary            string         `json:"summary"`
	Plan               []session.Step `json:"plan"`
	GeneratedArtifacts []string       `json:"generated_artifacts"`
}

// SessionCompletePayload is delivered once when a session reaches terminal.
type SessionCompletePayload struct {
	SessionID          string   `json:"session_id"`
	FinalSummary       string   `json:"final_summary"`
	GeneratedArtifacts []string `json:"generated_artifacts"`
}

// SessionFailedPayload is delivered when a session aborts with an error.
type SessionFailedPayload struct {
	SessionID string `json:"session_id"`
	Error     string `json:"error"`
}

// SessionDeletedPayload is delivered to subscribers of a session that was
// removed.
type SessionDeletedPayload struct {
	SessionID string `json:"session_id"`
}

// BroadcastEvent marshals a typed event and delivers it to every connection
// following the session. It satisfies the broadcast port.
func (h *Hub) BroadcastEvent(ctx context.Context, sessionID, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("marshal ws event payload", "type", eventType, "error", err)
		return
	}

	h.BroadcastToSession(ctx, sessionID, Message{
		Type:      eventType,
		SessionID: sessionID,
		Payload:   json.RawMessage(data),
	})
}
