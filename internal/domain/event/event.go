// Package event defines the session lifecycle events recorded to the event
// log and relayed to stream observers.
package event

import (
	"encoding/json"
	"time"
)

// Type identifies the kind of session event.
type Type string

const (
	TypeSessionCreated   Type = "session.created"
	TypePlanCreated      Type = "session.plan_created"
	TypeStepDispatched   Type = "session.step_dispatched"
	TypeWorkerCompleted  Type = "session.worker_completed"
	TypeReviewRequested  Type = "session.review_requested"
	TypeFeedbackReceived Type = "session.feedback_received"
	TypeSessionCompleted Type = "session.completed"
	TypeSessionFailed    Type = "session.failed"
	TypeSessionDeleted   Type = "session.deleted"
)

// Event is a single immutable entry in a session's execution history.
type Event struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}
