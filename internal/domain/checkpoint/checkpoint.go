// Package checkpoint defines the durable snapshot envelope for session state.
package checkpoint

import (
	"time"

	"github.com/planloom/planloom/internal/domain/session"
)

// Checkpoint is a point-in-time snapshot of one session's full state,
// sufficient to resume execution exactly. Snapshots are written only at
// well-defined suspension points: before a review suspension, at completion,
// and after a fatal abort — never mid-step.
type Checkpoint struct {
	SessionID string        `json:"session_id"`
	State     session.State `json:"state"`
	Version   int           `json:"version"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FromState builds a checkpoint for the given state, deep-copying so later
// state mutations cannot leak into a saved snapshot.
func FromState(st *session.State) *Checkpoint {
	snap := st.Clone()
	return &Checkpoint{
		SessionID: st.SessionID,
		State:     *snap,
		Version:   st.Version,
		CreatedAt: st.CreatedAt,
		UpdatedAt: time.Now().UTC(),
	}
}
