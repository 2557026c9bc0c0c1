package http

import (
	"net/http"

	"github.com/planloom/planloom/internal/domain/event"
	"github.com/planloom/planloom/internal/domain/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// StartSession handles POST /api/v1/sessions
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[session.StartRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}

	st, err := h.Sessions.Start(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "session creation failed")
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// ListSessions handles GET /api/v1/sessions
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.Sessions.List(r.Context(), limit, offset)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSession handles GET /api/v1/sessions/{id}
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	st, err := h.Sessions.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// SubmitFeedback handles POST /api/v1/sessions/{id}/feedback
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")

	req, ok := readJSON[session.FeedbackRequest](w, r, h.bodyLimit())
	if !ok {
		return
	}

	st, err := h.Sessions.SubmitFeedback(r.Context(), id, req)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

// DeleteSession handles DELETE /api/v1/sessions/{id}
func (h *Handlers) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Sessions.Delete(r.Context(), id); err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListSessionEvents handles GET /api/v1/sessions/{id}/events
func (h *Handlers) ListSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	cursor := r.URL.Query().Get("cursor")
	limit := queryInt(r, "limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	} else if limit > maxListLimit {
		limit = maxListLimit
	}

	page, err := h.Sessions.Events(r.Context(), id, cursor, limit)
	if err != nil {
		writeDomainError(w, err, "session not found")
		return
	}
	if page.Events == nil {
		page.Events = []event.Event{}
	}
	writeJSON(w, http.StatusOK, page)
}
