package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		// Version
		r.Get("/", h.APIVersion)

		// Sessions
		r.Post("/sessions", h.StartSession)
		r.Get("/sessions", h.ListSessions)
		r.Get("/sessions/{id}", h.GetSession)
		r.Delete("/sessions/{id}", h.DeleteSession)
		r.Post("/sessions/{id}/feedback", h.SubmitFeedback)
		r.Get("/sessions/{id}/events", h.ListSessionEvents)

		// LLM gateway probe
		r.Get("/llm/health", h.LLMHealth)
	})
}
