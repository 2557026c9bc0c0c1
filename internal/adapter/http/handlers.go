// Package http exposes the session lifecycle over a REST API. Handlers
// delegate to the session service and translate domain errors into HTTP
// statuses; they hold no state of their own.
package http

import (
	"log/slog"
	"net/http"

	"github.com/planloom/planloom/internal/adapter/litellm"
	"github.com/planloom/planloom/internal/service"
)

const defaultMaxRequestBodySize = 1 << 20 // 1 MB

// Limits bounds request handling.
type Limits struct {
	MaxRequestBodySize int64
}

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Sessions *service.SessionService
	LiteLLM  *litellm.Client
	Version  string
	Limits   Limits
}

func (h *Handlers) bodyLimit() int64 {
	if h.Limits.MaxRequestBodySize > 0 {
		return h.Limits.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

// APIVersion handles GET /api/v1/
func (h *Handlers) APIVersion(w http.ResponseWriter, _ *http.Request) {
	v := h.Version
	if v == "" {
		v = "dev"
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": v})
}

// LLMHealth handles GET /api/v1/llm/health
func (h *Handlers) LLMHealth(w http.ResponseWriter, r *http.Request) {
	if h.LiteLLM == nil {
		writeError(w, http.StatusServiceUnavailable, "LLM gateway not configured")
		return
	}
	healthy, err := h.LiteLLM.Health(r.Context())
	status := "healthy"
	if !healthy || err != nil {
		if err != nil {
			slog.Warn("llm gateway health check failed", "error", err)
		}
		status = "unhealthy"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status})
}
