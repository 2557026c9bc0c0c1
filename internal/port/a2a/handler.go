package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/session"
)

// skillExecuteTask is the only skill the agent card advertises.
const skillExecuteTask = "execute-task"

// Sessions is the slice of the session service the task bridge drives.
type Sessions interface {
	Start(ctx context.Context, req session.StartRequest) (*session.State, error)
	Get(ctx context.Context, id string) (*session.State, error)
}

// Handler serves the A2A protocol endpoints. Tasks are not stored here;
// every task is a session, and task status is derived from session state
// on each read.
type Handler struct {
	baseURL  string
	version  string
	sessions Sessions
}

// NewHandler creates an A2A handler bridged to the given session surface.
func NewHandler(baseURL, version string, sessions Sessions) *Handler {
	return &Handler{
		baseURL:  baseURL,
		version:  version,
		sessions: sessions,
	}
}

// MountRoutes registers A2A routes on the given chi router.
// These are mounted at the root level, not under /api/v1.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/agent.json", h.handleAgentCard)
	r.Post("/a2a/tasks", h.handleCreateTask)
	r.Get("/a2a/tasks/{id}", h.handleGetTask)
}

func (h *Handler) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	card := BuildAgentCard(h.baseURL, h.version)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(card)
}

func (h *Handler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req TaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Skill != "" && req.Skill != skillExecuteTask {
		http.Error(w, `{"error":"unknown skill"}`, http.StatusBadRequest)
		return
	}

	start, err := startRequestFromTask(&req)
	if err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}

	st, err := h.sessions.Start(r.Context(), start)
	if err != nil {
		if errors.Is(err, domain.ErrValidation) {
			http.Error(w, `{"error":"invalid task input"}`, http.StatusBadRequest)
			return
		}
		slog.Error("a2a task start", "error", err)
		http.Error(w, `{"error":"task creation failed"}`, http.StatusInternalServerError)
		return
	}

	slog.Info("a2a task created", "id", st.SessionID, "skill", req.Skill)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(taskResponse(st))
}

func (h *Handler) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	st, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, `{"error":"task not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("a2a task lookup", "id", id, "error", err)
		http.Error(w, `{"error":"task lookup failed"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(taskResponse(st))
}

// startRequestFromTask maps the flexible A2A input payload onto a session
// start request.
func startRequestFromTask(req *TaskRequest) (session.StartRequest, error) {
	text, _ := req.Input["request"].(string)
	if strings.TrimSpace(text) == "" {
		return session.StartRequest{}, errors.New("input.request is required")
	}
	start := session.StartRequest{Request: text}
	if root, ok := req.Input["working_root"].(string); ok {
		start.WorkingRoot = root
	}
	if skip, ok := req.Input["skip_review"].(bool); ok {
		start.SkipReview = skip
	}
	return start, nil
}

// taskResponse derives the A2A view of a session. A suspended session maps
// to "input-required" so the caller knows feedback is expected.
func taskResponse(st *session.State) TaskResponse {
	resp := TaskResponse{ID: st.SessionID, Status: taskStatus(st.Status)}
	switch st.Status {
	case session.StatusDone:
		resp.Output = map[string]any{
			"final_summary": st.FinalSummary,
			"artifacts":     st.GeneratedArtifacts,
		}
	case session.StatusSuspended:
		resp.Output = map[string]any{
			"needs_review": st.NeedsReview,
			"step_index":   st.StepIndex,
			"plan_size":    len(st.Plan),
		}
	case session.StatusFailed:
		resp.Error = "session failed"
		if st.LastDiagnostic != "" {
			resp.Output = map[string]any{"last_diagnostic": st.LastDiagnostic}
		}
	case session.StatusRunning:
	}
	return resp
}

func taskStatus(s session.Status) string {
	switch s {
	case session.StatusRunning:
		return "running"
	case session.StatusSuspended:
		return "input-required"
	case session.StatusDone:
		return "completed"
	case session.StatusFailed:
		return "failed"
	default:
		return string(s)
	}
}
