package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/session"
)

type fakeSessions struct {
	states map[string]*session.State
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{states: make(map[string]*session.State)}
}

func (f *fakeSessions) Start(_ context.Context, req session.StartRequest) (*session.State, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	st := session.New(fmt.Sprintf("task-%d", len(f.states)+1), req.Request, req.WorkingRoot, req.SkipReview)
	f.states[st.SessionID] = st
	return st, nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (*session.State, error) {
	st, ok := f.states[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	return st, nil
}

func newTestRouter() (*chi.Mux, *fakeSessions) {
	sessions := newFakeSessions()
	h := NewHandler("http://localhost:8080", "0.1.0", sessions)
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r, sessions
}

func TestAgentCard(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/.well-known/agent.json", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var card AgentCard
	if err := json.NewDecoder(w.Body).Decode(&card); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if card.Name != "PlanLoom" {
		t.Fatalf("expected name PlanLoom, got %s", card.Name)
	}
	if card.Version != "0.1.0" {
		t.Fatalf("expected version 0.1.0, got %s", card.Version)
	}
	if len(card.Skills) != 1 {
		t.Fatalf("expected 1 skill, got %d", len(card.Skills))
	}
	if card.Skills[0].ID != skillExecuteTask {
		t.Fatalf("expected skill %s, got %s", skillExecuteTask, card.Skills[0].ID)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	r, _ := newTestRouter()

	body := `{"skill":"execute-task","input":{"request":"write hello world"}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp TaskResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "running" {
		t.Fatalf("expected running, got %s", resp.Status)
	}
	if resp.ID == "" {
		t.Fatal("expected server-assigned task id")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/a2a/tasks/"+resp.ID, http.NoBody)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	if w2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w2.Code)
	}
	var got TaskResponse
	if err := json.NewDecoder(w2.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != resp.ID {
		t.Fatalf("expected task %s, got %s", resp.ID, got.ID)
	}
}

func TestGetTaskReflectsSessionState(t *testing.T) {
	r, sessions := newTestRouter()

	body := `{"input":{"request":"refactor the cache"}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", w.Code)
	}
	var created TaskResponse
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	st := sessions.states[created.ID]
	st.Status = session.StatusSuspended
	st.NeedsReview = true
	st.Plan = []session.Step{{Kind: session.WorkerWrite, Instruction: "do it"}}

	req2 := httptest.NewRequest(http.MethodGet, "/a2a/tasks/"+created.ID, http.NoBody)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)

	var got TaskResponse
	if err := json.NewDecoder(w2.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "input-required" {
		t.Fatalf("expected input-required, got %s", got.Status)
	}
	if needsReview, _ := got.Output["needs_review"].(bool); !needsReview {
		t.Fatalf("expected needs_review in output, got %v", got.Output)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/a2a/tasks/nonexistent", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateTaskInvalidBody(t *testing.T) {
	r, _ := newTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateTaskMissingRequest(t *testing.T) {
	r, _ := newTestRouter()
	body := `{"skill":"execute-task","input":{}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateTaskUnknownSkill(t *testing.T) {
	r, _ := newTestRouter()
	body := `{"skill":"summon-demons","input":{"request":"do something"}}`
	req := httptest.NewRequest(http.MethodPost, "/a2a/tasks", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestTaskStatusMapping(t *testing.T) {
	tests := []struct {
		in   session.Status
		want string
	}{
		{session.StatusRunning, "running"},
		{session.StatusSuspended, "input-required"},
		{session.StatusDone, "completed"},
		{session.StatusFailed, "failed"},
	}
	for _, tt := range tests {
		if got := taskStatus(tt.in); got != tt.want {
			t.Errorf("taskStatus(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTaskResponseCompleted(t *testing.T) {
	st := session.New("s1", "ship it", "", false)
	st.Status = session.StatusDone
	st.Done = true
	st.FinalSummary = "completed 3 steps"
	st.GeneratedArtifacts = []string{"main.go"}

	resp := taskResponse(st)
	if resp.Status != "completed" {
		t.Fatalf("expected completed, got %s", resp.Status)
	}
	if resp.Output["final_summary"] != "completed 3 steps" {
		t.Fatalf("unexpected output: %v", resp.Output)
	}
}

func TestTaskResponseFailed(t *testing.T) {
	st := session.New("s1", "ship it", "", false)
	st.Status = session.StatusFailed
	st.LastDiagnostic = "step 2 exceeded budget"

	resp := taskResponse(st)
	if resp.Status != "failed" {
		t.Fatalf("expected failed, got %s", resp.Status)
	}
	if resp.Error == "" {
		t.Fatal("expected error message on failed task")
	}
	if resp.Output["last_diagnostic"] != "step 2 exceeded budget" {
		t.Fatalf("unexpected output: %v", resp.Output)
	}
}
