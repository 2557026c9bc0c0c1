// Package session defines the execution state for a plan-execution session:
// the state record threaded through every engine component, the plan and step
// model, and the closed component/worker/status enumerations.
package session

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/planloom/planloom/internal/domain"
	"github.com/planloom/planloom/internal/domain/memory"
)

// Component identifies an engine component the router can dispatch to.
type Component string

const (
	ComponentPlanController   Component = "plan-controller"
	ComponentWriteWorker      Component = "write-worker"
	ComponentDiagnosticWorker Component = "diagnostic-worker"
	ComponentReviewGate       Component = "review-gate"
	ComponentTerminal         Component = "terminal"
)

// Known reports whether c is a recognized routing target.
func (c Component) Known() bool {
	switch c {
	case ComponentPlanController, ComponentWriteWorker,
		ComponentDiagnosticWorker, ComponentReviewGate, ComponentTerminal:
		return true
	}
	return false
}

// WorkerKind is the capability role a plan step is assigned to.
type WorkerKind string

const (
	WorkerWrite      WorkerKind = "write"
	WorkerDiagnostic WorkerKind = "diagnostic"
	WorkerReview     WorkerKind = "review"
)

// ValidWorkerKinds lists the closed set of worker kinds.
var ValidWorkerKinds = []WorkerKind{WorkerWrite, WorkerDiagnostic, WorkerReview}

// Component returns the engine component that executes steps of this kind.
// Unknown kinds map to the write worker, mirroring the router's fallback.
func (k WorkerKind) Component() Component {
	switch k {
	case WorkerDiagnostic:
		return ComponentDiagnosticWorker
	case WorkerReview:
		return ComponentReviewGate
	default:
		return ComponentWriteWorker
	}
}

// Status is the persisted lifecycle state of a session. Suspension is a
// first-class state: a restarted process resumes from it, not from a paused
// call stack.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the session has finished for good.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Step is one unit of plan work assigned to exactly one worker kind. Steps are
// immutable once created; a session's plan is replaced wholesale on revision,
// never edited in place.
type Step struct {
	Kind           WorkerKind `json:"kind"`
	Instruction    string     `json:"instruction"`
	TargetArtifact string     `json:"target_artifact,omitempty"`
}

// State is the mutable record of one session. It is mutated in place by each
// component invocation and serialized verbatim into checkpoints; every field
// must round-trip through JSON exactly.
type State struct {
	SessionID   string `json:"session_id"`
	Request     string `json:"request"`
	WorkingRoot string `json:"working_root,omitempty"`

	Plan      []Step `json:"plan"`
	StepIndex int    `json:"step_index"`

	// Fields consumed by the dispatched worker, copied from the current step.
	CurrentInstruction string `json:"current_instruction,omitempty"`
	TargetArtifact     string `json:"target_artifact,omitempty"`

	// WorkerCompleted records whether the last executed step touched any
	// artifact. StepExecuted records that the dispatched step ran at all;
	// it is what moves the cursor forward, so a step whose worker produced
	// nothing is still left behind instead of being retried forever.
	WorkerCompleted bool `json:"worker_completed"`
	StepExecuted    bool `json:"step_executed"`

	GeneratedArtifacts []string `json:"generated_artifacts"`
	NeedsReview        bool     `json:"needs_review"`

	// Feedback is present only between feedback submission and the review
	// gate consuming it. Nil means no feedback; an empty string is a valid
	// approval, so absence cannot be modeled as "".
	Feedback *string `json:"feedback,omitempty"`

	Done           bool      `json:"done"`
	Next           Component `json:"next"`
	LastDiagnostic string    `json:"last_diagnostic,omitempty"`
	SkipReview     bool      `json:"skip_review,omitempty"`
	FinalSummary   string    `json:"final_summary,omitempty"`

	Status Status `json:"status"`

	// Invocations counts component dispatches across the whole session,
	// including across suspensions, for the global step ceiling.
	Invocations int `json:"invocations"`

	// Version increments on every checkpoint save.
	Version int `json:"version"`

	Memory memory.Memory `json:"memory"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates the initial state for a task request. The first routing target
// is always the plan controller.
func New(id, request, workingRoot string, skipReview bool) *State {
	now := time.Now().UTC()
	return &State{
		SessionID:          id,
		Request:            request,
		WorkingRoot:        workingRoot,
		Plan:               []Step{},
		GeneratedArtifacts: []string{},
		Next:               ComponentPlanController,
		SkipReview:         skipReview,
		Status:             StatusRunning,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// CurrentStep returns the step under the cursor, or false when the plan is
// exhausted.
func (s *State) CurrentStep() (Step, bool) {
	if s.StepIndex < 0 || s.StepIndex >= len(s.Plan) {
		return Step{}, false
	}
	return s.Plan[s.StepIndex], true
}

// ExecutedSteps returns the steps already dispatched: everything before the
// cursor, capped at the plan length.
func (s *State) ExecutedSteps() []Step {
	n := min(max(s.StepIndex, 0), len(s.Plan))
	return s.Plan[:n]
}

// RecordArtifact appends an artifact identifier to GeneratedArtifacts unless
// it is already present. Insertion order is preserved for most-recent
// semantics.
func (s *State) RecordArtifact(id string) {
	if id == "" || slices.Contains(s.GeneratedArtifacts, id) {
		return
	}
	s.GeneratedArtifacts = append(s.GeneratedArtifacts, id)
}

// ResetPlan discards the plan and per-step fields for a revision pass. The
// generated-artifact history and memory survive the reset.
func (s *State) ResetPlan(newRequest string) {
	s.Request = newRequest
	s.Plan = []Step{}
	s.StepIndex = 0
	s.CurrentInstruction = ""
	s.TargetArtifact = ""
	s.WorkerCompleted = false
	s.StepExecuted = false
	s.NeedsReview = false
	s.Feedback = nil
	s.Next = ComponentPlanController
	s.Status = StatusRunning
}

// Clone returns a deep copy of the state.
func (s *State) Clone() *State {
	out := *s
	out.Plan = slices.Clone(s.Plan)
	out.GeneratedArtifacts = slices.Clone(s.GeneratedArtifacts)
	if s.Feedback != nil {
		fb := *s.Feedback
		out.Feedback = &fb
	}
	out.Memory = s.Memory.Clone()
	return &out
}

// Touch stamps the state as modified now.
func (s *State) Touch() {
	s.UpdatedAt = time.Now().UTC()
}

// Summary is the lightweight listing row for a session.
type Summary struct {
	SessionID   string    `json:"session_id"`
	Request     string    `json:"request"`
	Status      Status    `json:"status"`
	StepIndex   int       `json:"step_index"`
	PlanSize    int       `json:"plan_size"`
	NeedsReview bool      `json:"needs_review"`
	Done        bool      `json:"done"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Summary renders the listing row for the state.
func (s *State) Summary() Summary {
	return Summary{
		SessionID:   s.SessionID,
		Request:     s.Request,
		Status:      s.Status,
		StepIndex:   s.StepIndex,
		PlanSize:    len(s.Plan),
		NeedsReview: s.NeedsReview,
		Done:        s.Done,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
}

// StartRequest holds the fields for starting a new session.
type StartRequest struct {
	Request     string `json:"request"`
	WorkingRoot string `json:"working_root,omitempty"`
	SkipReview  bool   `json:"skip_review,omitempty"`
}

const maxRequestLength = 10000

// Validate checks that a StartRequest is usable.
func (r *StartRequest) Validate() error {
	if strings.TrimSpace(r.Request) == "" {
		return fmt.Errorf("request is required: %w", domain.ErrValidation)
	}
	if len(r.Request) > maxRequestLength {
		return fmt.Errorf("request exceeds %d characters: %w", maxRequestLength, domain.ErrValidation)
	}
	return nil
}

// FeedbackAction is the caller's intent when submitting review feedback.
type FeedbackAction string

const (
	ActionApprove FeedbackAction = "approve"
	ActionRevise  FeedbackAction = "revise"
)

// FeedbackRequest holds the fields for resuming a suspended session.
type FeedbackRequest struct {
	Feedback string         `json:"feedback"`
	Action   FeedbackAction `json:"action"`
}

// Validate checks the action/feedback combination: an approval may be empty,
// a revision must say what to change.
func (r *FeedbackRequest) Validate() error {
	switch r.Action {
	case ActionApprove:
		return nil
	case ActionRevise:
		if strings.TrimSpace(r.Feedback) == "" {
			return fmt.Errorf("revision feedback is required: %w", domain.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("action must be approve or revise: %w", domain.ErrValidation)
	}
}

// Snapshot is the per-invocation stream payload delivered to observers.
type Snapshot struct {
	SessionID          string    `json:"session_id"`
	ActiveComponent    Component `json:"active_component"`
	StepIndex          int       `json:"step_index"`
	Plan               []Step    `json:"plan"`
	GeneratedArtifacts []string  `json:"generated_artifacts"`
	NeedsReview        bool      `json:"needs_review"`
	Done               bool      `json:"done"`
	Status             Status    `json:"status"`
}

// Snapshot renders the observer view of the state after invoking the given
// component.
func (s *State) Snapshot(active Component) Snapshot {
	return Snapshot{
		SessionID:          s.SessionID,
		ActiveComponent:    active,
		StepIndex:          s.StepIndex,
		Plan:               slices.Clone(s.Plan),
		GeneratedArtifacts: slices.Clone(s.GeneratedArtifacts),
		NeedsReview:        s.NeedsReview,
		Done:               s.Done,
		Status:             s.Status,
	}
}
