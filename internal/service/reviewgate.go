package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/planloom/planloom/internal/domain/checkpoint"
	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/checkpointstore"
)

// approvalVocabulary are the phrases accepted as approval. Matching is
// whole-phrase after normalization, never substring: "not done right"
// contains "done" but is a revision request.
var approvalVocabulary = []string{
	"looks good", "approve", "approved", "done", "ok", "good", "lgtm", "perfect",
}

// ReviewGate is the suspension point of the state machine. With no pending
// feedback it checkpoints the session and suspends; with feedback it either
// completes the session or rewrites the request for a revision pass.
type ReviewGate struct {
	checkpoints checkpointstore.Store
	logger      *slog.Logger
}

// NewReviewGate builds the gate over the checkpoint store.
func NewReviewGate(checkpoints checkpointstore.Store) *ReviewGate {
	return &ReviewGate{checkpoints: checkpoints, logger: slog.Default()}
}

// SetLogger overrides the default logger.
func (g *ReviewGate) SetLogger(l *slog.Logger) { g.logger = l }

// Name returns the routing tag this component answers to.
func (g *ReviewGate) Name() session.Component { return session.ComponentReviewGate }

// Invoke handles one pass through the gate. Entering without feedback
// suspends; entering twice without feedback suspends twice with the same
// outcome, which is exactly what a crash-recovered resume needs.
func (g *ReviewGate) Invoke(ctx context.Context, st *session.State) (session.Component, error) {
	if st.SkipReview {
		g.approve(st)
		return session.ComponentTerminal, nil
	}

	if st.Feedback == nil {
		return g.suspend(ctx, st)
	}

	feedback := *st.Feedback
	st.Feedback = nil

	if IsApproval(feedback) {
		g.approve(st)
		return session.ComponentTerminal, nil
	}
	g.revise(st, feedback)
	return session.ComponentPlanController, nil
}

// suspend persists the checkpoint and marks the session suspended. The
// suspended status must not survive a failed save: a suspension that is not
// durable would be unresumable after a restart.
func (g *ReviewGate) suspend(ctx context.Context, st *session.State) (session.Component, error) {
	st.NeedsReview = true
	prior := st.Status
	st.Status = session.StatusSuspended

	cp := checkpoint.FromState(st)
	if err := g.checkpoints.Save(ctx, cp); err != nil {
		st.Status = prior
		st.NeedsReview = false
		return session.ComponentReviewGate, fmt.Errorf("checkpoint before suspension: %w", err)
	}
	st.Version = cp.Version

	g.logger.Info("session suspended at review gate",
		"session_id", st.SessionID,
		"executed_steps", len(st.ExecutedSteps()),
		"artifacts", len(st.GeneratedArtifacts),
		"checkpoint_version", cp.Version)
	return session.ComponentReviewGate, nil
}

// approve concludes the session.
func (g *ReviewGate) approve(st *session.State) {
	st.Done = true
	st.NeedsReview = false
	st.Feedback = nil
	st.Status = session.StatusDone
	st.FinalSummary = fmt.Sprintf("Session completed successfully. %d artifact(s) created or modified.",
		len(st.GeneratedArtifacts))
	st.Memory.RecordTurn(memory.RoleAssistant, st.FinalSummary, st.GeneratedArtifacts)
}

// revise records the feedback and rewrites the request for a fresh planning
// pass. Artifact history and memory survive; the plan does not.
func (g *ReviewGate) revise(st *session.State, feedback string) {
	st.Memory.RecordTurn(memory.RoleUser, feedback, nil)
	st.ResetPlan(revisedRequest(st, feedback))

	g.logger.Info("revision requested",
		"session_id", st.SessionID,
		"feedback_length", len(feedback))
}

// IsApproval classifies review feedback. Empty or whitespace-only text is an
// approval; anything else must equal an approval phrase after normalization.
func IsApproval(feedback string) bool {
	norm := normalizeFeedback(feedback)
	if norm == "" {
		return true
	}
	return slices.Contains(approvalVocabulary, norm)
}

// normalizeFeedback lowercases, trims surrounding space, and strips trailing
// punctuation so "Looks good!" and "looks good" classify the same way.
func normalizeFeedback(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, ".,!?;:")
	return strings.TrimSpace(s)
}

// revisedRequest composes the request for a revision pass: the synopsis of
// executed work, the raw feedback, and the prior request for provenance. The
// prior request may itself be a composite from an earlier revision round.
func revisedRequest(st *session.State, feedback string) string {
	var b strings.Builder
	b.WriteString("Previous work completed:\n")
	for _, step := range st.ExecutedSteps() {
		target := step.TargetArtifact
		if target == "" {
			target = "N/A"
		}
		fmt.Fprintf(&b, "- %s (%s)\n", step.Instruction, target)
	}
	b.WriteString("\nUser feedback/changes requested:\n")
	b.WriteString(feedback)
	b.WriteString("\n")
	fmt.Fprintf(&b, "\nOriginal request: %s", st.Request)
	return b.String()
}

// reviewSummary renders the observer-facing description of the work awaiting
// review. It only reads the state, so re-rendering after a crash-recovered
// resume produces the same text.
func reviewSummary(st *session.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d of %d plan step(s).", len(st.ExecutedSteps()), len(st.Plan))
	if len(st.GeneratedArtifacts) > 0 {
		fmt.Fprintf(&b, " Artifacts: %s.", strings.Join(st.GeneratedArtifacts, ", "))
	}
	b.WriteString(" Reply with an approval to finish, or describe the changes you want.")
	return b.String()
}
