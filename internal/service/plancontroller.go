package service

import (
	"context"
	"log/slog"

	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
)

// PlanController owns the plan lifecycle: it synthesizes a plan when none
// exists, absorbs worker completions, detects plan exhaustion, and dispatches
// the step under the cursor. It holds no state of its own; everything lives
// on the session record so a resumed session behaves identically.
type PlanController struct {
	planner *Planner
	logger  *slog.Logger
}

// NewPlanController builds the controller around a planner.
func NewPlanController(planner *Planner) *PlanController {
	return &PlanController{planner: planner, logger: slog.Default()}
}

// SetLogger overrides the default logger.
func (c *PlanController) SetLogger(l *slog.Logger) { c.logger = l }

// Name returns the routing tag this component answers to.
func (c *PlanController) Name() session.Component { return session.ComponentPlanController }

// Invoke runs the controller's four stages in order. Stage order matters:
// absorption must happen before the terminal check so the final step's
// completion moves the cursor past the plan end, and the terminal check must
// precede dispatch so an exhausted plan never re-dispatches its last step.
func (c *PlanController) Invoke(ctx context.Context, st *session.State) (session.Component, error) {
	// 1. Plan creation. A revision pass arrives here with an empty plan and
	// the rewritten request; a brand-new session arrives the same way.
	if len(st.Plan) == 0 {
		plan, resolved := c.planner.BuildPlan(ctx, st)
		st.Plan = plan
		st.StepIndex = 0

		var mentioned []string
		if resolved != "" {
			mentioned = []string{resolved}
		}
		st.Memory.RecordTurn(memory.RoleUser, st.Request, mentioned)

		c.logger.Info("plan created",
			"session_id", st.SessionID,
			"steps", len(plan),
			"resolved_artifact", resolved)
	}

	// 2. Completion absorption. StepExecuted marks that the dispatched step
	// ran; the cursor advances whether or not the worker touched anything,
	// so a fruitless step is left behind instead of retried forever.
	if st.StepExecuted {
		st.StepExecuted = false
		st.WorkerCompleted = false
		st.StepIndex++
	}

	// 3. Terminal check.
	if st.StepIndex >= len(st.Plan) {
		st.NeedsReview = true
		return session.ComponentReviewGate, nil
	}

	// 4. Dispatch.
	step := st.Plan[st.StepIndex]
	st.CurrentInstruction = step.Instruction
	st.TargetArtifact = step.TargetArtifact
	return step.Kind.Component(), nil
}
