package service_test

import (
	"context"
	"testing"

	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/service"
)

// fallbackController builds a controller whose planner has no LLM and so
// always degrades to the single-step fallback plan.
func fallbackController() *service.PlanController {
	return service.NewPlanController(service.NewPlanner(nil, nil, "", 1))
}

func TestPlanControllerCreatesFallbackPlan(t *testing.T) {
	c := fallbackController()
	st := session.New("pc-1", "write a prime sieve", "", false)

	next, err := c.Invoke(context.Background(), st)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if len(st.Plan) != 1 {
		t.Fatalf("expected a single-step plan, got %d", len(st.Plan))
	}
	step := st.Plan[0]
	if step.Kind != session.WorkerWrite {
		t.Errorf("fallback step kind: %q", step.Kind)
	}
	if step.Instruction != "write a prime sieve" {
		t.Errorf("fallback must use the request verbatim, got %q", step.Instruction)
	}
	if step.TargetArtifact != "output.py" {
		t.Errorf("fallback target: %q", step.TargetArtifact)
	}
	// Creation and dispatch happen in the same pass.
	if next != session.ComponentWriteWorker {
		t.Errorf("expected immediate dispatch to the write worker, got %q", next)
	}
	if st.CurrentInstruction != step.Instruction || st.TargetArtifact != step.TargetArtifact {
		t.Errorf("dispatch fields not copied: %q / %q", st.CurrentInstruction, st.TargetArtifact)
	}
	// The request is logged as a conversation turn.
	if len(st.Memory.Turns) != 1 || st.Memory.Turns[0].Role != memory.RoleUser {
		t.Errorf("expected the request recorded as a user turn, got %+v", st.Memory.Turns)
	}
}

func TestPlanControllerResolvesFallbackTarget(t *testing.T) {
	c := fallbackController()
	st := session.New("pc-2", "now fix that file", "", false)
	st.RecordArtifact("sieve.py")
	st.Memory.RecordArtifactOperation("sieve.py", memory.OpCreated, "write-worker")

	if _, err := c.Invoke(context.Background(), st); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if got := st.Plan[0].TargetArtifact; got != "sieve.py" {
		t.Errorf("fallback should target the resolved reference, got %q", got)
	}
}

func TestPlanControllerAbsorbsCompletion(t *testing.T) {
	c := fallbackController()
	st := session.New("pc-3", "two steps", "", false)
	st.Plan = []session.Step{
		{Kind: session.WorkerWrite, Instruction: "first", TargetArtifact: "a.py"},
		{Kind: session.WorkerDiagnostic, Instruction: "second", TargetArtifact: "a.py"},
	}
	st.StepExecuted = true
	st.WorkerCompleted = true

	next, err := c.Invoke(context.Background(), st)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if st.StepIndex != 1 {
		t.Errorf("completion should advance the cursor, got %d", st.StepIndex)
	}
	if st.StepExecuted || st.WorkerCompleted {
		t.Errorf("completion flags must be cleared after absorption")
	}
	if next != session.ComponentDiagnosticWorker {
		t.Errorf("next step is diagnostic, routed to %q", next)
	}
	if st.CurrentInstruction != "second" {
		t.Errorf("dispatch fields stale: %q", st.CurrentInstruction)
	}
}

func TestPlanControllerAdvancesPastFruitlessStep(t *testing.T) {
	c := fallbackController()
	st := session.New("pc-4", "two steps", "", false)
	st.Plan = []session.Step{
		{Kind: session.WorkerWrite, Instruction: "first"},
		{Kind: session.WorkerWrite, Instruction: "second"},
	}
	// The worker ran but touched nothing.
	st.StepExecuted = true
	st.WorkerCompleted = false

	if _, err := c.Invoke(context.Background(), st); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if st.StepIndex != 1 {
		t.Errorf("a fruitless step must still be left behind, cursor=%d", st.StepIndex)
	}
}

func TestPlanControllerTerminalCheck(t *testing.T) {
	c := fallbackController()
	st := session.New("pc-5", "one step", "", false)
	st.Plan = []session.Step{{Kind: session.WorkerWrite, Instruction: "only"}}
	st.StepIndex = 0
	st.StepExecuted = true

	next, err := c.Invoke(context.Background(), st)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}

	if next != session.ComponentReviewGate {
		t.Errorf("an exhausted plan routes to review, got %q", next)
	}
	if !st.NeedsReview {
		t.Errorf("plan exhaustion must raise needsReview")
	}
	if st.StepIndex != 1 {
		t.Errorf("cursor should sit exactly one past the end, got %d", st.StepIndex)
	}
}

func TestPlanControllerDoesNotAdvanceWithoutExecution(t *testing.T) {
	c := fallbackController()
	st := session.New("pc-6", "one step", "", false)
	st.Plan = []session.Step{{Kind: session.WorkerWrite, Instruction: "only", TargetArtifact: "x.py"}}

	// Two controller passes with no worker execution in between must
	// re-dispatch the same step, not walk past it.
	for i := range 2 {
		next, err := c.Invoke(context.Background(), st)
		if err != nil {
			t.Fatalf("invoke %d: %v", i, err)
		}
		if next != session.ComponentWriteWorker || st.StepIndex != 0 {
			t.Errorf("pass %d: next=%q cursor=%d", i, next, st.StepIndex)
		}
	}
}
