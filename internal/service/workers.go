package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/planloom/planloom/internal/adapter/otel"
	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/worker"
)

// diagnosticBanner frames analysis text carried from a diagnostic step to the
// write step that consumes it.
const diagnosticBanner = "=== DIAGNOSTIC ANALYSIS ==="

// WorkerComponent adapts one worker kind to the engine boundary: it builds
// the task from the dispatched step fields, runs the worker, and folds the
// result back into the session. Whatever the worker did, the step counts as
// executed, so the plan controller always advances past it.
type WorkerComponent struct {
	kind   session.WorkerKind
	worker worker.Worker
	logger *slog.Logger
}

// NewWorkerComponent wraps a worker for engine dispatch.
func NewWorkerComponent(kind session.WorkerKind, w worker.Worker) *WorkerComponent {
	return &WorkerComponent{kind: kind, worker: w, logger: slog.Default()}
}

// SetLogger overrides the default logger.
func (wc *WorkerComponent) SetLogger(l *slog.Logger) { wc.logger = l }

// Name returns the routing tag this component answers to.
func (wc *WorkerComponent) Name() session.Component { return wc.kind.Component() }

// Invoke executes the dispatched step. Worker failures do not fail the
// session: they are absorbed as an unfruitful step and control returns to the
// plan controller either way.
func (wc *WorkerComponent) Invoke(ctx context.Context, st *session.State) (session.Component, error) {
	task := worker.Task{
		Instruction:    st.CurrentInstruction,
		TargetArtifact: st.TargetArtifact,
		MemoryContext:  st.Memory.ContextSummary(),
		WorkingRoot:    st.WorkingRoot,
	}
	if wc.kind == session.WorkerWrite {
		task.Diagnostic = st.LastDiagnostic
	}

	ctx, span := otel.StartWorkerSpan(ctx, st.SessionID, string(wc.kind), task.TargetArtifact)
	defer span.End()

	res, err := wc.worker.Execute(ctx, task, &st.Memory)
	st.StepExecuted = true
	if err != nil {
		wc.logger.Error("worker execution failed",
			"session_id", st.SessionID,
			"kind", string(wc.kind),
			"step_index", st.StepIndex,
			"error", err)
		st.WorkerCompleted = false
		st.Memory.RecordTurn(memory.RoleAssistant,
			fmt.Sprintf("%s worker failed to finish the step: %v", wc.kind, err), nil)
		return session.ComponentPlanController, nil
	}

	switch wc.kind {
	case session.WorkerDiagnostic:
		wc.absorbDiagnostic(st, res)
	default:
		wc.absorbWrite(st, res)
	}
	return session.ComponentPlanController, nil
}

// absorbWrite records the write worker's outcome. A step that touched no
// artifact is a completed-but-fruitless step: workerCompleted stays false and
// the failure is noted for later planning context.
func (wc *WorkerComponent) absorbWrite(st *session.State, res *worker.Result) {
	for _, a := range res.Artifacts() {
		st.RecordArtifact(a)
	}
	// The diagnosis was handed to this step; a later step gets a fresh one.
	st.LastDiagnostic = ""

	if res.Touched() {
		st.WorkerCompleted = true
		st.Memory.RecordTurn(memory.RoleAssistant,
			fmt.Sprintf("Write worker created %d file(s) and modified %d file(s)",
				len(res.Created), len(res.Modified)),
			res.Artifacts())
		return
	}
	st.WorkerCompleted = false
	st.Memory.RecordTurn(memory.RoleAssistant,
		"Write worker attempted the step but no files were created or modified", nil)
}

// absorbDiagnostic records the diagnostic worker's analysis. Diagnostic steps
// produce text, not artifacts, so a clean finish always counts as completed.
func (wc *WorkerComponent) absorbDiagnostic(st *session.State, res *worker.Result) {
	analysis := strings.TrimSpace(res.ProducedText)
	if analysis != "" {
		st.LastDiagnostic = diagnosticBanner + "\n" + analysis
	}
	st.WorkerCompleted = true
	st.Memory.RecordTurn(memory.RoleAssistant,
		fmt.Sprintf("Diagnostic worker analyzed %d file(s)", len(res.Read)),
		res.Read)
}
