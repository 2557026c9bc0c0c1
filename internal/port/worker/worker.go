// Package worker defines the boundary to the external reasoning workers that
// execute plan steps, and the registry their adapters plug into.
package worker

import (
	"context"
	"time"

	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/llm"
	"github.com/planloom/planloom/internal/port/toolbox"
)

// Task is the input a worker consumes for one plan step.
type Task struct {
	Instruction    string
	TargetArtifact string
	Diagnostic     string
	MemoryContext  string
	WorkingRoot    string
}

// Result is the boundary output of one worker invocation.
type Result struct {
	Created      []string
	Modified     []string
	Read         []string
	ProducedText string
}

// Touched reports whether the worker created or modified at least one
// artifact.
func (r *Result) Touched() bool {
	return len(r.Created)+len(r.Modified) > 0
}

// Artifacts returns the created and modified identifiers in report order.
func (r *Result) Artifacts() []string {
	out := make([]string, 0, len(r.Created)+len(r.Modified))
	out = append(out, r.Created...)
	out = append(out, r.Modified...)
	return out
}

// MemorySink receives artifact operations as they happen, preserving recency
// order for reference resolution.
type MemorySink interface {
	RecordArtifactOperation(artifact string, op memory.Operation, actor string)
}

// Budget bounds one worker invocation. Both limits are enforced: the attempt
// loop stops at MaxAttempts, and the whole invocation runs under a Timeout
// deadline.
type Budget struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Worker executes one plan step against an external reasoning service.
// Implementations must terminate deterministically within their budget and
// must report every artifact mutation to the sink.
type Worker interface {
	Kind() session.WorkerKind
	Execute(ctx context.Context, task Task, mem MemorySink) (*Result, error)
}

// Deps are the collaborators a worker factory receives.
type Deps struct {
	LLM    llm.Client
	Tools  toolbox.Factory
	Model  string
	Budget Budget
}

// ToolDefs converts toolbox specs into the wire tool declarations advertised
// to the model.
func ToolDefs(specs []toolbox.Spec) []llm.ToolDef {
	defs := make([]llm.ToolDef, 0, len(specs))
	for _, sp := range specs {
		defs = append(defs, llm.ToolDef{
			Type: "function",
			Function: llm.FunctionDef{
				Name:        sp.Name,
				Description: sp.Description,
				Parameters:  sp.Parameters,
			},
		})
	}
	return defs
}
