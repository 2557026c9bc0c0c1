// Package codeworker implements the write-capable reasoning worker: a bounded
// chat-completion tool loop that creates and edits files in the session
// workspace.
package codeworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/llm"
	"github.com/planloom/planloom/internal/port/toolbox"
	"github.com/planloom/planloom/internal/port/worker"
)

const actor = string(session.ComponentWriteWorker)

const systemPrompt = `You are a coding worker. You complete exactly one step of a plan by ` +
	`creating or editing files with the provided tools. Work only inside the ` +
	`workspace; paths are relative to its root. When the step is done, reply ` +
	`with a short summary of what you changed instead of calling more tools.`

// allowedTools is the write worker's tool surface. Calls outside it are
// refused without executing.
var allowedTools = []string{
	toolbox.ToolReadFile,
	toolbox.ToolWriteFile,
	toolbox.ToolAppendFile,
}

func init() {
	worker.Register(session.WorkerWrite, New)
}

// Worker runs write steps against the LLM gateway.
type Worker struct {
	llm    llm.Client
	tools  toolbox.Factory
	model  string
	budget worker.Budget
}

// New builds a write worker from its dependencies.
func New(deps worker.Deps) (worker.Worker, error) {
	if deps.LLM == nil {
		return nil, errors.New("codeworker: llm client is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("codeworker: toolbox factory is required")
	}
	return &Worker{llm: deps.LLM, tools: deps.Tools, model: deps.Model, budget: deps.Budget}, nil
}

// Kind returns the worker kind this adapter serves.
func (w *Worker) Kind() session.WorkerKind { return session.WorkerWrite }

// Execute runs the attempt loop for one step. Tool errors are surfaced to the
// model as the failing call's result; only gateway and workspace failures
// propagate. Artifact operations reach the sink as they happen.
func (w *Worker) Execute(ctx context.Context, task worker.Task, mem worker.MemorySink) (*worker.Result, error) {
	if w.budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.budget.Timeout)
		defer cancel()
	}

	tb, err := w.tools(task.WorkingRoot)
	if err != nil {
		return nil, fmt.Errorf("bind toolbox: %w", err)
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: buildPrompt(task)},
	}
	tools := worker.ToolDefs(tb.Specs(allowedTools...))

	result := &worker.Result{}
	attempts := w.budget.MaxAttempts
	if attempts <= 0 {
		attempts = 5
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		resp, err := w.llm.ChatCompletion(ctx, llm.ChatRequest{
			Model:    w.model,
			Messages: msgs,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		msgs = append(msgs, resp.Message)

		if !resp.HasToolCalls() {
			result.ProducedText = strings.TrimSpace(resp.Message.Content)
			break
		}

		for _, call := range resp.Message.ToolCalls {
			out := runTool(ctx, tb, call)
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    out,
			})
		}
		drainOps(tb, result, mem)
	}

	slog.Debug("write worker finished",
		"created", len(result.Created),
		"modified", len(result.Modified),
		"target", task.TargetArtifact)
	return result, nil
}

// runTool executes one requested call, refusing tools outside the advertised
// set. Failures come back as text for the model to react to.
func runTool(ctx context.Context, tb toolbox.Toolbox, call llm.ToolCall) string {
	name := call.Function.Name
	if !slices.Contains(allowedTools, name) {
		return fmt.Sprintf("error: tool %q is not available", name)
	}

	var args map[string]any
	if raw := call.Function.Arguments; raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return fmt.Sprintf("error: invalid tool arguments: %v", err)
		}
	}

	out, err := tb.Execute(ctx, name, args)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}
	return out
}

// drainOps folds the toolbox's operation log into the result and forwards
// each operation to the memory sink, preserving order.
func drainOps(tb toolbox.Toolbox, result *worker.Result, mem worker.MemorySink) {
	for _, op := range tb.TakeOperations() {
		if mem != nil {
			mem.RecordArtifactOperation(op.Artifact, op.Kind, actor)
		}
		switch op.Kind {
		case memory.OpCreated:
			appendUnique(&result.Created, op.Artifact)
		case memory.OpModified:
			// A file created earlier in this invocation stays created.
			if !slices.Contains(result.Created, op.Artifact) {
				appendUnique(&result.Modified, op.Artifact)
			}
		case memory.OpRead:
			appendUnique(&result.Read, op.Artifact)
		}
	}
}

func appendUnique(list *[]string, v string) {
	if !slices.Contains(*list, v) {
		*list = append(*list, v)
	}
}

func buildPrompt(task worker.Task) string {
	var b strings.Builder
	b.WriteString("Step instruction: ")
	b.WriteString(task.Instruction)
	b.WriteString("\n")
	if task.TargetArtifact != "" {
		fmt.Fprintf(&b, "Target file: %s\n", task.TargetArtifact)
	}
	if task.Diagnostic != "" {
		b.WriteString("\nDiagnostic findings from a prior analysis step:\n")
		b.WriteString(task.Diagnostic)
		b.WriteString("\n")
	}
	if task.MemoryContext != "" {
		b.WriteString("\nContext from earlier in the session:\n")
		b.WriteString(task.MemoryContext)
	}
	return b.String()
}
