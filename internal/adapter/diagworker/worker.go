// Package diagworker implements the read-only diagnostic worker: it inspects
// the session workspace and produces an analysis for later write steps, but
// never mutates anything.
package diagworker

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

const actor = string(session.ComponentDiagnosticWorker)

const systemPrompt = `You are a diagnostic worker. You analyze the workspace to answer exactly ` +
	`one step of a plan: inspect files with the provided read-only tools, then ` +
	`reply with your findings as plain text. You cannot and must not modify ` +
	`anything. Be concrete: name files, line ranges, and the specific problems ` +
	`or facts you found.`

// allowedTools is the diagnostic worker's tool surface. It contains no
// mutating tool, which is what enforces the read-only guarantee.
var allowedTools = []string{
	toolbox.ToolReadFile,
	toolbox.ToolListFiles,
	toolbox.ToolSearchText,
}

func init() {
	worker.Register(session.WorkerDiagnostic, New)
}

// Worker runs diagnostic steps against the LLM gateway.
type Worker struct {
	llm    llm.Client
	tools  toolbox.Factory
	model  string
	budget worker.Budget
}

// New builds a diagnostic worker from its dependencies.
func New(deps worker.Deps) (worker.Worker, error) {
	if deps.LLM == nil {
		return nil, errors.New("diagworker: llm client is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("diagworker: toolbox factory is required")
	}
	return &Worker{llm: deps.LLM, tools: deps.Tools, model: deps.Model, budget: deps.Budget}, nil
}

// Kind returns the worker kind this adapter serves.
func (w *Worker) Kind() session.WorkerKind { return session.WorkerDiagnostic }

// Execute runs the attempt loop for one analysis step. The result carries
// the findings in ProducedText and never any created or modified artifact.
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
		drainReads(tb, result, mem)
	}

	slog.Debug("diagnostic worker finished",
		"reads", len(result.Read),
		"analysis_length", len(result.ProducedText))
	return result, nil
}

// runTool executes one requested call, refusing anything outside the
// read-only set. Failures come back as text for the model to react to.
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

// drainReads folds the toolbox's operation log into the result. Only reads
// can appear here; they reach the sink so reference resolution knows what
// the analysis looked at.
func drainReads(tb toolbox.Toolbox, result *worker.Result, mem worker.MemorySink) {
	for _, op := range tb.TakeOperations() {
		if op.Kind != memory.OpRead {
			continue
		}
		if mem != nil {
			mem.RecordArtifactOperation(op.Artifact, op.Kind, actor)
		}
		if !slices.Contains(result.Read, op.Artifact) {
			result.Read = append(result.Read, op.Artifact)
		}
	}
}

func buildPrompt(task worker.Task) string {
	var b strings.Builder
	b.WriteString("Analysis step: ")
	b.WriteString(task.Instruction)
	b.WriteString("\n")
	if task.TargetArtifact != "" {
		fmt.Fprintf(&b, "Focus on: %s\n", task.TargetArtifact)
	}
	if task.MemoryContext != "" {
		b.WriteString("\nContext from earlier in the session:\n")
		b.WriteString(task.MemoryContext)
	}
	return b.String()
}
