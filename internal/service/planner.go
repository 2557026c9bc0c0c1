package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"unicode"

	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/llm"
	"github.com/planloom/planloom/internal/port/toolbox"
	"github.com/planloom/planloom/internal/port/worker"
)

// fallbackTarget is the artifact a degraded single-step plan writes to when
// the request does not resolve to any known artifact.
const fallbackTarget = "output.py"

const plannerSystemPrompt = `You are a planning assistant. Break the user's request into a short ` +
	`ordered plan of concrete steps. You may inspect the workspace with the ` +
	`provided tools before answering. Reply with a single JSON object of the form ` +
	`{"plan": [{"kind": "write"|"diagnostic", "instruction": "...", "target_artifact": "..."}]}. ` +
	`Use kind "write" for steps that create or change files and "diagnostic" for ` +
	`read-only analysis steps. Keep plans small; one step per distinct piece of work. ` +
	`target_artifact is optional and names the file a step centers on.`

// explorationTools is the read-only tool surface the planner may use while
// synthesizing a plan. Planning never mutates the workspace.
var explorationTools = []string{
	toolbox.ToolListFiles,
	toolbox.ToolReadFile,
	toolbox.ToolSearchText,
}

// Planner synthesizes execution plans from task requests through the LLM
// gateway. Synthesis is best-effort: any failure degrades to a single-step
// fallback plan rather than failing the session.
type Planner struct {
	llm         llm.Client
	tools       toolbox.Factory
	model       string
	maxAttempts int
	logger      *slog.Logger
}

// NewPlanner builds a planner. model may name a dedicated planning model;
// maxAttempts bounds the exploration loop.
func NewPlanner(client llm.Client, tools toolbox.Factory, model string, maxAttempts int) *Planner {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Planner{
		llm:         client,
		tools:       tools,
		model:       model,
		maxAttempts: maxAttempts,
		logger:      slog.Default(),
	}
}

// SetLogger overrides the default logger.
func (p *Planner) SetLogger(l *slog.Logger) { p.logger = l }

// BuildPlan returns a non-empty plan for the session's current request plus
// the artifact the request was resolved to refer to, if any. It never
// returns an empty plan: when synthesis fails the request is executed
// verbatim as one write step.
func (p *Planner) BuildPlan(ctx context.Context, st *session.State) ([]session.Step, string) {
	resolved := st.Memory.ResolveReference(st.Request, st.GeneratedArtifacts)

	steps, err := p.synthesize(ctx, st, resolved)
	if err != nil || len(steps) == 0 {
		p.logger.Warn("plan synthesis failed, falling back to single-step plan",
			"session_id", st.SessionID, "error", err)
		return fallbackPlan(st.Request, resolved), resolved
	}
	return steps, resolved
}

// plannedStep is the wire shape of one step in the model's JSON reply.
type plannedStep struct {
	Kind           string `json:"kind"`
	Instruction    string `json:"instruction"`
	TargetArtifact string `json:"target_artifact"`
}

type plannedReply struct {
	Plan []plannedStep `json:"plan"`
}

func (p *Planner) synthesize(ctx context.Context, st *session.State, resolved string) ([]session.Step, error) {
	if p.llm == nil {
		return nil, fmt.Errorf("no llm client configured")
	}

	var specs []llm.ToolDef
	var tb toolbox.Toolbox
	if p.tools != nil {
		bound, err := p.tools(st.WorkingRoot)
		if err != nil {
			p.logger.Warn("bind exploration toolbox", "session_id", st.SessionID, "error", err)
		} else {
			tb = bound
			specs = worker.ToolDefs(tb.Specs(explorationTools...))
		}
	}

	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: p.buildPrompt(st, resolved)},
	}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		resp, err := p.llm.ChatCompletion(ctx, llm.ChatRequest{
			Model:    p.model,
			Messages: msgs,
			Tools:    specs,
		})
		if err != nil {
			return nil, fmt.Errorf("attempt %d: %w", attempt, err)
		}
		msgs = append(msgs, resp.Message)

		if !resp.HasToolCalls() {
			return parsePlan(resp.Message.Content)
		}
		if tb == nil {
			return nil, fmt.Errorf("model requested tools but none are bound")
		}
		for _, call := range resp.Message.ToolCalls {
			msgs = append(msgs, llm.Message{
				Role:       llm.RoleTool,
				ToolCallID: call.ID,
				Name:       call.Function.Name,
				Content:    runExploreTool(ctx, tb, call),
			})
		}
		// Exploration reads are planning internals, not session artifacts.
		tb.TakeOperations()
	}
	return nil, fmt.Errorf("no plan produced within %d attempts", p.maxAttempts)
}

func (p *Planner) buildPrompt(st *session.State, resolved string) string {
	var b strings.Builder
	b.WriteString("Task request:\n")
	b.WriteString(sanitizePromptInput(st.Request))
	b.WriteString("\n")
	if resolved != "" {
		fmt.Fprintf(&b, "\nThe request appears to refer to the existing artifact %q.\n", resolved)
	}
	if mc := st.Memory.ContextSummary(); mc != "" {
		b.WriteString("\nSession context:\n")
		b.WriteString(mc)
	}
	return b.String()
}

// runExploreTool executes one read-only call, refusing anything outside the
// exploration surface. Failures come back as text for the model to react to.
func runExploreTool(ctx context.Context, tb toolbox.Toolbox, call llm.ToolCall) string {
	name := call.Function.Name
	if !slices.Contains(explorationTools, name) {
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

// parsePlan extracts and validates the model's plan reply. Unknown step
// kinds coerce to write; steps with an empty instruction are dropped.
func parsePlan(content string) ([]session.Step, error) {
	raw := extractJSON(content)
	var reply plannedReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("parse plan reply: %w", err)
	}

	steps := make([]session.Step, 0, len(reply.Plan))
	for _, ps := range reply.Plan {
		instruction := strings.TrimSpace(ps.Instruction)
		if instruction == "" {
			continue
		}
		kind := session.WorkerKind(strings.ToLower(strings.TrimSpace(ps.Kind)))
		if kind != session.WorkerWrite && kind != session.WorkerDiagnostic {
			kind = session.WorkerWrite
		}
		steps = append(steps, session.Step{
			Kind:           kind,
			Instruction:    instruction,
			TargetArtifact: strings.TrimSpace(ps.TargetArtifact),
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("plan reply contained no usable steps")
	}
	return steps, nil
}

// fallbackPlan is the degraded plan used when synthesis fails: the request
// executed verbatim as one write step against the resolved artifact, or the
// default output file when nothing resolves.
func fallbackPlan(request, resolved string) []session.Step {
	target := resolved
	if target == "" {
		target = fallbackTarget
	}
	return []session.Step{{
		Kind:           session.WorkerWrite,
		Instruction:    request,
		TargetArtifact: target,
	}}
}

// extractJSON pulls a JSON object out of a model reply that may wrap it in
// markdown fences or prose.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}

// sanitizePromptInput cleans user-supplied text before it is embedded in a
// prompt: control characters are stripped, lines that open with role markers
// are neutralized, and the length is capped.
func sanitizePromptInput(s string) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.ToLower(line))
		for _, prefix := range []string{
			"system:", "assistant:", "user:", "[system]", "[assistant]",
			"<|system|>", "<|assistant|>", "<|im_start|>",
			"### system", "### assistant", "### instruction",
		} {
			if strings.HasPrefix(trimmed, prefix) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	const maxInputLen = 10000
	if len(s) > maxInputLen {
		s = s[:maxInputLen] + "\n[truncated]"
	}
	return s
}
