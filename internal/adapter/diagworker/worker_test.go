package diagworker_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/planloom/planloom/internal/adapter/diagworker"
	"github.com/planloom/planloom/internal/adapter/fstools"
	"github.com/planloom/planloom/internal/config"
	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/domain/session"
	"github.com/planloom/planloom/internal/port/llm"
	"github.com/planloom/planloom/internal/port/worker"
)

type scriptedLLM struct {
	mu    sync.Mutex
	reqs  []llm.ChatRequest
	queue []*llm.ChatResponse
	err   error
}

func (s *scriptedLLM) ChatCompletion(_ context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	if len(s.queue) == 0 {
		return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant, Content: "no findings"}}, nil
	}
	resp := s.queue[0]
	s.queue = s.queue[1:]
	return resp, nil
}

type recordedOp struct {
	artifact string
	op       memory.Operation
	actor    string
}

type sinkRecorder struct {
	mu  sync.Mutex
	ops []recordedOp
}

func (s *sinkRecorder) RecordArtifactOperation(artifact string, op memory.Operation, actor string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, recordedOp{artifact, op, actor})
}

func newWorker(t *testing.T, client llm.Client) (worker.Worker, string) {
	t.Helper()

	root := t.TempDir()
	w, err := diagworker.New(worker.Deps{
		LLM:    client,
		Tools:  fstools.NewFactory(config.Workspace{}),
		Model:  "test-model",
		Budget: worker.Budget{MaxAttempts: 5},
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w, root
}

func TestExecuteProducesAnalysis(t *testing.T) {
	client := &scriptedLLM{queue: []*llm.ChatResponse{
		{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID: "c1", Type: "function",
			Function: llm.FunctionCall{Name: "read_file", Arguments: `{"path": "calc.py"}`},
		}}}},
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "calc.py divides by zero on line 1."}},
	}}
	w, root := newWorker(t, client)
	if err := os.WriteFile(filepath.Join(root, "calc.py"), []byte("1/0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	sink := &sinkRecorder{}

	result, err := w.Execute(context.Background(), worker.Task{
		Instruction: "find the bug", TargetArtifact: "calc.py", WorkingRoot: root,
	}, sink)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.ProducedText != "calc.py divides by zero on line 1." {
		t.Errorf("analysis = %q", result.ProducedText)
	}
	if result.Touched() {
		t.Error("diagnostic result must not report touched artifacts")
	}
	if len(result.Read) != 1 || result.Read[0] != "calc.py" {
		t.Errorf("read = %v, want [calc.py]", result.Read)
	}

	if len(sink.ops) != 1 {
		t.Fatalf("sink ops = %+v", sink.ops)
	}
	got := sink.ops[0]
	if got.op != memory.OpRead || got.actor != string(session.ComponentDiagnosticWorker) {
		t.Errorf("sink op = %+v", got)
	}
}

func TestExecuteRefusesMutatingTool(t *testing.T) {
	client := &scriptedLLM{queue: []*llm.ChatResponse{
		{Message: llm.Message{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{
			ID: "c1", Type: "function",
			Function: llm.FunctionCall{Name: "write_file", Arguments: `{"path": "x.py", "content": "boom"}`},
		}}}},
		{Message: llm.Message{Role: llm.RoleAssistant, Content: "cannot modify files"}},
	}}
	w, root := newWorker(t, client)

	result, err := w.Execute(context.Background(), worker.Task{
		Instruction: "fix it", WorkingRoot: root,
	}, nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, "x.py")); !os.IsNotExist(err) {
		t.Error("x.py must not exist after a refused write")
	}
	if result.Touched() {
		t.Error("refused write must not surface as an artifact")
	}

	last := client.reqs[len(client.reqs)-1].Messages
	var toolMsg *llm.Message
	for i := range last {
		if last[i].Role == llm.RoleTool {
			toolMsg = &last[i]
		}
	}
	if toolMsg == nil || !strings.Contains(toolMsg.Content, "not available") {
		t.Errorf("refusal not surfaced to model: %+v", toolMsg)
	}
}

func TestExecuteAdvertisesOnlyReadTools(t *testing.T) {
	client := &scriptedLLM{}
	w, root := newWorker(t, client)

	if _, err := w.Execute(context.Background(), worker.Task{
		Instruction: "inspect", WorkingRoot: root,
	}, nil); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(client.reqs) == 0 {
		t.Fatal("no gateway call recorded")
	}
	for _, def := range client.reqs[0].Tools {
		switch def.Function.Name {
		case "read_file", "list_files", "search_text":
		default:
			t.Errorf("advertised mutating tool %q", def.Function.Name)
		}
	}
}

func TestExecuteGatewayErrorPropagates(t *testing.T) {
	client := &scriptedLLM{err: errors.New("gateway down")}
	w, root := newWorker(t, client)

	if _, err := w.Execute(context.Background(), worker.Task{
		Instruction: "inspect", WorkingRoot: root,
	}, nil); err == nil {
		t.Fatal("expected gateway error")
	}
}

func TestRegisteredInRegistry(t *testing.T) {
	w, err := worker.New(session.WorkerDiagnostic, worker.Deps{
		LLM:   &scriptedLLM{},
		Tools: fstools.NewFactory(config.Workspace{}),
	})
	if err != nil {
		t.Fatalf("registry new: %v", err)
	}
	if w.Kind() != session.WorkerDiagnostic {
		t.Errorf("kind = %q", w.Kind())
	}
}
