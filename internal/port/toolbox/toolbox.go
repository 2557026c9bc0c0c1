// Package toolbox defines the port for the tool actions a reasoning worker
// may request during its attempt loop.
package toolbox

import (
	"context"

	"github.com/planloom/planloom/internal/domain/memory"
)

// Tool names a worker may request. The set is closed: workers advertise a
// subset to the model and refuse calls outside it.
const (
	ToolListFiles  = "list_files"
	ToolReadFile   = "read_file"
	ToolWriteFile  = "write_file"
	ToolAppendFile = "append_file"
	ToolSearchText = "search_text"
)

// Spec describes one callable tool: its name, a model-facing description, and
// a JSON-schema parameter object.
type Spec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Operation records one artifact action performed by a tool call. The kind
// distinguishes creating a new artifact from modifying or reading an existing
// one.
type Operation struct {
	Artifact string
	Kind     memory.Operation
}

// Toolbox executes named tool actions against a session's working root.
// Execute returns the tool output as text; an error is recoverable by the
// caller (it is surfaced to the model as the failing call's result, not
// propagated).
type Toolbox interface {
	Specs(names ...string) []Spec
	Execute(ctx context.Context, name string, args map[string]any) (string, error)

	// TakeOperations returns the artifact operations performed since the
	// last call and clears the log. Workers drain it after each Execute to
	// keep memory recency in step with tool activity.
	TakeOperations() []Operation
}

// Factory builds a toolbox bound to one session's working root.
type Factory func(workingRoot string) (Toolbox, error)
