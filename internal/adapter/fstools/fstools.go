// Package fstools implements the worker toolbox against a session's working
// directory. Every path is resolved under the working root; escapes are
// rejected before any filesystem call.
package fstools

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/planloom/planloom/internal/config"
	"github.com/planloom/planloom/internal/domain/memory"
	"github.com/planloom/planloom/internal/port/toolbox"
)

// Default caps applied when the configuration leaves them unset.
const (
	defaultMaxReadBytes     = 8000
	defaultMaxListEntries   = 300
	defaultMaxSearchResults = 50
)

// Toolbox executes filesystem tools inside one working root.
type Toolbox struct {
	root string

	maxReadBytes     int
	maxListEntries   int
	maxSearchResults int

	mu  sync.Mutex
	ops []toolbox.Operation
}

// NewFactory returns a factory that binds toolboxes to session working roots,
// creating the root directory if needed.
func NewFactory(cfg config.Workspace) toolbox.Factory {
	return func(workingRoot string) (toolbox.Toolbox, error) {
		abs, err := filepath.Abs(workingRoot)
		if err != nil {
			return nil, fmt.Errorf("resolve working root: %w", err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("create working root: %w", err)
		}
		return &Toolbox{
			root:             abs,
			maxReadBytes:     capOrDefault(cfg.MaxReadBytes, defaultMaxReadBytes),
			maxListEntries:   capOrDefault(cfg.MaxListEntries, defaultMaxListEntries),
			maxSearchResults: capOrDefault(cfg.MaxSearchResults, defaultMaxSearchResults),
		}, nil
	}
}

func capOrDefault(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

var specs = map[string]toolbox.Spec{
	toolbox.ToolListFiles: {
		Name:        toolbox.ToolListFiles,
		Description: "List the files and directories at a path inside the workspace.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to list, relative to the workspace root. Defaults to the root.",
				},
			},
		},
	},
	toolbox.ToolReadFile: {
		Name:        toolbox.ToolReadFile,
		Description: "Read a file from the workspace. Long files are truncated.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File to read, relative to the workspace root.",
				},
			},
			"required": []string{"path"},
		},
	},
	toolbox.ToolWriteFile: {
		Name:        toolbox.ToolWriteFile,
		Description: "Write a file in the workspace, replacing any existing content. Parent directories are created.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File to write, relative to the workspace root.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Full file content.",
				},
			},
			"required": []string{"path", "content"},
		},
	},
	toolbox.ToolAppendFile: {
		Name:        toolbox.ToolAppendFile,
		Description: "Append content to a file in the workspace, creating it if missing.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"path": map[string]any{
					"type":        "string",
					"description": "File to append to, relative to the workspace root.",
				},
				"content": map[string]any{
					"type":        "string",
					"description": "Content to append.",
				},
			},
			"required": []string{"path", "content"},
		},
	},
	toolbox.ToolSearchText: {
		Name:        toolbox.ToolSearchText,
		Description: "Search workspace files for lines containing a query string (case-insensitive).",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Text to search for.",
				},
				"path": map[string]any{
					"type":        "string",
					"description": "Directory to search under, relative to the workspace root. Defaults to the root.",
				},
			},
			"required": []string{"query"},
		},
	},
}

// Specs returns the tool specifications for the requested names, in the
// requested order. Unknown names are skipped.
func (t *Toolbox) Specs(names ...string) []toolbox.Spec {
	out := make([]toolbox.Spec, 0, len(names))
	for _, name := range names {
		if s, ok := specs[name]; ok {
			out = append(out, s)
		}
	}
	return out
}

// Execute runs the named tool. Errors are recoverable: callers surface them
// to the model as the failing call's result.
func (t *Toolbox) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch name {
	case toolbox.ToolListFiles:
		return t.listFiles(optionalStringArg(args, "path", "."))
	case toolbox.ToolReadFile:
		path, err := stringArg(args, "path")
		if err != nil {
			return "", err
		}
		return t.readFile(path)
	case toolbox.ToolWriteFile:
		path, content, err := pathContentArgs(args)
		if err != nil {
			return "", err
		}
		return t.writeFile(path, content)
	case toolbox.ToolAppendFile:
		path, content, err := pathContentArgs(args)
		if err != nil {
			return "", err
		}
		return t.appendFile(path, content)
	case toolbox.ToolSearchText:
		query, err := stringArg(args, "query")
		if err != nil {
			return "", err
		}
		return t.searchText(query, optionalStringArg(args, "path", "."))
	default:
		return "", fmt.Errorf("unknown tool %q", name)
	}
}

// TakeOperations returns the operations recorded since the last call and
// clears the log.
func (t *Toolbox) TakeOperations() []toolbox.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()
	ops := t.ops
	t.ops = nil
	return ops
}

func (t *Toolbox) record(artifact string, kind memory.Operation) {
	t.mu.Lock()
	t.ops = append(t.ops, toolbox.Operation{Artifact: artifact, Kind: kind})
	t.mu.Unlock()
}

// resolveSafe maps a workspace-relative path to an absolute one, rejecting
// absolute inputs and anything that climbs out of the root.
func (t *Toolbox) resolveSafe(rel string) (string, error) {
	if rel == "" {
		rel = "."
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", rel)
	}

	abs := filepath.Join(t.root, filepath.Clean(rel))
	sub, err := filepath.Rel(t.root, abs)
	if err != nil || sub == ".." || strings.HasPrefix(sub, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working root: %s", rel)
	}
	return abs, nil
}

// artifactID normalizes a relative path into the identifier recorded in
// session memory.
func artifactID(rel string) string {
	return filepath.ToSlash(filepath.Clean(rel))
}

func (t *Toolbox) listFiles(rel string) (string, error) {
	abs, err := t.resolveSafe(rel)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return "", fmt.Errorf("list %s: %w", rel, err)
	}
	if len(entries) == 0 {
		return "(empty)", nil
	}

	truncated := 0
	if len(entries) > t.maxListEntries {
		truncated = len(entries) - t.maxListEntries
		entries = entries[:t.maxListEntries]
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			b.WriteString(e.Name())
			b.WriteString("/\n")
			continue
		}
		info, err := e.Info()
		if err != nil {
			b.WriteString(e.Name())
			b.WriteString("\n")
			continue
		}
		fmt.Fprintf(&b, "%s (%d bytes)\n", e.Name(), info.Size())
	}
	if truncated > 0 {
		fmt.Fprintf(&b, "... truncated, %d more entries\n", truncated)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (t *Toolbox) readFile(rel string) (string, error) {
	abs, err := t.resolveSafe(rel)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	t.record(artifactID(rel), memory.OpRead)

	if len(data) > t.maxReadBytes {
		return fmt.Sprintf("%s\n... truncated, read %d of %d bytes",
			data[:t.maxReadBytes], t.maxReadBytes, len(data)), nil
	}
	return string(data), nil
}

func (t *Toolbox) writeFile(rel, content string) (string, error) {
	abs, err := t.resolveSafe(rel)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs for %s: %w", rel, err)
	}

	existed := fileExists(abs)
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", rel, err)
	}

	id := artifactID(rel)
	if existed {
		t.record(id, memory.OpModified)
		return fmt.Sprintf("updated %s (%d bytes)", id, len(content)), nil
	}
	t.record(id, memory.OpCreated)
	return fmt.Sprintf("created %s (%d bytes)", id, len(content)), nil
}

func (t *Toolbox) appendFile(rel, content string) (string, error) {
	abs, err := t.resolveSafe(rel)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent dirs for %s: %w", rel, err)
	}

	existed := fileExists(abs)
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path is jailed by resolveSafe
	if err != nil {
		return "", fmt.Errorf("open %s: %w", rel, err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(content); err != nil {
		return "", fmt.Errorf("append %s: %w", rel, err)
	}

	id := artifactID(rel)
	if existed {
		t.record(id, memory.OpModified)
	} else {
		t.record(id, memory.OpCreated)
	}
	return fmt.Sprintf("appended %d bytes to %s", len(content), id), nil
}

func (t *Toolbox) searchText(query, rel string) (string, error) {
	absRoot, err := t.resolveSafe(rel)
	if err != nil {
		return "", err
	}

	lowerQuery := strings.ToLower(query)
	var matches []string
	full := false

	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != absRoot {
				return filepath.SkipDir
			}
			return nil
		}
		if full || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		data, err := os.ReadFile(path) //nolint:gosec // G304: path is jailed by resolveSafe
		if err != nil || bytes.ContainsRune(data, 0) {
			return nil
		}

		relPath, err := filepath.Rel(t.root, path)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if strings.Contains(strings.ToLower(line), lowerQuery) {
				matches = append(matches, fmt.Sprintf("%s:%d: %s",
					filepath.ToSlash(relPath), i+1, strings.TrimSpace(line)))
				if len(matches) >= t.maxSearchResults {
					full = true
					return nil
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("search %s: %w", rel, err)
	}

	if len(matches) == 0 {
		return fmt.Sprintf("no matches for %q", query), nil
	}

	out := strings.Join(matches, "\n")
	if full {
		out += fmt.Sprintf("\n... stopped at %d matches", t.maxSearchResults)
	}
	return out, nil
}

func fileExists(abs string) bool {
	info, err := os.Stat(abs)
	return err == nil && !info.IsDir()
}

func stringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

func optionalStringArg(args map[string]any, key, def string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

func pathContentArgs(args map[string]any) (string, string, error) {
	path, err := stringArg(args, "path")
	if err != nil {
		return "", "", err
	}
	content, err := stringArg(args, "content")
	if err != nil {
		return "", "", err
	}
	return path, content, nil
}
