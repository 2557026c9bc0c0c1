// Package memory provides the per-session short-term memory: a rolling
// conversation log, a recent-artifact log, and the reference resolver that maps
// ambiguous phrases ("it", "that file") to concrete artifact identifiers.
package memory

import (
	"slices"
	"strings"
	"time"
)

// Bounds for the rolling logs. Oldest conversation turns are evicted first;
// artifact events are kept most-recent-first.
const (
	MaxTurns          = 10
	MaxArtifactEvents = 20
)

// Operation categorizes what a worker did to an artifact.
type Operation string

const (
	OpCreated  Operation = "created"
	OpModified Operation = "modified"
	OpRead     Operation = "read"
)

// ValidOperations lists all valid artifact operations.
var ValidOperations = []Operation{OpCreated, OpModified, OpRead}

// Mutating reports whether the operation changed the artifact.
func (o Operation) Mutating() bool {
	return o == OpCreated || o == OpModified
}

// Roles for conversation turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is a single conversation entry.
type Turn struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Artifacts []string  `json:"artifacts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ArtifactEvent records one operation on one artifact.
type ArtifactEvent struct {
	Artifact  string    `json:"artifact"`
	Operation Operation `json:"operation"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// referenceCues are the phrases that signal an ambiguous artifact reference.
var referenceCues = []string{
	"it", "that", "this", "the file", "the script",
	"that file", "this file", "the code", "that code",
}

// Memory is the short-term memory of one session. The zero value is usable.
type Memory struct {
	Turns        []Turn          `json:"turns"`
	Artifacts    []ArtifactEvent `json:"artifacts"`
	CurrentFocus string          `json:"current_focus,omitempty"`
}

// RecordTurn appends a conversation turn and evicts the oldest entries beyond
// MaxTurns.
func (m *Memory) RecordTurn(role, content string, artifacts []string) {
	m.Turns = append(m.Turns, Turn{
		Role:      role,
		Content:   content,
		Artifacts: artifacts,
		Timestamp: time.Now().UTC(),
	})
	if n := len(m.Turns); n > MaxTurns {
		m.Turns = slices.Clone(m.Turns[n-MaxTurns:])
	}
}

// RecordArtifactOperation prepends an artifact event, removing any prior entry
// for the same artifact first, and truncates to MaxArtifactEvents. Created and
// modified operations move the current focus to the artifact.
func (m *Memory) RecordArtifactOperation(artifact string, op Operation, actor string) {
	if artifact == "" {
		return
	}
	events := make([]ArtifactEvent, 0, len(m.Artifacts)+1)
	events = append(events, ArtifactEvent{
		Artifact:  artifact,
		Operation: op,
		Actor:     actor,
		Timestamp: time.Now().UTC(),
	})
	for _, e := range m.Artifacts {
		if e.Artifact != artifact {
			events = append(events, e)
		}
	}
	if len(events) > MaxArtifactEvents {
		events = events[:MaxArtifactEvents]
	}
	m.Artifacts = events

	if op.Mutating() {
		m.CurrentFocus = artifact
	}
}

// ResolveReference maps free text to an artifact identifier, best effort:
//
//  1. An artifact from generated that literally appears in the text wins
//     (case-insensitive substring; an exact mention beats any inference).
//  2. Otherwise, if the text contains a reference cue, return the current
//     focus; failing that, the most recent created/modified artifact; failing
//     that, the last generated artifact.
//  3. Otherwise return "" — no cue means no guess.
func (m *Memory) ResolveReference(text string, generated []string) string {
	lower := strings.ToLower(text)

	for _, g := range generated {
		if g != "" && strings.Contains(lower, strings.ToLower(g)) {
			return g
		}
	}

	if !containsCue(lower) {
		return ""
	}

	if m.CurrentFocus != "" {
		return m.CurrentFocus
	}
	for _, e := range m.Artifacts {
		if e.Operation.Mutating() {
			return e.Artifact
		}
	}
	if len(generated) > 0 {
		return generated[len(generated)-1]
	}
	return ""
}

func containsCue(lower string) bool {
	for _, cue := range referenceCues {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

// RecentTurns returns up to n of the latest conversation turns, oldest first.
func (m *Memory) RecentTurns(n int) []Turn {
	if n <= 0 || n > len(m.Turns) {
		n = len(m.Turns)
	}
	return m.Turns[len(m.Turns)-n:]
}

// RecentArtifacts returns up to n of the latest artifact events,
// most recent first.
func (m *Memory) RecentArtifacts(n int) []ArtifactEvent {
	if n <= 0 || n > len(m.Artifacts) {
		n = len(m.Artifacts)
	}
	return m.Artifacts[:n]
}

// Clone returns a deep copy.
func (m *Memory) Clone() Memory {
	out := Memory{CurrentFocus: m.CurrentFocus}
	out.Turns = make([]Turn, len(m.Turns))
	for i, t := range m.Turns {
		t.Artifacts = slices.Clone(t.Artifacts)
		out.Turns[i] = t
	}
	out.Artifacts = slices.Clone(m.Artifacts)
	return out
}

// ContextSummary renders the memory as prompt context for a reasoning worker:
// the recent conversation, the recent artifact operations, and the current
// focus. Empty sections are omitted.
func (m *Memory) ContextSummary() string {
	var b strings.Builder

	if len(m.Turns) > 0 {
		b.WriteString("Recent conversation:\n")
		for _, t := range m.RecentTurns(5) {
			b.WriteString("- ")
			b.WriteString(t.Role)
			b.WriteString(": ")
			b.WriteString(truncate(t.Content, 200))
			b.WriteString("\n")
		}
	}
	if len(m.Artifacts) > 0 {
		b.WriteString("Recently touched artifacts (most recent first):\n")
		for _, e := range m.RecentArtifacts(5) {
			b.WriteString("- ")
			b.WriteString(e.Artifact)
			b.WriteString(" (")
			b.WriteString(string(e.Operation))
			b.WriteString(" by ")
			b.WriteString(e.Actor)
			b.WriteString(")\n")
		}
	}
	if m.CurrentFocus != "" {
		b.WriteString("Current focus: ")
		b.WriteString(m.CurrentFocus)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
