package phase

import (
	"fmt"
	"slices"

	"github.com/asheshgoplani/agent-relay/internal/screen"
)

// Key is one cell of the transition table.
type Key struct {
	Phase Phase
	Kind  screen.Kind
}

// Entry is the result of a transition.
type Entry struct {
	Next    Phase
	Actions []Action
}

// Table maps every (phase, observation kind) pair to its entry.
type Table map[Key]Entry

var (
	activityKinds = []screen.Kind{screen.Thinking, screen.ToolRunning, screen.BackgroundTask, screen.ParallelAgents}
	contentKinds  = []screen.Kind{screen.ToolResult, screen.LiveOutput, screen.TaskList}
	neutralKinds  = []screen.Kind{screen.UserInput, screen.Startup, screen.Unrecognized}
)

var defaultTable = buildDefaultTable()

// DefaultTable returns a copy of the built-in transition table.
func DefaultTable() Table {
	t := make(Table, len(defaultTable))
	for k, e := range defaultTable {
		t[k] = Entry{Next: e.Next, Actions: slices.Clone(e.Actions)}
	}
	return t
}

func buildDefaultTable() Table {
	t := Table{}
	set := func(p Phase, kinds []screen.Kind, next Phase, actions ...Action) {
		for _, k := range kinds {
			t[Key{p, k}] = Entry{Next: next, Actions: actions}
		}
	}
	one := func(k screen.Kind) []screen.Kind { return []screen.Kind{k} }

	// Dormant: wait for content before opening a message.
	set(Dormant, activityKinds, Thinking)
	set(Dormant, contentKinds, Streaming, StreamUpdate)
	set(Dormant, one(screen.ToolApproval), ToolPending, SendApprovalPrompt)
	set(Dormant, one(screen.IdlePrompt), Dormant)
	set(Dormant, one(screen.Error), Dormant, ReportError)
	set(Dormant, neutralKinds, Dormant)

	// Thinking and Streaming behave alike apart from where activity and
	// neutral observations leave them. Activity keeps Thinking until
	// content arrives or the first message opens; the orchestrator makes
	// the latter move.
	for _, p := range []Phase{Thinking, Streaming} {
		set(p, activityKinds, p, StreamUpdate)
		set(p, contentKinds, Streaming, StreamUpdate)
		set(p, one(screen.ToolApproval), ToolPending, Finalize, SendApprovalPrompt)
		set(p, one(screen.IdlePrompt), Dormant, Finalize)
		set(p, one(screen.Error), Dormant, Finalize, ReportError)
		set(p, neutralKinds, p)
	}

	// ToolPending only leaves through Resolve or process exit.
	for _, k := range screen.Kinds() {
		set(ToolPending, one(k), ToolPending)
	}

	for _, p := range Phases() {
		set(p, one(screen.ProcessExited), Dormant, FinalizeEnded, RemoveSession)
	}
	return t
}

// Lookup returns the entry for (p, k), or ErrUnmapped.
func (t Table) Lookup(p Phase, k screen.Kind) (Entry, error) {
	e, ok := t[Key{p, k}]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s + %s", ErrUnmapped, p, k)
	}
	return Entry{Next: e.Next, Actions: slices.Clone(e.Actions)}, nil
}

// Transition returns the next phase and the ordered actions for (p, k). On
// an unmapped pair the phase is unchanged and no actions run.
func (t Table) Transition(p Phase, k screen.Kind) (Phase, []Action, error) {
	e, err := t.Lookup(p, k)
	if err != nil {
		return p, nil, err
	}
	return e.Next, e.Actions, nil
}

// Missing lists the pairs the table does not define.
func (t Table) Missing() []Key {
	var out []Key
	for _, p := range Phases() {
		for _, k := range screen.Kinds() {
			if _, ok := t[Key{p, k}]; !ok {
				out = append(out, Key{p, k})
			}
		}
	}
	return out
}

// Lookup consults the default table.
func Lookup(p Phase, k screen.Kind) (Entry, error) { return defaultTable.Lookup(p, k) }

// Transition consults the default table.
func Transition(p Phase, k screen.Kind) (Phase, []Action, error) {
	return defaultTable.Transition(p, k)
}
