// Package phase holds the per-session behavioral state machine. The machine
// is a pure lookup: it never performs I/O, it returns the actions the
// orchestrator must execute.
package phase

import (
	"errors"
	"fmt"
	"strings"
)

// Phase is a session's behavioral mode.
type Phase uint8

const (
	// Dormant is the initial phase: nothing visible is happening.
	Dormant Phase = iota
	// Thinking means activity was seen but no content has been delivered.
	Thinking
	// Streaming means content is being delivered incrementally.
	Streaming
	// ToolPending waits for an explicit approval decision. Content delivery
	// is suspended while in this phase.
	ToolPending
)

var phaseNames = [...]string{
	Dormant:     "dormant",
	Thinking:    "thinking",
	Streaming:   "streaming",
	ToolPending: "tool_pending",
}

// Phases returns every Phase in declaration order.
func Phases() []Phase {
	return []Phase{Dormant, Thinking, Streaming, ToolPending}
}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", p)
}

// Action is a side effect the orchestrator performs after a transition.
type Action uint8

const (
	// StreamUpdate publishes the transcript through the heuristic renderer.
	StreamUpdate Action = iota + 1
	// Finalize re-renders the whole turn and closes the delivery.
	Finalize
	// FinalizeEnded finalizes with the session-ended marker.
	FinalizeEnded
	// SendApprovalPrompt posts the approval menu with decision buttons.
	SendApprovalPrompt
	// ReportError posts the error line to the chat.
	ReportError
	// RemoveSession drops the session from the manager.
	RemoveSession
	// SendDecision types the chosen approval option into the process.
	SendDecision
)

func (a Action) String() string {
	switch a {
	case StreamUpdate:
		return "stream_update"
	case Finalize:
		return "finalize"
	case FinalizeEnded:
		return "finalize_ended"
	case SendApprovalPrompt:
		return "send_approval_prompt"
	case ReportError:
		return "report_error"
	case RemoveSession:
		return "remove_session"
	case SendDecision:
		return "send_decision"
	}
	return fmt.Sprintf("Action(%d)", a)
}

// Decision is the user's answer to an approval prompt.
type Decision uint8

const (
	Allow Decision = iota + 1
	AllowAlways
	Deny
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case AllowAlways:
		return "always"
	case Deny:
		return "deny"
	}
	return fmt.Sprintf("Decision(%d)", d)
}

// ParseDecision parses the String form of a Decision.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow", "yes":
		return Allow, nil
	case "always":
		return AllowAlways, nil
	case "deny", "no":
		return Deny, nil
	}
	return 0, fmt.Errorf("unknown decision %q", s)
}

var (
	// ErrUnmapped means the table has no entry for a (phase, kind) pair.
	// It is a defect in the table, never an expected runtime condition.
	ErrUnmapped = errors.New("unmapped phase transition")
	// ErrNoPendingApproval is returned when a decision arrives outside
	// ToolPending.
	ErrNoPendingApproval = errors.New("no pending approval")
)

// Resolve applies an approval decision. Allow and AllowAlways resume the
// turn in Thinking; Deny returns to Dormant. Both emit SendDecision.
func Resolve(p Phase, d Decision) (Phase, []Action, error) {
	if p != ToolPending {
		return p, nil, ErrNoPendingApproval
	}
	switch d {
	case Allow, AllowAlways:
		return Thinking, []Action{SendDecision}, nil
	case Deny:
		return Dormant, []Action{SendDecision}, nil
	}
	return p, nil, fmt.Errorf("resolve %s: unknown decision %d", p, d)
}

// DeliveryActive reports whether extracted content may be recorded for a
// cycle that moves from one phase to the next.
func DeliveryActive(from, to Phase) bool {
	return from != ToolPending && to != ToolPending
}
