// Package session tracks the relayed programs each chat user has running.
package session

import (
	"sync"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/phase"
	"github.com/asheshgoplani/agent-relay/internal/process"
	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/stream"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

// Status represents the lifecycle of a session.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

// Pipeline is the per-session state carried between polling cycles.
type Pipeline struct {
	Phase phase.Phase
	Prior screen.Kind

	Delivery  *stream.Delivery
	Extractor *screen.Extractor

	// Set while a ToolApproval prompt is waiting for a decision.
	ApprovalRef *stream.MessageRef
	Approval    *screen.Approval

	// The menu of the last resolved approval, which can stay on screen for
	// a cycle or two after the key press.
	Resolved   string
	ResolvedAt time.Time
}

// Session is one wrapped program and the terminal that renders it.
//
// Pipeline and Term are owned by whoever holds the cycle lock. The
// remaining exported fields are fixed at creation.
type Session struct {
	ID      string
	Name    string
	UserID  int64
	ChatID  int64
	WorkDir string
	Created time.Time

	Proc     *process.Adapter
	Term     *vterm.Terminal
	Pipeline Pipeline

	cycle sync.Mutex

	mu       sync.Mutex
	lastUsed time.Time
	status   Status
	phase    phase.Phase
}

// TryLockCycle claims the session for one polling cycle. It returns false
// when a cycle is already in flight.
func (s *Session) TryLockCycle() bool { return s.cycle.TryLock() }

// LockCycle waits for any in-flight cycle and claims the session.
func (s *Session) LockCycle() { s.cycle.Lock() }

// UnlockCycle releases the claim taken by TryLockCycle or LockCycle.
func (s *Session) UnlockCycle() { s.cycle.Unlock() }

// Touch records user interaction, which drives auto-selection after a kill.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// LastUsed returns the time of the last user interaction.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// Status returns the lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// ReportPhase publishes the pipeline phase for readers that do not hold
// the cycle lock.
func (s *Session) ReportPhase(p phase.Phase) {
	s.mu.Lock()
	s.phase = p
	s.mu.Unlock()
}

// CurrentPhase returns the last reported phase.
func (s *Session) CurrentPhase() phase.Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Info is a read-only view for listings.
type Info struct {
	ID       string
	Name     string
	WorkDir  string
	Phase    phase.Phase
	Created  time.Time
	LastUsed time.Time
	Selected bool
}
