package session

import "time"

// EventKind names a lifecycle event.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventSubmitted EventKind = "submitted"
	EventPhase     EventKind = "phase"
	EventApproval  EventKind = "approval"
	EventDecision  EventKind = "decision"
	EventError     EventKind = "error"
	EventKilled    EventKind = "killed"
	EventEnded     EventKind = "ended"
)

// Event is one entry in a session's history.
type Event struct {
	SessionID string
	UserID    int64
	ChatID    int64
	Name      string
	WorkDir   string
	Kind      EventKind
	From, To  string // phase names, for EventPhase
	Detail    string
	At        time.Time
}

// NewEvent fills the session fields of an event.
func NewEvent(s *Session, kind EventKind, detail string) Event {
	return Event{
		SessionID: s.ID,
		UserID:    s.UserID,
		ChatID:    s.ChatID,
		Name:      s.Name,
		WorkDir:   s.WorkDir,
		Kind:      kind,
		Detail:    detail,
		At:        time.Now(),
	}
}

// Terminal reports whether the event ends the session.
func (k EventKind) Terminal() bool { return k == EventKilled || k == EventEnded }
