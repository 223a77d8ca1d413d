package statedb

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/session"
)

var storeLog = logging.ForComponent(logging.CompStorage)

// DefaultRecorderBuffer is the number of events queued before new ones
// are dropped.
const DefaultRecorderBuffer = 256

// Recorder writes session events from a background goroutine so callers
// never wait on the database.
type Recorder struct {
	db     *StateDB
	events chan session.Event
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewRecorder starts the writer goroutine. Close stops it.
func NewRecorder(db *StateDB, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	r := &Recorder{
		db:     db,
		events: make(chan session.Event, buffer),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordSessionEvent queues ev. When the queue is full or the recorder is
// closed the event is dropped and counted.
func (r *Recorder) RecordSessionEvent(ev session.Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
		logging.Aggregate(logging.CompStorage, "event_dropped",
			slog.String("session_id", ev.SessionID),
			slog.String("kind", string(ev.Kind)))
	}
}

// Dropped returns how many events were discarded because the queue was
// full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close drains queued events and stops the writer.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return nil
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()
	<-r.done
	return nil
}

// Events returns a session's recent history.
func (r *Recorder) Events(ctx context.Context, sessionID string, limit int) ([]*EventRow, error) {
	return r.db.Events(ctx, sessionID, limit)
}

// Sessions returns the user's recent sessions.
func (r *Recorder) Sessions(ctx context.Context, userID int64, limit int) ([]*SessionRow, error) {
	return r.db.SessionsForUser(ctx, userID, limit)
}

func (r *Recorder) run() {
	defer close(r.done)
	for ev := range r.events {
		if err := r.write(ev); err != nil {
			storeLog.Warn("event_write_failed",
				slog.String("session_id", ev.SessionID),
				slog.String("kind", string(ev.Kind)),
				slog.String("error", err.Error()))
		}
	}
}

func (r *Recorder) write(ev session.Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := r.db.SaveSession(ctx, &SessionRow{
		ID:        ev.SessionID,
		UserID:    ev.UserID,
		ChatID:    ev.ChatID,
		Name:      ev.Name,
		WorkDir:   ev.WorkDir,
		CreatedAt: at,
	}); err != nil {
		return err
	}
	if _, err := r.db.AppendEvent(ctx, &EventRow{
		SessionID: ev.SessionID,
		Kind:      string(ev.Kind),
		FromPhase: ev.From,
		ToPhase:   ev.To,
		Detail:    ev.Detail,
		At:        at,
	}); err != nil {
		return err
	}
	if ev.Kind.Terminal() {
		reason := ev.Detail
		if reason == "" {
			reason = string(ev.Kind)
		}
		return r.db.EndSession(ctx, ev.SessionID, at, reason)
	}
	return nil
}
