// Package relay drives every session's pipeline: it polls the wrapped
// programs, classifies their screens and streams the result to chat.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/phase"
	"github.com/asheshgoplani/agent-relay/internal/process"
	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/stream"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

var relayLog = logging.ForComponent(logging.CompRelay)

const (
	DefaultInterval        = 300 * time.Millisecond
	DefaultApprovalEcho    = 3 * time.Second
	DefaultShutdownTimeout = 10 * time.Second

	endedMarker   = "session ended"
	killedMarker  = "session killed"
	stoppedMarker = "relay stopped"

	maxDetailRunes = 120
)

// ErrAwaitingApproval is returned by Submit while a tool approval is open.
var ErrAwaitingApproval = errors.New("waiting for an approval decision")

// EventRecorder receives lifecycle events. RecordSessionEvent must not
// block.
type EventRecorder interface {
	RecordSessionEvent(ev session.Event)
}

type nopRecorder struct{}

func (nopRecorder) RecordSessionEvent(session.Event) {}

// Config tunes the orchestrator. Zero fields take the defaults.
type Config struct {
	Interval time.Duration
	// ApprovalEcho is how long a just-answered menu still on screen is
	// ignored.
	ApprovalEcho    time.Duration
	ShutdownTimeout time.Duration
	Retry           stream.Retry
	Now             func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.ApprovalEcho <= 0 {
		c.ApprovalEcho = DefaultApprovalEcho
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = stream.DefaultRetry
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

type classifierBox struct{ screen.Classifier }

// Orchestrator runs the polling loop and carries user commands into the
// sessions it drives.
type Orchestrator struct {
	cfg    Config
	mgr    *session.Manager
	sink   stream.MessageSink
	events EventRecorder
	table  phase.Table

	classifier atomic.Pointer[classifierBox]
	wg         sync.WaitGroup
}

// New returns an orchestrator over mgr. events may be nil; patterns may be
// nil for the defaults.
func New(mgr *session.Manager, sink stream.MessageSink, events EventRecorder, patterns *screen.Patterns, cfg Config) *Orchestrator {
	if events == nil {
		events = nopRecorder{}
	}
	if patterns == nil {
		patterns = screen.MustDefaultPatterns()
	}
	o := &Orchestrator{
		cfg:    cfg.withDefaults(),
		mgr:    mgr,
		sink:   sink,
		events: events,
		table:  phase.DefaultTable(),
	}
	o.classifier.Store(&classifierBox{BuildClassifier(patterns)})
	return o
}

// BuildClassifier composes the pattern classifier with the standard
// middleware.
func BuildClassifier(p *screen.Patterns) screen.Classifier {
	log := logging.ForComponent(logging.CompScreen)
	return screen.Chain(screen.NewClassifier(p),
		screen.WithLogging(log),
		screen.WithStats(),
		screen.WithUnrecognizedHook(func(snap vterm.Snapshot) {
			if !log.Enabled(context.Background(), slog.LevelDebug) {
				return
			}
			log.Debug("unrecognized_screen", slog.String("screen", snap.Text()))
		}),
	)
}

// SetPatterns swaps the classifier used from the next cycle on. Sessions
// created afterwards extract with the new patterns too.
func (o *Orchestrator) SetPatterns(p *screen.Patterns) {
	if p == nil {
		return
	}
	o.classifier.Store(&classifierBox{BuildClassifier(p)})
	o.mgr.SetPatterns(p)
	relayLog.Info("patterns_updated")
}

// Run polls until ctx is done, then shuts every session down.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.Interval)
	defer ticker.Stop()

	relayLog.Info("relay_started", slog.Duration("interval", o.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick starts one cycle for every session that is not still busy with the
// previous one. It does not wait for the cycles.
func (o *Orchestrator) Tick(ctx context.Context) {
	for _, s := range o.mgr.All() {
		if s.Status() != session.StatusActive {
			continue
		}
		if !s.TryLockCycle() {
			logging.Aggregate(logging.CompRelay, "cycle_skipped", slog.String("session_id", s.ID))
			continue
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			defer s.UnlockCycle()
			o.cycle(ctx, s)
		}()
	}
}

// Wait blocks until the cycles started so far have finished.
func (o *Orchestrator) Wait() { o.wg.Wait() }

func (o *Orchestrator) cycle(ctx context.Context, s *session.Session) {
	if s.Status() != session.StatusActive {
		return
	}
	now := o.cfg.Now()
	p := &s.Pipeline

	if out := s.Proc.ReadAvailable(); len(out) > 0 {
		_, _ = s.Term.Write(out)
	}
	if replies := s.Term.Replies(); len(replies) > 0 {
		if _, err := s.Proc.Write(replies); err != nil {
			relayLog.Debug("terminal_reply_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}

	var obs screen.Observation
	if !s.Proc.Alive() {
		obs = screen.Observation{Kind: screen.ProcessExited}
	} else {
		obs = o.classify(s.Term.Snapshot(), p, now)
	}
	delta := s.Term.DrainChanges()
	regions := p.Extractor.Extract(delta)

	from := p.Phase
	next, actions, err := o.table.Transition(from, obs.Kind)
	if err != nil {
		relayLog.Error("unmapped_transition",
			slog.String("session_id", s.ID),
			slog.String("phase", from.String()),
			slog.String("kind", obs.Kind.String()))
		next, actions = from, nil
	}
	if phase.DeliveryActive(from, next) {
		p.Delivery.Record(regions, delta.Dropped, delta.Cleared)
	}
	p.Phase = next
	p.Prior = obs.Kind
	if next != from {
		s.ReportPhase(next)
		o.recordPhase(s, from, next, obs.Kind.String())
	}

	o.execute(ctx, s, obs, actions, now)

	if s.Status() != session.StatusActive {
		return
	}
	_ = p.Delivery.Flush(ctx, now)
	if _, open := p.Delivery.Ref(); open && p.Phase == phase.Thinking {
		p.Phase = phase.Streaming
		s.ReportPhase(phase.Streaming)
		o.recordPhase(s, phase.Thinking, phase.Streaming, "message_opened")
	}
}

// classify runs the classifier and hides the menu of an approval that was
// just answered while it lingers on screen.
func (o *Orchestrator) classify(snap vterm.Snapshot, p *session.Pipeline, now time.Time) screen.Observation {
	obs := o.classifier.Load().Classify(snap, screen.Context{Prior: p.Prior})
	if p.Resolved == "" {
		return obs
	}
	if obs.Kind == screen.ToolApproval && approvalKey(obs.Approval) == p.Resolved &&
		now.Sub(p.ResolvedAt) < o.cfg.ApprovalEcho {
		logging.Aggregate(logging.CompRelay, "approval_echo_suppressed")
		return screen.Observation{Kind: screen.Unrecognized, Line: obs.Line}
	}
	p.Resolved = ""
	return obs
}

func (o *Orchestrator) execute(ctx context.Context, s *session.Session, obs screen.Observation, actions []phase.Action, now time.Time) {
	p := &s.Pipeline
	for _, a := range actions {
		switch a {
		case phase.StreamUpdate:
			p.Delivery.Publish(now)
		case phase.Finalize:
			o.finalize(ctx, s, "")
		case phase.FinalizeEnded:
			o.finalize(ctx, s, endedMarker)
		case phase.SendApprovalPrompt:
			o.sendApprovalPrompt(ctx, s, obs)
		case phase.ReportError:
			o.reportError(ctx, s, obs)
		case phase.RemoveSession:
			if _, ok := o.mgr.Remove(s.ID); ok {
				o.record(s, session.EventEnded, "process exited")
			}
		case phase.SendDecision:
			// Emitted by Resolve only; ResolveApproval handles it.
		}
	}
}

func (o *Orchestrator) finalize(ctx context.Context, s *session.Session, marker string) {
	if err := s.Pipeline.Delivery.Finalize(ctx, marker); err != nil {
		relayLog.Warn("finalize_failed",
			slog.String("session_id", s.ID),
			slog.String("marker", marker),
			slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) sendApprovalPrompt(ctx context.Context, s *session.Session, obs screen.Observation) {
	p := &s.Pipeline
	a := obs.Approval
	if a == nil {
		a = &screen.Approval{Question: obs.Line}
	}
	p.Approval = a
	p.ApprovalRef = nil

	ref, err := o.cfg.Retry.Send(ctx, o.sink, s.ChatID, approvalContent(s, a, ""), approvalMarkup(s.ID))
	if err != nil {
		relayLog.Warn("approval_prompt_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	} else {
		p.ApprovalRef = &ref
	}
	o.record(s, session.EventApproval, a.Question)
}

func (o *Orchestrator) reportError(ctx context.Context, s *session.Session, obs screen.Observation) {
	text := fmt.Sprintf("⚠️ %s: %s", s.Name, obs.Line)
	if _, err := o.cfg.Retry.Send(ctx, o.sink, s.ChatID, stream.Content{Text: text}, nil); err != nil {
		relayLog.Warn("error_report_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
	}
	o.record(s, session.EventError, obs.Line)
}

// Create starts a session for a user and selects it.
func (o *Orchestrator) Create(ctx context.Context, opts session.CreateOptions) (*session.Session, error) {
	s, err := o.mgr.Create(ctx, opts)
	if err != nil {
		return nil, err
	}
	o.record(s, session.EventCreated, s.WorkDir)
	return s, nil
}

// Submit types text into the user's active session. A turn still in
// progress is finalized first so the answer opens a new message.
func (o *Orchestrator) Submit(ctx context.Context, userID int64, text string) (*session.Session, error) {
	s, err := o.mgr.Active(userID)
	if err != nil {
		return nil, err
	}
	s.LockCycle()
	defer s.UnlockCycle()
	if s.Status() != session.StatusActive {
		return nil, session.ErrNotFound
	}

	p := &s.Pipeline
	switch p.Phase {
	case phase.ToolPending:
		return s, ErrAwaitingApproval
	case phase.Dormant:
		p.Delivery.BeginTurn()
	default:
		o.finalize(ctx, s, "")
	}

	if err := s.Proc.Submit(ctx, text); err != nil {
		return s, fmt.Errorf("submit to %s: %w", s.Name, err)
	}
	s.Touch()
	o.record(s, session.EventSubmitted, truncateRunes(text, maxDetailRunes))
	return s, nil
}

// ResolveApproval answers the open approval of a session: it presses the
// menu key, edits the prompt message and moves the phase on.
func (o *Orchestrator) ResolveApproval(ctx context.Context, sessionID string, d phase.Decision) (*session.Session, error) {
	s, ok := o.mgr.Get(sessionID)
	if !ok {
		return nil, session.ErrNotFound
	}
	s.LockCycle()
	defer s.UnlockCycle()

	p := &s.Pipeline
	from := p.Phase
	next, actions, err := phase.Resolve(from, d)
	if err != nil {
		return s, err
	}
	if err := s.Proc.SendKey(ctx, decisionKey(p.Approval, d)); err != nil {
		return s, fmt.Errorf("send decision to %s: %w", s.Name, err)
	}

	for _, a := range actions {
		if a != phase.SendDecision || p.ApprovalRef == nil || p.Approval == nil {
			continue
		}
		c := approvalContent(s, p.Approval, decisionOutcome(d))
		if err := o.cfg.Retry.Edit(ctx, o.sink, *p.ApprovalRef, c, nil); err != nil {
			relayLog.Warn("approval_edit_failed", slog.String("session_id", s.ID), slog.String("error", err.Error()))
		}
	}

	p.Resolved = approvalKey(p.Approval)
	p.ResolvedAt = o.cfg.Now()
	p.Approval, p.ApprovalRef = nil, nil
	p.Phase = next
	p.Delivery.BeginTurn()
	s.ReportPhase(next)
	s.Touch()

	o.record(s, session.EventDecision, d.String())
	o.recordPhase(s, from, next, "decision")
	relayLog.Info("approval_resolved", slog.String("session_id", s.ID), slog.String("decision", d.String()))
	return s, nil
}

// Kill finalizes and terminates the session matching query.
func (o *Orchestrator) Kill(ctx context.Context, userID int64, query string) (*session.Session, error) {
	s, err := o.mgr.Find(userID, query)
	if err != nil {
		return nil, err
	}
	s.LockCycle()
	defer s.UnlockCycle()
	if s.Status() != session.StatusActive {
		return nil, session.ErrNotFound
	}

	o.finalize(ctx, s, killedMarker)
	killed, err := o.mgr.Kill(ctx, userID, s.ID)
	if killed != nil {
		o.record(s, session.EventKilled, "killed by user")
	}
	return killed, err
}

// Interrupt sends Escape, the wrapped program's interrupt key, to the
// user's active session.
func (o *Orchestrator) Interrupt(ctx context.Context, userID int64) (*session.Session, error) {
	s, err := o.mgr.Active(userID)
	if err != nil {
		return nil, err
	}
	if err := s.Proc.SendKey(ctx, process.KeyEscape); err != nil {
		return s, fmt.Errorf("interrupt %s: %w", s.Name, err)
	}
	s.Touch()
	return s, nil
}

// Screen returns the current screen text of the user's active session.
func (o *Orchestrator) Screen(userID int64) (*session.Session, string, error) {
	s, err := o.mgr.Active(userID)
	if err != nil {
		return nil, "", err
	}
	s.LockCycle()
	defer s.UnlockCycle()
	return s, s.Term.Snapshot().Text(), nil
}

// List returns the user's sessions in creation order.
func (o *Orchestrator) List(userID int64) []session.Info { return o.mgr.List(userID) }

// Select makes the session matching query the user's active one.
func (o *Orchestrator) Select(userID int64, query string) (*session.Session, error) {
	return o.mgr.Select(userID, query)
}

// shutdown waits for running cycles, then finalizes and terminates every
// session concurrently under a fresh deadline.
func (o *Orchestrator) shutdown() error {
	o.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.ShutdownTimeout)
	defer cancel()

	sessions := o.mgr.All()
	relayLog.Info("relay_stopping", slog.Int("sessions", len(sessions)))

	var g errgroup.Group
	for _, s := range sessions {
		g.Go(func() error {
			s.LockCycle()
			defer s.UnlockCycle()
			o.finalize(ctx, s, stoppedMarker)
			o.record(s, session.EventEnded, stoppedMarker)
			return nil
		})
	}
	_ = g.Wait()
	return o.mgr.Shutdown(ctx)
}

func (o *Orchestrator) record(s *session.Session, kind session.EventKind, detail string) {
	o.events.RecordSessionEvent(session.NewEvent(s, kind, detail))
}

func (o *Orchestrator) recordPhase(s *session.Session, from, to phase.Phase, detail string) {
	ev := session.NewEvent(s, session.EventPhase, detail)
	ev.From, ev.To = from.String(), to.String()
	o.events.RecordSessionEvent(ev)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
