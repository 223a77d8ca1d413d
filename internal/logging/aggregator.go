package logging

import (
	"cmp"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// sessionKey is the attribute the relay tags per-session events with. The
// aggregator counts it per value instead of keeping the last one.
const sessionKey = "session_id"

type aggregateKey struct {
	Component string
	Event     string
}

type aggregateEntry struct {
	Count    int64
	First    time.Time
	Last     time.Time
	Sessions map[string]int64
	Fields   []slog.Attr
}

// Aggregator batches high-frequency relay events (skipped cycles, rate
// limited edits, classifier verdicts) and logs one event_summary per
// component and event each interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	entries map[aggregateKey]*aggregateEntry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewAggregator creates an aggregator that flushes every intervalSecs seconds.
// If logger is nil, recorded events are silently dropped.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		now:      time.Now,
		entries:  make(map[aggregateKey]*aggregateEntry),
		done:     make(chan struct{}),
	}
}

func (a *Aggregator) Start() {
	a.wg.Add(1)
	go a.flushLoop()
}

// Stop flushes remaining entries and stops the background goroutine.
func (a *Aggregator) Stop() {
	close(a.done)
	a.wg.Wait()
	a.flush()
}

// Record counts one occurrence. A session_id attribute is tallied per
// session; other fields are kept from the most recent call.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	key := aggregateKey{Component: component, Event: event}
	entry, ok := a.entries[key]
	if !ok {
		entry = &aggregateEntry{First: now}
		a.entries[key] = entry
	}
	entry.Count++
	entry.Last = now

	rest := fields[:0:0]
	for _, f := range fields {
		if f.Key == sessionKey {
			if entry.Sessions == nil {
				entry.Sessions = make(map[string]int64)
			}
			entry.Sessions[f.Value.String()]++
			continue
		}
		rest = append(rest, f)
	}
	if len(rest) > 0 {
		entry.Fields = rest
	}
}

func (a *Aggregator) flushLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.flush()
		case <-a.done:
			return
		}
	}
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if len(a.entries) == 0 {
		a.mu.Unlock()
		return
	}
	entries := a.entries
	a.entries = make(map[aggregateKey]*aggregateEntry)
	a.mu.Unlock()

	if a.logger == nil {
		return
	}

	keys := make([]aggregateKey, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(x, y aggregateKey) int {
		return cmp.Or(cmp.Compare(x.Component, y.Component), cmp.Compare(x.Event, y.Event))
	})

	for _, key := range keys {
		entry := entries[key]
		attrs := []any{
			slog.String("component", key.Component),
			slog.String("event", key.Event),
			slog.Int64("count", entry.Count),
			slog.Int("window_seconds", int(a.interval.Seconds())),
			slog.Duration("span", entry.Last.Sub(entry.First)),
		}
		if len(entry.Sessions) > 0 {
			id, n := busiest(entry.Sessions)
			attrs = append(attrs,
				slog.Int("sessions", len(entry.Sessions)),
				slog.String("busiest_session", id),
				slog.Int64("busiest_count", n))
		}
		for _, f := range entry.Fields {
			attrs = append(attrs, f)
		}
		a.logger.Info("event_summary", attrs...)
	}
}

// busiest returns the session with the most occurrences; ties go to the
// smallest id so summaries are stable.
func busiest(counts map[string]int64) (string, int64) {
	var (
		id string
		n  int64
	)
	for k, v := range counts {
		if v > n || (v == n && k < id) {
			id, n = k, v
		}
	}
	return id, n
}
