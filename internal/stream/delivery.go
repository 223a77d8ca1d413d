package stream

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/screen"
)

// Config tunes a Delivery. Zero fields take the defaults.
type Config struct {
	ChatID int64

	// Debounce is how long a staged update waits for newer content.
	Debounce time.Duration
	// MinEditInterval spaces sends and edits of the same message.
	MinEditInterval time.Duration
	// FinalizeWait bounds how long Finalize waits for the rate limiter.
	FinalizeWait time.Duration

	MaxChars           int
	MaxTranscriptLines int
	Retry              Retry
}

const (
	DefaultDebounce        = 500 * time.Millisecond
	DefaultMinEditInterval = time.Second
	DefaultFinalizeWait    = 3 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.MinEditInterval < 0 {
		c.MinEditInterval = 0
	} else if c.MinEditInterval == 0 {
		c.MinEditInterval = DefaultMinEditInterval
	}
	if c.FinalizeWait <= 0 {
		c.FinalizeWait = DefaultFinalizeWait
	}
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.MaxTranscriptLines <= 0 {
		c.MaxTranscriptLines = DefaultMaxTranscriptLines
	}
	if c.Retry.Attempts <= 0 {
		c.Retry = DefaultRetry
	}
	return c
}

// Delivery streams one session's turns to a chat. It is not safe for
// concurrent use; the session's cycle lock serializes callers.
//
// A turn's life: Record feeds regions every cycle, Publish renders and
// stages an update when the content changed, Flush sends the staged update
// once the debounce window has passed and the limiter allows, Finalize
// re-renders the whole turn in HTML and resets for the next one.
type Delivery struct {
	cfg  Config
	sink MessageSink
	log  *slog.Logger

	transcript *Transcript
	limiter    *rate.Limiter

	ref       *MessageRef
	delivered string

	pending      *Content
	pendingFP    string
	pendingSince time.Time
}

// NewDelivery returns a Delivery writing to sink.
func NewDelivery(sink MessageSink, cfg Config) *Delivery {
	cfg = cfg.withDefaults()
	return &Delivery{
		cfg:        cfg,
		sink:       sink,
		log:        logging.ForComponent(logging.CompStream),
		transcript: NewTranscript(cfg.MaxTranscriptLines),
		limiter:    newLimiter(cfg.MinEditInterval),
	}
}

func newLimiter(interval time.Duration) *rate.Limiter {
	if interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(interval), 1)
}

// Record adds one cycle of extracted regions to the turn.
func (d *Delivery) Record(regions []screen.Region, lost int, cleared bool) {
	d.transcript.Record(regions, lost, cleared)
}

// Publish renders the transcript with the streaming renderer and stages it
// unless it matches what was last delivered or already staged. It reports
// whether a new update was staged.
func (d *Delivery) Publish(now time.Time) bool {
	if d.transcript.Empty() {
		return false
	}
	text, _ := Truncate(RenderPlain(d.transcript.Entries()), d.cfg.MaxChars)
	if text == "" {
		return false
	}
	fp := Fingerprint(text)
	if fp == d.delivered {
		d.pending = nil
		return false
	}
	if d.pending != nil && fp == d.pendingFP {
		return false
	}
	if d.pending == nil {
		d.pendingSince = now
	}
	d.pending = &Content{Text: text}
	d.pendingFP = fp
	return true
}

// Flush sends the staged update when its debounce window has elapsed and
// the limiter has a token. Otherwise the update stays staged and is merged
// with later ones. A failed send keeps the update staged and leaves the
// delivered fingerprint unchanged.
func (d *Delivery) Flush(ctx context.Context, now time.Time) error {
	if d.pending == nil || now.Sub(d.pendingSince) < d.cfg.Debounce {
		return nil
	}
	if !d.limiter.AllowN(now, 1) {
		logging.Aggregate(logging.CompStream, "edit_rate_limited")
		return nil
	}
	if err := d.deliver(ctx, *d.pending); err != nil {
		d.log.Warn("stream_update_failed",
			slog.Int64("chat_id", d.cfg.ChatID),
			slog.String("error", err.Error()))
		return err
	}
	d.delivered = d.pendingFP
	d.pending = nil
	return nil
}

// Finalize replaces the streamed message with the attribute-aware render of
// the full turn, followed by marker when non-empty, then starts a new turn.
// Delivery is best effort: the turn is reset even when the send fails.
func (d *Delivery) Finalize(ctx context.Context, marker string) error {
	defer d.reset()

	entries := d.transcript.Entries()
	if len(entries) == 0 && marker == "" {
		return nil
	}
	entries, cut := TrimEntries(entries, d.cfg.MaxChars)

	body := RenderHTML(entries, d.transcript.Omitted())
	if cut > 0 {
		body = fmt.Sprintf("<i>…[truncated %d chars]</i>\n", cut) + body
	}
	if marker != "" {
		if body != "" {
			body += "\n\n"
		}
		body += "<i>" + html.EscapeString(marker) + "</i>"
	}

	if err := d.waitLimiter(ctx); err != nil {
		return err
	}
	if err := d.deliver(ctx, Content{Text: body, HTML: true}); err != nil {
		d.log.Warn("stream_finalize_failed",
			slog.Int64("chat_id", d.cfg.ChatID),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (d *Delivery) waitLimiter(ctx context.Context) error {
	r := d.limiter.Reserve()
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if delay > d.cfg.FinalizeWait {
		r.Cancel()
		delay = d.cfg.FinalizeWait
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Delivery) deliver(ctx context.Context, c Content) error {
	if d.ref == nil {
		ref, err := d.cfg.Retry.Send(ctx, d.sink, d.cfg.ChatID, c, nil)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		d.ref = &ref
		return nil
	}
	if err := d.cfg.Retry.Edit(ctx, d.sink, *d.ref, c, nil); err != nil {
		return fmt.Errorf("edit message %d: %w", d.ref.MessageID, err)
	}
	return nil
}

// BeginTurn drops whatever the previous turn left and starts fresh; the
// next update opens a new message.
func (d *Delivery) BeginTurn() { d.reset() }

func (d *Delivery) reset() {
	d.transcript.Reset()
	d.ref = nil
	d.delivered = ""
	d.pending = nil
	d.pendingFP = ""
	d.limiter = newLimiter(d.cfg.MinEditInterval)
}

// Ref returns the in-flight message, if any.
func (d *Delivery) Ref() (MessageRef, bool) {
	if d.ref == nil {
		return MessageRef{}, false
	}
	return *d.ref, true
}

// Pending reports whether an update is staged.
func (d *Delivery) Pending() bool { return d.pending != nil }

// Transcript exposes the turn's transcript.
func (d *Delivery) Transcript() *Transcript { return d.transcript }
