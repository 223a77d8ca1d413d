// Package stream turns a session's extracted screen content into chat
// messages: one message per turn, edited in place while the turn runs and
// re-rendered once when it ends.
package stream

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Content is the body of an outbound message.
type Content struct {
	Text string
	HTML bool
}

// Button is one inline button. Data is returned to the bot when pressed.
type Button struct {
	Text string
	Data string
}

// Markup is an inline keyboard, row by row.
type Markup struct {
	Rows [][]Button
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

// MessageSink is the outbound chat channel. It gives no ordering or rate
// guarantees; Delivery throttles itself.
type MessageSink interface {
	Send(ctx context.Context, chatID int64, c Content, m *Markup) (MessageRef, error)
	Edit(ctx context.Context, ref MessageRef, c Content, m *Markup) error
}

// ErrRetriesExhausted wraps the last error of a call that failed every attempt.
var ErrRetriesExhausted = errors.New("retries exhausted")

// Retry is a bounded retry policy with doubling backoff.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is three attempts starting at 250ms.
var DefaultRetry = Retry{Attempts: 3, Backoff: 250 * time.Millisecond}

// Do runs op until it succeeds, the attempts run out or ctx ends.
func (r Retry) Do(ctx context.Context, op func(context.Context) error) error {
	attempts := max(r.Attempts, 1)
	backoff := r.Backoff

	var err error
	for i := range attempts {
		if err = op(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		case <-timer.C:
		}
		backoff *= 2
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempts, err)
}

// Send calls sink.Send under the retry policy.
func (r Retry) Send(ctx context.Context, sink MessageSink, chatID int64, c Content, m *Markup) (MessageRef, error) {
	var ref MessageRef
	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		ref, err = sink.Send(ctx, chatID, c, m)
		return err
	})
	return ref, err
}

// Edit calls sink.Edit under the retry policy.
func (r Retry) Edit(ctx context.Context, sink MessageSink, ref MessageRef, c Content, m *Markup) error {
	return r.Do(ctx, func(ctx context.Context) error {
		return sink.Edit(ctx, ref, c, m)
	})
}
