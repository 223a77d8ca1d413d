// Package process runs the wrapped program under a pseudo-terminal and
// types into it.
package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Spec describes a program to start.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string // added to the current environment
	Rows    int
	Cols    int
}

// Source starts processes.
type Source interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// Handle is a running process. ReadAvailable never blocks: it returns what
// the program printed since the last call, or nil. Exit is observed by
// polling Alive.
type Handle interface {
	ReadAvailable() []byte
	Write(p []byte) (int, error)
	Alive() bool
	Terminate() error
	Pid() int
}

// Key is a control key sequence.
type Key string

const (
	KeyEnter  Key = "\r"
	KeyEscape Key = "\x1b"
	KeyCtrlC  Key = "\x03"
	KeyCtrlU  Key = "\x15"
)

// Digit returns the key for a single menu digit.
func Digit(n int) Key { return Key(fmt.Sprintf("%d", n%10)) }

const (
	DefaultSubmitDelay = 150 * time.Millisecond
	DefaultChunkSize   = 4096
	DefaultChunkDelay  = 50 * time.Millisecond
)

// AdapterOptions tunes how text is typed. Zero fields take the defaults.
type AdapterOptions struct {
	// SubmitDelay separates the typed text from the confirm key, so the
	// program does not read the whole input as a paste.
	SubmitDelay time.Duration
	ChunkSize   int
	ChunkDelay  time.Duration
}

// Adapter types into a Handle. Writes from concurrent callers never
// interleave.
type Adapter struct {
	h    Handle
	opts AdapterOptions

	mu sync.Mutex
}

// NewAdapter wraps h.
func NewAdapter(h Handle, opts AdapterOptions) *Adapter {
	if opts.SubmitDelay <= 0 {
		opts.SubmitDelay = DefaultSubmitDelay
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.ChunkDelay <= 0 {
		opts.ChunkDelay = DefaultChunkDelay
	}
	return &Adapter{h: h, opts: opts}
}

// Submit types text, waits SubmitDelay, then presses Enter as a separate
// write. Carriage returns inside text become newlines so only the final
// key submits.
func (a *Adapter) Submit(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	if err := a.writeChunked(ctx, text); err != nil {
		return err
	}
	if err := sleep(ctx, a.opts.SubmitDelay); err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	if _, err := a.h.Write([]byte(KeyEnter)); err != nil {
		return fmt.Errorf("submit: confirm key: %w", err)
	}
	return nil
}

// SendKey writes one key sequence.
func (a *Adapter) SendKey(ctx context.Context, k Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.h.Write([]byte(k)); err != nil {
		return fmt.Errorf("send key %q: %w", string(k), err)
	}
	return nil
}

func (a *Adapter) writeChunked(ctx context.Context, text string) error {
	chunks := splitIntoChunks(text, a.opts.ChunkSize)
	for i, chunk := range chunks {
		if _, err := a.h.Write([]byte(chunk)); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			if err := sleep(ctx, a.opts.ChunkDelay); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReadAvailable returns pending output without blocking.
func (a *Adapter) ReadAvailable() []byte { return a.h.ReadAvailable() }

// Write sends raw bytes, such as terminal query replies.
func (a *Adapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.h.Write(p)
}

// Alive reports whether the process is still running.
func (a *Adapter) Alive() bool { return a.h.Alive() }

// Terminate stops the process.
func (a *Adapter) Terminate() error { return a.h.Terminate() }

// Pid returns the process id.
func (a *Adapter) Pid() int { return a.h.Pid() }

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries and never cutting a UTF-8 sequence.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content
	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}
		if cut := strings.LastIndex(remaining[:maxSize], "\n"); cut > 0 {
			chunks = append(chunks, remaining[:cut+1])
			remaining = remaining[cut+1:]
			continue
		}
		cut := maxSize
		for cut > 0 && !utf8RuneStart(remaining[cut]) {
			cut--
		}
		if cut == 0 {
			cut = maxSize
		}
		chunks = append(chunks, remaining[:cut])
		remaining = remaining[cut:]
	}
	return chunks
}

func utf8RuneStart(b byte) bool { return b&0xC0 != 0x80 }
