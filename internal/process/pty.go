//go:build !windows

package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var ptyLog = logging.ForComponent(logging.CompProcess)

const (
	defaultMaxPending = 4 << 20
	defaultGrace      = 2 * time.Second
)

// PTYSource starts programs under a pseudo-terminal.
type PTYSource struct {
	// MaxPending bounds output buffered between reads. The oldest bytes
	// are discarded beyond it.
	MaxPending int
	// Grace is how long Terminate waits after SIGTERM before SIGKILL.
	Grace time.Duration
}

// Spawn starts spec.Command. The process outlives ctx; stop it with
// Terminate.
func (s PTYSource) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Command == "" {
		return nil, errors.New("spawn: empty command")
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = append(cmd.Env, spec.Env...)

	size := &pty.Winsize{Rows: uint16(max(spec.Rows, 1)), Cols: uint16(max(spec.Cols, 1))}
	ptmx, err := pty.StartWithSize(cmd, size)
	if err != nil {
		return nil, fmt.Errorf("failed to start pty: %w", err)
	}

	h := &ptyHandle{
		cmd:        cmd,
		ptmx:       ptmx,
		maxPending: s.MaxPending,
		grace:      s.Grace,
		done:       make(chan struct{}),
	}
	if h.maxPending <= 0 {
		h.maxPending = defaultMaxPending
	}
	if h.grace <= 0 {
		h.grace = defaultGrace
	}

	go h.readLoop()
	go h.waitLoop()

	ptyLog.Info("process_started",
		slog.String("command", spec.Command),
		slog.String("dir", spec.Dir),
		slog.Int("pid", cmd.Process.Pid))
	return h, nil
}

type ptyHandle struct {
	cmd        *exec.Cmd
	ptmx       *os.File
	maxPending int
	grace      time.Duration

	mu        sync.Mutex
	pending   []byte
	discarded int

	done      chan struct{}
	exitErr   error
	closeOnce sync.Once
}

func (h *ptyHandle) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			h.mu.Lock()
			h.pending = append(h.pending, buf[:n]...)
			if over := len(h.pending) - h.maxPending; over > 0 {
				h.pending = h.pending[over:]
				h.discarded += over
			}
			h.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (h *ptyHandle) waitLoop() {
	err := h.cmd.Wait()
	h.mu.Lock()
	h.exitErr = err
	h.mu.Unlock()
	close(h.done)

	attrs := []any{slog.Int("pid", h.Pid())}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	ptyLog.Info("process_exited", attrs...)
}

func (h *ptyHandle) ReadAvailable() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.discarded > 0 {
		ptyLog.Warn("pty_output_discarded", slog.Int("bytes", h.discarded), slog.Int("pid", h.Pid()))
		h.discarded = 0
	}
	if len(h.pending) == 0 {
		return nil
	}
	out := h.pending
	h.pending = nil
	return out
}

func (h *ptyHandle) Write(p []byte) (int, error) {
	if !h.Alive() {
		return 0, errors.New("process has exited")
	}
	return h.ptmx.Write(p)
}

func (h *ptyHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *ptyHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Terminate signals the process group with SIGTERM, then SIGKILL after the
// grace period, and closes the terminal.
func (h *ptyHandle) Terminate() error {
	defer h.closeOnce.Do(func() { _ = h.ptmx.Close() })

	if !h.Alive() {
		return nil
	}
	pid := h.Pid()
	// pty.Start puts the child in its own session, so -pid is its group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate %d: %w", pid, err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(h.grace):
	}

	ptyLog.Warn("process_kill_after_grace", slog.Int("pid", pid), slog.Duration("grace", h.grace))
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %d: %w", pid, err)
	}
	<-h.done
	return nil
}
