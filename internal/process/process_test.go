package process

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timedWrite struct {
	data string
	at   time.Time
}

type fakeHandle struct {
	mu     sync.Mutex
	writes []timedWrite
	fail   error
}

func (h *fakeHandle) ReadAvailable() []byte { return nil }
func (h *fakeHandle) Alive() bool           { return true }
func (h *fakeHandle) Terminate() error      { return nil }
func (h *fakeHandle) Pid() int              { return 1 }

func (h *fakeHandle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return 0, h.fail
	}
	h.writes = append(h.writes, timedWrite{data: string(p), at: time.Now()})
	return len(p), nil
}

func (h *fakeHandle) Writes() []timedWrite {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]timedWrite(nil), h.writes...)
}

func TestSubmitSeparatesConfirmKey(t *testing.T) {
	h := &fakeHandle{}
	delay := 40 * time.Millisecond
	a := NewAdapter(h, AdapterOptions{SubmitDelay: delay})

	require.NoError(t, a.Submit(context.Background(), "hello"))

	writes := h.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "hello", writes[0].data)
	assert.Equal(t, "\r", writes[1].data)
	assert.GreaterOrEqual(t, writes[1].at.Sub(writes[0].at), delay)
}

func TestSubmitNormalizesCarriageReturns(t *testing.T) {
	h := &fakeHandle{}
	a := NewAdapter(h, AdapterOptions{SubmitDelay: time.Millisecond})

	require.NoError(t, a.Submit(context.Background(), "one\r\ntwo\rthree"))

	writes := h.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, "one\ntwo\nthree", writes[0].data)
}

func TestSubmitChunksLongText(t *testing.T) {
	h := &fakeHandle{}
	a := NewAdapter(h, AdapterOptions{SubmitDelay: time.Millisecond, ChunkSize: 10, ChunkDelay: time.Millisecond})

	require.NoError(t, a.Submit(context.Background(), strings.Repeat("x", 25)))

	writes := h.Writes()
	require.Len(t, writes, 4)
	assert.Equal(t, "xxxxxxxxxx", writes[0].data)
	assert.Equal(t, "xxxxx", writes[2].data)
	assert.Equal(t, "\r", writes[3].data)
}

func TestSubmitCancelledSkipsConfirm(t *testing.T) {
	h := &fakeHandle{}
	a := NewAdapter(h, AdapterOptions{SubmitDelay: time.Hour})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := a.Submit(ctx, "hello")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	writes := h.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "hello", writes[0].data)
}

func TestSubmitWriteError(t *testing.T) {
	broken := errors.New("pty closed")
	a := NewAdapter(&fakeHandle{fail: broken}, AdapterOptions{})
	err := a.Submit(context.Background(), "hello")
	assert.ErrorIs(t, err, broken)
}

func TestSendKey(t *testing.T) {
	h := &fakeHandle{}
	a := NewAdapter(h, AdapterOptions{})
	ctx := context.Background()

	require.NoError(t, a.SendKey(ctx, KeyCtrlC))
	require.NoError(t, a.SendKey(ctx, Digit(2)))
	require.NoError(t, a.SendKey(ctx, KeyEscape))

	var got []string
	for _, w := range h.Writes() {
		got = append(got, w.data)
	}
	assert.Equal(t, []string{"\x03", "2", "\x1b"}, got)
}

func TestSplitIntoChunks(t *testing.T) {
	tests := []struct {
		name    string
		content string
		max     int
		want    []string
	}{
		{"empty", "", 10, nil},
		{"fits", "short", 10, []string{"short"}},
		{"newline boundary", "aaaa\nbbbb\ncccc", 10, []string{"aaaa\nbbbb\n", "cccc"}},
		{"hard split", "abcdefghijkl", 5, []string{"abcde", "fghij", "kl"}},
		{"keeps runes whole", "ééééé", 3, []string{"é", "é", "é", "é", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitIntoChunks(tt.content, tt.max)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.content, strings.Join(got, ""))
		})
	}
}
