package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/phase"
	"github.com/asheshgoplani/agent-relay/internal/process"
)

type stubHandle struct {
	pid        int
	terminated atomic.Bool
}

func (h *stubHandle) ReadAvailable() []byte       { return nil }
func (h *stubHandle) Write(p []byte) (int, error) { return len(p), nil }
func (h *stubHandle) Alive() bool                 { return !h.terminated.Load() }
func (h *stubHandle) Terminate() error            { h.terminated.Store(true); return nil }
func (h *stubHandle) Pid() int                    { return h.pid }

type stubSource struct {
	mu      sync.Mutex
	specs   []process.Spec
	handles []*stubHandle
	err     error
	gate    chan struct{} // when set, Spawn blocks until it is closed
}

func (s *stubSource) Spawn(ctx context.Context, spec process.Spec) (process.Handle, error) {
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h := &stubHandle{pid: 1000 + len(s.handles)}
	s.specs = append(s.specs, spec)
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *stubSource) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

func newTestManager(t *testing.T, src *stubSource) *Manager {
	t.Helper()
	return NewManager(src, nil, nil, Config{Command: "claude", DefaultDir: t.TempDir(), Rows: 24, Cols: 80})
}

func TestCreateSelectsNewSession(t *testing.T) {
	src := &stubSource{}
	m := newTestManager(t, src)
	dir := t.TempDir()

	s, err := m.Create(context.Background(), CreateOptions{UserID: 1, ChatID: 10, Dir: dir})
	require.NoError(t, err)
	assert.Len(t, s.ID, 8)
	assert.Equal(t, dir, s.WorkDir)
	assert.Equal(t, phase.Dormant, s.Pipeline.Phase)
	assert.Equal(t, StatusActive, s.Status())
	require.NotNil(t, s.Pipeline.Delivery)
	require.NotNil(t, s.Pipeline.Extractor)

	active, err := m.Active(1)
	require.NoError(t, err)
	assert.Same(t, s, active)

	require.Len(t, src.specs, 1)
	assert.Equal(t, "claude", src.specs[0].Command)
	assert.Equal(t, dir, src.specs[0].Dir)
	assert.Equal(t, 24, src.specs[0].Rows)
}

func TestCreateEnforcesCapacity(t *testing.T) {
	src := &stubSource{}
	m := newTestManager(t, src)
	ctx := context.Background()

	for range DefaultMaxPerUser {
		_, err := m.Create(ctx, CreateOptions{UserID: 1})
		require.NoError(t, err)
	}
	_, err := m.Create(ctx, CreateOptions{UserID: 1})
	require.ErrorIs(t, err, ErrCapacity)
	assert.Equal(t, DefaultMaxPerUser, src.spawned(), "no spawn beyond capacity")

	_, err = m.Create(ctx, CreateOptions{UserID: 2})
	assert.NoError(t, err, "limits are per user")
}

func TestCreateConcurrentRespectsCapacity(t *testing.T) {
	src := &stubSource{gate: make(chan struct{})}
	m := newTestManager(t, src)
	ctx := context.Background()

	var wg sync.WaitGroup
	var created, refused atomic.Int32
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Create(ctx, CreateOptions{UserID: 7})
			switch {
			case err == nil:
				created.Add(1)
			case errors.Is(err, ErrCapacity):
				refused.Add(1)
			}
		}()
	}
	// Refusals happen before spawning, so they complete while the gate is shut.
	require.Eventually(t, func() bool { return refused.Load() == 3 }, 2*time.Second, 5*time.Millisecond)
	close(src.gate)
	wg.Wait()

	assert.Equal(t, int32(3), created.Load())
	assert.Equal(t, 3, src.spawned())
	assert.Len(t, m.List(7), 3)
}

func TestCreateSpawnFailureReleasesSlot(t *testing.T) {
	src := &stubSource{err: errors.New("no such binary")}
	m := newTestManager(t, src)

	_, err := m.Create(context.Background(), CreateOptions{UserID: 1})
	require.Error(t, err)

	src.err = nil
	for range DefaultMaxPerUser {
		_, err := m.Create(context.Background(), CreateOptions{UserID: 1})
		require.NoError(t, err)
	}
}

func TestCreateRejectsMissingDir(t *testing.T) {
	m := newTestManager(t, &stubSource{})
	_, err := m.Create(context.Background(), CreateOptions{UserID: 1, Dir: "/definitely/not/here"})
	assert.Error(t, err)
}

func TestNamesFromDirectory(t *testing.T) {
	m := newTestManager(t, &stubSource{})
	dir := t.TempDir()
	ctx := context.Background()

	a, err := m.Create(ctx, CreateOptions{UserID: 1, Dir: dir})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateOptions{UserID: 1, Dir: dir})
	require.NoError(t, err)
	c, err := m.Create(ctx, CreateOptions{UserID: 1, Dir: dir, Name: "my api"})
	require.NoError(t, err)

	assert.NotEqual(t, a.Name, b.Name)
	assert.Equal(t, a.Name+"-2", b.Name)
	assert.Equal(t, "my-api", c.Name)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestSelect(t *testing.T) {
	m := newTestManager(t, &stubSource{})
	ctx := context.Background()
	api, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "backend-api"})
	require.NoError(t, err)
	web, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "frontend"})
	require.NoError(t, err)

	got, err := m.Select(1, api.ID)
	require.NoError(t, err)
	assert.Same(t, api, got)

	got, err = m.Select(1, "frontend")
	require.NoError(t, err)
	assert.Same(t, web, got)

	got, err = m.Select(1, "bapi")
	require.NoError(t, err)
	assert.Same(t, api, got)
	active, _ := m.Active(1)
	assert.Same(t, api, active)

	_, err = m.Select(1, "zzz")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.Select(2, "frontend")
	assert.ErrorIs(t, err, ErrNotFound, "other users' sessions are invisible")
}

func TestKillReselectsMostRecentlyUsed(t *testing.T) {
	src := &stubSource{}
	m := newTestManager(t, src)
	ctx := context.Background()

	a, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "a"})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "b"})
	require.NoError(t, err)
	c, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "c"})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	a.Touch()

	killed, err := m.Kill(ctx, 1, "")
	require.NoError(t, err)
	assert.Same(t, c, killed)
	assert.Equal(t, StatusTerminated, c.Status())
	assert.True(t, src.handles[2].terminated.Load())

	active, err := m.Active(1)
	require.NoError(t, err)
	assert.Same(t, a, active)

	_, ok := m.Get(c.ID)
	assert.False(t, ok)
	_, err = m.Kill(ctx, 1, "a")
	require.NoError(t, err)
	_, err = m.Kill(ctx, 1, b.ID)
	require.NoError(t, err)

	_, err = m.Active(1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, m.List(1))
}

func TestRemove(t *testing.T) {
	src := &stubSource{}
	m := newTestManager(t, src)
	s, err := m.Create(context.Background(), CreateOptions{UserID: 1})
	require.NoError(t, err)

	got, ok := m.Remove(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, StatusTerminated, s.Status())

	_, ok = m.Remove(s.ID)
	assert.False(t, ok)
	_, err = m.Active(1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndAll(t *testing.T) {
	m := newTestManager(t, &stubSource{})
	ctx := context.Background()
	a, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "a"})
	require.NoError(t, err)
	b, err := m.Create(ctx, CreateOptions{UserID: 1, Name: "b"})
	require.NoError(t, err)
	_, err = m.Create(ctx, CreateOptions{UserID: 2, Name: "c"})
	require.NoError(t, err)

	b.ReportPhase(phase.Streaming)
	list := m.List(1)
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.False(t, list[0].Selected)
	assert.True(t, list[1].Selected)
	assert.Equal(t, phase.Streaming, list[1].Phase)

	assert.Len(t, m.All(), 3)
}

func TestShutdownTerminatesEverything(t *testing.T) {
	src := &stubSource{}
	m := newTestManager(t, src)
	ctx := context.Background()
	for u := range int64(3) {
		_, err := m.Create(ctx, CreateOptions{UserID: u})
		require.NoError(t, err)
	}

	require.NoError(t, m.Shutdown(ctx))
	assert.Empty(t, m.All())
	for _, h := range src.handles {
		assert.True(t, h.terminated.Load())
	}
}

func TestCycleLock(t *testing.T) {
	s := &Session{}
	require.True(t, s.TryLockCycle())
	assert.False(t, s.TryLockCycle())
	s.UnlockCycle()
	assert.True(t, s.TryLockCycle())
	s.UnlockCycle()
}
