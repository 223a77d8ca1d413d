package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sahilm/fuzzy"
	"golang.org/x/sync/errgroup"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/phase"
	"github.com/asheshgoplani/agent-relay/internal/process"
	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/stream"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

var sessionLog = logging.ForComponent(logging.CompSession)

var (
	ErrCapacity = errors.New("session limit reached")
	ErrNotFound = errors.New("session not found")
)

// DefaultMaxPerUser is the per-user session limit.
const DefaultMaxPerUser = 3

// Config controls how sessions are started.
type Config struct {
	MaxPerUser int
	Command    string
	Args       []string
	Env        []string
	DefaultDir string
	Rows       int
	Cols       int

	Adapter process.AdapterOptions
	Stream  stream.Config
	Style   screen.StyleRules
}

func (c Config) withDefaults() Config {
	if c.MaxPerUser <= 0 {
		c.MaxPerUser = DefaultMaxPerUser
	}
	if c.Command == "" {
		c.Command = "claude"
	}
	if c.Rows <= 0 {
		c.Rows = 50
	}
	if c.Cols <= 0 {
		c.Cols = 120
	}
	return c
}

// CreateOptions describes a new session.
type CreateOptions struct {
	UserID int64
	ChatID int64
	Dir    string // defaults to Config.DefaultDir, then the home directory
	Name   string // defaults to the directory name
}

// Manager owns all sessions. Its maps are the only state shared between
// users; everything per session belongs to that session's cycle.
type Manager struct {
	cfg      Config
	src      process.Source
	sink     stream.MessageSink
	patterns atomic.Pointer[screen.Patterns]

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[int64][]string
	selected map[int64]string
	reserved map[int64]int
}

// NewManager creates a manager that spawns through src and delivers
// through sink. patterns may be nil for the defaults.
func NewManager(src process.Source, sink stream.MessageSink, patterns *screen.Patterns, cfg Config) *Manager {
	m := &Manager{
		cfg:      cfg.withDefaults(),
		src:      src,
		sink:     sink,
		sessions: make(map[string]*Session),
		byUser:   make(map[int64][]string),
		selected: make(map[int64]string),
		reserved: make(map[int64]int),
	}
	if patterns == nil {
		patterns = screen.MustDefaultPatterns()
	}
	m.patterns.Store(patterns)
	return m
}

// SetPatterns changes the patterns used by sessions created from now on.
func (m *Manager) SetPatterns(p *screen.Patterns) {
	if p != nil {
		m.patterns.Store(p)
	}
}

// Create spawns a session and selects it. The slot is reserved before
// spawning so concurrent creates cannot exceed MaxPerUser.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	m.mu.Lock()
	if n := len(m.byUser[opts.UserID]) + m.reserved[opts.UserID]; n >= m.cfg.MaxPerUser {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d in use", ErrCapacity, n, m.cfg.MaxPerUser)
	}
	m.reserved[opts.UserID]++
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.reserved[opts.UserID]--; m.reserved[opts.UserID] <= 0 {
			delete(m.reserved, opts.UserID)
		}
		m.mu.Unlock()
	}

	dir, err := resolveDir(opts.Dir, m.cfg.DefaultDir)
	if err != nil {
		release()
		return nil, err
	}

	h, err := m.src.Spawn(ctx, process.Spec{
		Command: m.cfg.Command,
		Args:    m.cfg.Args,
		Dir:     dir,
		Env:     m.cfg.Env,
		Rows:    m.cfg.Rows,
		Cols:    m.cfg.Cols,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("start %s: %w", m.cfg.Command, err)
	}

	streamCfg := m.cfg.Stream
	streamCfg.ChatID = opts.ChatID
	now := time.Now()
	s := &Session{
		ID:      uuid.New().String()[:8],
		UserID:  opts.UserID,
		ChatID:  opts.ChatID,
		WorkDir: dir,
		Created: now,
		Proc:    process.NewAdapter(h, m.cfg.Adapter),
		Term:    vterm.New(m.cfg.Rows, m.cfg.Cols),
		Pipeline: Pipeline{
			Phase:     phase.Dormant,
			Prior:     screen.Unrecognized,
			Delivery:  stream.NewDelivery(m.sink, streamCfg),
			Extractor: screen.NewExtractor(m.patterns.Load(), m.cfg.Style),
		},
		lastUsed: now,
		status:   StatusActive,
	}

	m.mu.Lock()
	if m.reserved[opts.UserID]--; m.reserved[opts.UserID] <= 0 {
		delete(m.reserved, opts.UserID)
	}
	s.Name = m.uniqueNameLocked(opts.UserID, baseName(opts.Name, dir))
	m.sessions[s.ID] = s
	m.byUser[opts.UserID] = append(m.byUser[opts.UserID], s.ID)
	m.selected[opts.UserID] = s.ID
	m.mu.Unlock()

	sessionLog.Info("session_created",
		slog.String("session_id", s.ID),
		slog.String("name", s.Name),
		slog.String("dir", dir),
		slog.Int64("user_id", opts.UserID),
		slog.Int("pid", s.Proc.Pid()))
	return s, nil
}

// Active returns the user's selected session.
func (m *Manager) Active(userID int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[m.selected[userID]]
	if !ok {
		return nil, fmt.Errorf("%w: no active session", ErrNotFound)
	}
	return s, nil
}

// Find resolves query among the user's sessions without changing the
// selection. An empty query means the active session.
func (m *Manager) Find(userID int64, query string) (*Session, error) {
	if strings.TrimSpace(query) == "" {
		return m.Active(userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findLocked(userID, query)
}

// Select makes the session matching query active. Exact IDs and names
// win; otherwise the best fuzzy match on names is used.
func (m *Manager) Select(userID int64, query string) (*Session, error) {
	m.mu.Lock()
	s, err := m.findLocked(userID, query)
	if err == nil {
		m.selected[userID] = s.ID
	}
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.Touch()
	return s, nil
}

func (m *Manager) findLocked(userID int64, query string) (*Session, error) {
	query = strings.TrimSpace(query)
	ids := m.byUser[userID]
	for _, id := range ids {
		s := m.sessions[id]
		if s.ID == query || s.Name == query {
			return s, nil
		}
	}

	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = m.sessions[id].Name
	}
	matches := fuzzy.Find(query, names)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, query)
	}
	return m.sessions[ids[matches[0].Index]], nil
}

// Get returns a session by ID.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the user's sessions in creation order.
func (m *Manager) List(userID int64) []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, len(m.byUser[userID]))
	for _, id := range m.byUser[userID] {
		s := m.sessions[id]
		out = append(out, Info{
			ID:       s.ID,
			Name:     s.Name,
			WorkDir:  s.WorkDir,
			Phase:    s.CurrentPhase(),
			Created:  s.Created,
			LastUsed: s.LastUsed(),
			Selected: m.selected[userID] == id,
		})
	}
	return out
}

// All returns every live session.
func (m *Manager) All() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int { return a.Created.Compare(b.Created) })
	return out
}

// Kill terminates the session matching query and selects the user's most
// recently used remaining session.
func (m *Manager) Kill(ctx context.Context, userID int64, query string) (*Session, error) {
	s, err := m.Find(userID, query)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.detach(s.ID)
	err = s.Proc.Terminate()
	s.setStatus(StatusTerminated)
	sessionLog.Info("session_killed", slog.String("session_id", s.ID), slog.String("name", s.Name))
	if err != nil {
		return s, fmt.Errorf("terminate %s: %w", s.Name, err)
	}
	return s, nil
}

// Remove drops a session whose process has exited and releases its
// terminal.
func (m *Manager) Remove(id string) (*Session, bool) {
	s, ok := m.detach(id)
	if !ok {
		return nil, false
	}
	if err := s.Proc.Terminate(); err != nil {
		sessionLog.Warn("session_release_failed", slog.String("session_id", id), slog.String("error", err.Error()))
	}
	s.setStatus(StatusTerminated)
	sessionLog.Info("session_removed", slog.String("session_id", id), slog.String("name", s.Name))
	return s, true
}

func (m *Manager) detach(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	delete(m.sessions, id)
	ids := slices.DeleteFunc(m.byUser[s.UserID], func(v string) bool { return v == id })
	if len(ids) == 0 {
		delete(m.byUser, s.UserID)
	} else {
		m.byUser[s.UserID] = ids
	}

	if m.selected[s.UserID] == id {
		delete(m.selected, s.UserID)
		var next *Session
		for _, other := range ids {
			c := m.sessions[other]
			if next == nil || c.LastUsed().After(next.LastUsed()) {
				next = c
			}
		}
		if next != nil {
			m.selected[s.UserID] = next.ID
		}
	}
	return s, true
}

// Shutdown terminates every session concurrently.
func (m *Manager) Shutdown(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, s := range m.All() {
		g.Go(func() error {
			m.detach(s.ID)
			s.setStatus(StatusTerminated)
			if err := s.Proc.Terminate(); err != nil {
				return fmt.Errorf("terminate %s: %w", s.Name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) uniqueNameLocked(userID int64, base string) string {
	taken := make(map[string]bool)
	for _, id := range m.byUser[userID] {
		taken[m.sessions[id].Name] = true
	}
	if !taken[base] {
		return base
	}
	for i := 2; ; i++ {
		if name := fmt.Sprintf("%s-%d", base, i); !taken[name] {
			return name
		}
	}
}

func baseName(name, dir string) string {
	if name = strings.TrimSpace(name); name != "" {
		return strings.Join(strings.Fields(name), "-")
	}
	base := filepath.Base(dir)
	if base == "." || base == string(filepath.Separator) || base == "" {
		return "session"
	}
	return base
}

func resolveDir(dir, fallback string) (string, error) {
	if dir == "" {
		dir = fallback
	}
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = home
	}
	if rest, ok := strings.CutPrefix(dir, "~"); ok {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, rest)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory: %s is not a directory", abs)
	}
	return abs, nil
}
