// Package config loads the relay's TOML configuration and environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/process"
	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/session"
	"github.com/asheshgoplani/agent-relay/internal/stream"
)

const (
	// FileName is the config file inside the relay directory.
	FileName = "config.toml"
	// DirName is the relay directory under the home directory.
	DirName = ".agent-relay"
	// PathEnv overrides the config path.
	PathEnv = "AGENT_RELAY_CONFIG"

	TokenEnv        = "TELEGRAM_BOT_TOKEN"
	AllowedUsersEnv = "AGENT_RELAY_ALLOWED_USERS"
)

// Config is the contents of config.toml.
type Config struct {
	Telegram TelegramSettings `toml:"telegram"`
	Sessions SessionSettings  `toml:"sessions"`
	Poll     PollSettings     `toml:"poll"`
	Stream   StreamSettings   `toml:"stream"`
	Process  ProcessSettings  `toml:"process"`
	Patterns PatternSettings  `toml:"patterns"`
	Logs     LogSettings      `toml:"logs"`
	State    StateSettings    `toml:"state"`
}

// TelegramSettings configures the bot.
type TelegramSettings struct {
	// Token is usually supplied through TELEGRAM_BOT_TOKEN instead.
	Token string `toml:"token,omitempty"`

	// AllowedUsers lists the Telegram user IDs that may drive sessions.
	AllowedUsers []int64 `toml:"allowed_users"`
}

// SessionSettings configures the wrapped program.
type SessionSettings struct {
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	Env        []string `toml:"env"`
	DefaultDir string   `toml:"default_dir"`
	MaxPerUser int      `toml:"max_per_user"`
	Rows       int      `toml:"rows"`
	Cols       int      `toml:"cols"`
}

// PollSettings configures the polling loop.
type PollSettings struct {
	IntervalMS int `toml:"interval_ms"`
}

// StreamSettings configures chat delivery.
type StreamSettings struct {
	DebounceMS         int `toml:"debounce_ms"`
	MinEditIntervalMS  int `toml:"min_edit_interval_ms"`
	FinalizeWaitMS     int `toml:"finalize_wait_ms"`
	MaxChars           int `toml:"max_chars"`
	MaxTranscriptLines int `toml:"max_transcript_lines"`
	RetryAttempts      int `toml:"retry_attempts"`
	RetryBackoffMS     int `toml:"retry_backoff_ms"`
}

// ProcessSettings configures typing into the program.
type ProcessSettings struct {
	SubmitDelayMS    int `toml:"submit_delay_ms"`
	ChunkSize        int `toml:"chunk_size"`
	ChunkDelayMS     int `toml:"chunk_delay_ms"`
	TerminateGraceMS int `toml:"terminate_grace_ms"`
	MaxPendingBytes  int `toml:"max_pending_bytes"`
}

// PatternLists mirrors screen.RawPatterns in TOML.
type PatternLists struct {
	SpinnerChars  []string `toml:"spinner_chars,omitempty"`
	ThinkingWords []string `toml:"thinking_words,omitempty"`
	Busy          []string `toml:"busy,omitempty"`
	Approval      []string `toml:"approval,omitempty"`
	PromptGlyphs  []string `toml:"prompt_glyphs,omitempty"`
	Banner        []string `toml:"banner,omitempty"`
	Error         []string `toml:"error,omitempty"`
	Background    []string `toml:"background,omitempty"`
	Chrome        []string `toml:"chrome,omitempty"`
}

func (l PatternLists) raw() *screen.RawPatterns {
	return &screen.RawPatterns{
		SpinnerChars:   l.SpinnerChars,
		WhimsicalWords: l.ThinkingWords,
		Busy:           l.Busy,
		Approval:       l.Approval,
		PromptGlyphs:   l.PromptGlyphs,
		Banner:         l.Banner,
		Error:          l.Error,
		Background:     l.Background,
		Chrome:         l.Chrome,
	}
}

// PatternSettings adjusts screen recognition. A list under [patterns.override]
// replaces the built-in list; [patterns.extra] appends to it.
type PatternSettings struct {
	Override PatternLists `toml:"override"`
	Extra    PatternLists `toml:"extra"`
}

// LogSettings configures logging.
type LogSettings struct {
	Dir                   string `toml:"dir"`
	Level                 string `toml:"level"`
	Format                string `toml:"format"`
	MaxSizeMB             int    `toml:"max_size_mb"`
	MaxBackups            int    `toml:"max_backups"`
	MaxAgeDays            int    `toml:"max_age_days"`
	Compress              *bool  `toml:"compress"`
	AggregateIntervalSecs int    `toml:"aggregate_interval_secs"`
	PprofEnabled          bool   `toml:"pprof_enabled"`
}

// StateSettings configures the history database.
type StateSettings struct {
	Path               string `toml:"path"`
	EventRetentionDays int    `toml:"event_retention_days"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Sessions: SessionSettings{
			Command:    "claude",
			MaxPerUser: session.DefaultMaxPerUser,
			Rows:       50,
			Cols:       120,
		},
		Poll: PollSettings{IntervalMS: 300},
		Stream: StreamSettings{
			DebounceMS:         500,
			MinEditIntervalMS:  1000,
			FinalizeWaitMS:     3000,
			MaxChars:           stream.DefaultMaxChars,
			MaxTranscriptLines: stream.DefaultMaxTranscriptLines,
			RetryAttempts:      3,
			RetryBackoffMS:     250,
		},
		Process: ProcessSettings{
			SubmitDelayMS:    150,
			ChunkSize:        process.DefaultChunkSize,
			ChunkDelayMS:     50,
			TerminateGraceMS: 2000,
		},
		Logs: LogSettings{
			Level:  "info",
			Format: "json",
		},
		State: StateSettings{EventRetentionDays: 30},
	}
}

// Dir returns ~/.agent-relay.
func Dir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// ResolvePath picks the config path: an explicit flag, then
// AGENT_RELAY_CONFIG, then ~/.agent-relay/config.toml.
func ResolvePath(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if env := os.Getenv(PathEnv); env != "" {
		return env, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path over the defaults, loads .env files and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config.toml parse error: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.expandPaths(filepath.Dir(path))
	return cfg, nil
}

// loadDotEnv loads the files that exist. Variables already set in the
// environment win.
func loadDotEnv(files ...string) error {
	var existing []string
	seen := make(map[string]bool)
	for _, f := range files {
		abs, err := filepath.Abs(f)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err == nil {
			existing = append(existing, abs)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	if tok := strings.TrimSpace(os.Getenv(TokenEnv)); tok != "" {
		c.Telegram.Token = tok
	}
	if users := strings.TrimSpace(os.Getenv(AllowedUsersEnv)); users != "" {
		ids, err := ParseUserIDs(users)
		if err != nil {
			return fmt.Errorf("%s: %w", AllowedUsersEnv, err)
		}
		c.Telegram.AllowedUsers = ids
	}
	return nil
}

// ParseUserIDs parses a comma or space separated list of user IDs.
func ParseUserIDs(s string) ([]int64, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	ids := make([]int64, 0, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid user id %q", f)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) expandPaths(base string) {
	if c.Logs.Dir == "" {
		c.Logs.Dir = base
	}
	if c.State.Path == "" {
		c.State.Path = filepath.Join(base, "state.db")
	}
	c.Logs.Dir = expandHome(c.Logs.Dir)
	c.State.Path = expandHome(c.State.Path)
	c.Sessions.DefaultDir = expandHome(c.Sessions.DefaultDir)
}

func expandHome(p string) string {
	rest, ok := strings.CutPrefix(p, "~")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// Validate reports settings serve cannot run without.
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.Token == "" {
		errs = append(errs, fmt.Errorf("telegram token missing: set %s or [telegram] token", TokenEnv))
	}
	if len(c.Telegram.AllowedUsers) == 0 {
		errs = append(errs, fmt.Errorf("no allowed users: set %s or [telegram] allowed_users", AllowedUsersEnv))
	}
	if c.Sessions.Command == "" {
		errs = append(errs, errors.New("[sessions] command is empty"))
	}
	if _, err := c.CompilePatterns(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RawPatterns merges the built-in patterns with [patterns].
func (c *Config) RawPatterns() *screen.RawPatterns {
	return screen.MergeRawPatterns(screen.DefaultRawPatterns(), c.Patterns.Override.raw(), c.Patterns.Extra.raw())
}

// CompilePatterns compiles RawPatterns.
func (c *Config) CompilePatterns() (*screen.Patterns, error) {
	return screen.CompilePatterns(c.RawPatterns())
}

// PollInterval returns the polling period.
func (c *Config) PollInterval() time.Duration { return ms(c.Poll.IntervalMS) }

// StreamConfig converts [stream]. ChatID is filled per session.
func (c *Config) StreamConfig() stream.Config {
	return stream.Config{
		Debounce:           ms(c.Stream.DebounceMS),
		MinEditInterval:    ms(c.Stream.MinEditIntervalMS),
		FinalizeWait:       ms(c.Stream.FinalizeWaitMS),
		MaxChars:           c.Stream.MaxChars,
		MaxTranscriptLines: c.Stream.MaxTranscriptLines,
		Retry: stream.Retry{
			Attempts: c.Stream.RetryAttempts,
			Backoff:  ms(c.Stream.RetryBackoffMS),
		},
	}
}

// AdapterOptions converts [process].
func (c *Config) AdapterOptions() process.AdapterOptions {
	return process.AdapterOptions{
		SubmitDelay: ms(c.Process.SubmitDelayMS),
		ChunkSize:   c.Process.ChunkSize,
		ChunkDelay:  ms(c.Process.ChunkDelayMS),
	}
}

// SessionConfig converts [sessions], [stream] and [process].
func (c *Config) SessionConfig() session.Config {
	return session.Config{
		MaxPerUser: c.Sessions.MaxPerUser,
		Command:    c.Sessions.Command,
		Args:       c.Sessions.Args,
		Env:        c.Sessions.Env,
		DefaultDir: c.Sessions.DefaultDir,
		Rows:       c.Sessions.Rows,
		Cols:       c.Sessions.Cols,
		Adapter:    c.AdapterOptions(),
		Stream:     c.StreamConfig(),
	}
}

// LoggingConfig converts [logs].
func (c *Config) LoggingConfig(debug bool) logging.Config {
	compress := true
	if c.Logs.Compress != nil {
		compress = *c.Logs.Compress
	}
	level := c.Logs.Level
	if debug {
		level = "debug"
	}
	return logging.Config{
		LogDir:                c.Logs.Dir,
		Level:                 level,
		Format:                c.Logs.Format,
		MaxSizeMB:             c.Logs.MaxSizeMB,
		MaxBackups:            c.Logs.MaxBackups,
		MaxAgeDays:            c.Logs.MaxAgeDays,
		Compress:              compress,
		AggregateIntervalSecs: c.Logs.AggregateIntervalSecs,
		PprofEnabled:          c.Logs.PprofEnabled,
		Debug:                 debug,
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Loader caches the parsed file so repeated reads are cheap. Reload
// replaces the cache.
type Loader struct {
	path string

	mu     sync.RWMutex
	cached *Config
}

// NewLoader creates a loader for path.
func NewLoader(path string) *Loader { return &Loader{path: path} }

// Path returns the file the loader reads.
func (l *Loader) Path() string { return l.path }

// Load returns the cached config, reading the file on first use.
func (l *Loader) Load() (*Config, error) {
	l.mu.RLock()
	if l.cached != nil {
		defer l.mu.RUnlock()
		return l.cached, nil
	}
	l.mu.RUnlock()
	return l.Reload()
}

// Reload reads the file again. On error the previous config stays cached.
func (l *Loader) Reload() (*Config, error) {
	cfg, err := Load(l.path)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.cached = cfg
	l.mu.Unlock()
	return cfg, nil
}

// Save writes cfg to path using the atomic write pattern.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# agent-relay configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeAtomic(path, buf.Bytes())
}

// writeAtomic writes to a temp file, fsyncs it and renames it over path.
func writeAtomic(path string, data []byte) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	return nil
}
