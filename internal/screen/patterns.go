package screen

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/logging"
)

var patternLog = logging.ForComponent(logging.CompScreen)

// RawPatterns holds string-form patterns before compilation.
// Patterns prefixed with "re:" are compiled as regex; everything else uses
// strings.Contains.
type RawPatterns struct {
	SpinnerChars   []string // active spinner glyphs
	WhimsicalWords []string // Claude's thinking verbs
	Busy           []string // interrupt hints and timing lines
	Approval       []string // question phrases above a numbered option menu
	PromptGlyphs   []string // exact glyphs that start the input line
	Banner         []string // startup banner phrases
	Error          []string // error phrases
	Background     []string // background task phrases
	Chrome         []string // footer hints, mode lines and other UI furniture
}

// DefaultRawPatterns returns the built-in patterns for Claude Code.
func DefaultRawPatterns() *RawPatterns {
	return &RawPatterns{
		SpinnerChars:   defaultSpinnerChars(),
		WhimsicalWords: defaultWhimsicalWords(),
		Busy: []string{
			"esc to interrupt",
			"ctrl+c to interrupt",
			`re:(?i)\b(thinking|connecting)\b.*\btokens\b`,
		},
		Approval: []string{
			"Do you want",
			"Would you like",
			"Do you trust the files in this folder?",
			"Allow this MCP server",
			"Run this command?",
			"Execute this?",
			"Approve this plan?",
			"Proceed?",
			`re:(?i)^allow .+\?$`,
		},
		PromptGlyphs: []string{">", "❯"},
		Banner: []string{
			"Welcome to Claude Code",
			"/help for help",
			"Claude Code v",
			"Tips for getting started",
		},
		Error: []string{
			"API Error",
			"Request timed out",
			"Credit balance is too low",
			"Invalid API key",
			"OAuth token has expired",
			"command not found",
			"re:^(Error|error|fatal|panic):",
		},
		Background: []string{
			"in the background",
			"in background",
			"background task",
		},
		Chrome: []string{
			"? for shortcuts",
			"shift+tab to cycle",
			"accept edits on",
			"plan mode on",
			"bypass permissions on",
			"Context left until auto-compact",
			"Auto-update failed",
			"⏵⏵",
			"⏸",
			"re:^\\s*◯ ",
			"re:^\\s*⧉ ",
		},
	}
}

// defaultSpinnerChars returns the braille and asterisk spinner characters
// Claude Code animates while busy. ✻ and · are left out: they also appear
// in finished states ("✻ Worked for 2m").
func defaultSpinnerChars() []string {
	return []string{
		"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏",
		"✳", "✽", "✶", "✢",
	}
}

func defaultWhimsicalWords() []string {
	return []string{
		"accomplishing", "actioning", "actualizing", "baking", "booping",
		"brewing", "calculating", "cerebrating", "channelling", "churning",
		"clauding", "coalescing", "cogitating", "combobulating", "computing",
		"concocting", "conjuring", "considering", "contemplating", "cooking",
		"crafting", "creating", "crunching", "deciphering", "deliberating",
		"determining", "discombobulating", "divining", "doing", "effecting",
		"elucidating", "enchanting", "envisioning", "finagling", "flibbertigibbeting",
		"forging", "forming", "frolicking", "generating", "germinating",
		"hatching", "herding", "honking", "hustling", "ideating",
		"imagining", "incubating", "inferring", "jiving", "manifesting",
		"marinating", "meandering", "moseying", "mulling", "mustering",
		"musing", "noodling", "percolating", "perusing", "philosophising",
		"pondering", "pontificating", "processing", "puttering", "puzzling",
		"reticulating", "ruminating", "scheming", "schlepping", "shimmying",
		"shucking", "simmering", "smooshing", "spelunking", "spinning",
		"stewing", "sussing", "synthesizing", "thinking", "tinkering",
		"transmuting", "unfurling", "unravelling", "vibing", "wandering",
		"whirring", "wibbling", "wizarding", "working", "wrangling",
		"billowing", "gusting", "metamorphosing", "sublimating", "recombobulating", "sautéing",
	}
}

// SpinnerRuneSet is every spinner-like rune, including the finished-state
// glyphs, for content normalization.
func SpinnerRuneSet() []rune {
	return []rune{
		'⠋', '⠙', '⠹', '⠸', '⠼', '⠴', '⠦', '⠧', '⠇', '⠏',
		'·', '✳', '✽', '✶', '✻', '✢',
	}
}

// Matcher tests a line against plain substrings and compiled regexps.
type Matcher struct {
	Strings []string
	Regexps []*regexp.Regexp
}

// Match reports whether any pattern matches s.
func (m Matcher) Match(s string) bool {
	for _, p := range m.Strings {
		if strings.Contains(s, p) {
			return true
		}
	}
	for _, re := range m.Regexps {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// Empty reports whether the matcher has no patterns.
func (m Matcher) Empty() bool { return len(m.Strings) == 0 && len(m.Regexps) == 0 }

// Patterns holds the compiled, ready-to-use patterns.
type Patterns struct {
	Busy       Matcher
	Approval   Matcher
	Banner     Matcher
	Error      Matcher
	Background Matcher
	Chrome     Matcher

	PromptGlyphs []string
	SpinnerChars []string

	// Built from WhimsicalWords and SpinnerChars.
	ThinkingPattern      *regexp.Regexp
	SpinnerActivePattern *regexp.Regexp
}

// CompilePatterns compiles raw patterns. Invalid regexps are logged and
// skipped, never fatal.
func CompilePatterns(raw *RawPatterns) (*Patterns, error) {
	if raw == nil {
		return nil, fmt.Errorf("nil RawPatterns")
	}

	p := &Patterns{
		Busy:         compileList("busy", raw.Busy),
		Approval:     compileList("approval", raw.Approval),
		Banner:       compileList("banner", raw.Banner),
		Error:        compileList("error", raw.Error),
		Background:   compileList("background", raw.Background),
		Chrome:       compileList("chrome", raw.Chrome),
		PromptGlyphs: copySlice(raw.PromptGlyphs),
		SpinnerChars: copySlice(raw.SpinnerChars),
	}

	if len(raw.SpinnerChars) > 0 {
		class := buildSpinnerCharClass(raw.SpinnerChars)

		sap, err := regexp.Compile(`^\s*` + class + `\s*.+…`)
		if err != nil {
			patternLog.Warn("failed_compile_spinner_active_pattern", slog.String("error", err.Error()))
		} else {
			p.SpinnerActivePattern = sap
		}

		if len(raw.WhimsicalWords) > 0 {
			words := make([]string, len(raw.WhimsicalWords))
			for i, w := range raw.WhimsicalWords {
				words[i] = regexp.QuoteMeta(w)
			}
			tp, err := regexp.Compile(`^\s*` + class + `\s*(?i)(` + strings.Join(words, "|") + `)\b`)
			if err != nil {
				patternLog.Warn("failed_compile_thinking_pattern", slog.String("error", err.Error()))
			} else {
				p.ThinkingPattern = tp
			}
		}
	}

	return p, nil
}

// MustDefaultPatterns compiles DefaultRawPatterns.
func MustDefaultPatterns() *Patterns {
	p, err := CompilePatterns(DefaultRawPatterns())
	if err != nil {
		panic(err)
	}
	return p
}

func compileList(name string, raw []string) Matcher {
	var m Matcher
	for _, s := range raw {
		if s == "" {
			continue
		}
		if expr, ok := strings.CutPrefix(s, "re:"); ok {
			re, err := regexp.Compile(expr)
			if err != nil {
				patternLog.Warn("invalid_pattern_regex",
					slog.String("list", name),
					slog.String("pattern", s),
					slog.String("error", err.Error()))
				continue
			}
			m.Regexps = append(m.Regexps, re)
			continue
		}
		m.Strings = append(m.Strings, s)
	}
	return m
}

// buildSpinnerCharClass builds a regex character class from spinner chars,
// e.g. ["⠋", "✳"] -> "[⠋✳]".
func buildSpinnerCharClass(chars []string) string {
	var b strings.Builder
	b.WriteRune('[')
	for _, ch := range chars {
		b.WriteString(regexp.QuoteMeta(ch))
	}
	b.WriteRune(']')
	return b.String()
}

// MergeRawPatterns merges defaults with overrides and extras.
//   - A non-nil override field (even empty) replaces the default.
//   - extras fields are appended after defaults or overrides.
func MergeRawPatterns(defaults, overrides, extras *RawPatterns) *RawPatterns {
	result := &RawPatterns{}
	fields := func(r *RawPatterns) []*[]string {
		return []*[]string{
			&r.SpinnerChars, &r.WhimsicalWords, &r.Busy, &r.Approval, &r.PromptGlyphs,
			&r.Banner, &r.Error, &r.Background, &r.Chrome,
		}
	}
	out := fields(result)

	if defaults != nil {
		for i, f := range fields(defaults) {
			*out[i] = copySlice(*f)
		}
	}
	if overrides != nil {
		for i, f := range fields(overrides) {
			if *f != nil {
				*out[i] = copySlice(*f)
			}
		}
	}
	if extras != nil {
		for i, f := range fields(extras) {
			*out[i] = append(*out[i], *f...)
		}
	}
	return result
}

var spinnerRuneMap = func() map[rune]bool {
	m := make(map[rune]bool)
	for _, r := range SpinnerRuneSet() {
		m[r] = true
	}
	return m
}()

// StripSpinnerRunes removes all spinner characters in a single pass.
func StripSpinnerRunes(s string) string {
	return strings.Map(func(r rune) rune {
		if spinnerRuneMap[r] {
			return -1
		}
		return r
	}, s)
}

func copySlice(s []string) []string {
	if s == nil {
		return nil
	}
	c := make([]string, len(s))
	copy(c, s)
	return c
}
