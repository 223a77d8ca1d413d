package screen

import (
	"regexp"
	"strings"

	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

// Category labels a run of extracted lines.
type Category uint8

const (
	Other Category = iota
	Chrome
	Prose
	Code
	DiffAdded
	DiffRemoved
)

func (c Category) String() string {
	switch c {
	case Chrome:
		return "chrome"
	case Prose:
		return "prose"
	case Code:
		return "code"
	case DiffAdded:
		return "diff-added"
	case DiffRemoved:
		return "diff-removed"
	default:
		return "other"
	}
}

// Region is a run of consecutive changed lines sharing a category.
// Row-origin regions cover grid rows Row..Row+len(Lines)-1. Scrolled-off
// regions have Row -1 and keep the order the lines left the screen in.
type Region struct {
	Category Category
	Row      int
	Scrolled bool
	Changed  bool
	Lines    []string
	Cells    [][]vterm.Cell
}

// StyleRules decides when cell styling marks a diff line.
type StyleRules struct {
	// MinColoredFraction of the visible cells must match for the line to count.
	MinColoredFraction float64
	Added              func(vterm.Style) bool
	Removed            func(vterm.Style) bool
}

// DefaultStyleRules treats green backgrounds as additions and red
// backgrounds as removals, the way Claude Code renders edits.
func DefaultStyleRules() StyleRules {
	return StyleRules{
		MinColoredFraction: 0.5,
		Added:              func(s vterm.Style) bool { return isGreen(s.Bg) },
		Removed:            func(s vterm.Style) bool { return isRed(s.Bg) },
	}
}

func isGreen(c vterm.Color) bool {
	r, g, b, ok := c.RGB()
	return ok && int(g) > int(r)+24 && int(g) > int(b)+16
}

func isRed(c vterm.Color) bool {
	r, g, b, ok := c.RGB()
	return ok && int(r) > int(g)+24 && int(r) > int(b)+16
}

var (
	numberedDiffRe = regexp.MustCompile(`^\s*\d+\s+[+-]\s`)
	listingRe      = regexp.MustCompile(`^\s*\d+\s*[→│|:]`)
	hunkRe         = regexp.MustCompile(`^(@@ .* @@|diff --git |\+\+\+ |--- )`)
)

// Extractor turns change deltas into categorized regions.
type Extractor struct {
	patterns *Patterns
	rules    StyleRules
}

// NewExtractor builds an extractor; nil patterns use the defaults and a
// zero StyleRules uses DefaultStyleRules.
func NewExtractor(p *Patterns, rules StyleRules) *Extractor {
	if p == nil {
		p = MustDefaultPatterns()
	}
	def := DefaultStyleRules()
	if rules.MinColoredFraction <= 0 {
		rules.MinColoredFraction = def.MinColoredFraction
	}
	if rules.Added == nil {
		rules.Added = def.Added
	}
	if rules.Removed == nil {
		rules.Removed = def.Removed
	}
	return &Extractor{patterns: p, rules: rules}
}

type extractState struct {
	prev    Category
	started bool
	inFence bool
	inDiff  bool
}

// Extract classifies every line of d: scrolled-off lines first, then dirty
// rows in index order. Regions are not retained.
func (e *Extractor) Extract(d vterm.Delta) []Region {
	var (
		st  extractState
		out []Region
	)
	for _, l := range d.ScrolledOff {
		out = e.add(out, &st, l, -1, true)
	}
	for _, l := range d.Lines {
		out = e.add(out, &st, l, l.Index, false)
	}
	return out
}

func (e *Extractor) add(out []Region, st *extractState, l vterm.Line, row int, scrolled bool) []Region {
	text := l.Text()
	cat := e.categorize(st, text, l.Cells)
	st.prev, st.started = cat, true

	if n := len(out); n > 0 {
		last := &out[n-1]
		contiguous := scrolled || last.Row+len(last.Lines) == row
		if last.Category == cat && last.Scrolled == scrolled && last.Changed == l.Changed && contiguous {
			last.Lines = append(last.Lines, text)
			last.Cells = append(last.Cells, l.Cells)
			return out
		}
	}
	return append(out, Region{
		Category: cat,
		Row:      row,
		Scrolled: scrolled,
		Changed:  l.Changed,
		Lines:    []string{text},
		Cells:    [][]vterm.Cell{l.Cells},
	})
}

// categorize applies, in order: blank continuation, fenced code, chrome
// text, cell styling, textual diff markers, code shapes, prose.
func (e *Extractor) categorize(st *extractState, text string, cells []vterm.Cell) Category {
	trimmed := normalizeLine(text)

	if trimmed == "" {
		if st.inFence {
			return Code
		}
		if st.started {
			return st.prev
		}
		return Other
	}

	if strings.HasPrefix(trimmed, "```") {
		st.inFence = !st.inFence
		return Code
	}
	if st.inFence {
		return Code
	}

	if e.isChrome(text, trimmed) {
		return Chrome
	}

	if e.colored(cells, e.rules.Added) {
		return DiffAdded
	}
	if e.colored(cells, e.rules.Removed) {
		return DiffRemoved
	}

	if hunkRe.MatchString(trimmed) {
		st.inDiff = true
		return Code
	}
	if m := numberedDiffRe.FindString(text); m != "" {
		return diffSign(m)
	}
	if st.inDiff || e.coloredFg(cells) {
		switch trimmed[0] {
		case '+':
			return DiffAdded
		case '-':
			return DiffRemoved
		}
	}
	if st.inDiff && strings.HasPrefix(text, " ") {
		return Code
	}

	if listingRe.MatchString(text) {
		return Code
	}
	if st.prev == Code && strings.HasPrefix(text, "    ") {
		return Code
	}

	if _, ok := bulletText(trimmed); ok {
		st.inDiff = false
		return Prose
	}
	if _, ok := resultText(trimmed); ok {
		return Prose
	}
	if hasLetters(trimmed) {
		return Prose
	}
	return Other
}

func diffSign(m string) Category {
	if strings.Contains(m, "+") {
		return DiffAdded
	}
	return DiffRemoved
}

func (e *Extractor) isChrome(text, trimmed string) bool {
	p := e.patterns
	if IsSeparator(text) || isBoxEdge(text) || hasBoxFrame(text) {
		return true
	}
	if p.SpinnerActivePattern != nil && p.SpinnerActivePattern.MatchString(trimmed) {
		return true
	}
	if p.ThinkingPattern != nil && p.ThinkingPattern.MatchString(trimmed) {
		return true
	}
	if p.Busy.Match(trimmed) || p.Busy.Match(strings.ToLower(trimmed)) || p.Chrome.Match(trimmed) {
		return true
	}
	for _, g := range p.PromptGlyphs {
		if trimmed == g || strings.HasPrefix(trimmed, g+" ") {
			return true
		}
	}
	return false
}

func (e *Extractor) colored(cells []vterm.Cell, match func(vterm.Style) bool) bool {
	visible, hit := 0, 0
	for _, c := range cells {
		if c.Width == 0 || c.IsBlank() {
			continue
		}
		visible++
		if match(c.Style) {
			hit++
		}
	}
	return visible > 0 && float64(hit) >= e.rules.MinColoredFraction*float64(visible)
}

func (e *Extractor) coloredFg(cells []vterm.Cell) bool {
	return e.colored(cells, func(s vterm.Style) bool { return isGreen(s.Fg) || isRed(s.Fg) })
}
