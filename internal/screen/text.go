package screen

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// normalizeLine replaces NBSP (Claude Code puts one after the prompt glyph)
// and trims surrounding whitespace.
func normalizeLine(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\u00a0", " "))
}

func isBoxRune(r rune) bool {
	return r >= 0x2500 && r <= 0x257f
}

func isVerticalBorder(r rune) bool {
	return r == '│' || r == '┃' || r == '║'
}

// stripBorder removes a leading and trailing vertical box border, so the
// inside of "│ > hello │" reads "> hello".
func stripBorder(s string) string {
	s = normalizeLine(s)
	if r, size := firstRune(s); isVerticalBorder(r) {
		s = strings.TrimSpace(s[size:])
	}
	if r, size := lastRune(s); isVerticalBorder(r) {
		s = strings.TrimSpace(s[:len(s)-size])
	}
	return s
}

func firstRune(s string) (rune, int) { return utf8.DecodeRuneInString(s) }

func lastRune(s string) (rune, int) { return utf8.DecodeLastRuneInString(s) }

// maxStrayGlyphs is how many leftover glyphs may trail a separator. Partially
// consumed sequences and redraw races leave U+FFFD, '?' or short fragments
// after a rule line.
const maxStrayGlyphs = 3

// IsSeparator reports whether s is a horizontal rule: at least 8 box-drawing
// runes, optionally followed by up to three stray glyphs.
func IsSeparator(s string) bool {
	s = normalizeLine(s)
	box := 0
	rest := ""
	for i, r := range s {
		if r == '─' || r == '━' || r == '═' || r == '╌' || r == '┄' || r == '╍' || r == '┈' {
			box++
			continue
		}
		rest = s[i:]
		break
	}
	if box < 8 {
		return false
	}
	stray := 0
	for _, r := range strings.TrimSpace(rest) {
		if !isStrayGlyph(r) {
			return false
		}
		stray++
	}
	return stray <= maxStrayGlyphs
}

func isStrayGlyph(r rune) bool {
	switch {
	case r == unicode.ReplacementChar, r == '?', r == ';', r == '[':
		return true
	case r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
		return true
	}
	return false
}

// isBoxEdge reports a top or bottom box border such as "╭────╮" or "╰──╯".
func isBoxEdge(s string) bool {
	s = normalizeLine(s)
	if s == "" {
		return false
	}
	r, _ := firstRune(s)
	switch r {
	case '╭', '╰', '┌', '└', '┏', '┗', '╔', '╚':
	default:
		return false
	}
	box := 0
	for _, r := range s {
		if isBoxRune(r) {
			box++
		}
	}
	return box*2 >= len([]rune(s))
}

// hasBoxFrame reports whether s is inside a box ("│ ... │").
func hasBoxFrame(s string) bool {
	r, _ := firstRune(normalizeLine(s))
	return isVerticalBorder(r)
}

// bulletText returns the text after an output bullet (⏺ or ●).
func bulletText(s string) (string, bool) {
	for _, b := range []string{"⏺", "●"} {
		if rest, ok := strings.CutPrefix(s, b); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

// resultText returns the text after a tool result marker (⎿).
func resultText(s string) (string, bool) {
	rest, ok := strings.CutPrefix(s, "⎿")
	if !ok {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func hasLetters(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
