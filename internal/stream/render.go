package stream

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

// DefaultMaxChars is the default bound on visible message content.
const DefaultMaxChars = 2000

const truncationMarker = "…[truncated %d chars]\n"

var diffMarkerRe = regexp.MustCompile(`^\s*(\d+\s+)?[+-]`)

func isBlock(c screen.Category) bool {
	return c == screen.Code || c == screen.DiffAdded || c == screen.DiffRemoved
}

// diffLine prefixes a styled diff line with +/- when its text has no marker.
func diffLine(c screen.Category, text string) string {
	if diffMarkerRe.MatchString(text) {
		return text
	}
	switch c {
	case screen.DiffAdded:
		return "+ " + text
	case screen.DiffRemoved:
		return "- " + text
	}
	return text
}

// RenderPlain is the streaming renderer: plain text, blank runs collapsed,
// diff markers restored for lines whose only signal was color.
func RenderPlain(entries []Entry) string {
	var b strings.Builder
	blank := false
	for _, e := range entries {
		line := strings.TrimRight(e.Text, " ")
		if line == "" {
			blank = b.Len() > 0
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
			if blank {
				b.WriteByte('\n')
			}
		}
		blank = false
		b.WriteString(diffLine(e.Category, line))
	}
	return b.String()
}

// RenderHTML is the final renderer. Code and diff runs go into <pre>
// blocks; prose keeps bold, italic and underline from the cell styles.
// omitted, when positive, is reported on the first line.
func RenderHTML(entries []Entry, omitted int) string {
	var b strings.Builder
	if omitted > 0 {
		fmt.Fprintf(&b, "<i>…[%d earlier lines omitted]</i>\n", omitted)
	}

	inPre := false
	blank := false
	started := false
	for _, e := range entries {
		text := strings.TrimRight(e.Text, " ")
		if text == "" {
			blank = started
			continue
		}
		pre := isBlock(e.Category)
		switch {
		case pre && !inPre:
			if started {
				b.WriteByte('\n')
			}
			b.WriteString("<pre>")
		case !pre && inPre:
			b.WriteString("</pre>\n")
		case started:
			b.WriteByte('\n')
			if blank {
				b.WriteByte('\n')
			}
		}
		inPre, blank, started = pre, false, true

		if pre {
			b.WriteString(html.EscapeString(diffLine(e.Category, text)))
			continue
		}
		b.WriteString(cellsHTML(e.Cells, text))
	}
	if inPre {
		b.WriteString("</pre>")
	}
	return b.String()
}

type textAttrs struct{ bold, italic, underline bool }

func (a textAttrs) open(b *strings.Builder) {
	if a.bold {
		b.WriteString("<b>")
	}
	if a.italic {
		b.WriteString("<i>")
	}
	if a.underline {
		b.WriteString("<u>")
	}
}

func (a textAttrs) close(b *strings.Builder) {
	if a.underline {
		b.WriteString("</u>")
	}
	if a.italic {
		b.WriteString("</i>")
	}
	if a.bold {
		b.WriteString("</b>")
	}
}

// cellsHTML renders styled cells. It falls back to the escaped text when
// the cells no longer match it (a line cut by truncation).
func cellsHTML(cells []vterm.Cell, text string) string {
	if len(cells) == 0 {
		return html.EscapeString(text)
	}
	end := len(cells)
	for end > 0 && (cells[end-1].Width == 0 || cells[end-1].IsBlank()) {
		end--
	}

	var b strings.Builder
	var cur textAttrs
	for _, c := range cells[:end] {
		if c.Width == 0 {
			continue
		}
		next := textAttrs{bold: c.Style.Bold, italic: c.Style.Italic, underline: c.Style.Underline}
		if c.IsBlank() {
			// Spaces never open a span on their own.
			next = textAttrs{bold: cur.bold && next.bold, italic: cur.italic && next.italic, underline: cur.underline && next.underline}
		}
		if next != cur {
			cur.close(&b)
			next.open(&b)
			cur = next
		}
		r := c.Rune
		if r == 0 {
			r = ' '
		}
		b.WriteString(html.EscapeString(string(r)))
	}
	cur.close(&b)
	return b.String()
}

// Truncate keeps the newest maxChars runes of s and prepends a visible
// marker naming how many were cut. It returns the cut count.
func Truncate(s string, maxChars int) (string, int) {
	if maxChars <= 0 {
		return s, 0
	}
	n := utf8.RuneCountInString(s)
	if n <= maxChars {
		return s, 0
	}
	cut := n - maxChars
	i := 0
	for range cut {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return fmt.Sprintf(truncationMarker, cut) + s[i:], cut
}

// TrimEntries keeps the newest entries whose text fits in maxChars runes,
// counting one separator per line. A line cut in half keeps its tail and
// loses its cells. It returns the number of runes removed.
func TrimEntries(entries []Entry, maxChars int) ([]Entry, int) {
	if maxChars <= 0 {
		return entries, 0
	}
	total := 0
	for _, e := range entries {
		total += utf8.RuneCountInString(e.Text) + 1
	}
	if total <= maxChars {
		return entries, 0
	}

	budget := maxChars
	start := len(entries)
	for start > 0 {
		n := utf8.RuneCountInString(entries[start-1].Text) + 1
		if n > budget {
			break
		}
		budget -= n
		start--
	}

	out := make([]Entry, 0, len(entries)-start+1)
	if start > 0 && budget > 1 {
		e := entries[start-1]
		runes := []rune(e.Text)
		keep := budget - 1
		out = append(out, Entry{Category: e.Category, Text: string(runes[len(runes)-keep:])})
	}
	out = append(out, entries[start:]...)

	kept := 0
	for _, e := range out {
		kept += utf8.RuneCountInString(e.Text) + 1
	}
	return out, total - kept
}
