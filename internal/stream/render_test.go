package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

func TestRenderPlain(t *testing.T) {
	got := RenderPlain([]Entry{
		{Category: screen.Prose, Text: "intro   "},
		{Category: screen.Prose},
		{Category: screen.Other},
		{Category: screen.DiffRemoved, Text: "old"},
		{Category: screen.DiffAdded, Text: "  12 + kept marker"},
	})
	assert.Equal(t, "intro\n\n- old\n  12 + kept marker", got)
}

func TestRenderHTMLBlocks(t *testing.T) {
	got := RenderHTML([]Entry{
		{Category: screen.Prose, Text: "intro"},
		{Category: screen.Code, Text: "if a < b {"},
		{Category: screen.Code, Text: "}"},
		{Category: screen.Prose, Text: "done"},
	}, 0)
	assert.Equal(t, "intro\n<pre>if a &lt; b {\n}</pre>\ndone", got)
}

func TestRenderHTMLStyles(t *testing.T) {
	term := vterm.New(2, 40)
	_, err := term.Write([]byte("\x1b[1mbold\x1b[0m plain \x1b[3;4mslanted\x1b[m"))
	require.NoError(t, err)
	snap := term.Snapshot()

	got := RenderHTML([]Entry{{Category: screen.Prose, Text: snap.Line(0), Cells: snap.Cells[0]}}, 0)
	assert.Equal(t, "<b>bold</b> plain <i><u>slanted</u></i>", got)
}

func TestRenderHTMLOmitted(t *testing.T) {
	got := RenderHTML([]Entry{{Category: screen.Prose, Text: "x"}}, 3)
	assert.Equal(t, "<i>…[3 earlier lines omitted]</i>\nx", got)
}

func TestTruncate(t *testing.T) {
	got, cut := Truncate("héllo wörld", 5)
	assert.Equal(t, 6, cut)
	assert.Equal(t, "…[truncated 6 chars]\nwörld", got)

	got, cut = Truncate("short", 10)
	assert.Zero(t, cut)
	assert.Equal(t, "short", got)

	got, _ = Truncate("unbounded", 0)
	assert.Equal(t, "unbounded", got)
}

func TestTrimEntries(t *testing.T) {
	entries := []Entry{
		{Category: screen.Prose, Text: "aaaa", Cells: []vterm.Cell{{Rune: 'a', Width: 1}}},
		{Category: screen.Prose, Text: "bbbb"},
		{Category: screen.Prose, Text: "cccc"},
	}

	got, cut := TrimEntries(entries, 12)
	assert.Equal(t, 3, cut)
	assert.Equal(t, []string{"a", "bbbb", "cccc"}, texts(got))
	assert.Nil(t, got[0].Cells)

	got, cut = TrimEntries(entries, 100)
	assert.Zero(t, cut)
	assert.Len(t, got, 3)
}

func TestFingerprintIgnoresAnimation(t *testing.T) {
	tests := []struct {
		a, b string
		same bool
	}{
		{"✳ Working (12s · ↑ 1.2k tokens)", "✢ Working (13s · ↑ 1.3k tokens)", true},
		{"done at 12:30", "done at 12:31", true},
		{"a\n\n\n\nb", "a\n\nb", true},
		{"line  \nnext", "line\nnext", true},
		{"building 45%", "building 46%", true},
		{"hello", "hello world", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.same, Fingerprint(tt.a) == Fingerprint(tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestNormalizeContentCollapsesStatusCounters(t *testing.T) {
	got := normalizeContent("✳ Working (12s · ↑ 1.2k tokens)")
	assert.Contains(t, got, "Working (STATUS)")
	assert.NotContains(t, got, "12s")
}
