package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

func texts(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Text
	}
	return out
}

// pipeline feeds terminal output through the extractor into a transcript,
// the way a session cycle does.
type pipeline struct {
	t    *testing.T
	term *vterm.Terminal
	ex   *screen.Extractor
	tr   *Transcript
}

func newPipeline(t *testing.T, rows, cols int) *pipeline {
	term := vterm.New(rows, cols)
	term.DrainChanges()
	return &pipeline{t: t, term: term, ex: screen.NewExtractor(nil, screen.StyleRules{}), tr: NewTranscript(0)}
}

func (p *pipeline) write(s string) {
	p.t.Helper()
	_, err := p.term.Write([]byte(s))
	require.NoError(p.t, err)
	d := p.term.DrainChanges()
	p.tr.Record(p.ex.Extract(d), d.Dropped, d.Cleared)
}

func TestTranscriptCommitsScrolledLines(t *testing.T) {
	p := newPipeline(t, 4, 40)
	p.write("⏺ one\r\ntwo\r\nthree\r\nfour")
	assert.Equal(t, []string{"⏺ one", "two", "three", "four"}, texts(p.tr.Entries()))

	p.write("\r\nfive")
	assert.Equal(t, []string{"⏺ one", "two", "three", "four", "five"}, texts(p.tr.Entries()))
}

func TestTranscriptKeepsContentWrittenAndScrolledBetweenReads(t *testing.T) {
	p := newPipeline(t, 3, 40)
	p.write("⏺ start")
	p.write("\r\nalpha\r\nbeta\r\ngamma\r\ndelta")
	assert.Equal(t, []string{"⏺ start", "alpha", "beta", "gamma", "delta"}, texts(p.tr.Entries()))
}

func TestTranscriptChromeRowsAreRemoved(t *testing.T) {
	p := newPipeline(t, 6, 60)
	p.write("⏺ answer\r\n✳ Cogitating… (esc to interrupt)")
	assert.Equal(t, []string{"⏺ answer"}, texts(p.tr.Entries()))

	p.write("\x1b[2;1H\x1b[2Kmore text")
	assert.Equal(t, []string{"⏺ answer", "more text"}, texts(p.tr.Entries()))

	p.write("\x1b[1;1H\x1b[2K⏺ answer v2")
	assert.Equal(t, []string{"⏺ answer v2", "more text"}, texts(p.tr.Entries()))
}

func TestTranscriptIgnoresOldScrolledLines(t *testing.T) {
	tr := NewTranscript(0)
	tr.Record([]screen.Region{
		scrolledRegion(screen.Prose, false, "from an earlier turn"),
		scrolledRegion(screen.Chrome, true, "✳ Working…"),
	}, 0, false)
	assert.True(t, tr.Empty())
}

func TestTranscriptLostLines(t *testing.T) {
	tr := NewTranscript(0)
	tr.Record([]screen.Region{rowRegion(screen.Prose, 0, "a", "b", "c")}, 0, false)
	tr.Record(nil, 2, false)

	assert.Equal(t, []string{"a", "b", "c"}, texts(tr.Entries()))
	assert.Equal(t, 2, tr.Omitted())
}

func TestTranscriptBound(t *testing.T) {
	tr := NewTranscript(3)
	tr.Record([]screen.Region{scrolledRegion(screen.Prose, true, "1", "2", "3", "4", "5")}, 0, false)

	assert.Equal(t, []string{"3", "4", "5"}, texts(tr.Entries()))
	assert.Equal(t, 2, tr.Omitted())
}

func TestTranscriptClearedCommitsMirror(t *testing.T) {
	tr := NewTranscript(0)
	tr.Record([]screen.Region{rowRegion(screen.Prose, 2, "kept")}, 0, false)
	tr.Record([]screen.Region{rowRegion(screen.Prose, 0, "after clear")}, 0, true)

	assert.Equal(t, []string{"kept", "after clear"}, texts(tr.Entries()))
}

func TestTranscriptGapBecomesBlankLine(t *testing.T) {
	tr := NewTranscript(0)
	tr.Record([]screen.Region{
		rowRegion(screen.Prose, 0, "x"),
		rowRegion(screen.Prose, 3, "y"),
	}, 0, false)

	assert.Equal(t, []string{"x", "", "y"}, texts(tr.Entries()))
}

func TestTranscriptReset(t *testing.T) {
	tr := NewTranscript(0)
	tr.Record([]screen.Region{rowRegion(screen.Prose, 0, "x")}, 1, false)
	tr.Reset()
	assert.True(t, tr.Empty())
	assert.Zero(t, tr.Omitted())
}
