package stream

import (
	"slices"

	"github.com/asheshgoplani/agent-relay/internal/screen"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

// DefaultMaxTranscriptLines bounds the committed part of a transcript.
const DefaultMaxTranscriptLines = 5000

// Entry is one transcript line.
type Entry struct {
	Category screen.Category
	Text     string
	Cells    []vterm.Cell
}

// Transcript accumulates a turn's content. Lines that left the screen are
// committed in order; rows still on screen live in a mirror keyed by row,
// so a row redrawn several times contributes only its final content.
type Transcript struct {
	maxLines int

	committed []Entry
	mirror    map[int]Entry

	// dropped counts committed lines evicted by maxLines, lost counts
	// lines the terminal discarded before they could be read.
	dropped int
	lost    int
}

// NewTranscript returns an empty transcript keeping at most maxLines
// committed lines (DefaultMaxTranscriptLines when maxLines <= 0).
func NewTranscript(maxLines int) *Transcript {
	if maxLines <= 0 {
		maxLines = DefaultMaxTranscriptLines
	}
	return &Transcript{maxLines: maxLines, mirror: map[int]Entry{}}
}

// Record applies one cycle of extracted regions. lost is the number of
// scrolled-off lines the terminal dropped and cleared reports an erase of
// the display.
func (t *Transcript) Record(regions []screen.Region, lost int, cleared bool) {
	// Dropped lines scrolled off before the ones the terminal kept.
	for range lost {
		if e, ok := t.mirror[0]; ok {
			t.commit(e)
		}
		t.shift()
	}
	t.lost += lost

	for _, r := range regions {
		if !r.Scrolled {
			continue
		}
		for i, text := range r.Lines {
			_, mirrored := t.mirror[0]
			if (r.Changed || mirrored) && r.Category != screen.Chrome {
				t.commit(Entry{Category: r.Category, Text: text, Cells: r.Cells[i]})
			}
			t.shift()
		}
	}

	if cleared {
		for _, row := range t.rows() {
			t.commit(t.mirror[row])
		}
		clear(t.mirror)
	}

	for _, r := range regions {
		if r.Scrolled {
			continue
		}
		for i, text := range r.Lines {
			row := r.Row + i
			if r.Category == screen.Chrome || text == "" {
				delete(t.mirror, row)
				continue
			}
			t.mirror[row] = Entry{Category: r.Category, Text: text, Cells: r.Cells[i]}
		}
	}
}

// shift moves every mirrored row up by one after a line left the top.
func (t *Transcript) shift() {
	next := make(map[int]Entry, len(t.mirror))
	for row, e := range t.mirror {
		if row > 0 {
			next[row-1] = e
		}
	}
	t.mirror = next
}

func (t *Transcript) commit(e Entry) {
	t.committed = append(t.committed, e)
	if over := len(t.committed) - t.maxLines; over > 0 {
		t.committed = slices.Delete(t.committed, 0, over)
		t.dropped += over
	}
}

func (t *Transcript) rows() []int {
	rows := make([]int, 0, len(t.mirror))
	for row := range t.mirror {
		rows = append(rows, row)
	}
	slices.Sort(rows)
	return rows
}

// Entries returns committed lines followed by the mirrored rows in screen
// order. A gap between mirrored rows becomes one blank line.
func (t *Transcript) Entries() []Entry {
	out := slices.Clone(t.committed)
	prev := -1
	for _, row := range t.rows() {
		if prev >= 0 && row > prev+1 {
			out = append(out, Entry{Category: screen.Other})
		}
		out = append(out, t.mirror[row])
		prev = row
	}
	return out
}

// Omitted is the number of lines of this turn that are no longer held.
func (t *Transcript) Omitted() int { return t.dropped + t.lost }

// Empty reports whether nothing has been recorded.
func (t *Transcript) Empty() bool { return len(t.committed) == 0 && len(t.mirror) == 0 }

// Reset starts a new turn.
func (t *Transcript) Reset() {
	t.committed = nil
	t.mirror = map[int]Entry{}
	t.dropped, t.lost = 0, 0
}
