package vterm

import "strings"

// Snapshot is an immutable copy of the grid. It never aliases the live
// terminal, so it can be held across later writes.
type Snapshot struct {
	Rows, Cols int
	Cells      [][]Cell
	CursorRow  int
	CursorCol  int
	AltScreen  bool
}

// Line returns row i as text with trailing blanks trimmed.
func (s Snapshot) Line(i int) string {
	if i < 0 || i >= len(s.Cells) {
		return ""
	}
	return cellsText(s.Cells[i])
}

// Lines returns every row as text.
func (s Snapshot) Lines() []string {
	out := make([]string, len(s.Cells))
	for i, row := range s.Cells {
		out[i] = cellsText(row)
	}
	return out
}

// Text joins all rows with newlines and drops trailing blank rows.
func (s Snapshot) Text() string {
	lines := s.Lines()
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Line is one row reported in a Delta.
type Line struct {
	Index   int
	Cells   []Cell
	Changed bool
}

// Text renders the line with trailing blanks trimmed.
func (l Line) Text() string { return cellsText(l.Cells) }

// Blank reports whether the line has no visible content.
func (l Line) Blank() bool { return l.Text() == "" }

// Delta is the set of changes since the previous DrainChanges call.
//
// Lines holds the rows written since the last drain, in index order.
// ScrolledOff holds rows pushed off the top of the screen, oldest first;
// Changed on those is true when the row had been written since the last
// drain. Dropped counts the oldest scrolled-off rows discarded because more
// than MaxScrolledOff left the screen between two drains. Cleared reports
// an erase of the whole display.
type Delta struct {
	Lines       []Line
	ScrolledOff []Line
	Dropped     int
	Cleared     bool
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Lines) == 0 && len(d.ScrolledOff) == 0 && d.Dropped == 0 && !d.Cleared
}
