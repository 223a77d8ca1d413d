// Package vterm is a small virtual terminal: it interprets the byte stream a
// program writes to its pseudo-terminal and keeps a grid of styled cells that
// can be snapshotted for classification and drained for changes.
package vterm

import (
	"strconv"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/mattn/go-runewidth"
)

// MaxScrolledOff bounds the rows kept in Delta.ScrolledOff between drains.
const MaxScrolledOff = 1000

const maxReplyBytes = 4096

type cursor struct {
	row, col    int
	style       Style
	pendingWrap bool
}

// Terminal is a virtual screen fed by Write. It is safe for concurrent use;
// in practice one goroutine writes and drains while others may snapshot.
type Terminal struct {
	mu sync.Mutex

	rows, cols int
	grid       [][]Cell
	mainGrid   [][]Cell // main screen, kept while the alternate screen is active
	alt        bool

	cur   cursor
	saved cursor

	top, bottom int // scroll region, inclusive

	dirty    []bool
	scrolled []Line
	dropped  int
	cleared  bool

	replies []byte
	parser  *ansi.Parser
}

// New creates a blank rows x cols terminal.
func New(rows, cols int) *Terminal {
	rows, cols = max(rows, 1), max(cols, 1)
	t := &Terminal{rows: rows, cols: cols}
	t.reset()
	t.initParser()
	return t
}

func newGrid(rows, cols int) [][]Cell {
	g := make([][]Cell, rows)
	for i := range g {
		g[i] = blankRow(cols, Style{})
	}
	return g
}

func blankRow(cols int, st Style) []Cell {
	row := make([]Cell, cols)
	b := blankCell(st)
	for i := range row {
		row[i] = b
	}
	return row
}

func (t *Terminal) reset() {
	t.grid = newGrid(t.rows, t.cols)
	t.mainGrid = nil
	t.alt = false
	t.cur = cursor{}
	t.saved = cursor{}
	t.top, t.bottom = 0, t.rows-1
	t.dirty = make([]bool, t.rows)
	t.markAll()
}

// Write feeds program output into the terminal. It always consumes all of p
// and never fails; unknown or malformed sequences are skipped. Incomplete
// sequences at the end of p are completed by the next call.
func (t *Terminal) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.parser.Parse(p)
	return len(p), nil
}

// Size returns the grid dimensions.
func (t *Terminal) Size() (rows, cols int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rows, t.cols
}

// Snapshot returns a deep copy of the visible grid.
func (t *Terminal) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	cells := make([][]Cell, t.rows)
	for i, row := range t.grid {
		cells[i] = append([]Cell(nil), row...)
	}
	return Snapshot{
		Rows:      t.rows,
		Cols:      t.cols,
		Cells:     cells,
		CursorRow: t.cur.row,
		CursorCol: t.cur.col,
		AltScreen: t.alt,
	}
}

// DrainChanges returns everything that changed since the previous call and
// resets the change tracking. Call it at most once per polling cycle.
func (t *Terminal) DrainChanges() Delta {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := Delta{
		ScrolledOff: t.scrolled,
		Dropped:     t.dropped,
		Cleared:     t.cleared,
	}
	for i, dirty := range t.dirty {
		if !dirty {
			continue
		}
		d.Lines = append(d.Lines, Line{
			Index:   i,
			Cells:   append([]Cell(nil), t.grid[i]...),
			Changed: true,
		})
		t.dirty[i] = false
	}
	t.scrolled = nil
	t.dropped = 0
	t.cleared = false
	return d
}

// Replies returns and clears the bytes the terminal wants to send back to
// the program (device status and attribute reports).
func (t *Terminal) Replies() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.replies
	t.replies = nil
	return r
}

// Resize changes the grid size, keeping the top-left content that still
// fits. The scroll region is reset to the full screen.
func (t *Terminal) Resize(rows, cols int) {
	rows, cols = max(rows, 1), max(cols, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if rows == t.rows && cols == t.cols {
		return
	}
	t.grid = resizeGrid(t.grid, rows, cols)
	if t.mainGrid != nil {
		t.mainGrid = resizeGrid(t.mainGrid, rows, cols)
	}
	t.rows, t.cols = rows, cols
	t.top, t.bottom = 0, rows-1
	t.dirty = make([]bool, rows)
	t.markAll()
	t.cur = clampCursor(t.cur, rows, cols)
	t.saved = clampCursor(t.saved, rows, cols)
}

func resizeGrid(old [][]Cell, rows, cols int) [][]Cell {
	g := newGrid(rows, cols)
	for r := 0; r < rows && r < len(old); r++ {
		copy(g[r], old[r])
		repairRow(g[r])
	}
	return g
}

func clampCursor(c cursor, rows, cols int) cursor {
	c.row = min(max(c.row, 0), rows-1)
	c.col = min(max(c.col, 0), cols-1)
	c.pendingWrap = false
	return c
}

func (t *Terminal) markAll() {
	for i := range t.dirty {
		t.dirty[i] = true
	}
}

func (t *Terminal) markRange(from, to int) {
	for r := max(from, 0); r <= to && r < t.rows; r++ {
		t.dirty[r] = true
	}
}

func (t *Terminal) reply(s string) {
	if len(t.replies)+len(s) > maxReplyBytes {
		return
	}
	t.replies = append(t.replies, s...)
}

// print places r at the cursor, handling wide runes and deferred wrap.
func (t *Terminal) print(r rune) {
	w := runewidth.RuneWidth(r)
	if w == 0 {
		// Combining marks and zero-width runes are not modelled.
		return
	}
	if w > 2 {
		w = 2
	}
	if w == 2 && t.cols < 2 {
		w = 1
	}
	if t.cur.pendingWrap {
		t.cur.col = 0
		t.lineFeed()
	}
	if w == 2 && t.cur.col == t.cols-1 {
		t.grid[t.cur.row][t.cur.col] = blankCell(t.cur.style)
		t.dirty[t.cur.row] = true
		t.cur.col = 0
		t.lineFeed()
	}

	row := t.grid[t.cur.row]
	row[t.cur.col] = Cell{Rune: r, Width: int8(w), Style: t.cur.style}
	if w == 2 {
		row[t.cur.col+1] = Cell{Width: 0, Style: t.cur.style}
	}
	repairRow(row)
	t.dirty[t.cur.row] = true

	if t.cur.col+w >= t.cols {
		t.cur.col = t.cols - 1
		t.cur.pendingWrap = true
	} else {
		t.cur.col += w
	}
}

// repairRow blanks any half of a wide rune whose partner was overwritten.
func repairRow(row []Cell) {
	for i := range row {
		switch row[i].Width {
		case 2:
			if i+1 >= len(row) || row[i+1].Width != 0 {
				row[i] = blankCell(row[i].Style)
			}
		case 0:
			if i == 0 || row[i-1].Width != 2 {
				row[i] = blankCell(row[i].Style)
			}
		}
	}
}

func (t *Terminal) lineFeed() {
	t.cur.pendingWrap = false
	switch {
	case t.cur.row == t.bottom:
		t.scrollUp(1)
	case t.cur.row < t.rows-1:
		t.cur.row++
	}
}

func (t *Terminal) reverseIndex() {
	t.cur.pendingWrap = false
	switch {
	case t.cur.row == t.top:
		t.scrollDown(1)
	case t.cur.row > 0:
		t.cur.row--
	}
}

// scrollUp moves the scroll region up n rows. Rows leaving the top of the
// main screen are recorded as scrolled off; dirty flags travel with their
// rows so a drained delta stays consistent with the shifted content.
func (t *Terminal) scrollUp(n int) {
	height := t.bottom - t.top + 1
	n = min(max(n, 1), height)
	record := t.top == 0 && !t.alt
	for range n {
		gone := t.grid[t.top]
		if record {
			t.pushScrolled(Line{Index: 0, Cells: gone, Changed: t.dirty[t.top]})
		}
		copy(t.grid[t.top:t.bottom], t.grid[t.top+1:t.bottom+1])
		copy(t.dirty[t.top:t.bottom], t.dirty[t.top+1:t.bottom+1])
		t.grid[t.bottom] = blankRow(t.cols, Style{Bg: t.cur.style.Bg})
		t.dirty[t.bottom] = true
	}
	if record {
		// Rows under a partial region did not move.
		t.markRange(t.bottom+1, t.rows-1)
	} else {
		t.markRange(t.top, t.bottom)
	}
}

func (t *Terminal) scrollDown(n int) {
	height := t.bottom - t.top + 1
	n = min(max(n, 1), height)
	for range n {
		copy(t.grid[t.top+1:t.bottom+1], t.grid[t.top:t.bottom])
		t.grid[t.top] = blankRow(t.cols, Style{Bg: t.cur.style.Bg})
	}
	t.markRange(t.top, t.bottom)
}

func (t *Terminal) pushScrolled(l Line) {
	if len(t.scrolled) >= MaxScrolledOff {
		t.scrolled = t.scrolled[1:]
		t.dropped++
	}
	t.scrolled = append(t.scrolled, l)
}

func (t *Terminal) eraseCells(row, from, to int) {
	from, to = max(from, 0), min(to, t.cols)
	if row < 0 || row >= t.rows || from >= to {
		return
	}
	b := blankCell(t.cur.style)
	line := t.grid[row]
	for c := from; c < to; c++ {
		line[c] = b
	}
	repairRow(line)
	t.dirty[row] = true
}

func (t *Terminal) eraseDisplay(mode int) {
	switch mode {
	case 0:
		t.eraseCells(t.cur.row, t.cur.col, t.cols)
		for r := t.cur.row + 1; r < t.rows; r++ {
			t.eraseCells(r, 0, t.cols)
		}
	case 1:
		for r := 0; r < t.cur.row; r++ {
			t.eraseCells(r, 0, t.cols)
		}
		t.eraseCells(t.cur.row, 0, t.cur.col+1)
	case 2, 3:
		for r := 0; r < t.rows; r++ {
			t.eraseCells(r, 0, t.cols)
		}
		if !t.alt {
			t.cleared = true
		}
	}
}

func (t *Terminal) eraseLine(mode int) {
	switch mode {
	case 0:
		t.eraseCells(t.cur.row, t.cur.col, t.cols)
	case 1:
		t.eraseCells(t.cur.row, 0, t.cur.col+1)
	case 2:
		t.eraseCells(t.cur.row, 0, t.cols)
	}
}

func (t *Terminal) insertChars(n int) {
	line := t.grid[t.cur.row]
	n = min(max(n, 1), t.cols-t.cur.col)
	copy(line[t.cur.col+n:], line[t.cur.col:t.cols-n])
	t.eraseCells(t.cur.row, t.cur.col, t.cur.col+n)
}

func (t *Terminal) deleteChars(n int) {
	line := t.grid[t.cur.row]
	n = min(max(n, 1), t.cols-t.cur.col)
	copy(line[t.cur.col:], line[t.cur.col+n:])
	t.eraseCells(t.cur.row, t.cols-n, t.cols)
}

func (t *Terminal) insertLines(n int) {
	if t.cur.row < t.top || t.cur.row > t.bottom {
		return
	}
	n = min(max(n, 1), t.bottom-t.cur.row+1)
	copy(t.grid[t.cur.row+n:t.bottom+1], t.grid[t.cur.row:t.bottom+1-n])
	for r := t.cur.row; r < t.cur.row+n; r++ {
		t.grid[r] = blankRow(t.cols, Style{Bg: t.cur.style.Bg})
	}
	t.markRange(t.cur.row, t.bottom)
	t.cur.col = 0
	t.cur.pendingWrap = false
}

func (t *Terminal) deleteLines(n int) {
	if t.cur.row < t.top || t.cur.row > t.bottom {
		return
	}
	n = min(max(n, 1), t.bottom-t.cur.row+1)
	copy(t.grid[t.cur.row:t.bottom+1-n], t.grid[t.cur.row+n:t.bottom+1])
	for r := t.bottom + 1 - n; r <= t.bottom; r++ {
		t.grid[r] = blankRow(t.cols, Style{Bg: t.cur.style.Bg})
	}
	t.markRange(t.cur.row, t.bottom)
	t.cur.col = 0
	t.cur.pendingWrap = false
}

func (t *Terminal) moveTo(row, col int) {
	t.cur.row = min(max(row, 0), t.rows-1)
	t.cur.col = min(max(col, 0), t.cols-1)
	t.cur.pendingWrap = false
}

func (t *Terminal) cursorUp(n int) {
	limit := 0
	if t.cur.row >= t.top {
		limit = t.top
	}
	t.moveTo(max(t.cur.row-n, limit), t.cur.col)
}

func (t *Terminal) cursorDown(n int) {
	limit := t.rows - 1
	if t.cur.row <= t.bottom {
		limit = t.bottom
	}
	t.moveTo(min(t.cur.row+n, limit), t.cur.col)
}

func (t *Terminal) setScrollRegion(top, bottom int) {
	top, bottom = top-1, bottom-1
	if top < 0 {
		top = 0
	}
	if bottom >= t.rows || bottom < 0 {
		bottom = t.rows - 1
	}
	if top >= bottom {
		return
	}
	t.top, t.bottom = top, bottom
	t.moveTo(0, 0)
}

func (t *Terminal) saveCursor() { t.saved = t.cur }

func (t *Terminal) restoreCursor() { t.cur = clampCursor(t.saved, t.rows, t.cols) }

func (t *Terminal) enterAlt() {
	if t.alt {
		return
	}
	t.mainGrid = t.grid
	t.grid = newGrid(t.rows, t.cols)
	t.alt = true
	t.markAll()
}

func (t *Terminal) exitAlt() {
	if !t.alt {
		return
	}
	t.grid = t.mainGrid
	t.mainGrid = nil
	t.alt = false
	t.markAll()
}

func (t *Terminal) setPrivateMode(mode int, on bool) {
	switch mode {
	case 1049:
		if on {
			t.saveCursor()
			t.enterAlt()
		} else {
			t.exitAlt()
			t.restoreCursor()
		}
	case 1047, 47:
		if on {
			t.enterAlt()
		} else {
			t.exitAlt()
		}
	}
}

func (t *Terminal) deviceStatus(mode int) {
	switch mode {
	case 5:
		t.reply("\x1b[0n")
	case 6:
		t.reply("\x1b[" + strconv.Itoa(t.cur.row+1) + ";" + strconv.Itoa(t.cur.col+1) + "R")
	}
}

func (t *Terminal) fullReset() {
	t.reset()
	t.scrolled = nil
	t.dropped = 0
	t.cleared = true
}
