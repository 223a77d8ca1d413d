package vterm

import "github.com/charmbracelet/x/ansi"

// Escape sequences are decoded by ansi.Parser, which keeps its state between
// Write calls. OSC, DCS, SOS, PM and APC payloads are consumed but not
// interpreted.

const (
	maxParams     = 32
	maxParamVal   = 65535
	parserDataCap = 4096
)

func (t *Terminal) initParser() {
	p := ansi.NewParser()
	p.SetParamsSize(maxParams)
	p.SetDataSize(parserDataCap)
	p.SetHandler(ansi.Handler{
		Print:     t.print,
		Execute:   t.execute,
		HandleCsi: t.handleCSI,
		HandleEsc: t.handleESC,
	})
	t.parser = p
}

// arg returns parameter i, or def when it is missing or zero.
func arg(params ansi.Params, i, def int) int {
	if i >= len(params) {
		return def
	}
	v := params[i].Param(def)
	if v <= 0 {
		return def
	}
	return min(v, maxParamVal)
}

// args flattens params, sub-parameters included, with missing values as 0.
func args(params ansi.Params) []int {
	out := make([]int, len(params))
	for i, p := range params {
		out[i] = min(max(p.Param(0), 0), maxParamVal)
	}
	return out
}

// execute runs a C0 control.
func (t *Terminal) execute(b byte) {
	switch b {
	case 0x08:
		if t.cur.col > 0 {
			t.cur.col--
		}
		t.cur.pendingWrap = false
	case 0x09:
		t.cur.col = min((t.cur.col/8+1)*8, t.cols-1)
		t.cur.pendingWrap = false
	case 0x0a, 0x0b, 0x0c:
		t.lineFeed()
	case 0x0d:
		t.cur.col = 0
		t.cur.pendingWrap = false
	}
}

func (t *Terminal) handleESC(cmd ansi.Cmd) {
	if cmd.Intermediate() != 0 {
		// Charset designation and similar: nothing to model.
		return
	}
	switch cmd.Final() {
	case '7':
		t.saveCursor()
	case '8':
		t.restoreCursor()
	case 'D':
		t.lineFeed()
	case 'E':
		t.cur.col = 0
		t.lineFeed()
	case 'M':
		t.reverseIndex()
	case 'c':
		t.fullReset()
	}
}

func (t *Terminal) handleCSI(cmd ansi.Cmd, params ansi.Params) {
	if cmd.Intermediate() != 0 {
		return
	}
	final := cmd.Final()
	switch cmd.Prefix() {
	case 0:
	case '?':
		if final == 'h' || final == 'l' {
			for _, mode := range args(params) {
				t.setPrivateMode(mode, final == 'h')
			}
		}
		return
	case '>':
		if final == 'c' {
			t.reply("\x1b[>0;0;0c")
		}
		return
	default:
		return
	}

	switch final {
	case 'A':
		t.cursorUp(arg(params, 0, 1))
	case 'B', 'e':
		t.cursorDown(arg(params, 0, 1))
	case 'C', 'a':
		t.moveTo(t.cur.row, t.cur.col+arg(params, 0, 1))
	case 'D':
		t.moveTo(t.cur.row, t.cur.col-arg(params, 0, 1))
	case 'E':
		t.cursorDown(arg(params, 0, 1))
		t.cur.col = 0
	case 'F':
		t.cursorUp(arg(params, 0, 1))
		t.cur.col = 0
	case 'G', '`':
		t.moveTo(t.cur.row, arg(params, 0, 1)-1)
	case 'H', 'f':
		t.moveTo(arg(params, 0, 1)-1, arg(params, 1, 1)-1)
	case 'd':
		t.moveTo(arg(params, 0, 1)-1, t.cur.col)
	case 'J':
		t.eraseDisplay(arg(params, 0, 0))
	case 'K':
		t.eraseLine(arg(params, 0, 0))
	case 'X':
		t.eraseCells(t.cur.row, t.cur.col, t.cur.col+arg(params, 0, 1))
	case '@':
		t.insertChars(arg(params, 0, 1))
	case 'P':
		t.deleteChars(arg(params, 0, 1))
	case 'L':
		t.insertLines(arg(params, 0, 1))
	case 'M':
		t.deleteLines(arg(params, 0, 1))
	case 'S':
		t.scrollUp(arg(params, 0, 1))
	case 'T':
		t.scrollDown(arg(params, 0, 1))
	case 'm':
		t.sgr(args(params))
	case 'r':
		t.setScrollRegion(arg(params, 0, 1), arg(params, 1, t.rows))
	case 's':
		t.saveCursor()
	case 'u':
		t.restoreCursor()
	case 'n':
		t.deviceStatus(arg(params, 0, 0))
	case 'c':
		if arg(params, 0, 0) == 0 {
			t.reply("\x1b[?62;22c")
		}
	}
}

func (t *Terminal) sgr(vals []int) {
	st := &t.cur.style
	if len(vals) == 0 {
		*st = Style{}
		return
	}
	for i := 0; i < len(vals); i++ {
		v := vals[i]
		switch {
		case v == 0:
			*st = Style{}
		case v == 1:
			st.Bold = true
		case v == 2:
			st.Dim = true
		case v == 3:
			st.Italic = true
		case v == 4:
			st.Underline = true
		case v == 7:
			st.Reverse = true
		case v == 22:
			st.Bold, st.Dim = false, false
		case v == 23:
			st.Italic = false
		case v == 24:
			st.Underline = false
		case v == 27:
			st.Reverse = false
		case v >= 30 && v <= 37:
			st.Fg = IndexedColor(uint8(v - 30))
		case v == 38:
			c, used, ok := extColor(vals, i+1)
			if ok {
				st.Fg = c
			}
			i += used
		case v == 39:
			st.Fg = DefaultColor
		case v >= 40 && v <= 47:
			st.Bg = IndexedColor(uint8(v - 40))
		case v == 48:
			c, used, ok := extColor(vals, i+1)
			if ok {
				st.Bg = c
			}
			i += used
		case v == 49:
			st.Bg = DefaultColor
		case v >= 90 && v <= 97:
			st.Fg = IndexedColor(uint8(v - 90 + 8))
		case v >= 100 && v <= 107:
			st.Bg = IndexedColor(uint8(v - 100 + 8))
		}
	}
}

// extColor parses the tail of an extended color (38/48) starting at vals[i].
// It returns how many values it consumed; a malformed tail consumes the
// rest of the list.
func extColor(vals []int, i int) (Color, int, bool) {
	if i >= len(vals) {
		return 0, 0, false
	}
	switch vals[i] {
	case 5:
		if i+1 < len(vals) {
			return IndexedColor(uint8(min(vals[i+1], 255))), 2, true
		}
	case 2:
		if i+3 < len(vals) {
			c := func(v int) uint8 { return uint8(min(v, 255)) }
			return RGBColor(c(vals[i+1]), c(vals[i+2]), c(vals[i+3])), 4, true
		}
	}
	return 0, len(vals) - i, false
}
