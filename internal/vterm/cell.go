package vterm

import "strings"

// Color is a packed terminal color: the zero value is the terminal default,
// otherwise the top byte selects indexed (0-255) or 24-bit RGB.
type Color uint32

const (
	colorIndexed Color = 1 << 24
	colorRGB     Color = 2 << 24
	colorKind    Color = 0xff << 24
)

// DefaultColor is the terminal's default foreground or background.
const DefaultColor Color = 0

// IndexedColor returns a 256-palette color.
func IndexedColor(n uint8) Color { return colorIndexed | Color(n) }

// RGBColor returns a 24-bit color.
func RGBColor(r, g, b uint8) Color {
	return colorRGB | Color(r)<<16 | Color(g)<<8 | Color(b)
}

// IsDefault reports whether c is the terminal default.
func (c Color) IsDefault() bool { return c == DefaultColor }

// Index returns the palette index of an indexed color.
func (c Color) Index() (uint8, bool) {
	if c&colorKind != colorIndexed {
		return 0, false
	}
	return uint8(c), true
}

// RGB returns the components of c. Indexed colors 0-15 map to the xterm
// defaults, 16-255 to the 6x6x6 cube and grey ramp.
func (c Color) RGB() (r, g, b uint8, ok bool) {
	switch c & colorKind {
	case colorRGB:
		return uint8(c >> 16), uint8(c >> 8), uint8(c), true
	case colorIndexed:
		r, g, b = paletteRGB(uint8(c))
		return r, g, b, true
	}
	return 0, 0, 0, false
}

var basePalette = [16][3]uint8{
	{0, 0, 0}, {205, 0, 0}, {0, 205, 0}, {205, 205, 0},
	{0, 0, 238}, {205, 0, 205}, {0, 205, 205}, {229, 229, 229},
	{127, 127, 127}, {255, 0, 0}, {0, 255, 0}, {255, 255, 0},
	{92, 92, 255}, {255, 0, 255}, {0, 255, 255}, {255, 255, 255},
}

func paletteRGB(n uint8) (uint8, uint8, uint8) {
	switch {
	case n < 16:
		p := basePalette[n]
		return p[0], p[1], p[2]
	case n < 232:
		n -= 16
		level := func(v uint8) uint8 {
			if v == 0 {
				return 0
			}
			return 55 + v*40
		}
		return level(n / 36), level((n / 6) % 6), level(n % 6)
	default:
		v := 8 + (n-232)*10
		return v, v, v
	}
}

// Style is the rendition applied to a cell.
type Style struct {
	Fg, Bg    Color
	Bold      bool
	Dim       bool
	Italic    bool
	Underline bool
	Reverse   bool
}

// Cell is one grid position. Width is 1 for normal runes, 2 for the leading
// cell of a wide rune and 0 for the continuation cell that follows it.
type Cell struct {
	Rune  rune
	Width int8
	Style Style
}

func blankCell(st Style) Cell {
	// Erased cells keep only the background.
	return Cell{Rune: ' ', Width: 1, Style: Style{Bg: st.Bg}}
}

// IsBlank reports whether the cell shows nothing.
func (c Cell) IsBlank() bool {
	return c.Width != 0 && (c.Rune == ' ' || c.Rune == 0)
}

// cellsText renders a row of cells as a string with trailing spaces removed.
func cellsText(cells []Cell) string {
	var b strings.Builder
	b.Grow(len(cells))
	for _, c := range cells {
		if c.Width == 0 {
			continue
		}
		if c.Rune == 0 {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(c.Rune)
	}
	return strings.TrimRight(b.String(), " ")
}
