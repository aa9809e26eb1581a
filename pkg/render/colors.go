// Package render implements ValueRenderer (spec §4.6): turning a resolved
// Type and VariableLocation into a tree of colorizable spans.
package render

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Style names one semantic role a span of rendered text plays, mirroring
// delve's pkg/terminal/colorize.Style (a small enum mapped to escape
// strings by the active theme) rather than tagging spans with raw colors
// directly.
type Style uint8

const (
	StyleNormal Style = iota
	StyleNumeric
	StyleInvalid
	StyleString
	StyleTypeName
	StyleVariableName
	StyleEnumMember
	StyleURL
	StyleFunction
	StyleInfo
)

// Theme maps each Style to the ANSI escapes that surround text rendered in
// that style. ThemeNone's maps are all empty, producing plain text.
type Theme struct {
	Name   string
	before map[Style]string
	after  map[Style]string
}

func truecolor(r, g, b byte) string {
	return fmt.Sprintf("\x1b[38;2;%d;%d;%dm", r, g, b)
}

const resetEscape = "\x1b[0m"
const underlineEscape = "\x1b[4m"
const brightBlackEscape = "\x1b[90m"

// ThemeDark is the palette from the original tracer's dark theme
// (render_colors.rs), reproduced as truecolor escapes.
func ThemeDark() Theme {
	return Theme{
		Name: "dark",
		before: map[Style]string{
			StyleNumeric:      truecolor(0xb5, 0xce, 0xa8),
			StyleInvalid:      truecolor(0xf4, 0x47, 0x47),
			StyleString:       truecolor(0xce, 0x91, 0x78),
			StyleTypeName:     truecolor(0x4e, 0xc9, 0xb0),
			StyleVariableName: truecolor(0x9c, 0xdc, 0xfe),
			StyleEnumMember:   truecolor(0x9c, 0xdc, 0xfe),
			StyleURL:          brightBlackEscape + underlineEscape,
			StyleFunction:     truecolor(0xdc, 0xdc, 0xaa),
			StyleInfo:         brightBlackEscape,
		},
	}
}

// ThemeLight is a palette suited to light-background terminals: the dark
// theme's hues darkened for contrast against a white background. The
// original tracer never shipped a light theme (render_colors.rs defines
// dark only); this one keeps the same role-to-hue mapping at lower
// luminance rather than inventing an unrelated palette.
func ThemeLight() Theme {
	return Theme{
		Name: "light",
		before: map[Style]string{
			StyleNumeric:      truecolor(0x2b, 0x66, 0x4b),
			StyleInvalid:      truecolor(0xb0, 0x1a, 0x1a),
			StyleString:       truecolor(0x8a, 0x41, 0x17),
			StyleTypeName:     truecolor(0x09, 0x6d, 0x5c),
			StyleVariableName: truecolor(0x0b, 0x4d, 0x91),
			StyleEnumMember:   truecolor(0x0b, 0x4d, 0x91),
			StyleURL:          "\x1b[34m" + underlineEscape,
			StyleFunction:     truecolor(0x7a, 0x5c, 0x00),
			StyleInfo:         "\x1b[90m",
		},
	}
}

// ThemeNone applies no escapes at all, for non-terminal output or
// --theme none.
func ThemeNone() Theme {
	return Theme{Name: "none"}
}

// ParseTheme maps a --theme flag value to a Theme, defaulting to dark for
// any unrecognized name.
func ParseTheme(name string) Theme {
	switch name {
	case "light":
		return ThemeLight()
	case "none":
		return ThemeNone()
	default:
		return ThemeDark()
	}
}

func (t Theme) paint(s Style, text string) string {
	esc, ok := t.before[s]
	if !ok || esc == "" {
		return text
	}
	return esc + text + resetEscape
}

// AutoTheme picks requested unless w is not a terminal, in which case it
// returns ThemeNone — the same isatty-gated degrade delve's pkg/terminal
// applies before emitting any ANSI escape.
func AutoTheme(w io.Writer, requested Theme) Theme {
	f, ok := w.(*os.File)
	if !ok {
		return ThemeNone()
	}
	if !isatty.IsTerminal(f.Fd()) {
		return ThemeNone()
	}
	return requested
}

// ColorableWriter wraps w so ANSI escapes render correctly on Windows
// consoles that don't natively interpret them (mattn/go-colorable), a
// no-op pass-through elsewhere.
func ColorableWriter(w io.Writer) io.Writer {
	if f, ok := w.(*os.File); ok {
		return colorable.NewColorable(f)
	}
	return w
}
