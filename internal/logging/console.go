package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/labstack/gommon/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Prefix tags every console line.
const Prefix = "[noderun] "

type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// Console prints the human-facing start/restart notices and resolution
// errors. It is not a structured logger.
type Console struct {
	mu  sync.Mutex
	out io.Writer
	clr *color.Color
}

// NewConsole returns a console writing to out in the given color mode.
func NewConsole(out io.Writer, mode ColorMode) *Console {
	clr := color.New()
	switch mode {
	case ColorAlways:
		clr.Enable()
	case ColorNever:
		clr.Disable()
	default:
		if isTerminal(out) {
			clr.Enable()
		} else {
			clr.Disable()
		}
	}
	return &Console{out: out, clr: clr}
}

// Stdout returns a console on the process stdout, translating ANSI
// sequences on Windows terminals.
func Stdout(mode ColorMode) *Console {
	c := NewConsole(os.Stdout, mode)
	c.out = colorable.NewColorable(os.Stdout)
	return c
}

func (c *Console) Info(msg string) {
	c.println(c.clr.Green(Prefix + msg))
}

func (c *Console) Error(msg string) {
	c.println(c.clr.Red(Prefix + msg))
}

func (c *Console) println(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}

// ParseColorMode maps a config value to a ColorMode, defaulting to auto.
func ParseColorMode(v string) ColorMode {
	switch ColorMode(strings.ToLower(strings.TrimSpace(v))) {
	case ColorAlways:
		return ColorAlways
	case ColorNever:
		return ColorNever
	default:
		return ColorAuto
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
