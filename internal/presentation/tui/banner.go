package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

// PrintBanner writes the startup banner for long-running commands.
func PrintBanner(w io.Writer, version, detail string) {
	out := termenv.NewOutput(w)
	p := out.ColorProfile()
	name := out.String("scriptforge").Bold().Foreground(p.Color("#a78bfa"))
	ver := out.String(version).Foreground(p.Color("#f472b6"))
	fmt.Fprintf(w, "\n  %s %s\n", name, ver)
	if detail != "" {
		fmt.Fprintf(w, "  %s\n", out.String(detail).Faint())
	}
	fmt.Fprintln(w)
}
