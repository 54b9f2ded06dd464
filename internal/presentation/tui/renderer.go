package tui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aretw0/scriptforge"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

const defaultWidth = 100

// Render writes markdown to w. Terminals get glamour styling wrapped to the terminal width;
// pipes and files get the raw markdown.
func Render(w io.Writer, markdown string) error {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		_, err := io.WriteString(w, markdown)
		return err
	}

	width := defaultWidth
	if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols > 0 {
		width = cols
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(), // Automatically detect light/dark background
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return fmt.Errorf("failed to create renderer: %w", err)
	}
	out, err := r.Render(markdown)
	if err != nil {
		return fmt.Errorf("failed to render markdown: %w", err)
	}
	_, err = io.WriteString(w, out)
	return err
}

// InspectionMarkdown describes a revision: metadata, block table and program source.
func InspectionMarkdown(in *scriptforge.Inspection, withSource bool) string {
	var b strings.Builder
	s := in.Script
	fmt.Fprintf(&b, "# Script %s v%d\n\n", s.ScriptID, s.Version)
	fmt.Fprintf(&b, "- **Workflow:** %s\n", s.WorkflowID)
	if s.RunID != "" {
		fmt.Fprintf(&b, "- **Compiled from run:** %s\n", s.RunID)
	}
	fmt.Fprintf(&b, "- **Revision:** %s (%s)\n", s.RevisionID, s.Status)
	fmt.Fprintf(&b, "- **Created:** %s\n\n", s.CreatedAt.Format("2006-01-02 15:04:05 MST"))

	b.WriteString("## Blocks\n\n")
	b.WriteString("| # | Label | Type | Mode | Inputs |\n")
	b.WriteString("|---|-------|------|------|--------|\n")
	for _, blk := range in.Blocks {
		mode := "compiled"
		if !blk.Invocable() {
			mode = "agent"
		}
		fmt.Fprintf(&b, "| %d | %s | %s | %s | %s |\n",
			blk.Position, escapeCell(blk.Label), blk.Type, mode, escapeCell(strings.Join(blk.InputFields, ", ")))
	}

	b.WriteString("\n## Files\n\n")
	for _, f := range in.Files {
		fmt.Fprintf(&b, "- `%s` (%d bytes, %s)\n", f.Path, f.Size, short(f.ContentHash))
	}

	if withSource {
		b.WriteString("\n## Program\n\n```go\n")
		b.Write(in.Program)
		if len(in.Program) > 0 && in.Program[len(in.Program)-1] != '\n' {
			b.WriteString("\n")
		}
		b.WriteString("```\n")
	}
	return b.String()
}

// DiffMarkdown wraps a unified diff in a fenced block.
func DiffMarkdown(scriptID string, from, to int, diff string) string {
	if diff == "" {
		return fmt.Sprintf("No changes in program.go between v%d and v%d of %s.\n", from, to, scriptID)
	}
	return fmt.Sprintf("# %s v%d..v%d\n\n```diff\n%s```\n", scriptID, from, to, diff)
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
