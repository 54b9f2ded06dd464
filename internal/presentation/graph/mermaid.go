// Package graph renders the block flow of a script revision as a Mermaid flowchart.
package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/aretw0/scriptforge/pkg/domain"
)

// Overlay contains review state to visualize on the graph.
type Overlay struct {
	// Fallbacks counts pending fallback episodes per block label.
	Fallbacks map[string]int
}

// OverlayFromEpisodes counts pending episodes per block label.
func OverlayFromEpisodes(eps []domain.FallbackEpisode) *Overlay {
	o := &Overlay{Fallbacks: make(map[string]int)}
	for _, ep := range eps {
		o.Fallbacks[ep.BlockLabel]++
	}
	return o
}

// GenerateMermaid produces a Mermaid flowchart of a revision's blocks in execution order.
// It applies semantic styling:
// - Start: ((Circle))
// - Agent-driven: [/Parallelogram/]
// - Conditional: {Rhombus}
// - Navigation and extraction: [[Subroutine]]
// - Default: [Rectangle]
func GenerateMermaid(script domain.Script, blocks []domain.ScriptBlock, overlay *Overlay) string {
	ordered := append([]domain.ScriptBlock(nil), blocks...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Position < ordered[j].Position })

	var sb strings.Builder
	sb.WriteString("graph TD\n")
	fmt.Fprintf(&sb, "    start((\"%s v%d\"))\n", escape(script.WorkflowID), script.Version)

	prev := "start"
	for _, b := range ordered {
		id := "b_" + domain.Slug(b.Label)
		opener, closer := shape(b)
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", id, opener, escape(b.Label), closer)

		arrow := "-->"
		if b.RequiresAgent {
			arrow = "-. agent .->"
		}
		fmt.Fprintf(&sb, "    %s %s %s\n", prev, arrow, id)
		prev = id
	}

	if overlay != nil && len(overlay.Fallbacks) > 0 {
		sb.WriteString("\n    %% Overlay Styles\n")
		sb.WriteString("    classDef fallback fill:#ffebee,stroke:#c62828,stroke-width:2px,color:#000;\n")
		for _, b := range ordered {
			if n := overlay.Fallbacks[b.Label]; n > 0 {
				fmt.Fprintf(&sb, "    class b_%s fallback;\n", domain.Slug(b.Label))
			}
		}
	}
	return sb.String()
}

func shape(b domain.ScriptBlock) (string, string) {
	switch {
	case b.RequiresAgent:
		return "[/", "/]"
	case b.Type == domain.BlockConditional:
		return "{", "}"
	case b.Type == domain.BlockNavigation || b.Type == domain.BlockExtraction:
		return "[[", "]]"
	}
	return "[", "]"
}

func escape(s string) string {
	return strings.ReplaceAll(s, "\"", "'")
}
