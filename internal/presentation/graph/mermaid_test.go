package graph_test

import (
	"strings"
	"testing"

	"github.com/aretw0/scriptforge/internal/presentation/graph"
	"github.com/aretw0/scriptforge/pkg/domain"
)

func TestGenerateMermaid(t *testing.T) {
	script := domain.Script{WorkflowID: "wf-shop", Version: 2}
	blocks := []domain.ScriptBlock{
		{Label: "Extract Price", Type: domain.BlockExtraction, Position: 2},
		{Label: "open", Type: domain.BlockNavigation, Position: 0},
		{Label: "pay", Type: domain.BlockConditional, Position: 3},
		{Label: "login", Type: domain.BlockTask, Position: 1, RequiresAgent: true},
		{Label: "say \"hi\"", Type: domain.BlockTask, Position: 4},
	}

	tests := []struct {
		name     string
		overlay  *graph.Overlay
		contains []string
		excludes []string
	}{
		{
			name: "Shapes And Order",
			contains: []string{
				"start((\"wf-shop v2\"))",
				"b_open[[\"open\"]]",
				"b_login[/\"login\"/]",
				"b_extract_price[[\"Extract Price\"]]",
				"b_pay{\"pay\"}",
				"b_say_hi[\"say 'hi'\"]",
				"start --> b_open",
				"b_open -. agent .-> b_login",
				"b_login --> b_extract_price",
				"b_extract_price --> b_pay",
			},
			excludes: []string{"classDef"},
		},
		{
			name: "Fallback Overlay",
			overlay: graph.OverlayFromEpisodes([]domain.FallbackEpisode{
				{BlockLabel: "pay"}, {BlockLabel: "pay"}, {BlockLabel: "gone"},
			}),
			contains: []string{
				"classDef fallback",
				"class b_pay fallback;",
			},
			excludes: []string{"class b_gone"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := graph.GenerateMermaid(script, blocks, tt.overlay)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("expected output to contain %q, got:\n%s", want, got)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(got, unwanted) {
					t.Errorf("expected output to not contain %q, got:\n%s", unwanted, got)
				}
			}
		})
	}
}
