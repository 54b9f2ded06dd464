package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/aretw0/scriptforge/internal/presentation/graph"
	"github.com/aretw0/scriptforge/internal/presentation/tui"
	"github.com/spf13/cobra"
)

func newInspectCmd(opts *cli.Options) *cobra.Command {
	var (
		version int
		diff    string
		source  bool
		mermaid bool
	)
	cmd := &cobra.Command{
		Use:   "inspect SCRIPT_ID",
		Short: "Show a script revision, or the diff between two versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				if diff != "" {
					from, to, err := parseRange(diff)
					if err != nil {
						return err
					}
					d, err := rt.Engine.Diff(cmd.Context(), args[0], from, to)
					if err != nil {
						return err
					}
					return tui.Render(cmd.OutOrStdout(), tui.DiffMarkdown(args[0], from, to, d))
				}
				in, err := rt.Engine.Inspect(cmd.Context(), args[0], version)
				if err != nil {
					return err
				}
				if mermaid {
					eps, err := rt.Engine.PendingEpisodes(cmd.Context(), in.Script.WorkflowID, in.Script.ScriptID)
					if err != nil {
						return err
					}
					_, err = fmt.Fprint(cmd.OutOrStdout(), graph.GenerateMermaid(in.Script, in.Blocks, graph.OverlayFromEpisodes(eps)))
					return err
				}
				return tui.Render(cmd.OutOrStdout(), tui.InspectionMarkdown(in, source))
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "Version to show (default latest ready)")
	cmd.Flags().StringVar(&diff, "diff", "", "Show the program diff between two versions, e.g. 1..2")
	cmd.Flags().BoolVar(&source, "source", false, "Include the program source")
	cmd.Flags().BoolVar(&mermaid, "graph", false, "Print the block flow as a Mermaid flowchart, marking blocks with pending fallbacks")
	return cmd
}

// parseRange parses "FROM..TO".
func parseRange(s string) (int, int, error) {
	a, b, ok := strings.Cut(s, "..")
	if !ok {
		return 0, 0, fmt.Errorf("invalid range %q, want FROM..TO", s)
	}
	from, err := strconv.Atoi(a)
	if err != nil || from < 1 {
		return 0, 0, fmt.Errorf("invalid range start %q", a)
	}
	to, err := strconv.Atoi(b)
	if err != nil || to < 1 {
		return 0, 0, fmt.Errorf("invalid range end %q", b)
	}
	return from, to, nil
}
