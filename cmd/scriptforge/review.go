package main

import (
	"fmt"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/spf13/cobra"
)

func newReviewCmd(opts *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "review WORKFLOW_ID",
		Short: "Run one self-repair cycle over the pending fallback episodes of a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				reports, err := rt.Engine.Review(cmd.Context(), args[0])
				out := cmd.OutOrStdout()
				if len(reports) == 0 && err == nil {
					fmt.Fprintf(out, "No pending episodes for %s\n", args[0])
				}
				for _, rep := range reports {
					fmt.Fprintf(out, "script %s (base v%d)\n", rep.Review.Base.ScriptID, rep.Review.Base.Version)
					for _, o := range rep.Review.Outcomes {
						fmt.Fprintf(out, "  %-24s %-10s %s attempts=%d", o.Label, o.State, o.Strategy, o.Attempts)
						if o.Note != "" {
							fmt.Fprintf(out, "  %s", o.Note)
						}
						fmt.Fprintln(out)
					}
					if rep.Published != nil {
						fmt.Fprintf(out, "  published v%d\n", rep.Published.Script.Version)
					}
				}
				return err
			})
		},
	}
}
