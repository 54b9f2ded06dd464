package main

import (
	"fmt"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/spf13/cobra"
)

func newDecideCmd(opts *cli.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "decide SCRIPT_ID LABEL",
		Short: "Try to compile the branch choice of a conditional block",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.TracePath == "" {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning: without --trace the workflow definition is unknown")
			}
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				out, err := rt.Engine.CompileDecision(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				switch {
				case out.Published != nil:
					fmt.Fprintf(w, "%s compiled after %d attempt(s), published v%d\n", args[1], out.Decision.Attempts, out.Published.Script.Version)
				case out.Decision.Declined:
					fmt.Fprintf(w, "%s stays agent-driven: the model declined\n", args[1])
				default:
					fmt.Fprintf(w, "%s stays agent-driven after %d rejected attempt(s)\n", args[1], out.Decision.Attempts)
					for _, e := range out.Decision.Errors {
						fmt.Fprintf(w, "  - %s\n", e)
					}
				}
				return nil
			})
		},
	}
}
