package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/aretw0/scriptforge/pkg/resolver"
	"github.com/spf13/cobra"
)

func newResolveCmd(opts *cli.Options) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "resolve [WORKFLOW_ID CACHE_KEY]",
		Short: "Find the published script for a run or a rendered cache key",
		Args:  cobra.RangeArgs(0, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if runID == "" && len(args) != 2 {
				return errors.New("pass --run RUN_ID or WORKFLOW_ID CACHE_KEY")
			}
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				var (
					res *resolver.Resolution
					err error
				)
				if runID != "" {
					res, err = rt.Engine.ResolveForRun(cmd.Context(), runID)
				} else {
					res, err = rt.Engine.Resolve(cmd.Context(), args[0], args[1])
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s v%d (workflow %s, key %q)\n",
					res.Script.ScriptID, res.Script.Version, res.Mapping.WorkflowID, res.Mapping.CacheKeyValue)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "Render the cache key from this run (needs --trace)")
	return cmd
}
