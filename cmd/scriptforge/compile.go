package main

import (
	"errors"
	"fmt"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/spf13/cobra"
)

func newCompileCmd(opts *cli.Options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "compile RUN_ID...",
		Short: "Compile completed runs into version 1 of new scripts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.TracePath == "" {
				return errors.New("compile needs --trace with the recorded runs")
			}
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				out := cmd.OutOrStdout()
				for _, runID := range args {
					c, err := rt.Engine.CompileRun(cmd.Context(), runID)
					if err != nil {
						return fmt.Errorf("run %s: %w", runID, err)
					}
					if asJSON {
						if err := printJSON(out, map[string]any{
							"run_id":          runID,
							"script":          c.Script,
							"cache_key_value": c.CacheKeyValue,
							"blocks":          c.Blocks,
						}); err != nil {
							return err
						}
						continue
					}
					agent := 0
					for _, b := range c.Blocks {
						if !b.Invocable() {
							agent++
						}
					}
					fmt.Fprintf(out, "%s -> script %s v%d (key %q, %d blocks, %d agent-driven)\n",
						runID, c.Script.ScriptID, c.Script.Version, c.CacheKeyValue, len(c.Blocks), agent)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print results as JSON")
	return cmd
}
