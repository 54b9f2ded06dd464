package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/spf13/cobra"
)

func newEpisodeCmd(opts *cli.Options) *cobra.Command {
	var snapshotPath string
	cmd := &cobra.Command{
		Use:   "episode FILE",
		Short: "Record a fallback episode from a JSON file (- reads stdin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			var ep scriptforge.Episode
			if err := json.NewDecoder(r).Decode(&ep.FallbackEpisode); err != nil {
				return fmt.Errorf("invalid episode: %w", err)
			}
			if snapshotPath != "" {
				data, err := os.ReadFile(snapshotPath)
				if err != nil {
					return err
				}
				ep.Snapshot = data
			}
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				stored, err := rt.Engine.RecordEpisode(cmd.Context(), ep)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recorded episode %s for %s/%s\n", stored.ID, stored.ScriptID, stored.BlockLabel)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Page snapshot to store with the episode")
	return cmd
}
