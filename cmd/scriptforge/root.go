package main

import (
	"encoding/json"
	"io"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var opts cli.Options
	root := &cobra.Command{
		Use:   "scriptforge",
		Short: "Compile browser-automation runs into cached, self-repairing scripts",
		Long: `scriptforge turns a completed workflow run into a Go program, publishes it under the
run's rendered cache key and rewrites failing blocks from the fallback episodes the
runtime reports.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.ConfigPath, "config", "c", "", "Config file (default ./scriptforge.yaml when present)")
	flags.StringVarP(&opts.TracePath, "trace", "t", "", "YAML or JSON file with recorded workflows, runs and actions")
	flags.StringVar(&opts.Storage, "storage", "", "Storage backend: memory, file or redis (overrides config)")
	flags.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flags.StringVar(&opts.LogFormat, "log-format", "", "Log format: pretty, text or json")

	root.AddCommand(
		newCompileCmd(&opts),
		newResolveCmd(&opts),
		newReviewCmd(&opts),
		newEpisodeCmd(&opts),
		newDecideCmd(&opts),
		newInspectCmd(&opts),
		newServeCmd(&opts),
		newMCPCmd(&opts),
		newVersionCmd(),
	)
	return root
}

// withRuntime builds the engine for one command invocation and closes it afterwards.
func withRuntime(cmd *cobra.Command, opts *cli.Options, fn func(rt *cli.Runtime) error) error {
	rt, err := cli.NewRuntime(cmd.Context(), *opts)
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(rt)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
