package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/scriptforge"
	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of scriptforge",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "scriptforge version %s\n", strings.TrimSpace(scriptforge.Version))
		},
	}
}
