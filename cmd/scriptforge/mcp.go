package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/aretw0/scriptforge/pkg/adapters/mcp"
	"github.com/spf13/cobra"
)

func newMCPCmd(opts *cli.Options) *cobra.Command {
	var (
		transport string
		addr      string
	)
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the Model Context Protocol (MCP) server",
		Long: `Exposes compile_run, resolve_script, review_workflow and get_script as MCP tools and
scripts as scriptforge://scripts/{id} resources.

Supported Transports:
- stdio (default): Uses Standard Input/Output. Ideal for local process integration.
- sse: Uses Server-Sent Events over HTTP. Ideal for remote agents or debuggers.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				srv := mcp.NewServer(rt.Engine, mcp.WithLogger(rt.Logger))
				switch transport {
				case "stdio":
					// Stdout carries JSON-RPC.
					log.SetOutput(os.Stderr)
					rt.Logger.Info("starting MCP server (stdio)")
					return srv.ServeStdio()
				case "sse":
					rt.Logger.Info("starting MCP server (SSE)", "address", addr)
					if err := srv.ServeSSE(cmd.Context(), addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				default:
					return fmt.Errorf("unknown transport %q, supported: stdio, sse", transport)
				}
			})
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "stdio", "Transport protocol to use: 'stdio' or 'sse'")
	cmd.Flags().StringVar(&addr, "addr", ":8081", "Address to listen on (only for SSE)")
	return cmd
}
