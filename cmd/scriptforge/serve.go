package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aretw0/scriptforge"
	"github.com/aretw0/scriptforge/internal/cli"
	"github.com/aretw0/scriptforge/internal/presentation/tui"
	httpadapter "github.com/aretw0/scriptforge/pkg/adapters/http"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *cli.Options) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long:  `Serves compile, resolve, review and inspection endpoints as a JSON API, with Prometheus metrics on /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, func(rt *cli.Runtime) error {
				if addr == "" {
					addr = rt.Config.HTTP.Addr
				}
				handler, err := httpadapter.NewHandler(rt.Engine,
					httpadapter.WithLogger(rt.Logger),
					httpadapter.WithGatherer(rt.Metrics.Registry()),
					httpadapter.WithInfo("storage", rt.Config.Storage.Backend),
					httpadapter.WithInfo("model", rt.Model),
				)
				if err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              addr,
					Handler:           handler,
					ReadHeaderTimeout: 10 * time.Second,
				}

				tui.PrintBanner(cmd.ErrOrStderr(), scriptforge.Version, "HTTP API on "+addr)
				serverErrors := make(chan error, 1)
				go func() {
					rt.Logger.Info("HTTP server listening", "address", addr, "storage", rt.Config.Storage.Backend)
					serverErrors <- srv.ListenAndServe()
				}()

				select {
				case err := <-serverErrors:
					if errors.Is(err, http.ErrServerClosed) {
						return nil
					}
					return fmt.Errorf("server error: %w", err)
				case <-cmd.Context().Done():
					rt.Logger.Info("shutting down HTTP server")
					ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
					defer cancel()
					if err := srv.Shutdown(ctx); err != nil {
						srv.Close()
						return fmt.Errorf("graceful shutdown did not complete in %v: %w", shutdownTimeout, err)
					}
					return nil
				}
			})
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Address to listen on (default from config, :8080)")
	return cmd
}
