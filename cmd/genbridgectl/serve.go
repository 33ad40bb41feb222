package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/cexll/genbridge/pkg/config"
	"github.com/cexll/genbridge/pkg/server"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(global *globalFlags, streams ioStreams) *cobra.Command {
	var addr string
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long: `Start the HTTP API server.

Routes:
  POST   /sessions                              Create a session
  GET    /sessions                              List live sessions
  DELETE /sessions/{id}                         Destroy a session
  GET    /sessions/{id}/transcript              Transcript entries
  POST   /sessions/{id}/respond                 One-shot text response
  POST   /sessions/{id}/respond-with-schema     One-shot structured response
  POST   /sessions/{id}/streams                 Start a stream
  POST   /sessions/{id}/tools/{name}            Invoke a registered tool
  ANY    /sessions/{id}/mcp                     Session tools over MCP
  GET    /streams/{id}                          Stream state
  DELETE /streams/{id}                          Cancel a stream
  GET    /streams/{id}/events                   Stream events (SSE)
  GET    /streams/{id}/ws                       Stream events (WebSocket)
  GET    /health                                Health probe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			env, err := openEnvironment(ctx, global, streams)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := env.Close(closeCtx); err != nil {
					env.logger.Warn("shutdown", "err", err)
				}
			}()

			srv, err := server.New(env.bridge,
				server.WithLogger(env.logger),
				server.WithSchemaCache(env.schemas),
				server.WithTools(env.tools...),
				server.WithInstructions(env.cfg.Instructions),
			)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = env.cfg.Server.Addr
			}
			if watch {
				go func() {
					err := env.loader.Watch(ctx, func(cfg *config.Config, err error) {
						if err != nil {
							return
						}
						env.logger.Info("new sessions use reloaded provider settings",
							"provider", cfg.Provider, "model", cfg.Model)
					})
					if err != nil {
						env.logger.Warn("config watch stopped", "err", err)
					}
				}()
			}
			fmt.Fprintf(streams.out, "genbridgectl serve listening on %s\n", addr)
			return runServer(ctx, srv, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to server.addr from the config)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload the config file when it changes")
	return cmd
}

func runServer(ctx context.Context, srv *server.Server, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(addr)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}
