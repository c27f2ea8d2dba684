package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Bring the modem up and serve its status over HTTP",
		Long: `Serve attaches the modem to the packet network and exposes GET /status and
GET /sockets on the bind address until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := a.logger

			m, err := a.openNetwork(ctx)
			if err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr: a.config.BindAddress,
				Handler: &Server{
					Logger: logger.With("component", "server"),
					Modem:  m,
				},
			}

			serveErr := make(chan error, 1)
			go func() {
				logger.Info("Starting HTTP server", "address", httpServer.Addr)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
				logger.Info("Received shutdown signal", "error", context.Cause(ctx))
			case err := <-serveErr:
				logger.Error("HTTP server failed", "error", err)
				a.closeModem(m)
				return err
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			logger.Info("Closing HTTP server")
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to gracefully shutdown server", "error", err)
			}

			logger.Info("Closing modem connection")
			if err := m.Disconnect(shutdownCtx); err != nil {
				logger.Warn("Failed to deactivate packet context", "error", err)
			}
			a.closeModem(m)
			return nil
		},
	}

	cmd.Flags().String("bind-address", "0.0.0.0:8080", "Bind address for the HTTP server")
	return cmd
}
