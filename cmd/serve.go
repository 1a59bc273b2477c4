package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gigapi/gigapi-lakehouse/core"
	"github.com/gigapi/gigapi-lakehouse/querier"
)

func init() {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP and FlightSQL query APIs",
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			ctx = core.WithDefaultLogger(ctx, "main")

			server, err := querier.NewServer(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize server: %w", err)
			}
			defer func() {
				if err := server.Close(); err != nil {
					core.Errorf(ctx, "failed to close server: %v", err)
				}
			}()

			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", cfg.Port),
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				core.Infof(ctx, "lakehouse server running at http://localhost:%d", cfg.Port)
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			if cfg.FlightSQLPort > 0 {
				go func() {
					if err := querier.StartFlightSQLServer(cfg.FlightSQLPort, server.QueryClient, cfg.DefaultDatabase); err != nil {
						core.Errorf(ctx, "FlightSQL server stopped: %v", err)
						stop()
					}
				}()
			}
			return g.Wait()
		},
	}

	rootCmd.AddCommand(cmd)
}
