package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"shell0/internal/logging"
	"shell0/internal/worker"
)

func (c *CLI) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy in front of the configured origin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			log := logging.New(cfg.Logging.Level, cfg.Logging.Pretty)
			w, err := worker.New(worker.Options{Config: cfg, DB: db, Log: log})
			if err != nil {
				return fmt.Errorf("init worker: %w", err)
			}

			addr := fmt.Sprintf(":%d", cfg.Server.Port)
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			srv := &http.Server{
				Handler:           w.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()
			w.Start(ctx)

			go func() {
				log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("shell0 listening")
				err := srv.Serve(ln)
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Msg("server error")
					stop()
				}
			}()

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			w.Close()
			log.Info().Msg("shell0 stopped")
			return nil
		},
	}
}
