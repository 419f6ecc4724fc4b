package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/yegors/airspace-billing/internal/app"
	"github.com/yegors/airspace-billing/internal/clock"
	"github.com/yegors/airspace-billing/internal/engine"
	"github.com/yegors/airspace-billing/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tick loop and the admin API",
	Long: `Polls the configured position source every engine.interval_seconds,
applies each batch to the trackers and serves the admin API until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		defer log.Sync()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := app.New(ctx, cfg, clock.System(), log)
		if err != nil {
			log.Error("Failed to start", logger.Error(err))
			return err
		}
		defer a.Close()

		source, err := a.Source(log)
		if err != nil {
			return err
		}

		runner := engine.NewRunner(ctx, a.Engine, source, cfg.Interval(), log)
		if err := runner.Start(); err != nil {
			return err
		}
		defer runner.Stop()

		var server *http.Server
		serverErr := make(chan error, 1)
		if cfg.Server.Enabled {
			server = &http.Server{
				Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
				Handler:      a.Handler(log),
				ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
				WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
			}
			go func() {
				log.Info("Admin API listening", logger.String("addr", server.Addr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()
		}

		select {
		case <-ctx.Done():
			log.Info("Shutdown signal received")
		case err := <-serverErr:
			log.Error("Admin API failed", logger.Error(err))
			return fmt.Errorf("admin API failed: %w", err)
		}

		if server != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Warn("Admin API did not shut down cleanly", logger.Error(err))
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
