package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/sessionstore/internal/tracing"
	"github.com/aixgo-dev/sessionstore/pkg/observability"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Bool("sweep-now", false, "run one sweep immediately after starting")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retention scheduler with metrics and health endpoints",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		s, err := openStack(ctx, cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		if err := tracing.Init(s.TracingConfig(), s.Logger); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				slog.Warn("tracing shutdown failed", "error", err)
			}
		}()

		observability.InitMetrics()
		s.RegisterHealthChecks(observability.InitHealthChecker())

		errChan := make(chan error, 1)
		var obsServer *observability.Server
		if addr := s.Config.Observability.Addr; addr != "" {
			obsServer = observability.NewServer(addr)
			go func() {
				slog.Info("starting observability server", "addr", addr)
				if err := obsServer.Start(); err != nil {
					errChan <- fmt.Errorf("observability server: %w", err)
				}
			}()
		}

		sched, err := s.Scheduler(nil)
		if err != nil {
			return err
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer sched.Stop()

		if sweepNow, _ := cmd.Flags().GetBool("sweep-now"); sweepNow {
			go func() {
				if report, err := sched.Sweep(ctx); err != nil {
					slog.Error("initial retention sweep failed", "error", err)
				} else {
					slog.Info("initial retention sweep finished", "summary", report.String())
				}
			}()
		}

		var runErr error
		select {
		case runErr = <-errChan:
		case <-ctx.Done():
			slog.Info("shutting down")
		}

		if obsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := obsServer.Shutdown(shutdownCtx); err != nil {
				slog.Warn("observability server shutdown failed", "error", err)
			}
		}
		return runErr
	},
}

