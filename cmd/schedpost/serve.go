package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abdulachik/schedpost/internal/config"
	"github.com/abdulachik/schedpost/internal/scheduler"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and dispatch trigger",
	Long: `Run the HTTP API and, unless DISPATCH_SCHEDULE is "off", the
in-process cron trigger that dispatches due posts.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := loadApp(ctx, func(cfg *config.Config) error {
		if err := cfg.ValidateForServe(); err != nil {
			return err
		}
		if cfg.CronEnabled() {
			if err := scheduler.ValidateSchedule(cfg.DispatchSchedule); err != nil {
				return fmt.Errorf("%w: DISPATCH_SCHEDULE: %v", config.ErrConfiguration, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer a.Close()

	if a.Config.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := &http.Server{
		Addr:              a.Config.HTTPAddr,
		Handler:           a.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		slog.Info("starting HTTP server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if a.Config.CronEnabled() {
		go func() {
			if err := a.Scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	} else {
		slog.Info("in-process dispatch disabled, waiting for external trigger")
		_ = a.Scheduler.CheckPublisher(ctx)
	}

	// Wait for shutdown signal or error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case runErr = <-errCh:
	}

	slog.Info("shutting down...")
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}

	return runErr
}
