package main

import (
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "schedpost",
	Short: "Schedule and deliver social media posts",
	Long: `schedpost stores posts with a future delivery time and delivers them
to X (Twitter) or Bluesky when they come due.

Dispatch runs are triggered by the built-in cron schedule, by an
authenticated call to /api/cron/dispatch, or by "schedpost dispatch".`,
	SilenceUsage: true,
}

func init() {
	// Load .env file if present
	_ = godotenv.Load()

	// Set up logging
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
