package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/abdulachik/schedpost/internal/config"
	"github.com/spf13/cobra"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver all due posts once",
	Long: `Run one dispatch batch: every post whose scheduled time has passed is
submitted to the publisher and its outcome recorded. The per-post results
are printed as JSON.

The run takes the same lease as the server, so it is safe to run from an
external cron while "schedpost serve" is up.`,
	RunE: runDispatch,
}

func init() {
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(ctx, (*config.Config).ValidateForPublishing)
	if err != nil {
		return err
	}
	defer a.Close()

	results, err := a.Scheduler.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"results": results})
}
