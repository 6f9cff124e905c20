package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	Long:  `Display counts of pending, due, failing and delivered posts.`,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.CountStats(ctx, time.Now())
	if err != nil {
		return err
	}

	fmt.Println("=== schedpost Statistics ===")
	fmt.Println()
	fmt.Println("Scheduled posts:")
	fmt.Printf("  Pending: %d\n", stats.Pending)
	fmt.Printf("  Due now: %d\n", stats.Due)
	fmt.Printf("  Failing: %d\n", stats.Failing)
	fmt.Printf("  Sending: %d\n", stats.InFlight)
	fmt.Printf("  Delivered: %d\n", stats.Delivered)
	fmt.Println()
	fmt.Println("Receipts:")
	fmt.Printf("  Total: %d\n", stats.Receipts)
	fmt.Println()

	return nil
}
