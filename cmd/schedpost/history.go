package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	historyUser  string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recently delivered posts",
	Long:  `List the delivery receipts of a user, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().StringVar(&historyUser, "user", "", "Owner user id (required)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 10, "Maximum number of posts to show")
	_ = historyCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.ListDelivered(ctx, historyUser, int64(historyLimit))
	if err != nil {
		return fmt.Errorf("list delivered posts: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No delivered posts.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DELIVERED AT\tEXTERNAL ID\tSOURCE\tCONTENT")
	for _, r := range records {
		source := "immediate"
		if r.ScheduledPostID.Valid {
			source = "scheduled " + r.ScheduledPostID.String
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			r.CreatedAt.Format(time.RFC3339), r.ExternalID, source, truncate(r.Content, 40))
	}
	return w.Flush()
}
