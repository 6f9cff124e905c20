package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/abdulachik/schedpost/internal/config"
	"github.com/spf13/cobra"
)

var scheduledUser string

var scheduledCmd = &cobra.Command{
	Use:   "scheduled",
	Short: "Manage pending scheduled posts",
}

var scheduledListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending posts, soonest first",
	Args:  cobra.NoArgs,
	RunE:  runScheduledList,
}

var scheduledCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Delete a pending post",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduledCancel,
}

var scheduledSendCmd = &cobra.Command{
	Use:   "send <id>",
	Short: "Deliver a pending post now",
	Args:  cobra.ExactArgs(1),
	RunE:  runScheduledSend,
}

func init() {
	scheduledCmd.PersistentFlags().StringVar(&scheduledUser, "user", "", "Owner user id (required)")
	_ = scheduledCmd.MarkPersistentFlagRequired("user")

	scheduledCmd.AddCommand(scheduledListCmd, scheduledCancelCmd, scheduledSendCmd)
	rootCmd.AddCommand(scheduledCmd)
}

func runScheduledList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	posts, err := store.ListPending(ctx, scheduledUser)
	if err != nil {
		return fmt.Errorf("list pending posts: %w", err)
	}

	if len(posts) == 0 {
		fmt.Println("No pending posts.")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCHEDULED FOR\tATTEMPTS\tSTATE\tCONTENT")
	for _, p := range posts {
		state := "pending"
		switch {
		case p.InFlight(now):
			state = "sending"
		case p.LastError.Valid:
			state = "error: " + p.LastError.String
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			p.ID, p.ScheduledFor.Format(time.RFC3339), p.Attempts, state, truncate(p.Content, 40))
	}
	return w.Flush()
}

func runScheduledCancel(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.DeletePost(ctx, args[0], scheduledUser); err != nil {
		return fmt.Errorf("cancel %s: %w", args[0], err)
	}

	fmt.Printf("Cancelled %s\n", args[0])
	return nil
}

func runScheduledSend(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := loadApp(ctx, (*config.Config).ValidateForPublishing)
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := a.Composer.SendNow(ctx, scheduledUser, args[0])
	if err != nil {
		return fmt.Errorf("send %s: %w", args[0], err)
	}

	fmt.Printf("%s: %s (%s)\n", out.ID, out.Status, out.Detail)
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
