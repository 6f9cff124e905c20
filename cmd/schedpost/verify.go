package main

import (
	"context"
	"fmt"

	"github.com/abdulachik/schedpost/internal/config"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check publisher credentials",
	Long:  `Authenticate with the configured publisher and print the account it posts as.`,
	RunE:  runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func runVerify(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pub, err := poster.New(cfg)
	if err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	account, err := pub.ValidateCredentials(ctx)
	if err != nil {
		return fmt.Errorf("verify %s credentials: %w", pub.Platform(), err)
	}

	fmt.Printf("Platform: %s\n", pub.Platform())
	fmt.Printf("Account:  @%s (%s)\n", account.Username, account.ID)
	if account.Name != "" {
		fmt.Printf("Name:     %s\n", account.Name)
	}
	return nil
}
