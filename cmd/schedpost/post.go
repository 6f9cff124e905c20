package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/abdulachik/schedpost/internal/compose"
	"github.com/abdulachik/schedpost/internal/config"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/spf13/cobra"
)

var (
	postUser  string
	postAt    string
	postMedia []string
)

var postCmd = &cobra.Command{
	Use:   "post <content>",
	Short: "Post now or schedule a post",
	Long: `Compose a post. Without --at it is delivered immediately; with --at it
is stored and delivered by the first dispatch run at or after that time.

Examples:
  schedpost post --user me "Hello"
  schedpost post --user me --at 2026-06-01T09:00:00Z "Good morning"
  schedpost post --user me --media a.png --media b.jpg "Pictures"`,
	Args: cobra.ExactArgs(1),
	RunE: runPost,
}

func init() {
	postCmd.Flags().StringVar(&postUser, "user", "", "Owner user id (required)")
	postCmd.Flags().StringVar(&postAt, "at", "", "Delivery time, RFC 3339")
	postCmd.Flags().StringArrayVar(&postMedia, "media", nil, "Media file to attach (repeatable, up to 4)")
	_ = postCmd.MarkFlagRequired("user")
	rootCmd.AddCommand(postCmd)
}

func runPost(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	draft := compose.Draft{
		OwnerID: postUser,
		Content: args[0],
	}

	if postAt != "" {
		at, err := time.Parse(time.RFC3339, postAt)
		if err != nil {
			return fmt.Errorf("invalid --at: %w", err)
		}
		draft.ScheduledFor = &at
	}

	for _, path := range postMedia {
		m, err := loadMedia(path)
		if err != nil {
			return err
		}
		draft.Media = append(draft.Media, m)
	}

	// Reject bad drafts before connecting to anything.
	if err := draft.Validate(); err != nil {
		return fmt.Errorf("%w (%d/%d characters)", err, poster.CharCount(draft.Content), poster.TwitterMaxLength)
	}

	a, err := loadApp(ctx, (*config.Config).ValidateForPublishing)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.Composer.Compose(ctx, draft)
	if err != nil && !errors.Is(err, compose.ErrReceiptNotRecorded) {
		return fmt.Errorf("compose: %w", err)
	}

	switch {
	case res.Scheduled != nil:
		fmt.Printf("Scheduled %s for %s\n", res.Scheduled.ID, res.Scheduled.ScheduledFor.Format(time.RFC3339))
	case res.Delivered != nil:
		fmt.Printf("Posted to %s: %s\n", a.Publisher.Platform(), res.Delivered.ExternalID)
	}
	if err != nil {
		fmt.Printf("Warning: %v\n", err)
	}
	return nil
}

func loadMedia(path string) (compose.Media, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return compose.Media{}, fmt.Errorf("read media: %w", err)
	}

	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return compose.Media{Data: data, MimeType: mimeType}, nil
}
