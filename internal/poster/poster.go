package poster

import (
	"context"
)

// Account identifies the user a publisher posts as.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
}

// Publisher is the interface for delivering posts to a social media platform.
// Implementations do not retry; every failed call is reported once.
type Publisher interface {
	// Platform returns the name of the platform.
	Platform() string

	// Submit publishes content with optional media references and returns
	// the platform's id for the new post. Failures are *PublishError.
	Submit(ctx context.Context, content string, mediaRefs []string) (string, error)

	// UploadMedia stores a media blob and returns an opaque reference usable
	// in Submit. Failures are *UploadError.
	UploadMedia(ctx context.Context, data []byte, mimeType string) (string, error)

	// ValidateCredentials checks the credentials and returns the account.
	ValidateCredentials(ctx context.Context) (*Account, error)
}
