package poster

import (
	"fmt"

	"github.com/abdulachik/schedpost/internal/config"
)

// New builds the publisher selected by cfg.Publisher. Missing credentials
// are a configuration error.
func New(cfg *config.Config) (Publisher, error) {
	if err := cfg.ValidateForPublishing(); err != nil {
		return nil, err
	}

	switch cfg.Publisher {
	case config.PublisherTwitter:
		return NewTwitterPoster(TwitterConfig{
			APIKey:       cfg.TwitterAPIKey,
			APISecret:    cfg.TwitterAPISecret,
			AccessToken:  cfg.TwitterAccessToken,
			AccessSecret: cfg.TwitterAccessTokenSecret,
		}), nil
	case config.PublisherBluesky:
		return NewBlueskyPoster(BlueskyConfig{
			Handle:      cfg.BlueskyHandle,
			AppPassword: cfg.BlueskyAppPassword,
		}), nil
	default:
		return nil, fmt.Errorf("%w: unknown publisher %q", config.ErrConfiguration, cfg.Publisher)
	}
}
