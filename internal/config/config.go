package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrConfiguration marks missing or invalid configuration. It is fatal and
// reported before any dispatch work starts.
var ErrConfiguration = errors.New("configuration error")

const (
	PublisherTwitter = "twitter"
	PublisherBluesky = "bluesky"

	// DispatchOff disables the in-process cron trigger.
	DispatchOff = "off"
)

// Config holds all application configuration.
type Config struct {
	// Database
	DatabasePath string

	// Publisher selection: "twitter" or "bluesky"
	Publisher string

	// Twitter OAuth 1.0a
	TwitterAPIKey            string
	TwitterAPISecret         string
	TwitterAccessToken       string
	TwitterAccessTokenSecret string

	// Bluesky
	BlueskyHandle      string
	BlueskyAppPassword string

	// Trigger
	CronSecret string
	HTTPAddr   string

	// Dispatch settings
	DispatchSchedule string
	DispatchWorkers  int
	DispatchRate     float64
	ClaimLease       time.Duration
	RunLease         time.Duration

	// Redis (optional run lease)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	RecentLimit int

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables.
// It automatically loads .env file if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabasePath:             getEnv("DATABASE_PATH", "data/schedpost.db"),
		Publisher:                strings.ToLower(getEnv("PUBLISHER", PublisherTwitter)),
		TwitterAPIKey:            firstEnv("TWITTER_API_KEY", "TWITTER_CLIENT_ID"),
		TwitterAPISecret:         firstEnv("TWITTER_API_SECRET", "TWITTER_CLIENT_SECRET"),
		TwitterAccessToken:       getEnv("TWITTER_ACCESS_TOKEN", ""),
		TwitterAccessTokenSecret: getEnv("TWITTER_ACCESS_TOKEN_SECRET", ""),
		BlueskyHandle:            getEnv("BLUESKY_HANDLE", ""),
		BlueskyAppPassword:       getEnv("BLUESKY_APP_PASSWORD", ""),
		CronSecret:               getEnv("CRON_SECRET", ""),
		HTTPAddr:                 getEnv("HTTP_ADDR", ":8080"),
		DispatchSchedule:         getEnv("DISPATCH_SCHEDULE", "@every 1m"),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		RedisPassword:            getEnv("REDIS_PASSWORD", ""),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	var err error
	cfg.ClaimLease, err = time.ParseDuration(getEnv("CLAIM_LEASE", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid CLAIM_LEASE: %w", err)
	}

	cfg.RunLease, err = time.ParseDuration(getEnv("RUN_LEASE", "55s"))
	if err != nil {
		return nil, fmt.Errorf("invalid RUN_LEASE: %w", err)
	}

	cfg.DispatchWorkers, err = strconv.Atoi(getEnv("DISPATCH_WORKERS", "4"))
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_WORKERS: %w", err)
	}

	cfg.DispatchRate, err = strconv.ParseFloat(getEnv("DISPATCH_RATE", "0"), 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DISPATCH_RATE: %w", err)
	}

	cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg.RecentLimit, err = strconv.Atoi(getEnv("RECENT_LIMIT", "5"))
	if err != nil {
		return nil, fmt.Errorf("invalid RECENT_LIMIT: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("%w: DATABASE_PATH is required", ErrConfiguration)
	}
	if c.DispatchWorkers < 1 {
		return fmt.Errorf("%w: DISPATCH_WORKERS must be at least 1", ErrConfiguration)
	}
	if c.DispatchRate < 0 {
		return fmt.Errorf("%w: DISPATCH_RATE must not be negative", ErrConfiguration)
	}
	if c.ClaimLease <= 0 {
		return fmt.Errorf("%w: CLAIM_LEASE must be positive", ErrConfiguration)
	}
	return nil
}

// ValidateForPublishing checks the credentials of the selected publisher.
func (c *Config) ValidateForPublishing() error {
	if err := c.Validate(); err != nil {
		return err
	}
	switch c.Publisher {
	case PublisherTwitter:
		missing := missingKeys(
			[2]string{"TWITTER_API_KEY", c.TwitterAPIKey},
			[2]string{"TWITTER_API_SECRET", c.TwitterAPISecret},
			[2]string{"TWITTER_ACCESS_TOKEN", c.TwitterAccessToken},
			[2]string{"TWITTER_ACCESS_TOKEN_SECRET", c.TwitterAccessTokenSecret},
		)
		if len(missing) > 0 {
			return fmt.Errorf("%w: %s required for posting", ErrConfiguration, strings.Join(missing, ", "))
		}
	case PublisherBluesky:
		if c.BlueskyHandle == "" {
			return fmt.Errorf("%w: BLUESKY_HANDLE is required for posting", ErrConfiguration)
		}
		if c.BlueskyAppPassword == "" {
			return fmt.Errorf("%w: BLUESKY_APP_PASSWORD is required for posting", ErrConfiguration)
		}
	default:
		return fmt.Errorf("%w: invalid PUBLISHER: %s (must be 'twitter' or 'bluesky')", ErrConfiguration, c.Publisher)
	}
	return nil
}

// ValidateForTrigger checks configuration needed by the HTTP trigger endpoint.
func (c *Config) ValidateForTrigger() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.CronSecret == "" {
		return fmt.Errorf("%w: CRON_SECRET is required for the dispatch trigger", ErrConfiguration)
	}
	if c.RunLease <= 0 {
		return fmt.Errorf("%w: RUN_LEASE must be positive", ErrConfiguration)
	}
	return nil
}

// ValidateForServe checks all configuration needed for serve mode.
func (c *Config) ValidateForServe() error {
	if err := c.ValidateForPublishing(); err != nil {
		return err
	}
	if err := c.ValidateForTrigger(); err != nil {
		return err
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("%w: HTTP_ADDR is required", ErrConfiguration)
	}
	return nil
}

// CronEnabled reports whether the in-process trigger should run.
func (c *Config) CronEnabled() bool {
	s := strings.TrimSpace(c.DispatchSchedule)
	return s != "" && !strings.EqualFold(s, DispatchOff)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// firstEnv returns the first non-empty value among keys.
func firstEnv(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}

// missingKeys returns the names of the key/value pairs with empty values.
func missingKeys(pairs ...[2]string) []string {
	var missing []string
	for _, kv := range pairs {
		if kv[1] == "" {
			missing = append(missing, kv[0])
		}
	}
	return missing
}
