package main

import (
	"context"
	"fmt"

	"github.com/abdulachik/schedpost/internal/app"
	"github.com/abdulachik/schedpost/internal/config"
)

// loadApp loads and validates the configuration, then builds the container.
// validate selects the checks the command needs.
func loadApp(ctx context.Context, validate func(*config.Config) error) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	a, err := app.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return a, nil
}
