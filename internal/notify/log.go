package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to a structured logger at warn level.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs to logger, or to the default
// logger when nil.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

// Send implements Notifier.
func (l *LogNotifier) Send(ctx context.Context, notification Notification) error {
	l.logger.WarnContext(ctx, "notification",
		"subject", notification.Subject,
		"body", notification.Body,
	)
	return nil
}
