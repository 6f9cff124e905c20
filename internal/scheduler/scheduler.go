package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abdulachik/schedpost/internal/dispatcher"
	"github.com/abdulachik/schedpost/internal/lease"
	"github.com/abdulachik/schedpost/internal/notify"
	"github.com/abdulachik/schedpost/internal/poster"
	"github.com/robfig/cron/v3"
)

// ErrRunInProgress is returned when another dispatch run holds the lease.
var ErrRunInProgress = errors.New("dispatch run already in progress")

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner executes one dispatch batch.
type Runner interface {
	Run(ctx context.Context, now time.Time) ([]dispatcher.Outcome, error)
}

// Config holds scheduler configuration.
type Config struct {
	Runner    Runner
	Publisher poster.Publisher
	Lease     lease.Lease
	LeaseTTL  time.Duration
	Notifier  notify.Notifier

	// Schedule is a cron expression or descriptor such as "@every 1m".
	Schedule string
}

// Scheduler triggers dispatch runs, one at a time.
type Scheduler struct {
	runner    Runner
	publisher poster.Publisher
	lease     lease.Lease
	leaseTTL  time.Duration
	notifier  notify.Notifier
	schedule  string
	health    *Health
	now       func() time.Time
}

// New creates a new scheduler.
func New(cfg Config) *Scheduler {
	l := cfg.Lease
	if l == nil {
		l = lease.NewLocal()
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 55 * time.Second
	}
	n := cfg.Notifier
	if n == nil {
		n = notify.Nop{}
	}

	return &Scheduler{
		runner:    cfg.Runner,
		publisher: cfg.Publisher,
		lease:     l,
		leaseTTL:  ttl,
		notifier:  n,
		schedule:  strings.TrimSpace(cfg.Schedule),
		health:    NewHealth(),
		now:       time.Now,
	}
}

// ValidateSchedule reports whether spec is a usable cron schedule.
func ValidateSchedule(spec string) error {
	if _, err := parser.Parse(strings.TrimSpace(spec)); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// RunOnce runs one dispatch batch under the run lease. The batch is detached
// from ctx cancellation: once started it is bounded only by the publisher's
// own timeouts, so a caller that goes away cannot interrupt a submit.
func (s *Scheduler) RunOnce(ctx context.Context) ([]dispatcher.Outcome, error) {
	ctx = context.WithoutCancel(ctx)

	release, err := s.lease.Acquire(ctx, s.leaseTTL)
	if errors.Is(err, lease.ErrHeld) {
		slog.Info("skipping dispatch, another run holds the lease")
		return nil, ErrRunInProgress
	}
	if err != nil {
		s.health.SetUnhealthy("dispatch", err)
		return nil, fmt.Errorf("acquire run lease: %w", err)
	}
	defer func() {
		if err := release(ctx); err != nil {
			slog.Warn("failed to release run lease", "error", err)
		}
	}()

	results, err := s.runner.Run(ctx, s.now().UTC())
	if err != nil {
		s.health.SetUnhealthy("dispatch", err)
		slog.Error("dispatch run failed", "error", err)
		return nil, err
	}

	var failed []dispatcher.Outcome
	for _, r := range results {
		if r.Status == dispatcher.StatusError {
			failed = append(failed, r)
		}
	}
	s.health.SetHealthy("dispatch", fmt.Sprintf("%d posted, %d failed", len(results)-len(failed), len(failed)))

	if len(failed) > 0 {
		s.notifyFailures(ctx, failed)
	}

	return results, nil
}

func (s *Scheduler) notifyFailures(ctx context.Context, failed []dispatcher.Outcome) {
	var b strings.Builder
	for _, f := range failed {
		fmt.Fprintf(&b, "%s: %s\n", f.ID, f.Detail)
	}

	err := s.notifier.Send(ctx, notify.Notification{
		Subject: fmt.Sprintf("%d scheduled post(s) failed to deliver", len(failed)),
		Body:    strings.TrimSuffix(b.String(), "\n"),
	})
	if err != nil {
		slog.Warn("failed to send failure notification", "error", err)
	}
}

// CheckPublisher validates the publisher credentials and records the result.
func (s *Scheduler) CheckPublisher(ctx context.Context) error {
	if s.publisher == nil {
		return nil
	}

	account, err := s.publisher.ValidateCredentials(ctx)
	if err != nil {
		s.health.SetUnhealthy("publisher", err)
		slog.Error("failed to validate publisher credentials",
			"platform", s.publisher.Platform(),
			"error", err,
		)
		return err
	}

	s.health.SetHealthy("publisher", "authenticated as "+account.Username)
	slog.Info("publisher credentials valid",
		"platform", s.publisher.Platform(),
		"username", account.Username,
	)
	return nil
}

// Run starts the cron trigger and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	sched, err := parser.Parse(s.schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}

	slog.Info("starting scheduler",
		"schedule", s.schedule,
		"lease_ttl", s.leaseTTL,
	)

	// A bad credential is reported through health; runs still record errors.
	_ = s.CheckPublisher(ctx)

	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(sched, cron.FuncJob(func() {
		if _, err := s.RunOnce(ctx); err != nil && !errors.Is(err, ErrRunInProgress) {
			slog.Error("scheduled dispatch failed", "error", err)
		}
	}))

	c.Start()
	s.health.SetHealthy("trigger", s.schedule)

	<-ctx.Done()
	slog.Info("scheduler shutting down")
	<-c.Stop().Done()
	return ctx.Err()
}

// Health returns the health tracker.
func (s *Scheduler) Health() *Health {
	return s.health
}

// cronLogger routes cron's internal logging to slog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
