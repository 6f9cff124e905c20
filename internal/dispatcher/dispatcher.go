// Package dispatcher delivers due scheduled posts to the publisher and
// records the outcome of each one.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/poster"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrStoreQuery is returned when due posts cannot be queried. It is the only
// failure that aborts a run.
var ErrStoreQuery = errors.New("query due posts")

const (
	StatusPosted = "posted"
	StatusError  = "error"
)

// Outcome is the result of one post in a run. Detail is the external id on
// success and the failure reason on error.
type Outcome struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Detail string `json:"detail"`
}

// Store is the subset of the content store used for dispatch.
type Store interface {
	FindDuePosts(ctx context.Context, now time.Time) ([]*db.ScheduledPost, error)
	ClaimPost(ctx context.Context, id string, dueBy time.Time, lease time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id, externalID string) (bool, error)
	MarkFailed(ctx context.Context, id, message string) error
	CreateDeliveredRecord(ctx context.Context, arg db.CreateDeliveredRecordParams) (*db.DeliveredRecord, error)
}

// Config holds dispatcher configuration.
type Config struct {
	Store     Store
	Publisher poster.Publisher

	// Workers bounds concurrent deliveries within a run. Defaults to 1.
	Workers int
	// Rate limits publish calls per second. Zero means unlimited.
	Rate float64
	// ClaimLease is how long a run owns a claimed post.
	ClaimLease time.Duration
}

// Dispatcher runs delivery batches.
type Dispatcher struct {
	store      Store
	publisher  poster.Publisher
	workers    int
	limiter    *rate.Limiter
	claimLease time.Duration
}

// New creates a new dispatcher.
func New(cfg Config) *Dispatcher {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	claimLease := cfg.ClaimLease
	if claimLease <= 0 {
		claimLease = 5 * time.Minute
	}

	var limiter *rate.Limiter
	if cfg.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Rate), 1)
	}

	return &Dispatcher{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		workers:    workers,
		limiter:    limiter,
		claimLease: claimLease,
	}
}

// Run attempts delivery of every post due at now. Each post is handled
// independently; a failing post never stops the others. Posts claimed by
// another run are skipped and left out of the result.
func (d *Dispatcher) Run(ctx context.Context, now time.Time) ([]Outcome, error) {
	posts, err := d.store.FindDuePosts(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStoreQuery, err)
	}
	if len(posts) == 0 {
		slog.Debug("no posts due", "now", now)
		return []Outcome{}, nil
	}

	slog.Info("dispatching due posts", "due", len(posts), "workers", d.workers)

	slots := make([]*Outcome, len(posts))

	var g errgroup.Group
	g.SetLimit(d.workers)
	for i, post := range posts {
		g.Go(func() error {
			if out, ok := d.dispatch(ctx, now, post); ok {
				slots[i] = &out
			}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Outcome, 0, len(posts))
	var posted, failed int
	for _, out := range slots {
		if out == nil {
			continue
		}
		if out.Status == StatusPosted {
			posted++
		} else {
			failed++
		}
		results = append(results, *out)
	}

	slog.Info("dispatch run complete",
		"due", len(posts),
		"posted", posted,
		"failed", failed,
		"skipped", len(posts)-len(results),
	)

	return results, nil
}

// dispatch claims post and delivers it. It reports false when the post was
// not attempted. The rate limiter is waited on before the claim so the lease
// only covers the delivery itself.
func (d *Dispatcher) dispatch(ctx context.Context, now time.Time, post *db.ScheduledPost) (Outcome, bool) {
	if ctx.Err() != nil {
		return Outcome{}, false
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			slog.Debug("dispatch interrupted before claim", "post_id", post.ID, "error", err)
			return Outcome{}, false
		}
	}

	claimed, err := d.store.ClaimPost(ctx, post.ID, now, d.claimLease)
	if err != nil {
		slog.Error("failed to claim post", "post_id", post.ID, "error", err)
		return Outcome{ID: post.ID, Status: StatusError, Detail: err.Error()}, true
	}
	if !claimed {
		slog.Debug("post claimed by another run", "post_id", post.ID)
		return Outcome{}, false
	}

	return d.deliver(ctx, post), true
}

// Deliver submits a post the caller has claimed and records the outcome.
// Writes after the submit are not cancelled with ctx. If ctx ends while
// waiting on the rate limiter the claim is released and no attempt is
// counted.
func (d *Dispatcher) Deliver(ctx context.Context, post *db.ScheduledPost) Outcome {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			if rerr := d.store.ReleaseClaim(context.WithoutCancel(ctx), post.ID); rerr != nil {
				slog.Error("failed to release claim", "post_id", post.ID, "error", rerr)
			}
			return Outcome{ID: post.ID, Status: StatusError, Detail: fmt.Sprintf("dispatch interrupted: %v", err)}
		}
	}
	return d.deliver(ctx, post)
}

func (d *Dispatcher) deliver(ctx context.Context, post *db.ScheduledPost) Outcome {
	wctx := context.WithoutCancel(ctx)

	externalID, err := d.publisher.Submit(ctx, post.Content, post.MediaIDs)
	if err != nil {
		return d.fail(wctx, post, err)
	}

	changed, err := d.store.MarkDelivered(wctx, post.ID, externalID)
	switch {
	case err != nil:
		slog.Error("post delivered but state not recorded",
			"post_id", post.ID,
			"external_id", externalID,
			"error", err,
		)
	case !changed:
		// Another delivery already owns the receipt for this post.
		slog.Error("post was already marked delivered, receipt not written",
			"post_id", post.ID,
			"external_id", externalID,
		)
		return Outcome{ID: post.ID, Status: StatusPosted, Detail: externalID}
	}

	if _, err := d.store.CreateDeliveredRecord(wctx, db.CreateDeliveredRecordParams{
		UserID:          post.UserID,
		Content:         post.Content,
		MediaIDs:        post.MediaIDs,
		ExternalID:      externalID,
		ScheduledPostID: post.ID,
	}); err != nil {
		slog.Error("post delivered but receipt not recorded",
			"post_id", post.ID,
			"external_id", externalID,
			"error", err,
		)
	}

	slog.Info("delivered scheduled post",
		"post_id", post.ID,
		"platform", d.publisher.Platform(),
		"external_id", externalID,
	)

	return Outcome{ID: post.ID, Status: StatusPosted, Detail: externalID}
}

func (d *Dispatcher) fail(ctx context.Context, post *db.ScheduledPost, err error) Outcome {
	reason := failureReason(err)
	slog.Error("failed to deliver scheduled post",
		"post_id", post.ID,
		"attempt", post.Attempts+1,
		"retryable", retryable(err),
		"error", reason,
	)

	if merr := d.store.MarkFailed(ctx, post.ID, reason); merr != nil {
		slog.Error("failed to record delivery error", "post_id", post.ID, "error", merr)
	}

	return Outcome{ID: post.ID, Status: StatusError, Detail: reason}
}

// failureReason returns the publisher's reason for typed errors.
func failureReason(err error) string {
	var pubErr *poster.PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Reason
	}
	var upErr *poster.UploadError
	if errors.As(err, &upErr) {
		return upErr.Reason
	}
	return err.Error()
}

// retryable reports whether the next run may succeed. Errors without a
// status, such as transport failures, are treated as retryable.
func retryable(err error) bool {
	var pubErr *poster.PublishError
	if errors.As(err, &pubErr) {
		return pubErr.Retryable()
	}
	var upErr *poster.UploadError
	if errors.As(err, &upErr) {
		return upErr.Retryable()
	}
	return true
}
