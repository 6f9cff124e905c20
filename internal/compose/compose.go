// Package compose creates posts: validated drafts are either delivered at
// once or stored for a later dispatch run.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/abdulachik/schedpost/internal/db"
	"github.com/abdulachik/schedpost/internal/dispatcher"
	"github.com/abdulachik/schedpost/internal/poster"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

var (
	// ErrReceiptNotRecorded is returned when an immediate post went out but
	// its receipt could not be written.
	ErrReceiptNotRecorded = errors.New("post delivered but receipt not recorded")
)

// ValidationError reports a draft that was rejected before any side effect.
type ValidationError struct {
	Errors validation.Errors
}

func (e *ValidationError) Error() string {
	return "invalid draft: " + e.Errors.Error()
}

// Media is an attachment to upload with a draft.
type Media struct {
	Data     []byte
	MimeType string
}

// Validate implements validation.Validatable.
func (m Media) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Data, validation.Required),
		validation.Field(&m.MimeType, validation.Required),
	)
}

// Draft is a post as submitted by its owner. A nil ScheduledFor means
// deliver now.
type Draft struct {
	OwnerID      string
	Content      string
	Media        []Media
	ScheduledFor *time.Time
}

// Validate checks the draft against the post limits.
func (d Draft) Validate() error {
	err := validation.ValidateStruct(&d,
		validation.Field(&d.OwnerID, validation.Required),
		validation.Field(&d.Content,
			validation.Required,
			validation.By(notBlank),
			validation.RuneLength(1, poster.TwitterMaxLength),
		),
		validation.Field(&d.Media, validation.Length(0, poster.MaxMediaPerPost)),
	)
	if err == nil {
		return nil
	}
	var errs validation.Errors
	if errors.As(err, &errs) {
		return &ValidationError{Errors: errs}
	}
	return err
}

func notBlank(value interface{}) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return errors.New("cannot be blank")
	}
	return nil
}

// Result is the outcome of a compose. Exactly one of Delivered and
// Scheduled is set.
type Result struct {
	Delivered *db.DeliveredRecord `json:"delivered,omitempty"`
	Scheduled *db.ScheduledPost   `json:"scheduled,omitempty"`
}

// Store is the subset of the content store used by the composer.
type Store interface {
	CreateScheduledPost(ctx context.Context, arg db.CreateScheduledPostParams) (*db.ScheduledPost, error)
	CreateDeliveredRecord(ctx context.Context, arg db.CreateDeliveredRecordParams) (*db.DeliveredRecord, error)
	GetPendingPost(ctx context.Context, id, userID string) (*db.ScheduledPost, error)
	ClaimPendingPost(ctx context.Context, id, userID string, lease time.Duration) (bool, error)
	DeletePost(ctx context.Context, id, userID string) error
	ListPending(ctx context.Context, userID string) ([]*db.ScheduledPost, error)
	ListDelivered(ctx context.Context, userID string, limit int64) ([]*db.DeliveredRecord, error)
}

// Deliverer delivers a claimed post and records the outcome.
type Deliverer interface {
	Deliver(ctx context.Context, post *db.ScheduledPost) dispatcher.Outcome
}

// Config holds composer configuration.
type Config struct {
	Store      Store
	Publisher  poster.Publisher
	Dispatcher Deliverer
	ClaimLease time.Duration
}

// Composer implements the owner-facing post operations.
type Composer struct {
	store      Store
	publisher  poster.Publisher
	dispatcher Deliverer
	claimLease time.Duration
	now        func() time.Time
	newID      func() string
}

// New creates a new composer.
func New(cfg Config) *Composer {
	claimLease := cfg.ClaimLease
	if claimLease <= 0 {
		claimLease = 5 * time.Minute
	}
	return &Composer{
		store:      cfg.Store,
		publisher:  cfg.Publisher,
		dispatcher: cfg.Dispatcher,
		claimLease: claimLease,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Compose validates the draft, uploads its media in order, and either
// delivers it or stores it for its scheduled time. Validation happens before
// any upload or store write; an upload failure aborts the compose.
func (c *Composer) Compose(ctx context.Context, d Draft) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}

	mediaRefs := make([]string, 0, len(d.Media))
	for i, m := range d.Media {
		ref, err := c.publisher.UploadMedia(ctx, m.Data, m.MimeType)
		if err != nil {
			return nil, fmt.Errorf("upload media %d: %w", i+1, err)
		}
		mediaRefs = append(mediaRefs, ref)
	}

	if d.ScheduledFor == nil {
		return c.deliverNow(ctx, d, mediaRefs)
	}

	post, err := c.store.CreateScheduledPost(ctx, db.CreateScheduledPostParams{
		ID:           c.newID(),
		UserID:       d.OwnerID,
		Content:      d.Content,
		MediaIDs:     mediaRefs,
		ScheduledFor: d.ScheduledFor.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("schedule post: %w", err)
	}

	slog.Info("scheduled post",
		"post_id", post.ID,
		"user_id", post.UserID,
		"scheduled_for", post.ScheduledFor,
		"media", len(mediaRefs),
	)

	return &Result{Scheduled: post}, nil
}

func (c *Composer) deliverNow(ctx context.Context, d Draft, mediaRefs []string) (*Result, error) {
	externalID, err := c.publisher.Submit(ctx, d.Content, mediaRefs)
	if err != nil {
		return nil, err
	}

	rec, err := c.store.CreateDeliveredRecord(context.WithoutCancel(ctx), db.CreateDeliveredRecordParams{
		UserID:     d.OwnerID,
		Content:    d.Content,
		MediaIDs:   mediaRefs,
		ExternalID: externalID,
	})
	if err != nil {
		slog.Error("post delivered but receipt not recorded",
			"user_id", d.OwnerID,
			"external_id", externalID,
			"error", err,
		)
		return &Result{Delivered: &db.DeliveredRecord{
			UserID:     d.OwnerID,
			Content:    d.Content,
			MediaIDs:   mediaRefs,
			ExternalID: externalID,
			CreatedAt:  c.now().UTC(),
		}}, fmt.Errorf("%w: %w", ErrReceiptNotRecorded, err)
	}

	slog.Info("delivered post",
		"user_id", d.OwnerID,
		"platform", c.publisher.Platform(),
		"external_id", externalID,
	)

	return &Result{Delivered: rec}, nil
}

// Cancel deletes a pending post of owner.
func (c *Composer) Cancel(ctx context.Context, ownerID, postID string) error {
	if err := c.store.DeletePost(ctx, postID, ownerID); err != nil {
		return err
	}
	slog.Info("cancelled scheduled post", "post_id", postID, "user_id", ownerID)
	return nil
}

// SendNow delivers a pending post of owner ahead of its schedule.
func (c *Composer) SendNow(ctx context.Context, ownerID, postID string) (dispatcher.Outcome, error) {
	claimed, err := c.store.ClaimPendingPost(ctx, postID, ownerID, c.claimLease)
	if err != nil {
		return dispatcher.Outcome{}, err
	}
	if !claimed {
		// Distinguish a missing post from one a dispatcher owns.
		if _, err := c.store.GetPendingPost(ctx, postID, ownerID); err != nil {
			return dispatcher.Outcome{}, err
		}
		return dispatcher.Outcome{}, db.ErrPostInFlight
	}

	post, err := c.store.GetPendingPost(ctx, postID, ownerID)
	if err != nil {
		return dispatcher.Outcome{}, err
	}
	return c.dispatcher.Deliver(ctx, post), nil
}

// Pending lists the pending posts of owner, soonest first.
func (c *Composer) Pending(ctx context.Context, ownerID string) ([]*db.ScheduledPost, error) {
	posts, err := c.store.ListPending(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list pending posts: %w", err)
	}
	if posts == nil {
		posts = []*db.ScheduledPost{}
	}
	return posts, nil
}

// Recent lists at most limit delivered posts of owner, newest first.
func (c *Composer) Recent(ctx context.Context, ownerID string, limit int) ([]*db.DeliveredRecord, error) {
	records, err := c.store.ListDelivered(ctx, ownerID, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("list delivered posts: %w", err)
	}
	return records, nil
}
