package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const scheduledPostColumns = `id, user_id, content, media_ids, scheduled_for, delivered,
	external_id, last_error, attempts, claimed_until, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduledPost(row rowScanner) (*ScheduledPost, error) {
	var (
		p            ScheduledPost
		mediaIDs     string
		scheduledFor int64
		delivered    int64
		claimedUntil sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	if err := row.Scan(
		&p.ID, &p.UserID, &p.Content, &mediaIDs, &scheduledFor, &delivered,
		&p.ExternalID, &p.LastError, &p.Attempts, &claimedUntil, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	ids, err := decodeMediaIDs(mediaIDs)
	if err != nil {
		return nil, err
	}
	p.MediaIDs = ids
	p.ScheduledFor = fromMillis(scheduledFor)
	p.Delivered = delivered != 0
	if claimedUntil.Valid {
		p.ClaimedUntil = sql.NullTime{Time: fromMillis(claimedUntil.Int64), Valid: true}
	}
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

func scanScheduledPosts(rows *sql.Rows) ([]*ScheduledPost, error) {
	defer rows.Close()

	var posts []*ScheduledPost
	for rows.Next() {
		p, err := scanScheduledPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return posts, nil
}

// CreateScheduledPostParams holds the fields of a new pending post.
type CreateScheduledPostParams struct {
	ID           string
	UserID       string
	Content      string
	MediaIDs     []string
	ScheduledFor time.Time
}

// CreateScheduledPost stores a pending post.
func (q *Queries) CreateScheduledPost(ctx context.Context, arg CreateScheduledPostParams) (*ScheduledPost, error) {
	mediaIDs, err := encodeMediaIDs(arg.MediaIDs)
	if err != nil {
		return nil, err
	}
	now := toMillis(q.now())

	row := q.db.QueryRowContext(ctx, `
		INSERT INTO scheduled_posts (id, user_id, content, media_ids, scheduled_for, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING `+scheduledPostColumns,
		arg.ID, arg.UserID, arg.Content, mediaIDs, toMillis(arg.ScheduledFor), now, now,
	)
	return scanScheduledPost(row)
}

// GetScheduledPost returns a post by id regardless of owner or state.
func (q *Queries) GetScheduledPost(ctx context.Context, id string) (*ScheduledPost, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+scheduledPostColumns+` FROM scheduled_posts WHERE id = ?`, id)
	return scanScheduledPost(row)
}

// GetPendingPost returns an undelivered post owned by userID.
func (q *Queries) GetPendingPost(ctx context.Context, id, userID string) (*ScheduledPost, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+scheduledPostColumns+` FROM scheduled_posts
		 WHERE id = ? AND user_id = ? AND delivered = 0`, id, userID)
	p, err := scanScheduledPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFoundOrForbidden
	}
	return p, err
}

// FindDuePosts returns every undelivered post scheduled at or before now.
func (q *Queries) FindDuePosts(ctx context.Context, now time.Time) ([]*ScheduledPost, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+scheduledPostColumns+` FROM scheduled_posts
		 WHERE delivered = 0 AND scheduled_for <= ?
		 ORDER BY scheduled_for ASC`, toMillis(now))
	if err != nil {
		return nil, err
	}
	return scanScheduledPosts(rows)
}

// ClaimPost gives the caller ownership of a post due by dueBy for lease,
// counted from the store clock at the moment of the claim. The selection
// predicate is re-checked, so of two overlapping claims only one succeeds.
// An expired claim can be taken over.
func (q *Queries) ClaimPost(ctx context.Context, id string, dueBy time.Time, lease time.Duration) (bool, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET claimed_until = ?, updated_at = ?
		WHERE id = ? AND delivered = 0 AND scheduled_for <= ?
		  AND (claimed_until IS NULL OR claimed_until <= ?)`,
		toMillis(now.Add(lease)), toMillis(now), id, toMillis(dueBy), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim post: %w", err)
	}
	return n == 1, nil
}

// ClaimPendingPost claims an undelivered post owned by userID regardless of
// its scheduled time. Used to deliver a pending post ahead of schedule.
func (q *Queries) ClaimPendingPost(ctx context.Context, id, userID string, lease time.Duration) (bool, error) {
	now := q.now()
	res, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET claimed_until = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND delivered = 0
		  AND (claimed_until IS NULL OR claimed_until <= ?)`,
		toMillis(now.Add(lease)), toMillis(now), id, userID, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("claim pending post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim pending post: %w", err)
	}
	return n == 1, nil
}

// ReleaseClaim gives up a claim without recording an attempt.
func (q *Queries) ReleaseClaim(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET claimed_until = NULL, updated_at = ?
		WHERE id = ? AND delivered = 0`,
		toMillis(q.now()), id,
	)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// MarkDelivered records a successful delivery. It is a no-op for a post that
// is already delivered; the returned bool reports whether the row changed.
func (q *Queries) MarkDelivered(ctx context.Context, id, externalID string) (bool, error) {
	if externalID == "" {
		return false, fmt.Errorf("mark delivered %s: empty external id", id)
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET delivered = 1, external_id = ?, last_error = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND delivered = 0`,
		externalID, toMillis(q.now()), id,
	)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	return n == 1, nil
}

// MarkFailed records the latest delivery error and releases the claim so the
// post is picked up again by the next run. Delivered posts are left alone.
func (q *Queries) MarkFailed(ctx context.Context, id, message string) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE scheduled_posts
		SET last_error = ?, attempts = attempts + 1, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND delivered = 0`,
		message, toMillis(q.now()), id,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// DeletePost removes a pending post owned by userID. A post that a
// dispatcher currently owns cannot be deleted.
func (q *Queries) DeletePost(ctx context.Context, id, userID string) error {
	now := toMillis(q.now())
	res, err := q.db.ExecContext(ctx, `
		DELETE FROM scheduled_posts
		WHERE id = ? AND user_id = ? AND delivered = 0
		  AND (claimed_until IS NULL OR claimed_until <= ?)`,
		id, userID, now,
	)
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := q.GetPendingPost(ctx, id, userID); err != nil {
		return err
	}
	return ErrPostInFlight
}

// ListPending returns the undelivered posts of userID, soonest first.
func (q *Queries) ListPending(ctx context.Context, userID string) ([]*ScheduledPost, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+scheduledPostColumns+` FROM scheduled_posts
		 WHERE user_id = ? AND delivered = 0
		 ORDER BY scheduled_for ASC, created_at ASC`, userID)
	if err != nil {
		return nil, err
	}
	return scanScheduledPosts(rows)
}

// CountStats returns store counters relative to now.
func (q *Queries) CountStats(ctx context.Context, now time.Time) (Stats, error) {
	var s Stats
	nowMs := toMillis(now)
	err := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN delivered = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 0 AND scheduled_for <= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 0 AND last_error IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 0 AND claimed_until > ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delivered = 1 THEN 1 ELSE 0 END), 0)
		FROM scheduled_posts`, nowMs, nowMs,
	).Scan(&s.Pending, &s.Due, &s.Failing, &s.InFlight, &s.Delivered)
	if err != nil {
		return Stats{}, fmt.Errorf("count posts: %w", err)
	}

	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM delivered_records`).Scan(&s.Receipts); err != nil {
		return Stats{}, fmt.Errorf("count receipts: %w", err)
	}
	return s, nil
}
