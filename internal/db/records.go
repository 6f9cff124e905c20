package db

import (
	"context"
	"fmt"
)

const deliveredRecordColumns = `id, user_id, content, media_ids, external_id, scheduled_post_id, created_at`

func scanDeliveredRecord(row rowScanner) (*DeliveredRecord, error) {
	var (
		r         DeliveredRecord
		mediaIDs  string
		createdAt int64
	)
	if err := row.Scan(&r.ID, &r.UserID, &r.Content, &mediaIDs, &r.ExternalID, &r.ScheduledPostID, &createdAt); err != nil {
		return nil, err
	}
	ids, err := decodeMediaIDs(mediaIDs)
	if err != nil {
		return nil, err
	}
	r.MediaIDs = ids
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// CreateDeliveredRecordParams holds the fields of a delivery receipt.
// ScheduledPostID is empty for posts delivered immediately.
type CreateDeliveredRecordParams struct {
	UserID          string
	Content         string
	MediaIDs        []string
	ExternalID      string
	ScheduledPostID string
}

// CreateDeliveredRecord appends a receipt. External ids are unique, so a
// second receipt for the same delivery fails.
func (q *Queries) CreateDeliveredRecord(ctx context.Context, arg CreateDeliveredRecordParams) (*DeliveredRecord, error) {
	mediaIDs, err := encodeMediaIDs(arg.MediaIDs)
	if err != nil {
		return nil, err
	}
	row := q.db.QueryRowContext(ctx, `
		INSERT INTO delivered_records (user_id, content, media_ids, external_id, scheduled_post_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING `+deliveredRecordColumns,
		arg.UserID, arg.Content, mediaIDs, arg.ExternalID, nullStr(arg.ScheduledPostID), toMillis(q.now()),
	)
	r, err := scanDeliveredRecord(row)
	if err != nil {
		return nil, fmt.Errorf("create delivered record: %w", err)
	}
	return r, nil
}

// GetDeliveredRecordByExternalID returns the receipt for an external id.
func (q *Queries) GetDeliveredRecordByExternalID(ctx context.Context, externalID string) (*DeliveredRecord, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+deliveredRecordColumns+` FROM delivered_records WHERE external_id = ?`, externalID)
	return scanDeliveredRecord(row)
}

// ListDelivered returns at most limit receipts of userID, newest first.
func (q *Queries) ListDelivered(ctx context.Context, userID string, limit int64) ([]*DeliveredRecord, error) {
	if limit <= 0 {
		return []*DeliveredRecord{}, nil
	}
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+deliveredRecordColumns+` FROM delivered_records
		 WHERE user_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*DeliveredRecord{}
	for rows.Next() {
		r, err := scanDeliveredRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// CountDeliveredRecords returns the number of receipts for an external id.
func (q *Queries) CountDeliveredRecords(ctx context.Context, externalID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivered_records WHERE external_id = ?`, externalID).Scan(&n)
	return n, err
}
