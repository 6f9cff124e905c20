package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFoundOrForbidden is returned when no pending post with the given
	// id is owned by the caller.
	ErrNotFoundOrForbidden = errors.New("scheduled post not found or not owned by user")

	// ErrPostInFlight is returned when a dispatcher currently owns the post.
	ErrPostInFlight = errors.New("scheduled post is being delivered")
)

// ScheduledPost is a post stored for later delivery.
type ScheduledPost struct {
	ID           string         `json:"id"`
	UserID       string         `json:"user_id"`
	Content      string         `json:"content"`
	MediaIDs     []string       `json:"media_ids"`
	ScheduledFor time.Time      `json:"scheduled_for"`
	Delivered    bool           `json:"delivered"`
	ExternalID   sql.NullString `json:"-"`
	LastError    sql.NullString `json:"-"`
	Attempts     int64          `json:"attempts"`
	ClaimedUntil sql.NullTime   `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// InFlight reports whether a dispatcher holds a live claim on the post at now.
func (p *ScheduledPost) InFlight(now time.Time) bool {
	return p.ClaimedUntil.Valid && p.ClaimedUntil.Time.After(now)
}

// DeliveredRecord is the durable receipt of a successful delivery.
type DeliveredRecord struct {
	ID              int64          `json:"id"`
	UserID          string         `json:"user_id"`
	Content         string         `json:"content"`
	MediaIDs        []string       `json:"media_ids"`
	ExternalID      string         `json:"external_id"`
	ScheduledPostID sql.NullString `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Stats summarizes the store contents.
type Stats struct {
	Pending   int64
	Due       int64
	Failing   int64
	InFlight  int64
	Delivered int64
	Receipts  int64
}

func encodeMediaIDs(ids []string) (string, error) {
	if ids == nil {
		ids = []string{}
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "", fmt.Errorf("encode media ids: %w", err)
	}
	return string(b), nil
}

func decodeMediaIDs(raw string) ([]string, error) {
	ids := []string{}
	if raw == "" {
		return ids, nil
	}
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode media ids: %w", err)
	}
	return ids, nil
}

func nullStr(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
