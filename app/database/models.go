package database

import (
	"time"
)

// Job is a stored posting. Times are unix nanoseconds.
type Job struct {
	ID          int64  `db:"id"`
	GUID        string `db:"guid"`
	FeedID      string `db:"feed_id"`
	Title       string `db:"title"`
	Status      string `db:"status"`
	Fingerprint string `db:"fingerprint"`
	Payload     string `db:"payload"`
	CreatedAt   int64  `db:"created_at"`
	ModifiedAt  int64  `db:"modified_at"`
	LastSeenAt  int64  `db:"last_seen_at"`
}

func (j Job) Modified() time.Time {
	return time.Unix(0, j.ModifiedAt).UTC()
}

func (j Job) LastSeen() time.Time {
	return time.Unix(0, j.LastSeenAt).UTC()
}

// Stats summarizes the jobs table for the operator API.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByFeed   map[string]int `json:"by_feed"`
}
