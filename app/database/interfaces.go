package database

import (
	"context"
	"time"

	"github.com/lysyi3m/job-comb/app/dedupe"
	"github.com/lysyi3m/job-comb/app/feed"
)

// JobStore is the record store behind duplicate resolution and publishing.
type JobStore interface {
	dedupe.RecordStore

	FindIDsByGUIDs(ctx context.Context, guids []string) (map[string][]int64, error)
	Get(ctx context.Context, id int64) (*Job, error)
	Insert(ctx context.Context, record feed.Record) (int64, error)
	Update(ctx context.Context, id int64, record feed.Record) error
	Touch(ctx context.Context, id int64, seenAt time.Time) error
	Stats(ctx context.Context) (*Stats, error)
}
