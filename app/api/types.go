package api

import (
	"context"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
	"github.com/lysyi3m/job-comb/app/tasks"
)

// StatsReader is the part of the job store the API exposes.
type StatsReader interface {
	Stats(ctx context.Context) (*database.Stats, error)
}

var _ StatsReader = (database.JobStore)(nil)

type Handler struct {
	configCache *feed.ConfigCache
	statusStore status.Store
	jobs        StatsReader
	metrics     *metrics.Metrics
	scheduler   tasks.TaskSchedulerInterface
}

type feedInfo struct {
	Name         string         `json:"name"`
	URL          string         `json:"url"`
	Enabled      bool           `json:"enabled"`
	MaxItems     int            `json:"max_items"`
	Timeout      string         `json:"timeout"`
	Transport    feed.Transport `json:"transport"`
	ItemElements []string       `json:"item_elements,omitempty"`
	Filters      int            `json:"filters"`
}
