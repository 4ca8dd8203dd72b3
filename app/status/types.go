package status

import (
	"context"
	"time"
)

// Phase is the stage an import run is in.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhaseDownloading      Phase = "feed-downloading"
	PhaseProcessing       Phase = "feed-processing"
	PhaseCombining        Phase = "jsonl-combining"
	PhaseDuplicateCleanup Phase = "duplicate-cleanup"
	PhaseDone             Phase = "done"
	PhaseError            Phase = "error"
)

// Terminal reports whether no run is in progress in this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseIdle, PhaseDone, PhaseError, "":
		return true
	}
	return false
}

type Counts struct {
	Processed         int `json:"processed"`
	Published         int `json:"published"`
	Updated           int `json:"updated"`
	Skipped           int `json:"skipped"`
	DuplicatesDrafted int `json:"duplicates_drafted"`
}

// ImportStatus is the progress record shared between the pipeline and the
// operator API. The terminal state of a run stays until the next run resets it.
type ImportStatus struct {
	RunID           string     `json:"run_id,omitempty"`
	Phase           Phase      `json:"phase"`
	CurrentFeed     string     `json:"current_feed,omitempty"`
	FeedsTotal      int        `json:"feeds_total"`
	FeedsDone       int        `json:"feeds_done"`
	Counts          Counts     `json:"counts"`
	TotalItems      int        `json:"total_items"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	CancelRequested bool       `json:"cancel_requested"`
	Error           string     `json:"error,omitempty"`
	Log             []string   `json:"log"`
}

// New returns the initial status of a run.
func New(runID string, now time.Time) ImportStatus {
	now = now.UTC()
	return ImportStatus{
		RunID:     runID,
		Phase:     PhaseDownloading,
		StartedAt: &now,
		UpdatedAt: now,
		Log:       []string{},
	}
}

// Idle is the status before any run has happened.
func Idle() ImportStatus {
	return ImportStatus{Phase: PhaseIdle, Log: []string{}}
}

func (s ImportStatus) Running() bool {
	return !s.Phase.Terminal()
}

func (s ImportStatus) clone() ImportStatus {
	c := s
	c.Log = append([]string(nil), s.Log...)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	return c
}

// Store holds the single ImportStatus record.
type Store interface {
	Get(ctx context.Context) (ImportStatus, error)
	// Set replaces the record; last write wins.
	Set(ctx context.Context, s ImportStatus) error
	// Update applies fn as one atomic read-modify-write and returns the
	// stored result. fn may run more than once under contention.
	Update(ctx context.Context, fn func(*ImportStatus)) (ImportStatus, error)
}
