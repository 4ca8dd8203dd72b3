// Package dedupe picks one active record per GUID among stored records.
package dedupe

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
)

const (
	StatusPublish = "publish"
	StatusDraft   = "draft"
)

const (
	ReasonIdentical = "Duplicate - Identical content"
	ReasonOlder     = "Duplicate - Older version kept"
)

// Candidate is a stored record sharing a GUID with others.
type Candidate struct {
	ID          int64
	GUID        string
	Title       string
	Status      string
	Fingerprint string
	ModifiedAt  time.Time
}

// RecordStore loads and demotes stored records.
type RecordStore interface {
	LoadCandidates(ctx context.Context, ids []int64) ([]Candidate, error)
	// Transition sets title and status without touching the modification time.
	Transition(ctx context.Context, id int64, title, status string) error
}

type LogSink interface {
	Append(format string, args ...any)
}

type Result struct {
	// Keep maps each resolved GUID to the record id left active.
	Keep    map[string]int64
	Drafted int
}

// Resolver is not safe for overlapping GUID sets resolved concurrently;
// callers serialize batches.
type Resolver struct {
	store RecordStore
	log   LogSink
}

func NewResolver(store RecordStore, log LogSink) *Resolver {
	return &Resolver{store: store, log: log}
}

// Resolve decides the record to keep for every GUID in guids that has
// existing records. Identical duplicates are demoted; for diverging content
// the most recently modified record wins and ties keep the earlier one.
func (r *Resolver) Resolve(ctx context.Context, guids []string, existingByGUID map[string][]int64) (Result, error) {
	result := Result{Keep: make(map[string]int64)}

	seen := make(map[string]bool, len(guids))
	for _, guid := range guids {
		if seen[guid] {
			continue
		}
		seen[guid] = true

		ids := existingByGUID[guid]
		switch len(ids) {
		case 0:
			continue
		case 1:
			result.Keep[guid] = ids[0]
			continue
		}

		if err := ctx.Err(); err != nil {
			return result, err
		}

		keep, drafted, err := r.resolveGroup(ctx, guid, ids)
		if err != nil {
			return result, err
		}
		if keep != 0 {
			result.Keep[guid] = keep
		}
		result.Drafted += drafted
	}

	return result, nil
}

func (r *Resolver) resolveGroup(ctx context.Context, guid string, ids []int64) (int64, int, error) {
	loaded, err := r.store.LoadCandidates(ctx, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load candidates for %s: %w", guid, err)
	}
	candidates := orderCandidates(ids, loaded)
	if len(candidates) == 0 {
		return 0, 0, nil
	}

	drafted := 0
	keep := candidates[0]
	for _, c := range candidates[1:] {
		var loser Candidate
		var reason string

		switch {
		case c.Fingerprint == keep.Fingerprint:
			loser, reason = c, ReasonIdentical
		case c.ModifiedAt.After(keep.ModifiedAt):
			loser, reason = keep, ReasonOlder
			keep = c
		default:
			loser, reason = c, ReasonOlder
		}

		changed, err := r.supersede(ctx, loser, reason)
		if err != nil {
			return 0, drafted, err
		}
		if changed {
			drafted++
		}
	}

	slog.Debug("Duplicate group resolved", "guid", guid, "candidates", len(candidates), "keep", keep.ID, "drafted", drafted)
	return keep.ID, drafted, nil
}

// supersede demotes c, appending reason to its title once. It reports
// whether anything changed.
func (r *Resolver) supersede(ctx context.Context, c Candidate, reason string) (bool, error) {
	title := AppendReason(c.Title, reason)
	if c.Status == StatusDraft && title == c.Title {
		return false, nil
	}

	if err := r.store.Transition(ctx, c.ID, title, StatusDraft); err != nil {
		return false, fmt.Errorf("failed to draft record %d: %w", c.ID, err)
	}
	if r.log != nil {
		r.log.Append("drafted #%d (%s): %s", c.ID, c.GUID, reason)
	}
	return true, nil
}

// AppendReason adds " [reason]" to title unless the reason is already there.
func AppendReason(title, reason string) string {
	if strings.Contains(title, reason) {
		return title
	}
	return title + " [" + reason + "]"
}

// orderCandidates returns loaded candidates in the order of ids, active
// records before drafted ones. Ids the store no longer has are dropped.
func orderCandidates(ids []int64, loaded []Candidate) []Candidate {
	byID := make(map[int64]Candidate, len(loaded))
	for _, c := range loaded {
		byID[c.ID] = c
	}

	ordered := make([]Candidate, 0, len(ids))
	added := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok && !added[id] {
			ordered = append(ordered, c)
			added[id] = true
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Status != StatusDraft && ordered[j].Status == StatusDraft
	})
	return ordered
}
