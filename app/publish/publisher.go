// Package publish commits a combined record stream to the job store.
package publish

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/dedupe"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
)

const (
	DefaultBatchSize = 50
	maxLineSize      = 16 << 20
)

type Result struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Drafted int `json:"drafted"`
	Invalid int `json:"invalid"`
}

// Publisher reads the combined stream in batches, resolves duplicates for
// each batch and then creates, updates or skips every record.
type Publisher struct {
	store     database.JobStore
	resolver  *dedupe.Resolver
	reporter  *status.Reporter
	metrics   *metrics.Metrics
	batchSize int
}

func NewPublisher(store database.JobStore, reporter *status.Reporter, m *metrics.Metrics, batchSize int) *Publisher {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Publisher{
		store:     store,
		resolver:  dedupe.NewResolver(store, reporter),
		reporter:  reporter,
		metrics:   m,
		batchSize: batchSize,
	}
}

// run carries state across the batches of one Publish call.
type run struct {
	seenAt time.Time
	// chosen maps GUIDs already handled in this run to their job id.
	chosen map[string]int64
	// stored state of chosen jobs.
	stored map[int64]storedJob
	result Result
}

type storedJob struct {
	fingerprint string
	status      string
}

// current reports whether job id already holds record and is published.
func (r *run) current(id int64, record feed.Record) bool {
	job, ok := r.stored[id]
	return ok && job.fingerprint == record.Fingerprint && job.status == dedupe.StatusPublish
}

// Publish must not run concurrently with itself.
func (p *Publisher) Publish(ctx context.Context, combinedPath string, seenAt time.Time) (Result, error) {
	f, err := os.Open(combinedPath)
	if err != nil {
		return Result{}, &feed.IOError{Op: "open", Path: combinedPath, Err: err}
	}
	defer f.Close()

	statusCtx := context.WithoutCancel(ctx)
	_ = p.reporter.Phase(statusCtx, status.PhaseDuplicateCleanup)

	r := &run{
		seenAt: seenAt.UTC(),
		chosen: make(map[string]int64),
		stored: make(map[int64]storedJob),
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)

	batch := make([]feed.Record, 0, p.batchSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var record feed.Record
		if err := json.Unmarshal(line, &record); err != nil || record.GUID == "" || record.Title == "" {
			r.result.Invalid++
			p.reporter.Append("skipped combined line %d: invalid record", lineNo)
			continue
		}

		batch = append(batch, record)
		if len(batch) == p.batchSize {
			if err := p.flush(ctx, statusCtx, r, batch); err != nil {
				return r.result, err
			}
			batch = batch[:0]
		}
	}
	if err := scanner.Err(); err != nil {
		return r.result, &feed.IOError{Op: "read", Path: combinedPath, Err: err}
	}
	if len(batch) > 0 {
		if err := p.flush(ctx, statusCtx, r, batch); err != nil {
			return r.result, err
		}
	}

	p.metrics.RecordOutcome(metrics.OutcomeInvalid, r.result.Invalid)
	p.reporter.Append("published: %d created, %d updated, %d unchanged, %d drafted", r.result.Created, r.result.Updated, r.result.Skipped, r.result.Drafted)
	slog.Info("Publish completed", "created", r.result.Created, "updated", r.result.Updated, "skipped", r.result.Skipped, "drafted", r.result.Drafted, "invalid", r.result.Invalid)

	return r.result, nil
}

func (p *Publisher) flush(ctx, statusCtx context.Context, r *run, batch []feed.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	pending := make([]string, 0, len(batch))
	queued := make(map[string]bool, len(batch))
	for _, record := range batch {
		if _, ok := r.chosen[record.GUID]; ok || queued[record.GUID] {
			continue
		}
		queued[record.GUID] = true
		pending = append(pending, record.GUID)
	}

	existing, err := p.store.FindIDsByGUIDs(ctx, pending)
	if err != nil {
		return err
	}
	resolved, err := p.resolver.Resolve(ctx, pending, existing)
	if err != nil {
		return err
	}

	keepIDs := make([]int64, 0, len(resolved.Keep))
	for guid, id := range resolved.Keep {
		r.chosen[guid] = id
		keepIDs = append(keepIDs, id)
	}
	if len(keepIDs) > 0 {
		candidates, err := p.store.LoadCandidates(ctx, keepIDs)
		if err != nil {
			return err
		}
		for _, c := range candidates {
			r.stored[c.ID] = storedJob{fingerprint: c.Fingerprint, status: c.Status}
		}
	}

	var delta Result
	delta.Drafted = resolved.Drafted
	for _, record := range batch {
		id, ok := r.chosen[record.GUID]
		switch {
		case !ok:
			id, err = p.store.Insert(ctx, record)
			if err != nil {
				return err
			}
			r.chosen[record.GUID] = id
			r.stored[id] = storedJob{fingerprint: record.Fingerprint, status: dedupe.StatusPublish}
			delta.Created++
		case r.current(id, record):
			if err := p.store.Touch(ctx, id, r.seenAt); err != nil {
				return err
			}
			delta.Skipped++
		default:
			// Changed content, or a kept record left in draft.
			if err := p.store.Update(ctx, id, record); err != nil {
				return fmt.Errorf("failed to update job %d: %w", id, err)
			}
			r.stored[id] = storedJob{fingerprint: record.Fingerprint, status: dedupe.StatusPublish}
			delta.Updated++
		}
	}

	r.result.Created += delta.Created
	r.result.Updated += delta.Updated
	r.result.Skipped += delta.Skipped
	r.result.Drafted += delta.Drafted

	p.metrics.RecordOutcome(metrics.OutcomeCreated, delta.Created)
	p.metrics.RecordOutcome(metrics.OutcomeUpdated, delta.Updated)
	p.metrics.RecordOutcome(metrics.OutcomeSkipped, delta.Skipped)
	p.metrics.RecordOutcome(metrics.OutcomeDrafted, delta.Drafted)

	_ = p.reporter.Update(statusCtx, func(s *status.ImportStatus) {
		s.Counts.Published += delta.Created
		s.Counts.Updated += delta.Updated
		s.Counts.Skipped += delta.Skipped
		s.Counts.DuplicatesDrafted += delta.Drafted
	})
	return nil
}
