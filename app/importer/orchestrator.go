package importer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
)

const DefaultBatchSize = 100

// Fetcher downloads one feed document.
type Fetcher interface {
	Fetch(ctx context.Context, url, dest string, opts feed.FetchOptions) (int, error)
}

type Options struct {
	// Concurrency above 1 processes feeds on a bounded worker pool.
	Concurrency int
	BatchSize   int
	// Transport applies to feeds that do not choose one.
	Transport feed.Transport
}

// Orchestrator runs fetch and stream for every feed, isolating failures
// per feed.
type Orchestrator struct {
	fetcher  Fetcher
	filterer *feed.Filterer
	reporter *status.Reporter
	metrics  *metrics.Metrics
	opts     Options
}

func NewOrchestrator(fetcher Fetcher, filterer *feed.Filterer, reporter *status.Reporter, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.BatchSize < 1 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Orchestrator{
		fetcher:  fetcher,
		filterer: filterer,
		reporter: reporter,
		metrics:  m,
		opts:     opts,
	}
}

// Run processes feeds in order and returns the number of records written
// across all of them. Only an unusable output directory or cancellation
// is returned as an error.
func (o *Orchestrator) Run(ctx context.Context, feeds []*feed.Config, outputDir, fallbackDomain string) (int, error) {
	if err := ensureWritable(outputDir); err != nil {
		return 0, &ConfigurationError{Dir: outputDir, Err: err}
	}

	// Status writes must land even after the run is cancelled.
	statusCtx := context.WithoutCancel(ctx)

	_ = o.reporter.Update(statusCtx, func(s *status.ImportStatus) {
		s.Phase = status.PhaseDownloading
		s.FeedsTotal = len(feeds)
	})

	if len(feeds) == 0 {
		o.reporter.Append("no feeds configured")
		return 0, nil
	}

	streamer := feed.NewStreamer(o.filterer, fallbackDomain, time.Now(), o.reporter)
	var total atomic.Int64

	if o.opts.Concurrency == 1 {
		for _, fc := range feeds {
			if err := ctx.Err(); err != nil {
				o.reporter.Append("run cancelled before %s", fc.Name)
				return int(total.Load()), err
			}
			total.Add(int64(o.runFeed(ctx, statusCtx, streamer, fc, outputDir)))
		}
		return int(total.Load()), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)
	for _, fc := range feeds {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			total.Add(int64(o.runFeed(gctx, statusCtx, streamer, fc, outputDir)))
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		o.reporter.Append("run cancelled")
		return int(total.Load()), err
	}
	return int(total.Load()), nil
}

// runFeed never fails: any error becomes a zero count for this feed.
func (o *Orchestrator) runFeed(ctx, statusCtx context.Context, streamer *feed.Streamer, fc *feed.Config, outputDir string) int {
	start := time.Now()
	xmlPath := filepath.Join(outputDir, fc.Name+".xml")
	jsonlPath := filepath.Join(outputDir, fc.Name+".jsonl")

	if err := os.Remove(jsonlPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.reporter.Append("[%s] could not remove stale stream: %v", fc.Name, err)
	}

	_ = o.reporter.Update(statusCtx, func(s *status.ImportStatus) {
		s.Phase = status.PhaseDownloading
		s.CurrentFeed = fc.Name
	})
	o.reporter.Append("[%s] downloading %s", fc.Name, fc.URL)

	transport := fc.Settings.Transport
	if transport == "" {
		transport = o.opts.Transport
	}
	hint, err := o.fetcher.Fetch(ctx, fc.URL, xmlPath, feed.FetchOptions{
		FeedID:       fc.Name,
		Transport:    transport,
		Timeout:      time.Duration(fc.Settings.Timeout) * time.Second,
		ItemElements: fc.Settings.ItemElements,
		Log:          o.reporter,
	})
	if err != nil {
		o.reporter.Append("[%s] download failed: %v", fc.Name, err)
		return o.finishFeed(statusCtx, fc, 0, 0, err, start)
	}

	_ = o.reporter.Update(statusCtx, func(s *status.ImportStatus) {
		s.Phase = status.PhaseProcessing
		s.CurrentFeed = fc.Name
	})
	o.reporter.Append("[%s] processing ~%d items", fc.Name, hint)

	var streamed int
	count, err := o.stream(ctx, streamer, fc, xmlPath, jsonlPath, func(n int) {
		streamed += n
		_ = o.reporter.Update(statusCtx, func(s *status.ImportStatus) {
			s.Counts.Processed += n
		})
	})
	if err != nil {
		o.reporter.Append("[%s] processing failed: %v", fc.Name, err)
		return o.finishFeed(statusCtx, fc, 0, streamed, err, start)
	}

	o.reporter.Append("[%s] %d records written", fc.Name, count)
	return o.finishFeed(statusCtx, fc, count, streamed, nil, start)
}

// finishFeed performs the one per-feed status update. Batches already
// counted as processed are reconciled against the final count.
func (o *Orchestrator) finishFeed(statusCtx context.Context, fc *feed.Config, count, streamed int, err error, start time.Time) int {
	elapsed := time.Since(start)
	_ = o.reporter.Update(statusCtx, func(s *status.ImportStatus) {
		s.FeedsDone++
		s.Counts.Processed += count - streamed
		s.TotalItems += count
	})
	o.metrics.FeedFinished(fc.Name, count, err, elapsed)

	if err != nil {
		slog.Warn("Feed failed", "feed", fc.Name, "duration", elapsed, "error", err)
	} else {
		slog.Info("Feed completed", "feed", fc.Name, "duration", elapsed, "items", count)
	}
	return count
}

// stream writes to a temp file renamed into place on success, so a
// failed feed never leaves a partial stream behind.
func (o *Orchestrator) stream(ctx context.Context, streamer *feed.Streamer, fc *feed.Config, xmlPath, jsonlPath string, onBatch feed.BatchFunc) (int, error) {
	part := jsonlPath + ".part"
	f, err := os.Create(part)
	if err != nil {
		return 0, &feed.IOError{Op: "create", Path: part, Err: err}
	}

	w := bufio.NewWriterSize(f, 64<<10)
	count, err := streamer.Stream(ctx, xmlPath, w, fc, o.opts.BatchSize, onBatch)
	if err == nil {
		if flushErr := w.Flush(); flushErr != nil {
			err = &feed.IOError{Op: "write", Path: part, Err: flushErr}
		}
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = &feed.IOError{Op: "close", Path: part, Err: closeErr}
	}
	if err != nil {
		os.Remove(part)
		return 0, err
	}

	if err := os.Rename(part, jsonlPath); err != nil {
		os.Remove(part)
		return 0, &feed.IOError{Op: "rename", Path: jsonlPath, Err: err}
	}
	_ = os.Chmod(jsonlPath, 0644)
	return count, nil
}

func ensureWritable(dir string) error {
	if dir == "" {
		return fmt.Errorf("no output directory configured")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".writable-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
