package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/publish"
	"github.com/lysyi3m/job-comb/app/status"
)

// ImportConfig holds the long-lived collaborators shared by every run.
type ImportConfig struct {
	Configs  *feed.ConfigCache
	Fetcher  importer.Fetcher
	Filterer *feed.Filterer
	Status   status.Store
	Jobs     database.JobStore
	Metrics  *metrics.Metrics

	Orchestrator     importer.Options
	PublishBatchSize int
	OutputDir        string
	FallbackDomain   string
	LogLines         int
	MaxRetries       int
}

// ImportTask performs one full run: fetch and stream every enabled feed,
// combine the streams and publish the combined file.
type ImportTask struct {
	Task
	config *ImportConfig
	now    func() time.Time
}

func NewImportTask(trigger string, config *ImportConfig) *ImportTask {
	task := NewTask(TaskTypeImport, trigger)
	task.MaxRetries = config.MaxRetries
	return &ImportTask{
		Task:   task,
		config: config,
		now:    time.Now,
	}
}

// ImportTaskFactory binds config for use with the scheduler.
func ImportTaskFactory(config *ImportConfig) func(trigger string) TaskInterface {
	return func(trigger string) TaskInterface {
		return NewImportTask(trigger, config)
	}
}

func (t *ImportTask) Execute(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c := t.config
	// The log and status are reset on every attempt.
	reporter := status.NewReporter(c.Status, status.NewRunLog(c.LogLines))
	statusCtx := context.WithoutCancel(ctx)
	startedAt := t.now().UTC()

	_ = reporter.Start(statusCtx, status.New(t.ID, startedAt))
	reporter.Append("import %s started (%s, attempt %d)", t.ID, t.Trigger, t.RetryCount+1)
	c.Metrics.RunStarted()

	result, err := t.run(ctx, reporter, startedAt)
	if errors.Is(err, context.Canceled) {
		reporter.Append("import cancelled")
		err = fmt.Errorf("import cancelled: %w", err)
	} else if err != nil {
		reporter.Append("import failed: %v", err)
	}

	_ = reporter.Finish(statusCtx, err)
	c.Metrics.RunFinished(err, time.Since(startedAt))

	if err != nil {
		return err
	}

	slog.Info("Task completed",
		"type", t.GetType(),
		"id", t.ID,
		"trigger", t.Trigger,
		"duration", t.GetDuration(),
		"created", result.Created,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"drafted", result.Drafted)

	return nil
}

func (t *ImportTask) run(ctx context.Context, reporter *status.Reporter, seenAt time.Time) (publish.Result, error) {
	c := t.config

	if err := c.Configs.Run(); err != nil {
		return publish.Result{}, fmt.Errorf("failed to load feed configurations: %w", err)
	}
	feeds := c.Configs.GetEnabledConfigs()
	reporter.Append("%d enabled feed(s)", len(feeds))

	orchestrator := importer.NewOrchestrator(c.Fetcher, c.Filterer, reporter, c.Metrics, c.Orchestrator)
	total, err := orchestrator.Run(ctx, feeds, c.OutputDir, c.FallbackDomain)
	if err != nil {
		return publish.Result{}, err
	}

	_ = reporter.Phase(context.WithoutCancel(ctx), status.PhaseCombining)
	artifact, err := importer.Combine(ctx, feeds, c.OutputDir, total, reporter)
	if err != nil {
		return publish.Result{}, fmt.Errorf("failed to combine streams: %w", err)
	}
	c.Metrics.Combined(artifact.Bytes)
	reporter.Append("combined %d feed(s) into %s (%d bytes)", artifact.Feeds, artifact.Path, artifact.Bytes)

	publisher := publish.NewPublisher(c.Jobs, reporter, c.Metrics, c.PublishBatchSize)
	result, err := publisher.Publish(ctx, artifact.Path, seenAt)
	if err != nil {
		return result, fmt.Errorf("failed to publish records: %w", err)
	}
	return result, nil
}

// retryable reports whether a failed import is worth another attempt.
func retryable(err error) bool {
	var configErr *importer.ConfigurationError
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &configErr):
		return false
	}
	return true
}
