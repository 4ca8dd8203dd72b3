package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/lysyi3m/job-comb/app/status"
)

var _ TaskSchedulerInterface = (*Scheduler)(nil)

var (
	ErrImportRunning   = errors.New("an import is already running")
	ErrNoImportRunning = errors.New("no import is running")
)

const (
	DefaultRunTimeout = 2 * time.Hour
	maxRetryDelay     = 30 * time.Second
)

type SchedulerOptions struct {
	// Schedule is a standard five-field cron expression; empty disables it.
	Schedule    string
	RunTimeout  time.Duration
	WorkerCount int
	RunOnStart  bool
}

// Scheduler runs import tasks on a small worker pool. At most one import is
// in flight at any time, retries included.
type Scheduler struct {
	newTask    func(trigger string) TaskInterface
	store      status.Store
	cron       *cron.Cron
	opts       SchedulerOptions
	retryDelay func(retry int) time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	taskQueue  chan TaskInterface

	mu   sync.Mutex
	busy bool
	// cancelCurrent stops the running import or its pending retry.
	cancelCurrent context.CancelFunc
	retryPending  bool
}

func NewScheduler(newTask func(trigger string) TaskInterface, store status.Store, opts SchedulerOptions) (*Scheduler, error) {
	if opts.WorkerCount < 1 {
		opts.WorkerCount = 1
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		newTask:    newTask,
		store:      store,
		opts:       opts,
		retryDelay: retryDelay,
		ctx:        ctx,
		cancel:     cancel,
		taskQueue:  make(chan TaskInterface, 10),
	}

	if opts.Schedule != "" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(opts.Schedule, s.scheduledImport); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid import schedule %q: %w", opts.Schedule, err)
		}
	}

	return s, nil
}

func (s *Scheduler) Start() {
	for i := 0; i < s.opts.WorkerCount; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	if s.cron != nil {
		s.cron.Start()
		slog.Info("Import schedule enabled", "schedule", s.opts.Schedule)
	}

	if s.opts.RunOnStart {
		if _, err := s.TriggerImport(TriggerStartup); err != nil {
			slog.Warn("Failed to enqueue startup import", "error", err)
		}
	}
}

func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cancel()
	s.wg.Wait()
}

// TriggerImport queues a new import unless one is queued or running.
func (s *Scheduler) TriggerImport(trigger string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy {
		return "", ErrImportRunning
	}

	task := s.newTask(trigger)
	if err := s.enqueue(task); err != nil {
		return "", err
	}
	s.busy = true
	slog.Info("Import enqueued", "id", task.GetID(), "trigger", trigger)
	return task.GetID(), nil
}

// CancelCurrent cancels the running import's context, or drops its pending
// retry, and flags the request in the status store.
func (s *Scheduler) CancelCurrent() error {
	s.mu.Lock()
	pending := s.cancelCurrent != nil
	s.mu.Unlock()

	if !pending {
		return ErrNoImportRunning
	}

	if _, err := s.store.Update(s.ctx, func(st *status.ImportStatus) {
		st.CancelRequested = true
	}); err != nil {
		slog.Warn("Failed to flag cancellation", "error", err)
	}

	s.mu.Lock()
	if s.cancelCurrent != nil {
		s.cancelCurrent()
	}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

func (s *Scheduler) scheduledImport() {
	if _, err := s.TriggerImport(TriggerSchedule); err != nil {
		slog.Warn("Scheduled import skipped", "error", err)
	}
}

func (s *Scheduler) enqueue(task TaskInterface) error {
	select {
	case s.taskQueue <- task:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
		return fmt.Errorf("task queue is full")
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		select {
		case task := <-s.taskQueue:
			s.executeTask(id, task)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scheduler) executeTask(workerID int, task TaskInterface) {
	task.Start()

	taskCtx, cancel := context.WithTimeout(s.ctx, s.opts.RunTimeout)
	defer cancel()

	s.mu.Lock()
	s.cancelCurrent = cancel
	s.mu.Unlock()

	err := task.Execute(taskCtx)

	s.mu.Lock()
	s.cancelCurrent = nil
	s.mu.Unlock()

	if err == nil {
		s.release()
		return
	}

	slog.Error("Worker task execution failed", "worker_id", workerID, "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", err)

	if !task.CanRetry() || !retryable(err) {
		if task.CanRetry() {
			slog.Warn("Task failure is not retryable", "type", string(task.GetType()), "id", task.GetID())
		} else {
			slog.Error("Task failed after maximum retries", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "last_error", err)
		}
		s.release()
		return
	}

	task.IncrementRetryCount()
	delay := s.retryDelay(task.GetRetryCount())

	slog.Warn("Task retry scheduled", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "max_retries", task.GetMaxRetries(), "delay", delay.String())

	retryCtx, retryCancel := context.WithCancel(s.ctx)
	s.mu.Lock()
	s.cancelCurrent = retryCancel
	s.retryPending = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer retryCancel()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-retryCtx.Done():
			slog.Info("Task retry dropped", "type", string(task.GetType()), "id", task.GetID(), "reason", context.Cause(retryCtx))
			s.clearRetry(retryCtx)
			s.release()
		case <-timer.C:
			// A cancel that lands with the timer still wins.
			if !s.clearRetry(retryCtx) {
				s.release()
				return
			}
			if retryErr := s.enqueue(task); retryErr != nil {
				slog.Error("Failed to re-enqueue task for retry", "type", string(task.GetType()), "id", task.GetID(), "retry_count", task.GetRetryCount(), "error", retryErr)
				s.release()
			}
		}
	}()
}

// clearRetry ends the pending retry state and reports whether the retry is
// still wanted.
func (s *Scheduler) clearRetry(retryCtx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := retryCtx.Err() == nil
	s.cancelCurrent = nil
	s.retryPending = false
	return wanted
}

func (s *Scheduler) release() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func retryDelay(retry int) time.Duration {
	delay := time.Duration(1<<uint(retry-1)) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}
