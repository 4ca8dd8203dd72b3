package status

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StateUpdateError wraps a status store failure. The pipeline logs it and
// carries on.
type StateUpdateError struct {
	Op  string
	Err error
}

func (e *StateUpdateError) Error() string {
	return fmt.Sprintf("status %s: %v", e.Op, e.Err)
}

func (e *StateUpdateError) Unwrap() error {
	return e.Err
}

// Reporter is the single path through which a run publishes progress.
type Reporter struct {
	store Store
	log   *RunLog
}

func NewReporter(store Store, log *RunLog) *Reporter {
	if log == nil {
		log = NewRunLog(DefaultLogLines)
	}
	return &Reporter{store: store, log: log}
}

// Append adds a line to the run log.
func (r *Reporter) Append(format string, args ...any) {
	r.log.Append(format, args...)
}

// Start overwrites whatever the previous run left behind.
func (r *Reporter) Start(ctx context.Context, s ImportStatus) error {
	s.Log = r.log.Tail()
	if err := r.store.Set(ctx, s); err != nil {
		return r.fail("set", err)
	}
	return nil
}

// Update applies fn atomically and stamps the log tail and timing fields.
// Store failures are logged and returned as StateUpdateError.
func (r *Reporter) Update(ctx context.Context, fn func(*ImportStatus)) error {
	_, err := r.store.Update(ctx, func(s *ImportStatus) {
		fn(s)
		now := time.Now().UTC()
		s.UpdatedAt = now
		if s.StartedAt != nil {
			end := now
			if s.FinishedAt != nil {
				end = *s.FinishedAt
			}
			s.ElapsedSeconds = end.Sub(*s.StartedAt).Seconds()
		}
		s.Log = r.log.Tail()
	})
	if err != nil {
		return r.fail("update", err)
	}
	return nil
}

// Phase moves the run to phase p.
func (r *Reporter) Phase(ctx context.Context, p Phase) error {
	return r.Update(ctx, func(s *ImportStatus) {
		s.Phase = p
	})
}

// Finish records a terminal phase. A non-nil runErr sets PhaseError.
func (r *Reporter) Finish(ctx context.Context, runErr error) error {
	return r.Update(ctx, func(s *ImportStatus) {
		now := time.Now().UTC()
		s.FinishedAt = &now
		s.CurrentFeed = ""
		if runErr != nil {
			s.Phase = PhaseError
			s.Error = runErr.Error()
			return
		}
		s.Phase = PhaseDone
	})
}

func (r *Reporter) Get(ctx context.Context) (ImportStatus, error) {
	return r.store.Get(ctx)
}

func (r *Reporter) fail(op string, err error) error {
	updateErr := &StateUpdateError{Op: op, Err: err}
	slog.Warn("Status store update failed", "op", op, "error", err)
	return updateErr
}
