package status

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{ MemoryStore }

func (f *failingStore) Update(ctx context.Context, fn func(*ImportStatus)) (ImportStatus, error) {
	return ImportStatus{}, errors.New("store offline")
}

func TestReporter_UpdateCopiesLogTail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reporter := NewReporter(store, NewRunLog(10))

	require.NoError(t, reporter.Start(ctx, New("run-1", time.Now().Add(-2*time.Second))))
	reporter.Append("[%s] downloaded", "acme")
	require.NoError(t, reporter.Update(ctx, func(s *ImportStatus) { s.FeedsDone++ }))

	s, err := store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.FeedsDone)
	require.Len(t, s.Log, 1)
	assert.True(t, strings.HasSuffix(s.Log[0], "[acme] downloaded"))
	assert.GreaterOrEqual(t, s.ElapsedSeconds, 2.0)
}

// appendingStore logs a line between the reporter's call and the write.
type appendingStore struct {
	MemoryStore
	reporter *Reporter
}

func (a *appendingStore) Update(ctx context.Context, fn func(*ImportStatus)) (ImportStatus, error) {
	a.reporter.Append("written while the update was in flight")
	return a.MemoryStore.Update(ctx, fn)
}

func TestReporter_UpdateReadsTailAtWriteTime(t *testing.T) {
	ctx := context.Background()
	store := &appendingStore{}
	reporter := NewReporter(store, NewRunLog(10))
	store.reporter = reporter

	require.NoError(t, reporter.Phase(ctx, PhaseDownloading))

	s, err := store.Get(ctx)
	require.NoError(t, err)
	require.Len(t, s.Log, 1)
	assert.True(t, strings.HasSuffix(s.Log[0], "written while the update was in flight"))
}

func TestReporter_Finish(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	reporter := NewReporter(store, nil)
	require.NoError(t, reporter.Start(ctx, New("run-1", time.Now())))

	require.NoError(t, reporter.Finish(ctx, errors.New("output directory not writable")))
	s, _ := store.Get(ctx)
	assert.Equal(t, PhaseError, s.Phase)
	assert.Equal(t, "output directory not writable", s.Error)
	assert.NotNil(t, s.FinishedAt)

	require.NoError(t, reporter.Start(ctx, New("run-2", time.Now())))
	require.NoError(t, reporter.Finish(ctx, nil))
	s, _ = store.Get(ctx)
	assert.Equal(t, PhaseDone, s.Phase)
	assert.Empty(t, s.Error)
}

func TestReporter_StoreFailureIsStateUpdateError(t *testing.T) {
	reporter := NewReporter(&failingStore{}, nil)

	err := reporter.Phase(context.Background(), PhaseCombining)
	var updateErr *StateUpdateError
	require.ErrorAs(t, err, &updateErr)
	assert.Equal(t, "update", updateErr.Op)
}

func TestRunLog_Bounded(t *testing.T) {
	log := NewRunLog(3)
	for i := 1; i <= 5; i++ {
		log.Append("line %d", i)
	}

	tail := log.Tail()
	require.Len(t, tail, 3)
	assert.True(t, strings.HasSuffix(tail[0], "line 3"))
	assert.True(t, strings.HasSuffix(tail[2], "line 5"))
	assert.Equal(t, 3, log.Len())
}
