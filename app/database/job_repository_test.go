package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/job-comb/app/dedupe"
	"github.com/lysyi3m/job-comb/app/feed"
)

func newTestRepository(t *testing.T) *JobRepository {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	version, dirty, err := RunMigrations(db)
	require.NoError(t, err)
	require.False(t, dirty)
	require.Equal(t, uint(2), version)

	return NewJobRepository(db)
}

func record(guid, title, fingerprint string) feed.Record {
	return feed.Record{
		GUID:        guid,
		FeedID:      "acme",
		Title:       title,
		Fingerprint: fingerprint,
		LastSeenAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer db.Close()

	_, _, err = RunMigrations(db)
	require.NoError(t, err)
	version, dirty, err := RunMigrations(db)
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)
}

func TestJobRepository_InsertAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id, err := repo.Insert(ctx, record("g-1", "Welder", "v1:aa"))
	require.NoError(t, err)
	assert.NotZero(t, id)

	job, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "g-1", job.GUID)
	assert.Equal(t, "Welder", job.Title)
	assert.Equal(t, dedupe.StatusPublish, job.Status)
	assert.Equal(t, "v1:aa", job.Fingerprint)
	assert.Contains(t, job.Payload, `"guid":"g-1"`)
	assert.True(t, job.LastSeen().Equal(time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)))

	_, err = repo.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_FindIDsByGUIDs(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	a1, _ := repo.Insert(ctx, record("a", "A", "x"))
	b1, _ := repo.Insert(ctx, record("b", "B", "y"))
	a2, _ := repo.Insert(ctx, record("a", "A", "x"))
	require.NoError(t, repo.Transition(ctx, a2, "A [dup]", dedupe.StatusDraft))

	found, err := repo.FindIDsByGUIDs(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]int64{"a": {a1, a2}, "b": {b1}}, found)

	empty, err := repo.FindIDsByGUIDs(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestJobRepository_TransitionKeepsModifiedAt(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	id, err := repo.Insert(ctx, record("g", "Cook", "x"))
	require.NoError(t, err)
	before, err := repo.Get(ctx, id)
	require.NoError(t, err)

	require.NoError(t, repo.Transition(ctx, id, "Cook [Duplicate - Identical content]", dedupe.StatusDraft))

	cands, err := repo.LoadCandidates(ctx, []int64{id})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, dedupe.StatusDraft, cands[0].Status)
	assert.Equal(t, "Cook [Duplicate - Identical content]", cands[0].Title)
	assert.True(t, cands[0].ModifiedAt.Equal(before.Modified()))

	assert.ErrorIs(t, repo.Transition(ctx, 404, "x", dedupe.StatusDraft), ErrJobNotFound)
}

func TestJobRepository_UpdateAndTouch(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return clock }

	id, err := repo.Insert(ctx, record("g", "Cook", "x"))
	require.NoError(t, err)
	require.NoError(t, repo.Transition(ctx, id, "Cook [old]", dedupe.StatusDraft))

	clock = clock.Add(time.Hour)
	updated := record("g", "Head Cook", "y")
	require.NoError(t, repo.Update(ctx, id, updated))

	job, err := repo.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Head Cook", job.Title)
	assert.Equal(t, "y", job.Fingerprint)
	assert.Equal(t, dedupe.StatusPublish, job.Status)
	assert.True(t, job.Modified().Equal(clock))

	seen := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Touch(ctx, id, seen))
	job, err = repo.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, job.LastSeen().Equal(seen))
	assert.True(t, job.Modified().Equal(clock), "touch must not change modified_at")
}

func TestJobRepository_Stats(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	_, _ = repo.Insert(ctx, record("a", "A", "x"))
	_, _ = repo.Insert(ctx, record("b", "B", "y"))
	id, _ := repo.Insert(ctx, record("b", "B", "y"))
	require.NoError(t, repo.Transition(ctx, id, "B [dup]", dedupe.StatusDraft))

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[dedupe.StatusPublish])
	assert.Equal(t, 1, stats.ByStatus[dedupe.StatusDraft])
	assert.Equal(t, 2, stats.ByFeed["acme"])
}
