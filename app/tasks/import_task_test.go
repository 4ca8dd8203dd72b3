package tasks

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/importer"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
)

const jobsFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>Acme careers</title>
<item><guid>acme-1</guid><title>Welder</title><link>https://jobs.acme.test/1</link><location>Calgary, AB</location></item>
<item><guid>acme-2</guid><title>Line Cook</title><link>https://jobs.acme.test/2</link><location>Montréal</location></item>
<item><guid>acme-3</guid><title>Truck Driver</title><link>https://jobs.acme.test/3</link><salary>$25 - $30 per hour</salary></item>
</channel></rss>`

type importFixture struct {
	config *ImportConfig
	store  *status.MemoryStore
	jobs   *database.JobRepository
}

func newImportFixture(t *testing.T, outputDir string) *importFixture {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/acme.xml" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, jobsFeed)
	}))
	t.Cleanup(server.Close)

	feedsDir := t.TempDir()
	for name, path := range map[string]string{"acme": "/acme.xml", "gone": "/gone.xml"} {
		yml := fmt.Sprintf("url: %q\nsettings:\n  enabled: true\n  transport: http\n", server.URL+path)
		require.NoError(t, os.WriteFile(filepath.Join(feedsDir, name+".yml"), []byte(yml), 0644))
	}

	db, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, _, err = database.RunMigrations(db)
	require.NoError(t, err)

	store := status.NewMemoryStore()
	jobs := database.NewJobRepository(db)
	return &importFixture{
		store: store,
		jobs:  jobs,
		config: &ImportConfig{
			Configs:        feed.NewConfigCache(feedsDir),
			Fetcher:        feed.NewFetcher("job-comb-test", 0),
			Filterer:       feed.NewFilterer(),
			Status:         store,
			Jobs:           jobs,
			Metrics:        metrics.New(),
			OutputDir:      outputDir,
			FallbackDomain: "jobs.example.org",
		},
	}
}

func TestImportTask_FullRun(t *testing.T) {
	ctx := context.Background()
	outputDir := t.TempDir()
	fx := newImportFixture(t, outputDir)

	require.NoError(t, NewImportTask(TriggerManual, fx.config).Execute(ctx))

	st, err := fx.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.PhaseDone, st.Phase)
	assert.Equal(t, 2, st.FeedsTotal)
	assert.Equal(t, 2, st.FeedsDone)
	assert.Equal(t, 3, st.TotalItems)
	assert.Equal(t, 3, st.Counts.Published)
	assert.NotNil(t, st.FinishedAt)
	assert.Empty(t, st.Error)
	assert.Contains(t, strings.Join(st.Log, "\n"), "[gone] download failed")

	assert.FileExists(t, filepath.Join(outputDir, "acme.jsonl"))
	assert.FileExists(t, filepath.Join(outputDir, importer.CombinedFileName))
	assert.FileExists(t, filepath.Join(outputDir, importer.CombinedFileName+".gz"))
	assert.NoFileExists(t, filepath.Join(outputDir, "gone.jsonl"))

	stats, err := fx.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 3, stats.ByFeed["acme"])

	// A second run over unchanged feeds only refreshes last-seen times.
	second := NewImportTask(TriggerSchedule, fx.config)
	require.NoError(t, second.Execute(ctx))

	st, err = fx.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, st.RunID)
	assert.Equal(t, 0, st.Counts.Published)
	assert.Equal(t, 3, st.Counts.Skipped)

	stats, err = fx.jobs.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
}

func TestImportTask_UnusableOutputDir(t *testing.T) {
	ctx := context.Background()
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	fx := newImportFixture(t, filepath.Join(blocker, "out"))
	err := NewImportTask(TriggerManual, fx.config).Execute(ctx)

	var configErr *importer.ConfigurationError
	require.ErrorAs(t, err, &configErr)
	assert.False(t, retryable(err))

	st, err := fx.store.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, status.PhaseError, st.Phase)
	assert.Contains(t, st.Error, "output directory")
	assert.Zero(t, st.FeedsDone)
}

func TestImportTask_CancelledBeforeStart(t *testing.T) {
	fx := newImportFixture(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewImportTask(TriggerManual, fx.config).Execute(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	st, err := fx.store.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, status.PhaseIdle, st.Phase)
}

func TestRetryable(t *testing.T) {
	assert.False(t, retryable(nil))
	assert.False(t, retryable(fmt.Errorf("import cancelled: %w", context.Canceled)))
	assert.False(t, retryable(context.DeadlineExceeded))
	assert.True(t, retryable(fmt.Errorf("failed to publish records: %w", os.ErrClosed)))
}
