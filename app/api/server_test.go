package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lysyi3m/job-comb/app/database"
	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
	"github.com/lysyi3m/job-comb/app/tasks"
)

const testKey = "secret"

type fakeScheduler struct {
	running   bool
	triggered []string
	cancels   int
}

func (f *fakeScheduler) Start() {}
func (f *fakeScheduler) Stop()  {}

func (f *fakeScheduler) TriggerImport(trigger string) (string, error) {
	if f.running {
		return "", tasks.ErrImportRunning
	}
	f.running = true
	f.triggered = append(f.triggered, trigger)
	return "run-1", nil
}

func (f *fakeScheduler) CancelCurrent() error {
	if !f.running {
		return tasks.ErrNoImportRunning
	}
	f.cancels++
	return nil
}

func (f *fakeScheduler) Running() bool { return f.running }

type fakeStats struct {
	stats *database.Stats
	err   error
}

func (f fakeStats) Stats(ctx context.Context) (*database.Stats, error) {
	return f.stats, f.err
}

func newTestServer(t *testing.T, jobs StatsReader) (*gin.Engine, *fakeScheduler, *status.MemoryStore) {
	t.Helper()

	feedsDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(feedsDir, "acme.yml"), []byte("url: https://acme.test/jobs.xml\nsettings:\n  enabled: true\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(feedsDir, "beta.yml"), []byte("url: https://beta.test/jobs.xml\nsettings:\n  enabled: false\n  transport: http1\n"), 0644))

	scheduler := &fakeScheduler{}
	store := status.NewMemoryStore()
	handler := NewHandler(feed.NewConfigCache(feedsDir), store, jobs, metrics.New(), scheduler)
	return NewServer(handler, testKey), scheduler, store
}

func do(r http.Handler, method, path string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authed {
		req.Header.Set("X-API-Key", testKey)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHealthAndStatus(t *testing.T) {
	r, _, store := newTestServer(t, fakeStats{})

	w := do(r, http.MethodGet, "/health", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"import_running":false`)

	w = do(r, http.MethodGet, "/status", false)
	require.Equal(t, http.StatusOK, w.Code)
	var idle status.ImportStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &idle))
	assert.Equal(t, status.PhaseIdle, idle.Phase)

	_, err := store.Update(context.Background(), func(s *status.ImportStatus) {
		s.Phase = status.PhaseProcessing
		s.CurrentFeed = "acme"
	})
	require.NoError(t, err)

	w = do(r, http.MethodGet, "/status", false)
	var running status.ImportStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &running))
	assert.Equal(t, status.PhaseProcessing, running.Phase)
	assert.Equal(t, "acme", running.CurrentFeed)
}

func TestMetricsEndpoint(t *testing.T) {
	r, _, _ := newTestServer(t, fakeStats{})

	w := do(r, http.MethodGet, "/metrics", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestAPIRequiresKey(t *testing.T) {
	r, _, _ := newTestServer(t, fakeStats{})

	w := do(r, http.MethodGet, "/api/feeds", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/feeds", nil)
	req.Header.Set("X-API-Key", "wrong")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListFeeds(t *testing.T) {
	r, _, _ := newTestServer(t, fakeStats{})

	w := do(r, http.MethodGet, "/api/feeds", true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Feeds []feedInfo `json:"feeds"`
		Total int        `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	assert.Equal(t, "acme", body.Feeds[0].Name)
	assert.True(t, body.Feeds[0].Enabled)
	assert.Equal(t, feed.TransportAuto, body.Feeds[0].Transport)
	assert.Equal(t, "beta", body.Feeds[1].Name)
	assert.Equal(t, feed.TransportHTTP1, body.Feeds[1].Transport)
}

func TestFeedDetails(t *testing.T) {
	r, _, _ := newTestServer(t, fakeStats{})

	w := do(r, http.MethodGet, "/api/feeds/beta", true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Feed feedInfo `json:"feed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "beta", body.Feed.Name)
	assert.Equal(t, "https://beta.test/jobs.xml", body.Feed.URL)
	assert.False(t, body.Feed.Enabled)
	assert.Equal(t, feed.TransportHTTP1, body.Feed.Transport)
	assert.Equal(t, "30s", body.Feed.Timeout)

	w = do(r, http.MethodGet, "/api/feeds/missing", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/feeds/bad.id", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/api/feeds/beta", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestTriggerAndCancelImport(t *testing.T) {
	r, scheduler, _ := newTestServer(t, fakeStats{})

	w := do(r, http.MethodPost, "/api/import/cancel", true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/import", true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Contains(t, w.Body.String(), `"run_id":"run-1"`)
	assert.Equal(t, []string{tasks.TriggerManual}, scheduler.triggered)

	w = do(r, http.MethodPost, "/api/import", true)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(r, http.MethodPost, "/api/import/cancel", true)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, 1, scheduler.cancels)
}

func TestJobStats(t *testing.T) {
	stats := &database.Stats{
		Total:    3,
		ByStatus: map[string]int{"publish": 2, "draft": 1},
		ByFeed:   map[string]int{"acme": 2},
	}
	r, _, _ := newTestServer(t, fakeStats{stats: stats})

	w := do(r, http.MethodGet, "/api/jobs/stats", true)
	require.Equal(t, http.StatusOK, w.Code)
	var got database.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, *stats, got)

	r, _, _ = newTestServer(t, fakeStats{err: errors.New("disk I/O error")})
	w = do(r, http.MethodGet, "/api/jobs/stats", true)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestAPIDisabledWithoutKey(t *testing.T) {
	handler := NewHandler(feed.NewConfigCache(t.TempDir()), status.NewMemoryStore(), fakeStats{}, nil, &fakeScheduler{})
	r := NewServer(handler, "")

	w := do(r, http.MethodPost, "/api/import", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodGet, "/", false)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, strings.Contains(w.Body.String(), "/api/import"))
}
