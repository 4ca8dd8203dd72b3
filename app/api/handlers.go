package api

import (
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lysyi3m/job-comb/app/feed"
	"github.com/lysyi3m/job-comb/app/metrics"
	"github.com/lysyi3m/job-comb/app/status"
	"github.com/lysyi3m/job-comb/app/tasks"
)

func NewHandler(configCache *feed.ConfigCache, statusStore status.Store, jobs StatsReader,
	m *metrics.Metrics, scheduler tasks.TaskSchedulerInterface) *Handler {
	return &Handler{
		configCache: configCache,
		statusStore: statusStore,
		jobs:        jobs,
		metrics:     m,
		scheduler:   scheduler,
	}
}

func (h *Handler) HealthCheck(c *gin.Context) {
	health := map[string]interface{}{
		"status":                "ok",
		"timestamp":             time.Now().In(time.Local).Format(time.RFC3339),
		"loaded_configurations": h.configCache.GetConfigCount(),
		"import_running":        h.scheduler.Running(),
	}

	c.JSON(http.StatusOK, health)
}

func (h *Handler) GetStatus(c *gin.Context) {
	s, err := h.statusStore.Get(c.Request.Context())
	if err != nil {
		slog.Error("Status store error", "operation", "get_status", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Status unavailable"})
		return
	}

	c.JSON(http.StatusOK, s)
}

func (h *Handler) ListFeeds(c *gin.Context) {
	if err := h.configCache.Run(); err != nil {
		slog.Error("Error reloading configurations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to load feed configurations",
			"details": err.Error(),
		})
		return
	}

	configs := h.configCache.GetConfigs()
	feeds := make([]feedInfo, 0, len(configs))
	for _, feedConfig := range configs {
		feeds = append(feeds, newFeedInfo(feedConfig))
	}
	sort.Slice(feeds, func(i, j int) bool { return feeds[i].Name < feeds[j].Name })

	c.JSON(http.StatusOK, gin.H{
		"feeds": feeds,
		"total": len(feeds),
	})
}

// FeedDetails re-reads one feed file, so edits show up without a full reload.
func (h *Handler) FeedDetails(c *gin.Context) {
	id := c.Param("id")

	feedConfig, err := h.configCache.LoadConfig(id)
	if errors.Is(err, feed.ErrFeedNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not found"})
		return
	}
	if err != nil {
		slog.Error("Error loading configuration", "feed", id, "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "Invalid feed configuration",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"feed":    newFeedInfo(feedConfig),
		"filters": feedConfig.Filters,
	})
}

func (h *Handler) TriggerImport(c *gin.Context) {
	id, err := h.scheduler.TriggerImport(tasks.TriggerManual)
	if errors.Is(err, tasks.ErrImportRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "Import already running"})
		return
	}
	if err != nil {
		slog.Error("Error enqueueing import", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to enqueue import",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"run_id":  id,
	})
}

func (h *Handler) CancelImport(c *gin.Context) {
	err := h.scheduler.CancelCurrent()
	if errors.Is(err, tasks.ErrNoImportRunning) {
		c.JSON(http.StatusConflict, gin.H{"error": "No import running"})
		return
	}
	if err != nil {
		slog.Error("Error cancelling import", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel import"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"success": true})
}

func (h *Handler) JobStats(c *gin.Context) {
	stats, err := h.jobs.Stats(c.Request.Context())
	if err != nil {
		slog.Error("Database error", "operation", "job_stats", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Database error"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

func newFeedInfo(feedConfig *feed.Config) feedInfo {
	return feedInfo{
		Name:         feedConfig.Name,
		URL:          feedConfig.URL,
		Enabled:      feedConfig.Settings.Enabled,
		MaxItems:     feedConfig.Settings.MaxItems,
		Timeout:      (time.Duration(feedConfig.Settings.Timeout) * time.Second).String(),
		Transport:    feedConfig.Settings.Transport,
		ItemElements: feedConfig.Settings.ItemElements,
		Filters:      len(feedConfig.Filters),
	}
}
