package feed

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// CombinedStreamName is the base name of the merged output file. No feed
// may use it as its id.
const CombinedStreamName = "combined-jobs"

// Feed ids end up in output file names.
var feedIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

type ConfigCache struct {
	feedsDir string
	cache    map[string]*Config
	mu       sync.RWMutex
}

func NewConfigCache(feedsDir string) *ConfigCache {
	return &ConfigCache{
		feedsDir: feedsDir,
		cache:    make(map[string]*Config),
	}
}

// Run (re)loads every *.yml file in the feeds directory. A missing
// directory yields an empty cache.
func (cc *ConfigCache) Run() error {
	if _, err := os.Stat(cc.feedsDir); os.IsNotExist(err) {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(cc.feedsDir, "*.yml"))
	if err != nil {
		return fmt.Errorf("failed to find YML files: %w", err)
	}

	loaded := make(map[string]*Config, len(files))
	for _, file := range files {
		fileName := filepath.Base(file)
		feedName := fileName[:len(fileName)-4]

		config, err := cc.readConfig(feedName)
		if err != nil {
			return fmt.Errorf("error loading %s: %w", file, err)
		}
		loaded[feedName] = config

		slog.Debug("Configuration loaded", "feed", feedName, "enabled", config.Settings.Enabled, "transport", config.Settings.Transport)
	}

	cc.mu.Lock()
	cc.cache = loaded
	cc.mu.Unlock()

	return nil
}

// LoadConfig re-reads one feed file and refreshes its cache entry. A feed
// whose file is gone is dropped from the cache.
func (cc *ConfigCache) LoadConfig(feedName string) (*Config, error) {
	if !feedIDPattern.MatchString(feedName) {
		return nil, fmt.Errorf("%w: %s", ErrFeedNotFound, feedName)
	}

	feedConfig, err := cc.readConfig(feedName)
	if errors.Is(err, fs.ErrNotExist) {
		cc.mu.Lock()
		delete(cc.cache, feedName)
		cc.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrFeedNotFound, feedName)
	}
	if err != nil {
		return nil, err
	}

	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.cache[feedConfig.Name] = feedConfig

	return feedConfig, nil
}

func (cc *ConfigCache) GetConfigs() map[string]*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	configsCopy := make(map[string]*Config, len(cc.cache))
	for k, v := range cc.cache {
		configsCopy[k] = v
	}
	return configsCopy
}

// GetEnabledConfigs returns the enabled feeds ordered by id, which is the
// order a run processes them in.
func (cc *ConfigCache) GetEnabledConfigs() []*Config {
	cc.mu.RLock()
	defer cc.mu.RUnlock()

	enabled := make([]*Config, 0, len(cc.cache))
	for _, v := range cc.cache {
		if v.Settings.Enabled {
			enabled = append(enabled, v)
		}
	}
	sort.Slice(enabled, func(i, j int) bool {
		return enabled[i].Name < enabled[j].Name
	})
	return enabled
}

func (cc *ConfigCache) GetConfigCount() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.cache)
}

func (cc *ConfigCache) readConfig(feedName string) (*Config, error) {
	configFile := cc.getConfigFilePath(feedName)
	feedConfig, err := cc.parseConfig(configFile)
	if err != nil {
		return nil, err
	}

	feedConfig.Name = feedName

	if err := cc.validateConfig(feedConfig); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", configFile, err)
	}
	return feedConfig, nil
}

func (cc *ConfigCache) parseConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var feedConfig Config
	if err := yaml.Unmarshal(data, &feedConfig); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if feedConfig.Settings.Timeout == 0 {
		feedConfig.Settings.Timeout = 30
	}
	if feedConfig.Settings.Transport == "" {
		feedConfig.Settings.Transport = TransportAuto
	}

	return &feedConfig, nil
}

func (cc *ConfigCache) validateConfig(feedConfig *Config) error {
	if feedConfig == nil {
		return fmt.Errorf("feedConfig is nil")
	}

	if !feedIDPattern.MatchString(feedConfig.Name) {
		return fmt.Errorf("feed id %q must contain only letters, digits, '-' and '_'", feedConfig.Name)
	}
	if strings.EqualFold(feedConfig.Name, CombinedStreamName) {
		return fmt.Errorf("feed id %q is reserved for the combined output", feedConfig.Name)
	}
	if feedConfig.URL == "" {
		return fmt.Errorf("feed URL is required")
	}
	if u, err := url.Parse(feedConfig.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %s", ErrInvalidURL, feedConfig.URL)
	}

	nonNegativeFields := map[string]int{
		"max items": feedConfig.Settings.MaxItems,
		"timeout":   feedConfig.Settings.Timeout,
	}

	for fieldName, fieldValue := range nonNegativeFields {
		if fieldValue < 0 {
			return fmt.Errorf("%s must be non-negative", fieldName)
		}
	}

	if !feedConfig.Settings.Transport.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownTransport, feedConfig.Settings.Transport)
	}

	for i, filter := range feedConfig.Filters {
		if !FilterFields[filter.Field] {
			return fmt.Errorf("invalid filter field at index %d: %s", i, filter.Field)
		}
		if len(filter.Includes) == 0 && len(filter.Excludes) == 0 {
			return fmt.Errorf("filter at index %d must have at least one include or exclude rule", i)
		}
	}

	return nil
}

func (cc *ConfigCache) getConfigFilePath(feedName string) string {
	return filepath.Join(cc.feedsDir, feedName+".yml")
}
