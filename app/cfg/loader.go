package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Storage configuration
	DBPath    string `long:"db-path" env:"DB_PATH" default:"./data/jobs.db" description:"SQLite database file for imported jobs"`
	RedisAddr string `long:"redis-addr" env:"REDIS_ADDR" description:"Redis address for the shared import status (in-memory when empty)"`

	// Import configuration
	FeedsDir         string `long:"feeds-dir" env:"FEEDS_DIR" default:"./feeds" description:"Directory containing feed configuration files"`
	OutputDir        string `long:"output-dir" env:"OUTPUT_DIR" default:"./output" description:"Directory for downloaded feeds and record streams"`
	FallbackDomain   string `long:"fallback-domain" env:"FALLBACK_DOMAIN" description:"Domain recorded for jobs without a URL"`
	Concurrency      int    `long:"concurrency" env:"CONCURRENCY" default:"1" description:"Number of feeds processed in parallel"`
	BatchSize        int    `long:"batch-size" env:"BATCH_SIZE" default:"100" description:"Records streamed between progress updates"`
	PublishBatchSize int    `long:"publish-batch-size" env:"PUBLISH_BATCH_SIZE" default:"50" description:"Records resolved and stored per batch"`
	Transport        string `long:"transport" env:"TRANSPORT" default:"auto" choice:"auto" choice:"http" choice:"http1" description:"Default fetch transport for feeds that do not set one"`
	FetchRetries     int    `long:"fetch-retries" env:"FETCH_RETRIES" default:"3" description:"Retries per feed download"`
	ImportRetries    int    `long:"import-retries" env:"IMPORT_RETRIES" default:"1" description:"Retries of a failed import run"`
	LogLines         int    `long:"log-lines" env:"LOG_LINES" default:"200" description:"Run log lines kept in the import status"`
	Schedule         string `long:"schedule" env:"SCHEDULE" description:"Cron expression for scheduled imports (disabled when empty)"`
	RunOnStart       bool   `long:"run-on-start" env:"RUN_ON_START" description:"Start an import as soon as the server is up"`
	Once             bool   `long:"once" description:"Run a single import and exit"`

	// Server configuration
	Port         string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`
	APIAccessKey string `long:"api-key" env:"API_ACCESS_KEY" description:"API access key for authentication (optional)"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"Job Comb/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/Toronto)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	return LoadArgs(nil)
}

// LoadArgs parses args instead of os.Args when args is non-nil.
func LoadArgs(args []string) (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	var err error
	if args == nil {
		_, err = parser.Parse()
	} else {
		_, err = parser.ParseArgs(args)
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		DBPath:           raw.DBPath,
		RedisAddr:        raw.RedisAddr,
		FeedsDir:         raw.FeedsDir,
		OutputDir:        raw.OutputDir,
		FallbackDomain:   raw.FallbackDomain,
		Concurrency:      raw.Concurrency,
		BatchSize:        raw.BatchSize,
		PublishBatchSize: raw.PublishBatchSize,
		Transport:        raw.Transport,
		FetchRetries:     raw.FetchRetries,
		ImportRetries:    raw.ImportRetries,
		LogLines:         raw.LogLines,
		Schedule:         raw.Schedule,
		RunOnStart:       raw.RunOnStart,
		Once:             raw.Once,
		Port:             raw.Port,
		APIAccessKey:     raw.APIAccessKey,
		UserAgent:        raw.UserAgent,
		Timezone:         raw.Timezone,
		Debug:            raw.Debug,
		Version:          GetVersion(),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func (c *Cfg) validate() error {
	switch {
	case c.Concurrency < 1:
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	case c.BatchSize < 1:
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	case c.PublishBatchSize < 1:
		return fmt.Errorf("publish batch size must be at least 1, got %d", c.PublishBatchSize)
	case c.FetchRetries < 0:
		return fmt.Errorf("fetch retries must not be negative, got %d", c.FetchRetries)
	case c.ImportRetries < 0:
		return fmt.Errorf("import retries must not be negative, got %d", c.ImportRetries)
	}
	return nil
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err != nil {
			return err
		} else {
			time.Local = loc
			fmt.Printf("Timezone configured: %s\n", timezone)
		}
	}
	return nil
}
