package cfg

type Cfg struct {
	// Storage configuration
	DBPath    string
	RedisAddr string

	// Import configuration
	FeedsDir         string
	OutputDir        string
	FallbackDomain   string
	Concurrency      int
	BatchSize        int
	PublishBatchSize int
	Transport        string
	FetchRetries     int
	ImportRetries    int
	LogLines         int
	Schedule         string
	RunOnStart       bool
	Once             bool

	// Server configuration
	Port         string
	APIAccessKey string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
