package feed

import (
	"time"
)

// Feed processing types

// Record is one normalized job posting, serialized as a single JSON line.
type Record struct {
	GUID           string     `json:"guid"`
	FeedID         string     `json:"feed_id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Excerpt        string     `json:"excerpt"`
	URL            string     `json:"url,omitempty"`
	Location       string     `json:"location,omitempty"`
	Province       string     `json:"province,omitempty"`
	ProvinceCode   string     `json:"province_code,omitempty"`
	Domain         string     `json:"domain,omitempty"`
	Company        string     `json:"company,omitempty"`
	CompanyURL     string     `json:"company_url,omitempty"`
	SalaryMin      float64    `json:"salary_min,omitempty"`
	SalaryMax      float64    `json:"salary_max,omitempty"`
	SalaryCurrency string     `json:"salary_currency,omitempty"`
	SalaryPeriod   string     `json:"salary_period,omitempty"`
	JobType        string     `json:"job_type,omitempty"`
	Category       string     `json:"category,omitempty"`
	PublishedAt    *time.Time `json:"published_at,omitempty"`
	Fingerprint    string     `json:"fingerprint"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
}

// Configuration types

// Config describes one feed. Name is the feed id, derived from the file name
// and used verbatim in output paths.
type Config struct {
	Name     string         // Derived from filename (without .yml extension)
	URL      string         `yaml:"url"`
	Settings ConfigSettings `yaml:"settings"`
	Filters  []ConfigFilter `yaml:"filters"`
}

type ConfigSettings struct {
	Enabled      bool      `yaml:"enabled"`
	MaxItems     int       `yaml:"max_items"` // 0 = unlimited
	Timeout      int       `yaml:"timeout"`   // seconds
	Transport    Transport `yaml:"transport"`
	ItemElements []string  `yaml:"item_elements"` // element names treated as one posting
}

type ConfigFilter struct {
	Field    string   `yaml:"field"`
	Includes []string `yaml:"includes"`
	Excludes []string `yaml:"excludes"`
}

// Transport selects how the fetcher talks to the feed host.
type Transport string

const (
	// TransportAuto tries the pooled client first and falls back to HTTP/1.1.
	TransportAuto Transport = "auto"
	// TransportHTTP uses the pooled default client only.
	TransportHTTP Transport = "http"
	// TransportHTTP1 forces HTTP/1.1 with keep-alives disabled.
	TransportHTTP1 Transport = "http1"
)

func (t Transport) Valid() bool {
	switch t {
	case TransportAuto, TransportHTTP, TransportHTTP1:
		return true
	}
	return false
}

// LogSink receives human-readable progress lines for the operator.
type LogSink interface {
	Append(format string, args ...any)
}

type discardLog struct{}

func (discardLog) Append(string, ...any) {}

// DiscardLog drops every line.
var DiscardLog LogSink = discardLog{}
