package internal

import "time"

// IndicatorType enumerates supported IoC categories.
type IndicatorType string

const (
	IndicatorIP       IndicatorType = "ip"
	IndicatorDomain   IndicatorType = "domain"
	IndicatorURL      IndicatorType = "url"
	IndicatorHash     IndicatorType = "hash"
	IndicatorEmail    IndicatorType = "email"
	IndicatorFile     IndicatorType = "file"
	IndicatorRegistry IndicatorType = "registry"
	IndicatorMutex    IndicatorType = "mutex"
	IndicatorASN      IndicatorType = "asn"
	IndicatorUnknown  IndicatorType = "unknown"
)

// FeedFormat identifies the wire format a feed delivers.
type FeedFormat string

const (
	FormatJSON FeedFormat = "json"
	FormatCSV  FeedFormat = "csv"
	FormatTXT  FeedFormat = "txt"
	FormatSTIX FeedFormat = "stix"
	FormatXML  FeedFormat = "xml" // reserved, parser not implemented yet
)

// FeedCategory classifies the provenance of a source.
type FeedCategory string

const (
	CategoryCommercial FeedCategory = "commercial"
	CategoryOpenSource FeedCategory = "open_source"
	CategoryCommunity  FeedCategory = "community"
	CategoryCustom     FeedCategory = "custom"
	CategoryGovernment FeedCategory = "government"
	CategoryIndustry   FeedCategory = "industry"
)

// Frequency is a feed's refresh policy.
type Frequency string

const (
	FreqRealtime Frequency = "realtime"
	FreqHourly   Frequency = "hourly"
	FreqDaily    Frequency = "daily"
	FreqWeekly   Frequency = "weekly"
	FreqCustom   Frequency = "custom"
)

// ConfidenceLevel buckets the numeric confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow      ConfidenceLevel = "low"
	ConfidenceMedium   ConfidenceLevel = "medium"
	ConfidenceHigh     ConfidenceLevel = "high"
	ConfidenceVerified ConfidenceLevel = "verified"
)

// LevelForScore maps a 0-100 confidence score onto its level bucket.
func LevelForScore(score int) ConfidenceLevel {
	switch {
	case score >= 90:
		return ConfidenceVerified
	case score >= 70:
		return ConfidenceHigh
	case score >= 40:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// AuthDescriptor carries how to authenticate against a feed endpoint.
// Credential is opaque to the pipeline; Kind selects the injection scheme.
type AuthDescriptor struct {
	Kind       string `json:"kind" yaml:"kind"` // none|api_key|bearer|basic
	Header     string `json:"header,omitempty" yaml:"header,omitempty"`
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// FieldMap tells a format parser where to find record fields.
// Zero values fall back to per-format defaults.
type FieldMap struct {
	ValueField      string `json:"value_field,omitempty" yaml:"value_field,omitempty"`
	TypeField       string `json:"type_field,omitempty" yaml:"type_field,omitempty"`
	ConfidenceField string `json:"confidence_field,omitempty" yaml:"confidence_field,omitempty"`
	CategoryField   string `json:"category_field,omitempty" yaml:"category_field,omitempty"`
	// CSV column positions, 1-based; 0 means unset. A detected header row
	// overrides positions by matching the configured field names.
	ValueColumn      int `json:"value_column,omitempty" yaml:"value_column,omitempty"`
	TypeColumn       int `json:"type_column,omitempty" yaml:"type_column,omitempty"`
	ConfidenceColumn int `json:"confidence_column,omitempty" yaml:"confidence_column,omitempty"`
}

// SchedulePolicy drives next-run computation for a feed.
type SchedulePolicy struct {
	Frequency       Frequency `json:"frequency" yaml:"frequency"`
	IntervalMinutes int       `json:"interval_minutes,omitempty" yaml:"interval_minutes,omitempty"`
}

// FeedDefinition is a configured external source. Mutated by the aggregator
// after each run; deprecated rather than deleted while indicators reference it.
type FeedDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Category    FeedCategory   `json:"category" yaml:"category"`
	Format      FeedFormat     `json:"format" yaml:"format"`
	URL         string         `json:"url" yaml:"url"`
	Enabled     bool           `json:"enabled" yaml:"enabled"`
	Auth        AuthDescriptor `json:"auth" yaml:"auth"`
	Fields      FieldMap       `json:"fields" yaml:"fields"`
	Schedule    SchedulePolicy `json:"schedule" yaml:"schedule"`
	KeepUnknown bool           `json:"keep_unknown" yaml:"keep_unknown"` // hold unclassifiable values as opaque
	Deprecated  bool           `json:"deprecated" yaml:"-"`

	IndicatorCount int64      `json:"indicator_count" yaml:"-"`
	LastFetch      *time.Time `json:"last_fetch,omitempty" yaml:"-"`
	LastSuccess    *time.Time `json:"last_success,omitempty" yaml:"-"`
	LastError      *time.Time `json:"last_error,omitempty" yaml:"-"`
	LastErrorMsg   string     `json:"last_error_msg,omitempty" yaml:"-"`
}

// FeedIndicator is one observed indicator value. Expired records keep their
// row with Active=false; duplicates point at the canonical record. Invariant:
// (Type, Normalized) is unique among non-duplicate active records.
type FeedIndicator struct {
	ID             string          `json:"id"`
	FeedID         string          `json:"feed_id"`
	Value          string          `json:"value"`
	Normalized     string          `json:"normalized"`
	Type           IndicatorType   `json:"type"`
	ThreatCategory string          `json:"threat_category,omitempty"`
	Confidence     ConfidenceLevel `json:"confidence"`
	Score          int             `json:"score"` // 0-100
	FirstSeen      time.Time       `json:"first_seen"`
	LastSeen       time.Time       `json:"last_seen"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	Active         bool            `json:"active"`
	Tags           []string        `json:"tags,omitempty"`
	Sources        []string        `json:"sources,omitempty"` // contributing feed IDs
	IsDuplicate    bool            `json:"is_duplicate"`
	DuplicateOf    string          `json:"duplicate_of,omitempty"`
}

// ReliabilitySample is one point in a feed's quality history.
type ReliabilitySample struct {
	At             time.Time `json:"at"`
	Score          int       `json:"score"`
	Accuracy       float64   `json:"accuracy"`
	ValidCount     int64     `json:"valid_count"`
	FalsePositives int64     `json:"false_positives"`
}

// FeedReliability is the rolling quality record for one feed.
// History is pruned beyond the retention window.
type FeedReliability struct {
	FeedID            string              `json:"feed_id"`
	Score             int                 `json:"score"` // 0-100
	Accuracy          float64             `json:"accuracy"`
	FalsePositiveRate float64             `json:"false_positive_rate"`
	ValidCount        int64               `json:"valid_count"`
	FalsePositives    int64               `json:"false_positives"`
	LastAssessed      time.Time           `json:"last_assessed"`
	History           []ReliabilitySample `json:"history,omitempty"`
}

// ErrorSeverity distinguishes fatal from per-record parse problems.
type ErrorSeverity string

const (
	SeverityError   ErrorSeverity = "error"
	SeverityWarning ErrorSeverity = "warning"
)

// ParseError is one problem encountered during a parse run.
type ParseError struct {
	Severity ErrorSeverity `json:"severity"`
	Line     int           `json:"line,omitempty"` // 0 when not line-addressable
	Message  string        `json:"message"`
}

// ParsingResult is the outcome of one fetch-and-parse run. Ephemeral; only a
// summary is persisted as an audit entry.
type ParsingResult struct {
	FeedID            string          `json:"feed_id"`
	Success           bool            `json:"success"`
	TotalItems        int             `json:"total_items"`
	ValidIndicators   int             `json:"valid_indicators"`
	InvalidIndicators int             `json:"invalid_indicators"`
	Duplicates        int             `json:"duplicates"`
	Indicators        []FeedIndicator `json:"indicators,omitempty"`
	Errors            []ParseError    `json:"errors,omitempty"`
	Started           time.Time       `json:"started"`
	Duration          time.Duration   `json:"duration"`
}

// JobStatus is the scheduler state for one feed's recurring fetch.
type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ScheduledJob tracks one feed's recurring-fetch state.
type ScheduledJob struct {
	FeedID     string     `json:"feed_id"`
	NextRun    time.Time  `json:"next_run"`
	Status     JobStatus  `json:"status"`
	RetryCount int        `json:"retry_count"`
	MaxRetries int        `json:"max_retries"`
	LastRun    *time.Time `json:"last_run,omitempty"`
}

// RunRecord is the persisted audit summary of one aggregation run.
type RunRecord struct {
	ID         string        `json:"id"`
	FeedID     string        `json:"feed_id"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
	Success    bool          `json:"success"`
	Total      int           `json:"total"`
	Valid      int           `json:"valid"`
	Invalid    int           `json:"invalid"`
	Duplicates int           `json:"duplicates"`
	Error      string        `json:"error,omitempty"`
}
