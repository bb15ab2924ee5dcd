package types

import "fmt"

// SubmissionKind is the closed set of metric submission methods a column
// may declare. Unknown kinds are a typed error, not a runtime lookup miss.
type SubmissionKind int

const (
	KindGauge SubmissionKind = iota
	KindCount
	KindRate
	KindHistogram
)

var kindNames = map[SubmissionKind]string{
	KindGauge:     "gauge",
	KindCount:     "count",
	KindRate:      "rate",
	KindHistogram: "histogram",
}

func (k SubmissionKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("submission_kind(%d)", int(k))
}

// UnknownKindError reports a submission method not in the closed set.
type UnknownKindError struct {
	Kind string
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown submission method %q", e.Kind)
}

// ParseSubmissionKind maps a configured column type to a SubmissionKind.
func ParseSubmissionKind(s string) (SubmissionKind, error) {
	switch s {
	case "gauge":
		return KindGauge, nil
	case "count":
		return KindCount, nil
	case "rate":
		return KindRate, nil
	case "histogram":
		return KindHistogram, nil
	}
	return 0, &UnknownKindError{Kind: s}
}

// Column describes one result column of a custom query. Type is either
// "tag" or a submission kind. A zero Column is an ignored slot: the
// corresponding result column is skipped entirely.
type Column struct {
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
}

// IsZero reports whether the column is an ignored placeholder slot.
func (c Column) IsZero() bool {
	return c.Name == "" && c.Type == ""
}

// CustomQuery is a user-declared query whose column semantics come from
// configuration rather than compiled-in definitions.
type CustomQuery struct {
	Query   string   `yaml:"query" json:"query"`
	Columns []Column `yaml:"columns" json:"columns"`
	Tags    []string `yaml:"tags,omitempty" json:"tags,omitempty"`
}

// Instance is the configuration for one monitored ClickHouse server.
type Instance struct {
	Server                   string        `yaml:"server"`
	Port                     int           `yaml:"port"`
	DB                       string        `yaml:"db"`
	User                     string        `yaml:"user"`
	Password                 string        `yaml:"password"`
	ConnectTimeout           float64       `yaml:"connect_timeout"`
	ReadTimeout              float64       `yaml:"read_timeout"`
	PingTimeout              float64       `yaml:"ping_timeout"`
	Compression              bool          `yaml:"compression"`
	TLSEnabled               bool          `yaml:"tls"`
	TLSVerify                bool          `yaml:"tls_verify"`
	Tags                     []string      `yaml:"tags"`
	CustomQueries            []CustomQuery `yaml:"custom_queries"`
	UseGlobalCustomQueries   string        `yaml:"use_global_custom_queries"`
	MinCollectionInterval    int           `yaml:"min_collection_interval"`
	RetryConnectionOnFailure *bool         `yaml:"retry_connection_on_failure"`
}

// RetryConnection reports whether a failed initial connection may be
// retried lazily on later cycles. Defaults to true.
func (i Instance) RetryConnection() bool {
	if i.RetryConnectionOnFailure == nil {
		return true
	}
	return *i.RetryConnectionOnFailure
}

// GlobalConfig holds process-wide settings.
type GlobalConfig struct {
	Env                  string `yaml:"env"`
	LogLevel             string `yaml:"log_level"`
	StatsdAddr           string `yaml:"statsd_addr"`
	Port                 int    `yaml:"port"`
	ShutdownTimeout      int    `yaml:"shutdown_timeout"`
	RetryConnInterval    int    `yaml:"retry_conn_interval"`
	RateLimitRequests    int    `yaml:"rate_limit_requests"`
	RateLimitBurst       int    `yaml:"rate_limit_burst"`
	EncryptionKey        string `yaml:"encryption_key"`
	CircuitBreakerConfig struct {
		Timeout       int `yaml:"timeout"`
		MaxConcurrent int `yaml:"max_concurrent"`
		ErrorPercent  int `yaml:"error_percent"`
		SleepWindow   int `yaml:"sleep_window"`
	} `yaml:"circuit_breaker_config"`
}

// InitConfig carries settings shared by every instance.
type InitConfig struct {
	GlobalCustomQueries []CustomQuery `yaml:"global_custom_queries"`
}

// BasicAuth protects the ops endpoint.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Config is the full configuration file.
type Config struct {
	GlobalConfig GlobalConfig `yaml:"global_config"`
	InitConfig   InitConfig   `yaml:"init_config"`
	Instances    []Instance   `yaml:"instances"`
	BasicAuth    BasicAuth    `yaml:"basic_auth"`
}
