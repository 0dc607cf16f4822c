// Package config defines docrelay configuration, its defaults and validation.
package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/pkg/tlsutil"
)

// Backend names shared by several sections
const (
	BackendMemory    = "memory"
	BackendNATS      = "nats"
	BackendJetStream = "jetstream"
	BackendPostgres  = "postgres"
)

// Duration is a time.Duration that reads "5s" style strings from JSON and YAML.
type Duration time.Duration

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or integer nanoseconds
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.UnmarshalJSON([]byte(jsonScalar(node)))
}

func jsonScalar(node *yaml.Node) string {
	if node.Tag == "!!int" {
		return node.Value
	}
	b, _ := json.Marshal(node.Value)
	return string(b)
}

// Config represents the complete application configuration
type Config struct {
	NATS       NATSConfig       `json:"nats"`
	Transport  TransportConfig  `json:"transport"`
	Connection ConnectionConfig `json:"connection"`
	Queue      QueueConfig      `json:"queue"`
	Pipeline   PipelineConfig   `json:"pipeline"`
	AI         AIConfig         `json:"ai"`
	Metrics    MetricsConfig    `json:"metrics"`
	Storage    StorageConfig    `json:"storage"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URL           string   `json:"url"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`
	MaxReconnects int      `json:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait"`
	PingInterval  Duration `json:"ping_interval"`
	DrainTimeout  Duration `json:"drain_timeout"`

	TLS tlsutil.ClientConfig `json:"tls"`
}

// TransportConfig points at the messaging bridge
type TransportConfig struct {
	BridgeURL        string   `json:"bridge_url"`
	HandshakeTimeout Duration `json:"handshake_timeout"`
	SendTimeout      Duration `json:"send_timeout"`
	PingInterval     Duration `json:"ping_interval"`

	TLS tlsutil.ClientConfig `json:"tls"`
}

// ConnectionConfig tunes the per-user reconnect state machine
type ConnectionConfig struct {
	BaseDelay            Duration `json:"base_delay"`
	GrowthFactor         float64  `json:"growth_factor"`
	MaxDelay             Duration `json:"max_delay"`
	MaxReconnectAttempts int      `json:"max_reconnect_attempts"`
	QuickFailWindow      Duration `json:"quick_fail_window"`
	QuickFailDelay       Duration `json:"quick_fail_delay"`
	ChallengeTTL         Duration `json:"challenge_ttl"`
	RestoreConcurrency   int      `json:"restore_concurrency"`
}

// QueueConfig tunes the job queue
type QueueConfig struct {
	Backend         string   `json:"backend"`
	Workers         int      `json:"workers"`
	MaxAttempts     int      `json:"max_attempts"`
	BackoffDelay    Duration `json:"backoff_delay"`
	BackoffFactor   float64  `json:"backoff_factor"`
	MaxBackoff      Duration `json:"max_backoff"`
	JobTimeout      Duration `json:"job_timeout"`
	RetainCompleted int      `json:"retain_completed"`
	RetainFailed    int      `json:"retain_failed"`
	Stream          string   `json:"stream"`
	Subject         string   `json:"subject"`
}

// PipelineConfig tunes document processing
type PipelineConfig struct {
	ExtractionTimeout Duration `json:"extraction_timeout"`
	AnalysisTimeout   Duration `json:"analysis_timeout"`
	MinTextLength     int      `json:"min_text_length"`
	TargetLatency     Duration `json:"target_latency"`
	MaxFileSize       int64    `json:"max_file_size"`
	DetectionTarget   float64  `json:"detection_target"`
}

// AIConfig configures the OpenAI-compatible analysis endpoint
type AIConfig struct {
	BaseURL           string   `json:"base_url"`
	APIKey            string   `json:"api_key,omitempty"`
	Model             string   `json:"model"`
	Temperature       float32  `json:"temperature"`
	MaxTokens         int      `json:"max_tokens"`
	Timeout           Duration `json:"timeout"`
	RequestsPerMinute int      `json:"requests_per_minute"`
	MaxInputChars     int      `json:"max_input_chars"`
}

// MetricsConfig configures the HTTP exposition and the metric store
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
	Store   string `json:"store"`
	DSN     string `json:"dsn,omitempty"`
}

// StorageConfig selects the backend for documents, sessions and blobs
type StorageConfig struct {
	Backend        string `json:"backend"`
	DocumentBucket string `json:"document_bucket"`
	SessionBucket  string `json:"session_bucket"`
	BlobBucket     string `json:"blob_bucket"`
	MetricBucket   string `json:"metric_bucket"`
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
			PingInterval:  Duration(30 * time.Second),
			DrainTimeout:  Duration(30 * time.Second),
		},
		Transport: TransportConfig{
			BridgeURL:        "ws://localhost:3001",
			HandshakeTimeout: Duration(10 * time.Second),
			SendTimeout:      Duration(15 * time.Second),
			PingInterval:     Duration(30 * time.Second),
		},
		Connection: ConnectionConfig{
			BaseDelay:            Duration(5 * time.Second),
			GrowthFactor:         1.5,
			MaxDelay:             Duration(60 * time.Second),
			MaxReconnectAttempts: 10,
			QuickFailWindow:      Duration(3 * time.Second),
			QuickFailDelay:       Duration(10 * time.Second),
			ChallengeTTL:         Duration(30 * time.Second),
			RestoreConcurrency:   4,
		},
		Queue: QueueConfig{
			Backend:         BackendMemory,
			Workers:         2,
			MaxAttempts:     3,
			BackoffDelay:    Duration(5 * time.Second),
			BackoffFactor:   2,
			MaxBackoff:      Duration(5 * time.Minute),
			JobTimeout:      Duration(5 * time.Minute),
			RetainCompleted: 100,
			RetainFailed:    500,
			Stream:          "DOCRELAY_JOBS",
			Subject:         "docrelay.jobs",
		},
		Pipeline: PipelineConfig{
			ExtractionTimeout: Duration(60 * time.Second),
			AnalysisTimeout:   Duration(120 * time.Second),
			MinTextLength:     20,
			TargetLatency:     Duration(30 * time.Second),
			MaxFileSize:       50 << 20,
			DetectionTarget:   0.95,
		},
		AI: AIConfig{
			BaseURL:           "https://api.openai.com/v1",
			Model:             "gpt-4o-mini",
			Temperature:       0.3,
			MaxTokens:         4096,
			Timeout:           Duration(120 * time.Second),
			RequestsPerMinute: 30,
			MaxInputChars:     50000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
			Store:   BackendMemory,
		},
		Storage: StorageConfig{
			Backend:        BackendMemory,
			DocumentBucket: "docrelay_documents",
			SessionBucket:  "docrelay_sessions",
			BlobBucket:     "docrelay_blobs",
			MetricBucket:   "docrelay_metrics",
		},
	}
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	usesNATS := c.Storage.Backend == BackendNATS || c.Queue.Backend == BackendJetStream ||
		c.Metrics.Store == BackendNATS
	if usesNATS && c.NATS.URL == "" {
		add("nats.url is required when a NATS backend is selected")
	}
	if c.Transport.BridgeURL == "" {
		add("transport.bridge_url is required")
	}
	if err := c.Transport.TLS.Validate(); err != nil {
		add("transport.tls: %v", err)
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		add("nats.tls: %v", err)
	}
	if c.NATS.PingInterval <= 0 {
		add("nats.ping_interval must be positive")
	}
	if c.NATS.DrainTimeout <= 0 {
		add("nats.drain_timeout must be positive")
	}

	conn := c.Connection
	if conn.BaseDelay <= 0 {
		add("connection.base_delay must be positive")
	}
	if conn.GrowthFactor < 1 {
		add("connection.growth_factor must be >= 1")
	}
	if conn.MaxDelay < conn.BaseDelay {
		add("connection.max_delay must be >= base_delay")
	}
	if conn.MaxReconnectAttempts <= 0 {
		add("connection.max_reconnect_attempts must be positive")
	}
	if conn.ChallengeTTL <= 0 {
		add("connection.challenge_ttl must be positive")
	}

	q := c.Queue
	switch q.Backend {
	case BackendMemory, BackendJetStream:
	default:
		add("queue.backend must be %q or %q, got %q", BackendMemory, BackendJetStream, q.Backend)
	}
	if q.Workers <= 0 {
		add("queue.workers must be positive")
	}
	if q.MaxAttempts <= 0 {
		add("queue.max_attempts must be positive")
	}
	if q.JobTimeout <= 0 {
		add("queue.job_timeout must be positive")
	}

	if c.Pipeline.MaxFileSize <= 0 {
		add("pipeline.max_file_size must be positive")
	}
	if c.Pipeline.TargetLatency <= 0 {
		add("pipeline.target_latency must be positive")
	}

	if c.AI.Model == "" {
		add("ai.model is required")
	}
	if c.AI.MaxInputChars <= 0 {
		add("ai.max_input_chars must be positive")
	}

	switch c.Storage.Backend {
	case BackendMemory, BackendNATS:
	default:
		add("storage.backend must be %q or %q, got %q", BackendMemory, BackendNATS, c.Storage.Backend)
	}
	switch c.Metrics.Store {
	case BackendMemory, BackendNATS:
	case BackendPostgres:
		if c.Metrics.DSN == "" {
			add("metrics.dsn is required for the postgres store")
		}
	default:
		add("metrics.store must be memory, nats or postgres, got %q", c.Metrics.Store)
	}

	if len(problems) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrInvalidConfig, strings.Join(problems, "; ")),
			"Config", "Validate", "validate configuration")
	}
	return nil
}

// String renders the configuration with secrets masked
func (c *Config) String() string {
	redacted := *c
	if redacted.NATS.Password != "" {
		redacted.NATS.Password = "***"
	}
	if redacted.NATS.Token != "" {
		redacted.NATS.Token = "***"
	}
	if redacted.AI.APIKey != "" {
		redacted.AI.APIKey = "***"
	}
	if redacted.Metrics.DSN != "" {
		redacted.Metrics.DSN = "***"
	}
	b, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return string(b)
}
