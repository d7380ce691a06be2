// Package config handles configuration loading, validation, and management for proctord.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Version is the current configuration schema version.
const Version = 2

// Config holds the complete daemon and agent configuration.
type Config struct {
	// Version is the configuration schema version for migrations.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Server configuration for the ledger HTTP API.
	Server ServerConfig `toml:"server" json:"server" yaml:"server"`

	// Store configuration for persistence.
	Store StoreConfig `toml:"store" json:"store" yaml:"store"`

	// Agent configuration for the client-side monitor.
	Agent AgentConfig `toml:"agent" json:"agent" yaml:"agent"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Audit configuration for the append-only audit trail.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Publish configuration for streaming violation events to Kafka.
	Publish PublishConfig `toml:"publish" json:"publish" yaml:"publish"`

	// Security configuration for tokens and rate limiting.
	Security SecurityConfig `toml:"security" json:"security" yaml:"security"`
}

// ServerConfig holds the HTTP ledger server configuration.
type ServerConfig struct {
	// ListenAddr is the address the HTTP API binds to.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	// WarnThreshold is the violation count at which a warning is issued.
	WarnThreshold int `toml:"warn_threshold" json:"warn_threshold" yaml:"warn_threshold"`

	// EndThreshold is the violation count at which the exam is terminated.
	EndThreshold int `toml:"end_threshold" json:"end_threshold" yaml:"end_threshold"`

	// ReadTimeoutSec is the HTTP read timeout.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec is the HTTP write timeout.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// ShutdownTimeoutSec is how long to wait for in-flight requests on shutdown.
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxBodyBytes caps the size of request bodies.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// StoreConfig holds persistence configuration.
type StoreConfig struct {
	// Driver is the storage backend: "sqlite" or "postgres".
	Driver string `toml:"driver" json:"driver" yaml:"driver"`

	// Path is the path to the database file (for sqlite).
	Path string `toml:"path" json:"path" yaml:"path"`

	// URL is the connection string (for postgres).
	// Prefer the PROCTORD_DATABASE_URL environment variable for credentials.
	URL string `toml:"url" json:"url" yaml:"url"`

	// MaxConnections is the maximum number of database connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// AgentConfig holds the exam-session monitor configuration.
type AgentConfig struct {
	// ServerURL is the base URL of the ledger server.
	ServerURL string `toml:"server_url" json:"server_url" yaml:"server_url"`

	// Token is the session token minted when the exam session was created.
	// Prefer the PROCTORD_SESSION_TOKEN environment variable.
	Token string `toml:"token" json:"token" yaml:"token"`

	// Environment selects the desktop signal source: "auto", "dbus", or "null".
	Environment string `toml:"environment" json:"environment" yaml:"environment"`

	// FullscreenPollMs is the fullscreen state polling interval.
	FullscreenPollMs int `toml:"fullscreen_poll_ms" json:"fullscreen_poll_ms" yaml:"fullscreen_poll_ms"`

	// VisibilityPollMs is the page visibility polling interval.
	VisibilityPollMs int `toml:"visibility_poll_ms" json:"visibility_poll_ms" yaml:"visibility_poll_ms"`

	// FocusRecheckMs is the delay before re-checking focus after a blur.
	FocusRecheckMs int `toml:"focus_recheck_ms" json:"focus_recheck_ms" yaml:"focus_recheck_ms"`

	// ReportTimeoutSec is the per-report HTTP timeout.
	ReportTimeoutSec int `toml:"report_timeout_sec" json:"report_timeout_sec" yaml:"report_timeout_sec"`

	// TotalQuestions is the exam size reported with a forced submission.
	TotalQuestions int `toml:"total_questions" json:"total_questions" yaml:"total_questions"`

	// AutoSubmit submits the exam as cheated when it is terminated.
	AutoSubmit bool `toml:"auto_submit" json:"auto_submit" yaml:"auto_submit"`

	// PidFile is the path to the agent PID file.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or a file path.
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output is "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// AuditConfig holds the audit trail configuration.
type AuditConfig struct {
	// Enabled determines whether the audit trail is written.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the path to the audit log file.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// MetricsConfig holds metrics exposition configuration.
type MetricsConfig struct {
	// Enabled determines whether /metrics is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`
}

// PublishConfig holds Kafka event streaming configuration.
type PublishConfig struct {
	// Enabled determines whether violation events are published.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Brokers is the list of Kafka seed brokers.
	Brokers []string `toml:"brokers" json:"brokers" yaml:"brokers"`

	// Topic is the Kafka topic violation events are written to.
	Topic string `toml:"topic" json:"topic" yaml:"topic"`

	// ClientID identifies this producer to the brokers.
	ClientID string `toml:"client_id" json:"client_id" yaml:"client_id"`
}

// SecurityConfig holds token and rate limiting configuration.
type SecurityConfig struct {
	// MasterKey is the hex-encoded 32-byte key session tokens derive from.
	// Prefer the PROCTORD_MASTER_KEY environment variable.
	MasterKey string `toml:"master_key" json:"master_key" yaml:"master_key"`

	// AdminToken authorizes the admin session endpoints.
	// Prefer the PROCTORD_ADMIN_TOKEN environment variable.
	AdminToken string `toml:"admin_token" json:"admin_token" yaml:"admin_token"`

	// TokenTTLHours is how long minted session tokens stay valid.
	TokenTTLHours int `toml:"token_ttl_hours" json:"token_ttl_hours" yaml:"token_ttl_hours"`

	// ReportRatePerSec is the per-session violation report rate limit.
	ReportRatePerSec float64 `toml:"report_rate_per_sec" json:"report_rate_per_sec" yaml:"report_rate_per_sec"`

	// ReportBurst is the per-session burst allowance.
	ReportBurst int `toml:"report_burst" json:"report_burst" yaml:"report_burst"`

	// LimiterIdleSec is how long an idle per-session limiter is kept.
	LimiterIdleSec int `toml:"limiter_idle_sec" json:"limiter_idle_sec" yaml:"limiter_idle_sec"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := ProctordDir()

	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:8090",
			WarnThreshold:      2,
			EndThreshold:       3,
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    15,
			ShutdownTimeoutSec: 10,
			MaxBodyBytes:       64 * 1024,
		},
		Store: StoreConfig{
			Driver:         "sqlite",
			Path:           filepath.Join(dir, "sessions.db"),
			URL:            "",
			MaxConnections: 5,
			BusyTimeoutMs:  5000,
		},
		Agent: AgentConfig{
			ServerURL:        "http://127.0.0.1:8090",
			Token:            "",
			Environment:      "auto",
			FullscreenPollMs: 500,
			VisibilityPollMs: 200,
			FocusRecheckMs:   100,
			ReportTimeoutSec: 10,
			TotalQuestions:   0,
			AutoSubmit:       true,
			PidFile:          filepath.Join(PlatformRuntimeDir(), "proctor-agent.pid"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "proctord.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    filepath.Join(dir, "audit.log"),
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Publish: PublishConfig{
			Enabled:  false,
			Brokers:  []string{"localhost:9092"},
			Topic:    "proctor.violations",
			ClientID: "proctord",
		},
		Security: SecurityConfig{
			MasterKey:        "",
			AdminToken:       "",
			TokenTTLHours:    12,
			ReportRatePerSec: 5,
			ReportBurst:      10,
			LimiterIdleSec:   600,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ProctordDir(), "config.toml")
}

// Load reads the config file at path without validating or migrating
// it. A missing file yields the defaults; TOML, JSON, and YAML are
// selected by extension. Most callers want Loader.Load instead.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates all necessary directories for the daemon.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Store.Path),
		filepath.Dir(c.Logging.FilePath),
		filepath.Dir(c.Audit.Path),
		filepath.Dir(c.Agent.PidFile),
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ProctordDir returns the base proctord directory.
// Uses platform-specific paths or PROCTORD_DATA_DIR environment override.
func ProctordDir() string {
	if envDir := os.Getenv("PROCTORD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with PROCTORD_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	// Server overrides
	if v := os.Getenv("PROCTORD_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}

	// Store overrides
	if v := os.Getenv("PROCTORD_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("PROCTORD_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("PROCTORD_DATABASE_URL"); v != "" {
		c.Store.URL = v
	}

	// Agent overrides
	if v := os.Getenv("PROCTORD_SERVER_URL"); v != "" {
		c.Agent.ServerURL = v
	}
	if v := os.Getenv("PROCTORD_SESSION_TOKEN"); v != "" {
		c.Agent.Token = v
	}

	// Logging overrides
	if v := os.Getenv("PROCTORD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("PROCTORD_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}

	// Publish overrides
	if v := os.Getenv("PROCTORD_KAFKA_BROKERS"); v != "" {
		c.Publish.Brokers = splitList(v)
	}
	if v := os.Getenv("PROCTORD_KAFKA_TOPIC"); v != "" {
		c.Publish.Topic = v
	}

	// Credentials from env (for security)
	if v := os.Getenv("PROCTORD_MASTER_KEY"); v != "" {
		c.Security.MasterKey = v
	}
	if v := os.Getenv("PROCTORD_ADMIN_TOKEN"); v != "" {
		c.Security.AdminToken = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Publish.Brokers = slices.Clone(c.Publish.Brokers)
	return &clone
}

// DatabasePath returns the sqlite storage path.
func (c *Config) DatabasePath() string {
	return c.Store.Path
}

// LogPath returns the log file path.
func (c *Config) LogPath() string {
	return c.Logging.FilePath
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
