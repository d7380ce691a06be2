package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// hexKeyPattern matches a hex-encoded 32-byte key.
var hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// ValidateConfig performs comprehensive validation of the configuration.
// Warning-level findings (see IsWarning) do not fail validation.
func ValidateConfig(c *Config) error {
	errs := CollectValidation(c)
	if errs.HasErrors() {
		return errs.Errors()
	}
	return nil
}

// CollectValidation returns every validation finding, warnings included.
func CollectValidation(c *Config) ValidationErrors {
	var errs ValidationErrors

	// Validate version
	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	if serverErrs := validateServer(&c.Server); len(serverErrs) > 0 {
		errs = append(errs, serverErrs...)
	}

	if storeErrs := validateStore(&c.Store); len(storeErrs) > 0 {
		errs = append(errs, storeErrs...)
	}

	if agentErrs := validateAgent(&c.Agent); len(agentErrs) > 0 {
		errs = append(errs, agentErrs...)
	}

	if loggingErrs := validateLogging(&c.Logging); len(loggingErrs) > 0 {
		errs = append(errs, loggingErrs...)
	}

	if auditErrs := validateAudit(&c.Audit); len(auditErrs) > 0 {
		errs = append(errs, auditErrs...)
	}

	if publishErrs := validatePublish(&c.Publish); len(publishErrs) > 0 {
		errs = append(errs, publishErrs...)
	}

	if secErrs := validateSecurity(&c.Security); len(secErrs) > 0 {
		errs = append(errs, secErrs...)
	}

	return errs
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if s.ListenAddr == "" {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: "listen address is required",
		})
	} else if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: fmt.Sprintf("invalid listen address: %v", err),
		})
	}

	if s.WarnThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.warn_threshold",
			Message: "warn threshold must be at least 1",
		})
	}

	if s.EndThreshold <= s.WarnThreshold {
		errs = append(errs, ValidationError{
			Field:   "server.end_threshold",
			Message: "end threshold must be greater than warn threshold",
		})
	}

	if s.ReadTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.read_timeout_sec",
			Message: "read timeout must be at least 1 second",
		})
	}

	if s.WriteTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.write_timeout_sec",
			Message: "write timeout must be at least 1 second",
		})
	}

	if s.ShutdownTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "server.shutdown_timeout_sec",
			Message: "shutdown timeout must be at least 1 second",
		})
	}

	if s.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "max body size must be at least 1KB",
		})
	}

	return errs
}

func validateStore(s *StoreConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.Driver {
	case "sqlite", "postgres":
		// Valid drivers
	default:
		errs = append(errs, ValidationError{
			Field:   "store.driver",
			Message: fmt.Sprintf("invalid driver: %s (valid: sqlite, postgres)", s.Driver),
		})
	}

	// SQLite-specific validation
	if s.Driver == "sqlite" {
		if s.Path == "" {
			errs = append(errs, ValidationError{
				Field:   "store.path",
				Message: "database path is required for sqlite storage",
			})
		}

		// Check parent directory exists or can be created
		dir := filepath.Dir(expandPath(s.Path))
		if dir != "" && dir != "." {
			if info, err := os.Stat(dir); err != nil {
				if !os.IsNotExist(err) {
					errs = append(errs, ValidationError{
						Field:   "store.path",
						Message: fmt.Sprintf("cannot access directory: %v", err),
					})
				}
				// Directory doesn't exist yet - that's OK, it will be created
			} else if !info.IsDir() {
				errs = append(errs, ValidationError{
					Field:   "store.path",
					Message: fmt.Sprintf("parent path is not a directory: %s", dir),
				})
			}
		}
	}

	// Postgres-specific validation
	if s.Driver == "postgres" && s.URL == "" {
		errs = append(errs, ValidationError{
			Field:   "store.url",
			Message: "connection URL is required for postgres storage",
		})
	}

	// Validate connection settings
	if s.MaxConnections < 1 {
		errs = append(errs, ValidationError{
			Field:   "store.max_connections",
			Message: "max connections must be at least 1",
		})
	}
	if s.MaxConnections > 100 {
		errs = append(errs, ValidationError{
			Field:   "store.max_connections",
			Message: "max connections cannot exceed 100",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "store.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}

	return errs
}

func validateAgent(a *AgentConfig) ValidationErrors {
	var errs ValidationErrors

	if a.ServerURL == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.server_url",
			Message: "server URL is required",
		})
	} else if !isValidURL(a.ServerURL) {
		errs = append(errs, ValidationError{
			Field:   "agent.server_url",
			Message: fmt.Sprintf("invalid URL: %s", a.ServerURL),
		})
	}

	switch a.Environment {
	case "auto", "dbus", "null":
		// Valid sources
	default:
		errs = append(errs, ValidationError{
			Field:   "agent.environment",
			Message: fmt.Sprintf("invalid environment: %s (valid: auto, dbus, null)", a.Environment),
		})
	}

	if a.Token == "" {
		errs = append(errs, ValidationError{
			Field:   "agent.token",
			Message: "session token not set (pass via PROCTORD_SESSION_TOKEN before starting the agent)",
		})
	}

	if a.FullscreenPollMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "agent.fullscreen_poll_ms",
			Message: "fullscreen poll interval must be at least 50ms",
		})
	}
	if a.FullscreenPollMs > 10000 {
		errs = append(errs, ValidationError{
			Field:   "agent.fullscreen_poll_ms",
			Message: "fullscreen poll interval cannot exceed 10000ms",
		})
	}

	if a.VisibilityPollMs < 50 {
		errs = append(errs, ValidationError{
			Field:   "agent.visibility_poll_ms",
			Message: "visibility poll interval must be at least 50ms",
		})
	}

	if a.FocusRecheckMs < 10 {
		errs = append(errs, ValidationError{
			Field:   "agent.focus_recheck_ms",
			Message: "focus recheck delay must be at least 10ms",
		})
	}

	if a.ReportTimeoutSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "agent.report_timeout_sec",
			Message: "report timeout must be at least 1 second",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
		// Valid levels
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
		// Valid formats
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr", "file":
		// Valid outputs
		if l.Output == "file" && l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file'",
			})
		}
	default:
		// Assume it's a file path
		if l.Output == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.output",
				Message: "log output is required",
			})
		}
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	var errs ValidationErrors

	if !a.Enabled {
		return errs
	}

	if a.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.path",
			Message: "audit path is required when enabled",
		})
	}

	return errs
}

func validatePublish(p *PublishConfig) ValidationErrors {
	var errs ValidationErrors

	if !p.Enabled {
		return errs // Skip validation if publishing is disabled
	}

	if len(p.Brokers) == 0 {
		errs = append(errs, ValidationError{
			Field:   "publish.brokers",
			Message: "at least one broker is required when publishing is enabled",
		})
	}

	for i, broker := range p.Brokers {
		if _, _, err := net.SplitHostPort(broker); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("publish.brokers[%d]", i),
				Message: fmt.Sprintf("invalid broker address: %s", broker),
			})
		}
	}

	if p.Topic == "" {
		errs = append(errs, ValidationError{
			Field:   "publish.topic",
			Message: "topic is required when publishing is enabled",
		})
	}

	return errs
}

func validateSecurity(s *SecurityConfig) ValidationErrors {
	var errs ValidationErrors

	if s.MasterKey != "" && !hexKeyPattern.MatchString(s.MasterKey) {
		errs = append(errs, ValidationError{
			Field:   "security.master_key",
			Message: "master key must be a hex-encoded 32-byte key",
		})
	}

	if s.AdminToken != "" && len(s.AdminToken) < 16 {
		errs = append(errs, ValidationError{
			Field:   "security.admin_token",
			Message: "admin token must be at least 16 characters",
		})
	}

	if s.TokenTTLHours < 1 {
		errs = append(errs, ValidationError{
			Field:   "security.token_ttl_hours",
			Message: "token TTL must be at least 1 hour",
		})
	}

	if s.ReportRatePerSec <= 0 {
		errs = append(errs, ValidationError{
			Field:   "security.report_rate_per_sec",
			Message: "report rate must be positive",
		})
	}

	if s.ReportBurst < 1 {
		errs = append(errs, ValidationError{
			Field:   "security.report_burst",
			Message: "report burst must be at least 1",
		})
	}

	if s.LimiterIdleSec < 1 {
		errs = append(errs, ValidationError{
			Field:   "security.limiter_idle_sec",
			Message: "limiter idle TTL must be at least 1 second",
		})
	}

	return errs
}

// Helper functions

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}

// IsWarning returns true if this is a non-fatal validation issue.
func (e *ValidationError) IsWarning() bool {
	// Some fields are warnings, not errors
	warningFields := []string{
		"agent.token", // Token is usually injected via environment at start
	}
	for _, f := range warningFields {
		if strings.HasPrefix(e.Field, f) {
			return true
		}
	}
	return false
}

// Warnings returns only warning-level validation errors.
func (e ValidationErrors) Warnings() ValidationErrors {
	var warnings ValidationErrors
	for _, err := range e {
		if err.IsWarning() {
			warnings = append(warnings, err)
		}
	}
	return warnings
}

// Errors returns only error-level validation errors.
func (e ValidationErrors) Errors() ValidationErrors {
	var errs ValidationErrors
	for _, err := range e {
		if !err.IsWarning() {
			errs = append(errs, err)
		}
	}
	return errs
}

// HasErrors returns true if there are any non-warning errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e.Errors()) > 0
}
