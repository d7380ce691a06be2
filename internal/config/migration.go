package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult records what a schema migration did.
type MigrationResult struct {
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
	AppliedAt   time.Time `json:"applied_at,omitempty"`
}

// migrations maps a config version to the step that lifts it to the
// next one.
var migrations = map[int]func(*Config) (changes, warnings []string){
	1: migrateV1,
}

// MigrateConfig walks cfg up to the current schema version, backing the
// file at configPath up first. It returns nil when cfg is already
// current. An empty configPath skips the backup.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{FromVersion: cfg.Version, ToVersion: Version}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("backup skipped: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		step, ok := migrations[cfg.Version]
		if !ok {
			return result, fmt.Errorf("no migration path from version %d", cfg.Version)
		}
		changes, warnings := step(cfg)
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
		cfg.Version++
	}

	return result, nil
}

// migrateV1 lifts a version 1 config to version 2. V1 predates the
// publish and security sections and counted violations client-side, so
// the escalation thresholds get their defaults here too.
func migrateV1(cfg *Config) (changes, warnings []string) {
	if cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(ProctordDir(), "sessions.db")
		changes = append(changes, "set default store.path")
	}

	if len(cfg.Publish.Brokers) == 0 {
		cfg.Publish.Brokers = []string{"localhost:9092"}
		cfg.Publish.Topic = "proctor.violations"
		cfg.Publish.ClientID = "proctord"
		changes = append(changes, "added publish configuration")
	}

	if cfg.Security.TokenTTLHours == 0 {
		cfg.Security.TokenTTLHours = 12
		cfg.Security.ReportRatePerSec = 5
		cfg.Security.ReportBurst = 10
		cfg.Security.LimiterIdleSec = 600
		changes = append(changes, "added security configuration")
	}

	if cfg.Server.WarnThreshold == 0 {
		cfg.Server.WarnThreshold = 2
		cfg.Server.EndThreshold = 3
		changes = append(changes, "added escalation thresholds")
	}

	return changes, warnings
}

// backupConfig copies the config file aside before a migration mutates
// it. Returns the backup path, or "" when there is nothing to back up.
func backupConfig(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backup := path + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backup, raw, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backup, nil
}

// SaveConfig writes cfg to path, picking the format from the extension
// and defaulting to TOML. The file is written 0600 since it may hold
// tokens.
func SaveConfig(cfg *Config, path string) error {
	var (
		data []byte
		err  error
	)
	switch filepath.Ext(path) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data = renderTOML(cfg)
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// renderTOML produces the canonical commented config file. Credential
// fields stay commented out; they belong in the environment.
func renderTOML(cfg *Config) []byte {
	var b strings.Builder

	fmt.Fprintf(&b, "# proctord configuration (schema version %d)\n\n", Version)
	fmt.Fprintf(&b, "version = %d\n", cfg.Version)

	b.WriteString("\n[server]\n")
	fmt.Fprintf(&b, "listen_addr = %q\n", cfg.Server.ListenAddr)
	fmt.Fprintf(&b, "warn_threshold = %d\n", cfg.Server.WarnThreshold)
	fmt.Fprintf(&b, "end_threshold = %d\n", cfg.Server.EndThreshold)
	fmt.Fprintf(&b, "read_timeout_sec = %d\n", cfg.Server.ReadTimeoutSec)
	fmt.Fprintf(&b, "write_timeout_sec = %d\n", cfg.Server.WriteTimeoutSec)
	fmt.Fprintf(&b, "shutdown_timeout_sec = %d\n", cfg.Server.ShutdownTimeoutSec)
	fmt.Fprintf(&b, "max_body_bytes = %d\n", cfg.Server.MaxBodyBytes)

	b.WriteString("\n[store]\n")
	fmt.Fprintf(&b, "driver = %q\n", cfg.Store.Driver)
	fmt.Fprintf(&b, "path = %q\n", cfg.Store.Path)
	b.WriteString("# url = \"\" # postgres credentials belong in PROCTORD_DATABASE_URL\n")
	fmt.Fprintf(&b, "max_connections = %d\n", cfg.Store.MaxConnections)
	fmt.Fprintf(&b, "busy_timeout_ms = %d\n", cfg.Store.BusyTimeoutMs)

	b.WriteString("\n[agent]\n")
	fmt.Fprintf(&b, "server_url = %q\n", cfg.Agent.ServerURL)
	b.WriteString("# token = \"\" # minted per session, pass via PROCTORD_SESSION_TOKEN\n")
	fmt.Fprintf(&b, "environment = %q\n", cfg.Agent.Environment)
	fmt.Fprintf(&b, "fullscreen_poll_ms = %d\n", cfg.Agent.FullscreenPollMs)
	fmt.Fprintf(&b, "visibility_poll_ms = %d\n", cfg.Agent.VisibilityPollMs)
	fmt.Fprintf(&b, "focus_recheck_ms = %d\n", cfg.Agent.FocusRecheckMs)
	fmt.Fprintf(&b, "report_timeout_sec = %d\n", cfg.Agent.ReportTimeoutSec)
	fmt.Fprintf(&b, "auto_submit = %t\n", cfg.Agent.AutoSubmit)
	fmt.Fprintf(&b, "pid_file = %q\n", cfg.Agent.PidFile)

	b.WriteString("\n[logging]\n")
	fmt.Fprintf(&b, "level = %q\n", cfg.Logging.Level)
	fmt.Fprintf(&b, "format = %q\n", cfg.Logging.Format)
	fmt.Fprintf(&b, "output = %q\n", cfg.Logging.Output)
	fmt.Fprintf(&b, "file_path = %q\n", cfg.Logging.FilePath)
	fmt.Fprintf(&b, "max_size_mb = %d\n", cfg.Logging.MaxSizeMB)
	fmt.Fprintf(&b, "max_backups = %d\n", cfg.Logging.MaxBackups)
	fmt.Fprintf(&b, "max_age_days = %d\n", cfg.Logging.MaxAgeDays)
	fmt.Fprintf(&b, "compress = %t\n", cfg.Logging.Compress)

	b.WriteString("\n[audit]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Audit.Enabled)
	fmt.Fprintf(&b, "path = %q\n", cfg.Audit.Path)

	b.WriteString("\n[metrics]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Metrics.Enabled)

	b.WriteString("\n[publish]\n")
	fmt.Fprintf(&b, "enabled = %t\n", cfg.Publish.Enabled)
	fmt.Fprintf(&b, "brokers = %s\n", tomlStrings(cfg.Publish.Brokers))
	fmt.Fprintf(&b, "topic = %q\n", cfg.Publish.Topic)
	fmt.Fprintf(&b, "client_id = %q\n", cfg.Publish.ClientID)

	b.WriteString("\n[security]\n")
	b.WriteString("# master_key = \"\" # pass via PROCTORD_MASTER_KEY\n")
	b.WriteString("# admin_token = \"\" # pass via PROCTORD_ADMIN_TOKEN\n")
	fmt.Fprintf(&b, "token_ttl_hours = %d\n", cfg.Security.TokenTTLHours)
	fmt.Fprintf(&b, "report_rate_per_sec = %g\n", cfg.Security.ReportRatePerSec)
	fmt.Fprintf(&b, "report_burst = %d\n", cfg.Security.ReportBurst)
	fmt.Fprintf(&b, "limiter_idle_sec = %d\n", cfg.Security.LimiterIdleSec)

	return []byte(b.String())
}

// tomlStrings renders a TOML array of strings.
func tomlStrings(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

func migrationHistoryPath() string {
	return filepath.Join(ProctordDir(), "migration_history.json")
}

func loadMigrationHistory() ([]MigrationResult, error) {
	raw, err := os.ReadFile(migrationHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read migration history: %w", err)
	}

	var history []MigrationResult
	if err := json.Unmarshal(raw, &history); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return history, nil
}

// saveMigrationHistory appends result to the history file. History is
// advisory, so a corrupt file is replaced rather than treated as fatal.
func saveMigrationHistory(result *MigrationResult) error {
	history, err := loadMigrationHistory()
	if err != nil {
		history = nil
	}

	entry := *result
	entry.AppliedAt = time.Now().UTC()
	history = append(history, entry)

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("encode migration history: %w", err)
	}

	path := migrationHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write migration history: %w", err)
	}
	return nil
}
