// Package logging wires slog into the daemon: leveled text or JSON
// handlers, credential redaction, optional file output with size-based
// rotation, and the request-id plumbing shared by the HTTP layer and the
// audit trail.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// Level aliases slog.Level so callers configure levels without importing
// slog themselves.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config describes one logger.
type Config struct {
	Level  Level
	Format Format

	// Output routes entries: "stdout", "stderr", "file", or "both"
	// (stderr plus file). Anything else falls back to stderr.
	Output   string
	FilePath string

	// Rotation policy for file output. MaxSize is in megabytes.
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool

	// AddSource includes the caller's file and line in each entry.
	AddSource bool

	// Component tags every entry from this logger.
	Component string
}

// DefaultConfig logs human-readable text to stderr at info level.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "proctord",
	}
}

// defaultLogPath places the log file under the platform's state directory.
func defaultLogPath() string {
	const name = "proctord"
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", name, name+".log")
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, name, "logs", name+".log")
	default:
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(base, name, name+".log")
	}
}

// Logger is a slog.Logger plus ownership of its file rotator, if any.
type Logger struct {
	*slog.Logger
	cfg     *Config
	rotator *FileRotator
}

// New builds a logger from the config.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	w, rotator, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if cfg.Format == FormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}

	return &Logger{Logger: slog.New(handler), cfg: cfg, rotator: rotator}, nil
}

// openOutput resolves the Output setting to a writer, opening the rotator
// when file output is requested.
func openOutput(cfg *Config) (io.Writer, *FileRotator, error) {
	toFile := func() (*FileRotator, error) {
		return NewFileRotator(cfg)
	}

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		return os.Stdout, nil, nil
	case "file":
		r, err := toFile()
		if err != nil {
			return nil, nil, err
		}
		return r, r, nil
	case "both":
		r, err := toFile()
		if err != nil {
			return nil, nil, err
		}
		return io.MultiWriter(os.Stderr, r), r, nil
	default:
		return os.Stderr, nil, nil
	}
}

// Keys whose values must never reach the logs. Matched as substrings,
// case-insensitively, so "admin_token" and "Authorization" both hit.
var sensitiveMarkers = []string{
	"password", "secret", "token", "credential", "master_key",
	"private", "authorization", "cookie", "api_key", "apikey",
	"bearer",
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(key, marker) {
			a.Value = slog.StringValue("[REDACTED]")
			return a
		}
	}
	return a
}

// WithComponent returns a child logger tagged with a different component.
// The parent keeps ownership of the rotator.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger: l.Logger.With(slog.String("component", name)),
		cfg:    l.cfg,
	}
}

// Close releases the log file, if one is open.
func (l *Logger) Close() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Close()
}

// Sync flushes file output to disk.
func (l *Logger) Sync() error {
	if l.rotator == nil {
		return nil
	}
	return l.rotator.Sync()
}

var (
	defaultMu     sync.Mutex
	defaultLogger *Logger
)

// Default returns the process-wide logger, creating a stderr logger on
// first use.
func Default() *Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		l, err := New(DefaultConfig())
		if err != nil {
			l = &Logger{Logger: slog.Default(), cfg: DefaultConfig()}
		}
		defaultLogger = l
	}
	return defaultLogger
}

// SetDefault installs l as the process-wide logger and as slog's default,
// so package-level slog calls land in the same place.
func SetDefault(l *Logger) {
	defaultMu.Lock()
	defaultLogger = l
	defaultMu.Unlock()
	slog.SetDefault(l.Logger)
}

// ParseLevel maps a config string to a level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

type requestIDKey struct{}

// ContextWithRequestID stamps the request id the HTTP layer assigns.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext reads the stamped request id, empty when absent.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
