package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// reloadDebounce coalesces the burst of filesystem events an editor
// emits while saving into a single reload.
const reloadDebounce = 100 * time.Millisecond

// Loader reads the config file and can keep watching it, pushing every
// successfully validated reload to OnChange listeners.
type Loader struct {
	path    string
	watcher *fsnotify.Watcher
	errs    chan error
	done    chan struct{}
	once    sync.Once

	mu        sync.Mutex
	listeners []func(*Config)
}

// NewLoader returns a loader for the config file at path.
func NewLoader(path string) *Loader {
	return &Loader{
		path: path,
		errs: make(chan error, 1),
		done: make(chan struct{}),
	}
}

// Load parses the config file, migrates it if it was written by an
// older release, applies environment overrides, and validates the
// result. A missing file yields the defaults.
func (l *Loader) Load() (*Config, error) {
	cfg, err := readConfigFile(l.path)
	if err != nil {
		return nil, err
	}

	if cfg.Version < Version {
		result, err := MigrateConfig(cfg, l.path)
		if err != nil {
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if result != nil {
			_ = saveMigrationHistory(result)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Watch begins monitoring the config file. Edits are debounced, then
// the file is re-parsed and validated; only a config that passes
// validation reaches the OnChange listeners, so a bad edit never takes
// effect.
func (l *Loader) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	// Editors often replace the file by rename, which silently drops a
	// watch on the file itself. Watch the directory and filter instead.
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	l.watcher = w
	go l.run(w)
	return nil
}

func (l *Loader) run(w *fsnotify.Watcher) {
	var pending *time.Timer
	name := filepath.Base(l.path)

	for {
		select {
		case <-l.done:
			return

		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDebounce, l.reload)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.report(err)
		}
	}
}

// reload re-parses the file and notifies listeners. On any failure the
// previous config stays in effect and the error goes to Errors.
func (l *Loader) reload() {
	cfg, err := readConfigFile(l.path)
	if err != nil {
		l.report(fmt.Errorf("reload: %w", err))
		return
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		l.report(fmt.Errorf("reload: %w", err))
		return
	}

	l.mu.Lock()
	listeners := slices.Clone(l.listeners)
	l.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// report hands err to the Errors channel without ever blocking the
// watch loop on a slow or absent reader.
func (l *Loader) report(err error) {
	select {
	case l.errs <- err:
	default:
	}
}

// OnChange registers fn to run with each reloaded config.
func (l *Loader) OnChange(fn func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, fn)
}

// Errors reports problems encountered while watching or reloading.
func (l *Loader) Errors() <-chan error {
	return l.errs
}

// Close stops the watcher. The loader cannot be reused afterwards.
func (l *Loader) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		if l.watcher != nil {
			err = l.watcher.Close()
		}
	})
	return err
}

// readConfigFile parses path on top of the defaults. A missing file is
// not an error; the caller simply gets the defaults.
func readConfigFile(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := decodeConfig(filepath.Ext(path), raw, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeConfig picks the parser from the file extension. Unknown
// extensions fall back to trying each supported format.
func decodeConfig(ext string, raw []byte, cfg *Config) error {
	switch ext {
	case ".toml":
		if _, err := toml.Decode(string(raw), cfg); err != nil {
			return fmt.Errorf("decode TOML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode JSON: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return fmt.Errorf("decode YAML: %w", err)
		}
	default:
		return decodeAny(raw, cfg)
	}
	return nil
}

// decodeAny tries every supported format in turn. A failed decode can
// leave partial fields behind, so each attempt starts from fresh
// defaults.
func decodeAny(raw []byte, cfg *Config) error {
	for _, ext := range []string{".toml", ".json", ".yaml"} {
		fresh := DefaultConfig()
		if decodeConfig(ext, raw, fresh) == nil {
			*cfg = *fresh
			return nil
		}
	}
	return errors.New("config format not recognized (tried TOML, JSON, YAML)")
}

// LoadOrCreate loads the config at path, writing a default config file
// first when none exists. The boolean reports whether a file was
// written.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := SaveConfig(cfg, path); err != nil {
			return nil, false, fmt.Errorf("write default config: %w", err)
		}
		return cfg, true, nil
	}

	cfg, err := NewLoader(path).Load()
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

// Merge overlays src onto a clone of dst. Zero values in src keep the
// dst value, so a sparse override only touches what it sets. Booleans
// cannot be overlaid this way; set them in the base config.
func Merge(dst, src *Config) *Config {
	out := dst.Clone()

	overlay(&out.Version, src.Version)

	overlay(&out.Server.ListenAddr, src.Server.ListenAddr)
	overlay(&out.Server.WarnThreshold, src.Server.WarnThreshold)
	overlay(&out.Server.EndThreshold, src.Server.EndThreshold)
	overlay(&out.Server.ReadTimeoutSec, src.Server.ReadTimeoutSec)
	overlay(&out.Server.WriteTimeoutSec, src.Server.WriteTimeoutSec)
	overlay(&out.Server.ShutdownTimeoutSec, src.Server.ShutdownTimeoutSec)
	overlay(&out.Server.MaxBodyBytes, src.Server.MaxBodyBytes)

	overlay(&out.Store.Driver, src.Store.Driver)
	overlay(&out.Store.Path, src.Store.Path)
	overlay(&out.Store.URL, src.Store.URL)
	overlay(&out.Store.MaxConnections, src.Store.MaxConnections)
	overlay(&out.Store.BusyTimeoutMs, src.Store.BusyTimeoutMs)

	overlay(&out.Agent.ServerURL, src.Agent.ServerURL)
	overlay(&out.Agent.Token, src.Agent.Token)
	overlay(&out.Agent.Environment, src.Agent.Environment)
	overlay(&out.Agent.FullscreenPollMs, src.Agent.FullscreenPollMs)
	overlay(&out.Agent.VisibilityPollMs, src.Agent.VisibilityPollMs)
	overlay(&out.Agent.FocusRecheckMs, src.Agent.FocusRecheckMs)
	overlay(&out.Agent.ReportTimeoutSec, src.Agent.ReportTimeoutSec)
	overlay(&out.Agent.TotalQuestions, src.Agent.TotalQuestions)
	overlay(&out.Agent.PidFile, src.Agent.PidFile)

	overlay(&out.Logging.Level, src.Logging.Level)
	overlay(&out.Logging.Format, src.Logging.Format)
	overlay(&out.Logging.Output, src.Logging.Output)
	overlay(&out.Logging.FilePath, src.Logging.FilePath)
	overlay(&out.Logging.MaxSizeMB, src.Logging.MaxSizeMB)
	overlay(&out.Logging.MaxBackups, src.Logging.MaxBackups)
	overlay(&out.Logging.MaxAgeDays, src.Logging.MaxAgeDays)

	overlay(&out.Audit.Path, src.Audit.Path)

	if len(src.Publish.Brokers) > 0 {
		out.Publish.Brokers = slices.Clone(src.Publish.Brokers)
	}
	overlay(&out.Publish.Topic, src.Publish.Topic)
	overlay(&out.Publish.ClientID, src.Publish.ClientID)

	overlay(&out.Security.MasterKey, src.Security.MasterKey)
	overlay(&out.Security.AdminToken, src.Security.AdminToken)
	overlay(&out.Security.TokenTTLHours, src.Security.TokenTTLHours)
	overlay(&out.Security.ReportRatePerSec, src.Security.ReportRatePerSec)
	overlay(&out.Security.ReportBurst, src.Security.ReportBurst)
	overlay(&out.Security.LimiterIdleSec, src.Security.LimiterIdleSec)

	return out
}

// overlay writes v over *dst unless v is the zero value.
func overlay[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}
