package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// CrashReport is the JSON document written when a daemon panics. It holds
// enough to explain, after the fact, why a proctoring process died mid-exam.
type CrashReport struct {
	Timestamp  time.Time `json:"timestamp"`
	Component  string    `json:"component"`
	Version    string    `json:"version"`
	GoVersion  string    `json:"go_version"`
	OS         string    `json:"os"`
	Arch       string    `json:"arch"`
	Goroutines int       `json:"goroutines"`
	PanicValue string    `json:"panic_value"`
	Stack      string    `json:"stack"`
	AttemptID  string    `json:"attempt_id,omitempty"`
}

// CrashLog writes panic reports into a directory, one JSON file per crash.
type CrashLog struct {
	dir       string
	component string
	version   string

	mu      sync.Mutex
	attempt string
}

// DefaultCrashDir is the platform-specific directory for crash reports.
func DefaultCrashDir() string {
	const name = "proctord"
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Logs", "DiagnosticReports", name)
	case "windows":
		base := os.Getenv("LOCALAPPDATA")
		if base == "" {
			base = os.Getenv("APPDATA")
		}
		return filepath.Join(base, name, "crashes")
	default:
		base := os.Getenv("XDG_STATE_HOME")
		if base == "" {
			home, _ := os.UserHomeDir()
			base = filepath.Join(home, ".local", "state")
		}
		return filepath.Join(base, name, "crashes")
	}
}

// NewCrashLog prepares a crash log for one component. An empty dir uses
// the platform default.
func NewCrashLog(dir, component, version string) *CrashLog {
	if dir == "" {
		dir = DefaultCrashDir()
	}
	os.MkdirAll(dir, 0750)
	return &CrashLog{dir: dir, component: component, version: version}
}

// SetAttempt tags future reports with the exam attempt in progress.
func (c *CrashLog) SetAttempt(attemptID string) {
	c.mu.Lock()
	c.attempt = attemptID
	c.mu.Unlock()
}

// Capture recovers a panic, writes the report, and panics again so the
// process still dies loudly. Deferred cleanups above the capture point
// run as usual. Use as: defer crashes.Capture().
func (c *CrashLog) Capture() {
	v := recover()
	if v == nil {
		return
	}

	path, err := c.write(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not write crash report: %v\n", err)
	} else {
		fmt.Fprintf(os.Stderr, "crash report written to %s\n", path)
	}
	panic(v)
}

// write persists one report and returns its path.
func (c *CrashLog) write(panicValue any) (string, error) {
	c.mu.Lock()
	attempt := c.attempt
	c.mu.Unlock()

	report := CrashReport{
		Timestamp:  time.Now().UTC(),
		Component:  c.component,
		Version:    c.version,
		GoVersion:  runtime.Version(),
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
		PanicValue: fmt.Sprintf("%v", panicValue),
		Stack:      string(debug.Stack()),
		AttemptID:  attempt,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal crash report: %w", err)
	}

	name := fmt.Sprintf("crash-%s-%s.json", c.component, report.Timestamp.Format("20060102-150405"))
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, data, 0640); err != nil {
		return "", fmt.Errorf("write crash report: %w", err)
	}
	return path, nil
}

// Reports reads every crash report in the directory. Unreadable files are
// skipped.
func (c *CrashLog) Reports() ([]CrashReport, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}

	var reports []CrashReport
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, e.Name()))
		if err != nil {
			continue
		}
		var r CrashReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}

// Prune removes reports older than maxAge.
func (c *CrashLog) Prune(maxAge time.Duration) error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "crash-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(c.dir, e.Name()))
		}
	}
	return nil
}
