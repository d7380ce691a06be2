package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// FileRotator is an io.WriteCloser over a log file that rotates on size
// and on day rollover, keeping a bounded set of timestamped archives.
type FileRotator struct {
	path     string // active log file
	dir      string
	stem     string // file name without extension
	ext      string
	maxBytes int64
	maxAge   int
	backups  int
	compress bool

	mu     sync.Mutex
	file   *os.File
	size   int64
	opened time.Time
}

// NewFileRotator opens (creating if needed) the log file named by the
// config and prepares the rotation policy.
func NewFileRotator(cfg *Config) (*FileRotator, error) {
	base := filepath.Base(cfg.FilePath)
	ext := filepath.Ext(base)

	r := &FileRotator{
		path:     cfg.FilePath,
		dir:      filepath.Dir(cfg.FilePath),
		stem:     strings.TrimSuffix(base, ext),
		ext:      ext,
		maxBytes: cfg.MaxSize * 1024 * 1024,
		maxAge:   cfg.MaxAge,
		backups:  cfg.MaxBackups,
		compress: cfg.Compress,
	}
	// A zero cap would rotate on every write.
	if r.maxBytes <= 0 {
		r.maxBytes = 100 * 1024 * 1024
	}

	if err := os.MkdirAll(r.dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRotator) open() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}

	r.file = f
	r.size = info.Size()
	r.opened = time.Now()
	return nil
}

// Write appends to the active file, rotating first when the write would
// push it past the size cap or when the calendar day has changed.
func (r *FileRotator) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err := r.open(); err != nil {
			return 0, err
		}
	}

	overSize := r.size+int64(len(p)) > r.maxBytes
	newDay := time.Now().Day() != r.opened.Day()
	if overSize || newDay {
		if err := r.rotate(); err != nil {
			return 0, fmt.Errorf("rotate log: %w", err)
		}
	}

	n, err := r.file.Write(p)
	r.size += int64(n)
	return n, err
}

// rotate archives the active file under a timestamped name, reopens a
// fresh one, and kicks off compression and retention in the background.
func (r *FileRotator) rotate() error {
	if r.file != nil {
		if err := r.file.Close(); err != nil {
			return fmt.Errorf("close active log: %w", err)
		}
		r.file = nil
	}

	stamp := time.Now().Format("20060102-150405")
	archived := filepath.Join(r.dir, r.stem+"-"+stamp+r.ext)
	if err := os.Rename(r.path, archived); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("archive log file: %w", err)
	}

	if r.compress {
		go gzipAndReplace(archived)
	}
	go r.enforceRetention()

	return r.open()
}

// gzipAndReplace writes path.gz and removes the original. On any failure
// the original stays put.
func gzipAndReplace(path string) {
	in, err := os.Open(path)
	if err != nil {
		return
	}
	defer in.Close()

	out, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer out.Close()

	zw := gzip.NewWriter(out)
	zw.Name = filepath.Base(path)
	zw.ModTime = time.Now()

	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := zw.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}
	os.Remove(path)
}

// enforceRetention drops archives beyond the backup count and archives
// older than the age limit. The active file is never touched.
func (r *FileRotator) enforceRetention() {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return
	}

	type archive struct {
		path string
		mod  time.Time
	}
	var archives []archive
	prefix := r.stem + "-"
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		archives = append(archives, archive{
			path: filepath.Join(r.dir, e.Name()),
			mod:  info.ModTime(),
		})
	}

	slices.SortFunc(archives, func(a, b archive) int {
		return a.mod.Compare(b.mod)
	})

	if excess := len(archives) - r.backups; excess > 0 {
		for _, a := range archives[:excess] {
			os.Remove(a.path)
		}
		archives = archives[excess:]
	}

	cutoff := time.Now().AddDate(0, 0, -r.maxAge)
	for _, a := range archives {
		if a.mod.Before(cutoff) {
			os.Remove(a.path)
		}
	}
}

// Close closes the active file.
func (r *FileRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// Sync flushes the active file to disk.
func (r *FileRotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}
