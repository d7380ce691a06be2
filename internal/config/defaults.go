package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// PlatformDataDir returns the per-user directory proctord keeps its
// database, logs, and audit trail under.
//
//   - Linux:   $XDG_DATA_HOME/proctord or ~/.local/share/proctord
//   - macOS:   ~/Library/Application Support/proctord
//   - Windows: %APPDATA%\proctord
//
// An unrecognized platform falls back to ~/.proctord.
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, "proctord")
		}
		return filepath.Join(homeDir(), ".local", "share", "proctord")
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "proctord")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "proctord")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "proctord")
	default:
		return filepath.Join(homeDir(), ".proctord")
	}
}

// PlatformRuntimeDir returns where PID files live.
//
//   - Linux:   $XDG_RUNTIME_DIR/proctord, falling back to the temp dir
//   - Windows: %LOCALAPPDATA%\proctord\run
//   - others:  a per-user directory under the temp dir
func PlatformRuntimeDir() string {
	switch runtime.GOOS {
	case "linux":
		if xdg := os.Getenv("XDG_RUNTIME_DIR"); xdg != "" {
			return filepath.Join(xdg, "proctord")
		}
	case "windows":
		if local := os.Getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "proctord", "run")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "proctord", "run")
	}
	return filepath.Join(os.TempDir(), "proctord-"+runtimeUID())
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func runtimeUID() string {
	uid := os.Getuid()
	if uid < 0 {
		uid = 0
	}
	return strconv.Itoa(uid)
}
