//go:build !linux && !windows

package detector

import "log/slog"

// newEnvironment selects the platform monitor. Platforms without one
// get the inert monitor.
func newEnvironment(_ *slog.Logger) Environment {
	return NewNullEnvironment()
}
