//go:build !linux

package sandbox

import "taskforge/internal/logs"

// Confine is a no-op on non-Linux platforms.
func Confine(opts ConfineOptions, logger logs.Logger) error {
	logger.Warn("workspace confinement not supported on this platform")
	return nil
}

func landlockABI() (int, error) {
	return 0, nil
}
