package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"taskforge/internal/logs"
)

type ConfineOptions struct {
	Root   string
	CPU    time.Duration
	Memory int64
}

// Exec confines the calling process with opts and replaces it with argv.
// It only returns on failure.
func Exec(opts ConfineOptions, argv []string, logger logs.Logger) error {
	if len(argv) == 0 {
		return fmt.Errorf("no command")
	}
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	// landlock restricts the calling thread, which must be the one that execs
	runtime.LockOSThread()
	if err := Confine(opts, logger); err != nil {
		return fmt.Errorf("confine: %w", err)
	}
	return unix.Exec(path, argv, os.Environ())
}
