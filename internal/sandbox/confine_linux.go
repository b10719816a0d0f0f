//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"taskforge/internal/logs"
)

// SystemDirs are readable by confined commands. Missing entries are skipped.
var SystemDirs = []string{
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib32",
	"/lib64",
	"/libx32",
	"/etc",
}

// Confine restricts the calling process before it execs the sandboxed
// command: rlimits for CPU and address space, and Landlock access limited to
// opts.Root plus read access to SystemDirs.
func Confine(opts ConfineOptions, logger logs.Logger) error {
	if opts.CPU > 0 {
		seconds := uint64(math.Ceil(opts.CPU.Seconds()))
		// SIGXCPU at the soft limit, SIGKILL one second later
		if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{
			Cur: seconds,
			Max: seconds + 1,
		}); err != nil {
			return fmt.Errorf("rlimit cpu: %w", err)
		}
	}
	if opts.Memory > 0 {
		if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{
			Cur: uint64(opts.Memory),
			Max: uint64(opts.Memory),
		}); err != nil {
			return fmt.Errorf("rlimit memory: %w", err)
		}
	}
	return landlock(opts.Root, logger)
}

// landlockABI returns 0 when the kernel has no usable Landlock support.
func landlockABI() (int, error) {
	abi, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		0, 0, unix.LANDLOCK_CREATE_RULESET_VERSION,
	)
	if errNo != 0 {
		if errNo == unix.ENOSYS || errNo == unix.EOPNOTSUPP || errNo == unix.ENOPKG || errNo == unix.EINVAL {
			return 0, nil
		}
		return 0, fmt.Errorf("landlock_create_ruleset(version): %w", errNo)
	}
	return int(abi), nil
}

func landlock(root string, logger logs.Logger) error {
	abi, err := landlockABI()
	if err != nil {
		return err
	}
	if abi < 1 {
		logger.Warn("landlock not supported or disabled by kernel, running without filesystem confinement")
		return nil
	}

	readRights := uint64(unix.LANDLOCK_ACCESS_FS_READ_FILE |
		unix.LANDLOCK_ACCESS_FS_READ_DIR |
		unix.LANDLOCK_ACCESS_FS_EXECUTE)

	writeRights := uint64(unix.LANDLOCK_ACCESS_FS_WRITE_FILE |
		unix.LANDLOCK_ACCESS_FS_REMOVE_DIR |
		unix.LANDLOCK_ACCESS_FS_REMOVE_FILE |
		unix.LANDLOCK_ACCESS_FS_MAKE_CHAR |
		unix.LANDLOCK_ACCESS_FS_MAKE_DIR |
		unix.LANDLOCK_ACCESS_FS_MAKE_REG |
		unix.LANDLOCK_ACCESS_FS_MAKE_SOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_FIFO |
		unix.LANDLOCK_ACCESS_FS_MAKE_BLOCK |
		unix.LANDLOCK_ACCESS_FS_MAKE_SYM)
	fileWriteRights := uint64(unix.LANDLOCK_ACCESS_FS_WRITE_FILE)

	if abi >= 2 {
		writeRights |= unix.LANDLOCK_ACCESS_FS_REFER
	}
	if abi >= 3 {
		writeRights |= unix.LANDLOCK_ACCESS_FS_TRUNCATE
		fileWriteRights |= unix.LANDLOCK_ACCESS_FS_TRUNCATE
	}

	rulesetAttr := unix.LandlockRulesetAttr{
		Access_fs: readRights | writeRights,
	}
	ruleset, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_CREATE_RULESET,
		uintptr(unsafe.Pointer(&rulesetAttr)),
		unsafe.Sizeof(rulesetAttr),
		0,
	)
	if errNo != 0 {
		return fmt.Errorf("landlock_create_ruleset: %w", errNo)
	}
	defer unix.Close(int(ruleset))

	addRule := func(path string, flags int, access uint64) error {
		fd, err := unix.Open(path, unix.O_PATH|unix.O_CLOEXEC|flags, 0)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		defer unix.Close(fd)
		attr := unix.LandlockPathBeneathAttr{
			Parent_fd:      int32(fd),
			Allowed_access: access,
		}
		if _, _, errNo := unix.Syscall(
			unix.SYS_LANDLOCK_ADD_RULE,
			ruleset,
			unix.LANDLOCK_RULE_PATH_BENEATH,
			uintptr(unsafe.Pointer(&attr)),
		); errNo != 0 {
			return fmt.Errorf("add rule for %s: %w", path, errNo)
		}
		return nil
	}

	for _, dir := range SystemDirs {
		err := addRule(dir, unix.O_DIRECTORY, readRights)
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.ENOTDIR) {
			continue
		}
		if err != nil {
			return err
		}
	}
	// read and write inside the workspace
	if err := addRule(root, unix.O_DIRECTORY, readRights|writeRights); err != nil {
		return err
	}
	// shell redirections
	if err := addRule("/dev/null", 0, unix.LANDLOCK_ACCESS_FS_READ_FILE|fileWriteRights); err != nil {
		return err
	}
	for _, dev := range []string{"/dev/zero", "/dev/urandom"} {
		if _, err := os.Stat(dev); err != nil {
			continue
		}
		if err := addRule(dev, 0, unix.LANDLOCK_ACCESS_FS_READ_FILE); err != nil {
			return err
		}
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("prctl no_new_privs: %w", err)
	}
	if _, _, errNo := unix.Syscall(
		unix.SYS_LANDLOCK_RESTRICT_SELF,
		ruleset,
		0, 0,
	); errNo != 0 {
		return fmt.Errorf("landlock_restrict_self: %w", errNo)
	}

	logger.Debug("workspace confinement applied", "abi", abi, "root", root, "system_dirs", SystemDirs)
	return nil
}
