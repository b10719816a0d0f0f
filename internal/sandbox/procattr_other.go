//go:build !linux

package sandbox

import (
	"os"
	"syscall"
)

// network namespaces are Linux only
func sysProcAttr(isolateNetwork bool) *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

func peakMemory(state *os.ProcessState) int64 {
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok {
		return int64(ru.Maxrss)
	}
	return 0
}
