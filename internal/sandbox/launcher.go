package sandbox

import (
	"math"
	"os"
	"os/exec"
	"strconv"

	"taskforge/internal"
)

// Launcher builds the process for a command line.
type Launcher interface {
	Command(ws *Workspace, line string, ceiling internal.Ceiling) (*exec.Cmd, error)
}

// DirectLauncher runs the shell without further confinement.
type DirectLauncher struct {
	Shell string
}

func (d DirectLauncher) Command(ws *Workspace, line string, ceiling internal.Ceiling) (*exec.Cmd, error) {
	shell := d.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return exec.Command(shell, "-c", line), nil
}

// HelperLauncher re-executes Executable with the confine subcommand, which
// applies rlimits and filesystem write confinement before running the shell.
type HelperLauncher struct {
	Executable string
	Shell      string
}

func (h HelperLauncher) Command(ws *Workspace, line string, ceiling internal.Ceiling) (*exec.Cmd, error) {
	executable := h.Executable
	if executable == "" {
		var err error
		executable, err = os.Executable()
		if err != nil {
			return nil, err
		}
	}
	shell := h.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	args := []string{"confine", "--root", ws.Dir}
	if ceiling.CPU > 0 {
		args = append(args, "--cpu", strconv.Itoa(int(math.Ceil(ceiling.CPU.Seconds()))))
	}
	if ceiling.Memory > 0 {
		args = append(args, "--memory", strconv.FormatInt(ceiling.Memory, 10))
	}
	args = append(args, "--", shell, "-c", line)
	return exec.Command(executable, args...), nil
}
