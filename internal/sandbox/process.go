package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"taskforge/internal"
	"taskforge/internal/monitor"
	"taskforge/internal/tools"
)

type spawnResult struct {
	usage  internal.Usage
	signal syscall.Signal
}

// spawner returns the Spawn function of a tools.Env. Each spawned process
// runs in its own process group, watched by the monitor against ceiling.
func (m *Manager) spawner(
	ws *Workspace,
	ceiling internal.Ceiling,
	onBreach func(monitor.Breach),
	out *spawnResult,
) func(context.Context, tools.Command) (tools.Result, error) {
	return func(ctx context.Context, command tools.Command) (tools.Result, error) {
		info, err := ws.root.Stat(command.Dir)
		if err != nil {
			return tools.Result{}, fmt.Errorf("working directory: %w", err)
		}
		if !info.IsDir() {
			return tools.Result{}, fmt.Errorf("working directory %s is not a directory", command.Dir)
		}
		dir := filepath.Join(ws.Dir, command.Dir)

		isolate := m.cfg.IsolateNetwork && !ws.Network && !m.netUnsupported.Load()
		output := &tools.LimitedBuffer{Limit: m.cfg.OutputLimit}
		build := func(isolate bool) (*exec.Cmd, error) {
			cmd, err := m.cfg.Launcher.Command(ws, command.Line, ceiling)
			if err != nil {
				return nil, err
			}
			cmd.Dir = dir
			cmd.Env = append(m.environ(ws), "PWD="+dir)
			cmd.Stdout = output
			cmd.Stderr = output
			cmd.SysProcAttr = sysProcAttr(isolate)
			cmd.WaitDelay = max(m.cfg.GracePeriod, 500*time.Millisecond)
			return cmd, nil
		}

		cmd, err := build(isolate)
		if err != nil {
			return tools.Result{}, err
		}
		err = cmd.Start()
		if err != nil && isolate && (errors.Is(err, os.ErrPermission) || errors.Is(err, unix.EINVAL)) {
			m.netUnsupported.Store(true)
			m.logger.Warn("network namespace unavailable, running without network isolation",
				"workspace", ws.ID,
				"error", err,
			)
			if cmd, err = build(false); err == nil {
				err = cmd.Start()
			}
		}
		if err != nil {
			return tools.Result{}, fmt.Errorf("start command: %w", err)
		}

		pgid := cmd.Process.Pid
		if !ws.addProc(pgid) {
			_ = unix.Kill(-pgid, unix.SIGKILL)
			_ = cmd.Wait()
			return tools.Result{}, errors.New("workspace released")
		}
		defer ws.removeProc(pgid)

		var stop func()
		if m.monitor != nil {
			stop = m.monitor.Watch(ws.ID, pgid, ceiling, onBreach)
		}

		waitErr := make(chan error, 1)
		go func() {
			waitErr <- cmd.Wait()
		}()

		select {
		case err = <-waitErr:
		case <-ctx.Done():
			m.logger.Info("terminating process group",
				"workspace", ws.ID,
				"pgid", pgid,
				"cause", context.Cause(ctx),
			)
			err = m.terminate(pgid, waitErr)
		}
		// leftovers of the group
		_ = unix.Kill(-pgid, unix.SIGKILL)
		if stop != nil {
			stop()
		}

		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, exec.ErrWaitDelay) {
			return tools.Result{}, err
		}
		state := cmd.ProcessState
		out.usage = internal.Usage{
			CPU:        state.UserTime() + state.SystemTime(),
			PeakMemory: peakMemory(state),
		}
		if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			out.signal = status.Signal()
		}
		return tools.Result{
			ExitCode:  state.ExitCode(),
			Output:    output.String(),
			Truncated: output.Truncated(),
		}, nil
	}
}

// terminate sends SIGTERM to the group and SIGKILL once the grace period
// has passed.
func (m *Manager) terminate(pgid int, waitErr <-chan error) error {
	_ = unix.Kill(-pgid, unix.SIGTERM)
	timer := time.NewTimer(m.cfg.GracePeriod)
	defer timer.Stop()
	select {
	case err := <-waitErr:
		return err
	case <-timer.C:
		m.logger.Warn("grace period elapsed, killing process group",
			"pgid", pgid,
			"grace", m.cfg.GracePeriod,
		)
		_ = unix.Kill(-pgid, unix.SIGKILL)
		return <-waitErr
	}
}
