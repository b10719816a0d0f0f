package sandbox

import (
	"context"
	"errors"
	"sync"
	"syscall"
	"time"

	"taskforge/internal"
	"taskforge/internal/monitor"
	"taskforge/internal/tools"
)

var errWallClock = errors.New("wall-clock timeout")

// InvocationTimeout is the wall-clock bound of one invocation: the timeout
// parameter when present, capped by the workspace ceiling.
func InvocationTimeout(req internal.Request) time.Duration {
	limit := req.Ceiling.WallClock
	if seconds, ok := req.Call.Parameters["timeout"].(int); ok && seconds > 0 {
		d := time.Duration(seconds) * time.Second
		if limit <= 0 || d < limit {
			limit = d
		}
	}
	return limit
}

// Execute runs one validated invocation inside ws and blocks until it
// completes, times out, breaches its ceiling or ctx is cancelled.
func (m *Manager) Execute(ctx context.Context, ws *Workspace, req internal.Request, tool tools.Tool) (outcome internal.Outcome) {
	start := time.Now()
	if ws.Released() {
		outcome.Err = internal.Errorf(internal.ReasonToolInternal, "workspace %s already released", ws.ID)
		return
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if timeout := InvocationTimeout(req); timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeoutCause(runCtx, timeout, errWallClock)
		defer cancelTimeout()
	}

	// remaining cpu budget of the workspace
	ceiling := req.Ceiling
	if ceiling.CPU > 0 {
		ceiling.CPU = max(ceiling.CPU-req.Usage.CPU, time.Millisecond)
	}

	var spawned spawnResult
	var breach monitor.Breach
	breached := make(chan struct{})
	var once sync.Once
	onBreach := func(b monitor.Breach) {
		once.Do(func() {
			breach = b
			close(breached)
			cancel(b)
		})
	}

	env := tools.Env{
		Root:        ws.root,
		Dir:         ws.Dir,
		Spawn:       m.spawner(ws, ceiling, onBreach, &spawned),
		OutputLimit: m.cfg.OutputLimit,
	}
	if ws.Network {
		env.HTTP = m.cfg.HTTP
	}

	m.logger.Debug("executing tool",
		"workspace", ws.ID,
		"task", req.Task,
		"tool", req.Call.Tool,
	)
	res, err := tool.Run(runCtx, env, req.Call.Parameters)

	outcome.ExitCode = res.ExitCode
	outcome.Output = res.Output
	outcome.Truncated = res.Truncated
	outcome.Usage = spawned.usage
	outcome.Usage.Elapsed = time.Since(start)

	select {
	case <-breached:
		if breach.Resource == "memory" {
			outcome.Usage.PeakMemory = max(outcome.Usage.PeakMemory, breach.Sample.Memory)
		} else {
			outcome.Usage.CPU = max(outcome.Usage.CPU, breach.Sample.CPU)
		}
		outcome.Err = &internal.Error{
			Reason: internal.ReasonResource,
			Msg:    breach.Error(),
			Hard:   !req.Ceiling.Soft,
		}
	default:
		switch {
		case spawned.signal == syscall.SIGXCPU:
			outcome.Err = &internal.Error{
				Reason: internal.ReasonResource,
				Msg:    "cpu rlimit exceeded",
				Hard:   !req.Ceiling.Soft,
			}
		case errors.Is(context.Cause(runCtx), errWallClock):
			outcome.Err = internal.Errorf(internal.ReasonTimeout, "exceeded %s", InvocationTimeout(req))
		case ctx.Err() != nil:
			outcome.Err = internal.Wrap(internal.ReasonCancelled, context.Cause(ctx), "invocation cancelled")
		case err != nil:
			e := *internal.AsError(err)
			outcome.Err = &e
		}
	}
	if outcome.Err != nil {
		outcome.Err.Output = outcome.Output
	}

	ws.record(outcome.Usage)
	return outcome
}
