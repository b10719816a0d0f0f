package executor

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"taskforge/internal"
	"taskforge/internal/logs"
	"taskforge/internal/sandbox"
)

// RunNext claims one ready sub-task and drives it through one attempt. It
// reports false when nothing was ready.
func (e *Executor) RunNext(ctx context.Context) (bool, error) {
	task, ok := e.q.NextReady()
	if !ok {
		return false, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	running, err := e.q.MarkRunning(task.Ref, cancel)
	if err != nil {
		// cancelled between claim and start
		e.deps.Logger.Debug("skip claimed task",
			"graph", task.Graph,
			"task", task.Name,
			"error", err,
		)
		return true, nil
	}
	task = running

	e.mu.Lock()
	run := e.graphs[task.Graph]
	state := e.tasks[task.Ref]
	if state == nil {
		state = &taskRun{
			started: time.Now(),
		}
		e.tasks[task.Ref] = state
	}
	e.mu.Unlock()

	if e.deps.NewSpan != nil {
		var parent logs.Span
		if run != nil {
			parent = run.span
		}
		runCtx, _ = e.deps.NewSpan(runCtx, parent)
	}
	logger := e.deps.Logger.With(
		"graph", task.Graph,
		"task", task.Name,
		"attempt", task.Attempts,
	)

	outcome := e.attempt(runCtx, run, task)

	e.mu.Lock()
	state.usage = state.usage.Add(outcome.Usage)
	state.output = outcome.Output
	e.mu.Unlock()
	if e.deps.Tracker != nil && outcome.Usage != (internal.Usage{}) {
		e.deps.Tracker.AddUsage(task.Graph, outcome.Usage)
	}

	if outcome.Err == nil {
		e.finish(state)
		_, err = e.q.MarkComplete(task.Ref)
		logger.InfoContext(runCtx, "task succeeded", "elapsed", outcome.Usage.Elapsed)
		return true, err
	}

	failure := outcome.Err
	switch {
	case failure.Reason == internal.ReasonCancelled || e.q.Cancelled(task.Graph):
		e.finish(state)
		if failure.Reason != internal.ReasonCancelled {
			output := failure.Output
			failure = internal.Wrap(internal.ReasonCancelled, failure, "graph cancelled")
			failure.Output = output
		}
		_, err = e.q.MarkCancelled(task.Ref, failure)
		logger.InfoContext(runCtx, "task cancelled")

	case failure.Retryable() && task.Attempts < e.opts.MaxAttempts:
		delay := e.backoff(task.Attempts)
		_, err = e.q.MarkFailed(task.Ref, failure, time.Now().Add(delay), false)
		logger.WarnContext(runCtx, "task failed, retrying",
			"reason", failure.Reason,
			"error", failure,
			"delay", delay,
		)

	default:
		e.finish(state)
		_, err = e.q.MarkFailed(task.Ref, failure, time.Time{}, true)
		logger.ErrorContext(runCtx, "task failed",
			"reason", failure.Reason,
			"error", failure,
		)
	}
	return true, err
}

func (e *Executor) finish(state *taskRun) {
	e.mu.Lock()
	state.ended = time.Now()
	e.mu.Unlock()
}

// attempt resolves, authorizes and executes one sub-task. Denials happen
// before any workspace is touched.
func (e *Executor) attempt(ctx context.Context, run *graphRun, task internal.SubTask) internal.Outcome {
	tool, params, err := e.deps.Registry.Resolve(task.Call())
	if err != nil {
		return internal.Outcome{Err: internal.AsError(err)}
	}

	req := internal.Request{
		Call: internal.ToolCall{
			Tool:       task.Tool,
			Parameters: params,
		},
		Graph:   task.Graph,
		Task:    task.Name,
		Ceiling: e.opts.Ceiling,
		Network: e.opts.Network,
	}
	if e.opts.Isolation == IsolationGraph && run != nil {
		run.mu.Lock()
		if run.workspace != nil {
			req.Workspace = run.workspace.ID
			req.Usage, req.Invocations = run.workspace.Usage()
		}
		run.mu.Unlock()
	}
	if decision := e.deps.Policy.Authorize(req); !decision.Allow {
		e.deps.Logger.WarnContext(ctx, "policy denied",
			"graph", task.Graph,
			"task", task.Name,
			"rule", decision.Rule,
			"reason", decision.Reason,
		)
		return internal.Outcome{Err: internal.AsError(decision.Err())}
	}

	ws, release, err := e.workspace(ctx, run, task)
	if err != nil {
		return internal.Outcome{Err: internal.AsError(err)}
	}
	succeeded := false
	defer func() {
		release(succeeded)
	}()

	req.Workspace = ws.ID
	req.Ceiling = ws.Ceiling
	req.Network = ws.Network
	req.Usage, req.Invocations = ws.Usage()
	outcome := e.deps.Sandbox.Execute(ctx, ws, req, tool)
	succeeded = outcome.Err == nil
	return outcome
}

// workspace returns the workspace of the attempt and the function to call
// when the attempt is over, told whether it succeeded.
func (e *Executor) workspace(ctx context.Context, run *graphRun, task internal.SubTask) (*sandbox.Workspace, func(bool), error) {
	spec := sandbox.WorkspaceSpec{
		Owner:   task.Graph,
		Ceiling: e.opts.Ceiling,
		Network: e.opts.Network,
		Files:   e.opts.Files,
	}

	if e.opts.Isolation == IsolationSubtask || run == nil {
		spec.Owner = task.Graph + "/" + task.Name
		ws, err := e.create(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		return ws, func(succeeded bool) {
			if succeeded {
				e.export(ws, task.Graph)
			}
			if err := e.deps.Sandbox.Release(ws); err != nil {
				e.deps.Logger.Warn("release workspace", "workspace", ws.ID, "error", err)
			}
		}, nil
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.workspace == nil {
		ws, err := e.create(ctx, spec)
		if err != nil {
			return nil, nil, err
		}
		run.workspace = ws
	}
	return run.workspace, func(bool) {}, nil
}

// create retries workspace creation with backoff.
func (e *Executor) create(ctx context.Context, spec sandbox.WorkspaceSpec) (*sandbox.Workspace, error) {
	for i := 0; ; i++ {
		ws, err := e.deps.Sandbox.CreateWorkspace(spec)
		if err == nil {
			return ws, nil
		}
		if i >= e.opts.CreationRetries {
			return nil, err
		}
		delay := e.backoff(i + 1)
		e.deps.Logger.WarnContext(ctx, "create workspace failed, retrying",
			"owner", spec.Owner,
			"error", err,
			"delay", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, internal.Wrap(internal.ReasonCancelled, errors.Join(ctx.Err(), err), "create workspace")
		case <-timer.C:
		}
	}
}

// backoff returns the delay before the attempt following attempt: the base
// delay doubled per attempt, capped, with 25% jitter.
func (e *Executor) backoff(attempt int) time.Duration {
	delay := e.opts.BaseDelay
	for i := 1; i < attempt && delay < e.opts.MaxDelay; i++ {
		delay *= 2
	}
	delay = min(delay, e.opts.MaxDelay)
	if spread := delay / 2; spread > 0 {
		delay = delay - delay/4 + rand.N(spread)
	}
	return delay
}
