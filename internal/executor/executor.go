package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskforge/internal"
	"taskforge/internal/dag"
	"taskforge/internal/logs"
	"taskforge/internal/policy"
	"taskforge/internal/queue"
	"taskforge/internal/sandbox"
	"taskforge/internal/tools"
	"taskforge/internal/tracker"
)

// Isolation selects how sub-tasks map to workspaces.
type Isolation string

const (
	// IsolationGraph shares one workspace among the sub-tasks of a graph.
	IsolationGraph Isolation = "graph"
	// IsolationSubtask creates a fresh workspace for every attempt.
	IsolationSubtask Isolation = "subtask"
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Isolation   Isolation
	Ceiling     internal.Ceiling
	// Network grants workspaces outbound network access.
	Network bool
	// CreationRetries bounds the retries of a failed workspace creation.
	CreationRetries int
	// Files seeds every workspace.
	Files map[string]string
	// OutputDir receives a copy of the workspace tree before release: the
	// graph workspace once the graph is done, or under subtask isolation the
	// workspace of every successful attempt.
	OutputDir string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 500 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxDelay < o.BaseDelay {
		o.MaxDelay = o.BaseDelay
	}
	if o.Isolation == "" {
		o.Isolation = IsolationGraph
	}
	if o.CreationRetries < 0 {
		o.CreationRetries = 0
	}
	return o
}

// OutcomeSink receives one record per terminal sub-task. Emit must not block.
type OutcomeSink interface {
	Emit(internal.OutcomeRecord)
}

type Deps struct {
	Registry *tools.Registry
	Policy   *policy.Engine
	Sandbox  *sandbox.Manager
	Tracker  *tracker.Tracker
	// Sink is optional.
	Sink    OutcomeSink
	Logger  logs.Logger
	NewSpan logs.NewSpan
}

type Executor struct {
	opts Options
	deps Deps
	q    *queue.Queue

	mu     sync.Mutex
	graphs map[string]*graphRun
	tasks  map[internal.Ref]*taskRun
}

type graphRun struct {
	span logs.Span

	mu        sync.Mutex
	workspace *sandbox.Workspace
}

type taskRun struct {
	started time.Time
	ended   time.Time
	usage   internal.Usage
	output  string
}

func New(opts Options, deps Deps) *Executor {
	e := &Executor{
		opts:   opts.withDefaults(),
		deps:   deps,
		graphs: make(map[string]*graphRun),
		tasks:  make(map[internal.Ref]*taskRun),
	}
	e.q = queue.New(queue.Hooks{
		Event:     e.onEvent,
		Terminal:  e.onTerminal,
		GraphDone: e.onGraphDone,
	})
	return e
}

func (e *Executor) Queue() *queue.Queue {
	return e.q
}

func (e *Executor) Options() Options {
	return e.opts
}

func (e *Executor) onEvent(ev internal.Event) {
	if e.deps.Tracker != nil {
		e.deps.Tracker.Publish(ev)
	}
}

func (e *Executor) onTerminal(task internal.SubTask) {
	e.mu.Lock()
	run := e.tasks[task.Ref]
	var record internal.OutcomeRecord
	if run != nil {
		if run.ended.IsZero() {
			run.ended = time.Now()
		}
		record.Duration = run.ended.Sub(run.started)
		record.Usage = run.usage
	}
	e.mu.Unlock()

	record.ID = ulid.Make().String()
	record.Graph = task.Graph
	record.Task = task.Name
	record.Tool = task.Tool
	record.Attempts = task.Attempts
	record.FinalState = task.State
	if task.LastError != nil {
		record.Reason = string(task.LastError.Reason)
	}
	if e.deps.Sink != nil {
		e.deps.Sink.Emit(record)
	}
}

func (e *Executor) onGraphDone(graphID string) {
	e.mu.Lock()
	run := e.graphs[graphID]
	e.mu.Unlock()
	if run == nil {
		return
	}
	run.mu.Lock()
	ws := run.workspace
	run.workspace = nil
	run.mu.Unlock()
	if ws != nil {
		e.export(ws, graphID)
		if err := e.deps.Sandbox.Release(ws); err != nil {
			e.deps.Logger.Warn("release workspace",
				"graph", graphID,
				"workspace", ws.ID,
				"error", err,
			)
		}
	}
	e.deps.Logger.Info("graph done", "graph", graphID, "logs.span", run.span)
}

func (e *Executor) export(ws *sandbox.Workspace, graphID string) {
	if e.opts.OutputDir == "" {
		return
	}
	if err := ws.Export(e.opts.OutputDir); err != nil {
		e.deps.Logger.Warn("export workspace",
			"graph", graphID,
			"workspace", ws.ID,
			"dir", e.opts.OutputDir,
			"error", err,
		)
		return
	}
	e.deps.Logger.Info("workspace exported", "graph", graphID, "dir", e.opts.OutputDir)
}

// Submit enqueues every node of g.
func (e *Executor) Submit(ctx context.Context, g *dag.Graph) error {
	run := new(graphRun)
	if e.deps.NewSpan != nil {
		_, run.span = e.deps.NewSpan(ctx, "")
	}
	e.mu.Lock()
	if _, ok := e.graphs[g.ID]; ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", queue.ErrDuplicateGraph, g.ID)
	}
	e.graphs[g.ID] = run
	e.mu.Unlock()

	if e.deps.Tracker != nil {
		e.deps.Tracker.Register(g)
	}
	if err := e.q.Enqueue(g); err != nil {
		e.mu.Lock()
		delete(e.graphs, g.ID)
		e.mu.Unlock()
		return err
	}
	e.deps.Logger.Info("graph submitted",
		"graph", g.ID,
		"tasks", g.Len(),
		"logs.span", run.span,
	)
	return nil
}

// Cancel cancels a graph. Running sub-tasks are terminated and end in
// cancelled once their workspaces report back.
func (e *Executor) Cancel(graphID string) error {
	e.deps.Logger.Info("cancel graph", "graph", graphID)
	return e.q.Cancel(graphID)
}

// CancelAll cancels every submitted graph.
func (e *Executor) CancelAll() {
	e.q.CancelAll()
}

// Forget drops the state of a terminal graph.
func (e *Executor) Forget(graphID string) error {
	if err := e.q.Forget(graphID); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.graphs, graphID)
	for ref := range e.tasks {
		if ref.Graph == graphID {
			delete(e.tasks, ref)
		}
	}
	return nil
}
