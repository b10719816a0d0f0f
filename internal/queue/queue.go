package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"taskforge/internal"
	"taskforge/internal/dag"
)

var (
	ErrUnknownGraph      = errors.New("unknown graph")
	ErrUnknownTask       = errors.New("unknown task")
	ErrDuplicateGraph    = errors.New("graph already enqueued")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Hooks observe the queue. Event is called with the queue lock held and must
// not block or call back into the queue. Terminal and GraphDone are called
// after the lock is released; GraphDone runs before Done channels close.
type Hooks struct {
	Event     func(internal.Event)
	Terminal  func(internal.SubTask)
	GraphDone func(graphID string)
}

type Queue struct {
	hooks Hooks
	now   func() time.Time

	mu      sync.Mutex
	graphs  map[string]*graphState
	order   []string
	seq     uint64
	changed chan struct{}
}

type graphState struct {
	graph     *dag.Graph
	entries   []*entry
	remaining int
	cancelled bool
	done      chan struct{}
}

type entry struct {
	task    internal.SubTask
	retryAt time.Time
	cancel  context.CancelFunc
}

func New(hooks Hooks) *Queue {
	return &Queue{
		hooks:   hooks,
		now:     time.Now,
		graphs:  make(map[string]*graphState),
		changed: make(chan struct{}),
	}
}

// effects collects callbacks to run once the lock is released.
type effects struct {
	terminal []internal.SubTask
	done     []*graphState
	cancels  []context.CancelFunc
}

func (q *Queue) unlock(fx *effects) {
	// broadcast
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()

	for _, cancel := range fx.cancels {
		cancel()
	}
	if q.hooks.Terminal != nil {
		for _, task := range fx.terminal {
			q.hooks.Terminal(task)
		}
	}
	for _, g := range fx.done {
		if q.hooks.GraphDone != nil {
			q.hooks.GraphDone(g.graph.ID)
		}
		close(g.done)
	}
}

// Enqueue adds every node of g in state pending.
func (q *Queue) Enqueue(g *dag.Graph) error {
	if g == nil || g.Len() == 0 {
		return dag.ErrEmptyGraph
	}
	q.mu.Lock()
	if _, ok := q.graphs[g.ID]; ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateGraph, g.ID)
	}
	state := &graphState{
		graph:     g,
		entries:   make([]*entry, 0, g.Len()),
		remaining: g.Len(),
		done:      make(chan struct{}),
	}
	for _, node := range g.Nodes {
		for _, dep := range node.Deps {
			if dep < 0 || dep >= g.Len() {
				q.mu.Unlock()
				return fmt.Errorf("%w: %s", dag.ErrUnknownDependency, node.Name)
			}
		}
		q.seq++
		state.entries = append(state.entries, &entry{
			task: internal.SubTask{
				Ref: internal.Ref{
					Graph: g.ID,
					Index: node.Index,
				},
				Name:       node.Name,
				Tool:       node.Tool,
				Parameters: node.Parameters.Clone(),
				DependsOn:  append([]int(nil), node.Deps...),
				Priority:   node.Priority,
				State:      internal.StatePending,
				Seq:        q.seq,
			},
		})
	}
	q.graphs[g.ID] = state
	q.order = append(q.order, g.ID)
	q.unlock(new(effects))
	return nil
}

func (q *Queue) transition(g *graphState, e *entry, to internal.State, err *internal.Error, fx *effects) {
	q.emit(e, to, err)
	if to.Terminal() {
		e.cancel = nil
		fx.terminal = append(fx.terminal, e.task)
		g.remaining--
		if g.remaining == 0 {
			fx.done = append(fx.done, g)
		}
	}
}

func (q *Queue) emit(e *entry, to internal.State, err *internal.Error) {
	from := e.task.State
	e.task.State = to
	if err != nil {
		e.task.LastError = err
	}
	if q.hooks.Event == nil {
		return
	}
	ev := internal.Event{
		ID:       ulid.Make().String(),
		Graph:    e.task.Graph,
		Task:     e.task.Name,
		OldState: from,
		NewState: to,
		Time:     q.now(),
		Attempts: e.task.Attempts,
	}
	if err != nil {
		ev.Error = err.Error()
		ev.Reason = string(err.Reason)
	}
	q.hooks.Event(ev)
}

func (q *Queue) isReady(g *graphState, e *entry, now time.Time) bool {
	if e.task.State != internal.StatePending || g.cancelled {
		return false
	}
	if !e.retryAt.IsZero() && e.retryAt.After(now) {
		return false
	}
	for _, dep := range e.task.DependsOn {
		if g.entries[dep].task.State != internal.StateSucceeded {
			return false
		}
	}
	return true
}

// NextReady claims the ready sub-task with the highest priority, oldest
// first among equals, and moves it to ready.
func (q *Queue) NextReady() (internal.SubTask, bool) {
	q.mu.Lock()
	now := q.now()
	var best *entry
	var bestGraph *graphState
	for _, id := range q.order {
		g := q.graphs[id]
		if g.remaining == 0 {
			continue
		}
		for _, e := range g.entries {
			if !q.isReady(g, e, now) {
				continue
			}
			if best == nil ||
				e.task.Priority > best.task.Priority ||
				e.task.Priority == best.task.Priority && e.task.Seq < best.task.Seq {
				best = e
				bestGraph = g
			}
		}
	}
	if best == nil {
		q.mu.Unlock()
		return internal.SubTask{}, false
	}
	fx := new(effects)
	q.transition(bestGraph, best, internal.StateReady, nil, fx)
	task := best.task
	q.unlock(fx)
	return task, true
}

func (q *Queue) lookup(ref internal.Ref) (*graphState, *entry, error) {
	g, ok := q.graphs[ref.Graph]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownGraph, ref.Graph)
	}
	if ref.Index < 0 || ref.Index >= len(g.entries) {
		return nil, nil, fmt.Errorf("%w: %s/%d", ErrUnknownTask, ref.Graph, ref.Index)
	}
	return g, g.entries[ref.Index], nil
}

// update runs fn on the entry of ref if it is in state from.
func (q *Queue) update(ref internal.Ref, from internal.State, fn func(*graphState, *entry, *effects)) (internal.SubTask, error) {
	q.mu.Lock()
	g, e, err := q.lookup(ref)
	if err != nil {
		q.mu.Unlock()
		return internal.SubTask{}, err
	}
	if e.task.State != from {
		state := e.task.State
		q.mu.Unlock()
		return internal.SubTask{}, fmt.Errorf("%w: %s is %s, not %s", ErrInvalidTransition, e.task.Name, state, from)
	}
	fx := new(effects)
	fn(g, e, fx)
	task := e.task
	q.unlock(fx)
	return task, nil
}

// MarkRunning moves a claimed sub-task to running and counts the attempt.
// cancel is called if the graph is cancelled while the sub-task runs.
func (q *Queue) MarkRunning(ref internal.Ref, cancel context.CancelFunc) (internal.SubTask, error) {
	return q.update(ref, internal.StateReady, func(g *graphState, e *entry, fx *effects) {
		e.task.Attempts++
		e.cancel = cancel
		q.transition(g, e, internal.StateRunning, nil, fx)
	})
}

func (q *Queue) MarkComplete(ref internal.Ref) (internal.SubTask, error) {
	return q.update(ref, internal.StateRunning, func(g *graphState, e *entry, fx *effects) {
		e.task.LastError = nil
		q.transition(g, e, internal.StateSucceeded, nil, fx)
	})
}

// MarkFailed records a failed attempt. A retry moves the sub-task back to
// pending, eligible again at retryAt; a terminal failure blocks every
// dependent. Failures of a cancelled graph end in cancelled.
func (q *Queue) MarkFailed(ref internal.Ref, err *internal.Error, retryAt time.Time, terminal bool) (internal.SubTask, error) {
	return q.update(ref, internal.StateRunning, func(g *graphState, e *entry, fx *effects) {
		e.cancel = nil
		if err == nil {
			err = internal.Errorf(internal.ReasonToolInternal, "attempt failed")
		}
		if g.cancelled {
			q.transition(g, e, internal.StateCancelled, err, fx)
			return
		}
		if !terminal {
			q.emit(e, internal.StateFailed, err)
			e.retryAt = retryAt
			q.emit(e, internal.StatePending, nil)
			return
		}
		q.transition(g, e, internal.StateFailed, err, fx)
		blocked := internal.Errorf(err.Reason, "dependency %s failed", e.task.Name)
		q.sweep(g, e.task.Index, internal.StateBlocked, blocked, fx)
	})
}

// MarkCancelled ends a running sub-task as cancelled together with its
// dependents.
func (q *Queue) MarkCancelled(ref internal.Ref, err *internal.Error) (internal.SubTask, error) {
	return q.update(ref, internal.StateRunning, func(g *graphState, e *entry, fx *effects) {
		q.transition(g, e, internal.StateCancelled, err, fx)
		q.sweep(g, e.task.Index, internal.StateCancelled, err, fx)
	})
}

// sweep moves the non-terminal transitive dependents of index to state.
func (q *Queue) sweep(g *graphState, index int, state internal.State, err *internal.Error, fx *effects) {
	stack := append([]int(nil), g.graph.Children(index)...)
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		e := g.entries[i]
		if e.task.State.Terminal() || e.task.State == internal.StateRunning {
			continue
		}
		q.transition(g, e, state, err, fx)
		stack = append(stack, g.graph.Children(i)...)
	}
}

// Cancel marks every non-terminal sub-task of a graph cancelled. Running
// sub-tasks have their cancel functions called and end in cancelled when
// they report back.
func (q *Queue) Cancel(graphID string) error {
	q.mu.Lock()
	g, ok := q.graphs[graphID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}
	fx := new(effects)
	g.cancelled = true
	reason := internal.Errorf(internal.ReasonCancelled, "graph %s cancelled", graphID)
	for _, e := range g.entries {
		switch {
		case e.task.State.Terminal():
		case e.task.State == internal.StateRunning:
			if e.cancel != nil {
				fx.cancels = append(fx.cancels, e.cancel)
			}
		default:
			q.transition(g, e, internal.StateCancelled, reason, fx)
		}
	}
	q.unlock(fx)
	return nil
}

// CancelAll cancels every graph.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ids := append([]string(nil), q.order...)
	q.mu.Unlock()
	for _, id := range ids {
		_ = q.Cancel(id)
	}
}

// Cancelled reports whether Cancel was called for the graph.
func (q *Queue) Cancelled(graphID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.graphs[graphID]
	return ok && g.cancelled
}

func (q *Queue) Get(ref internal.Ref) (internal.SubTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, e, err := q.lookup(ref)
	if err != nil {
		return internal.SubTask{}, false
	}
	return e.task, true
}

// Tasks returns the sub-tasks of a graph in node order.
func (q *Queue) Tasks(graphID string) []internal.SubTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.graphs[graphID]
	if !ok {
		return nil
	}
	ret := make([]internal.SubTask, 0, len(g.entries))
	for _, e := range g.entries {
		ret = append(ret, e.task)
	}
	return ret
}

func (q *Queue) Graph(graphID string) (*dag.Graph, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.graphs[graphID]
	if !ok {
		return nil, false
	}
	return g.graph, true
}

// Done returns a channel closed once every sub-task of the graph is
// terminal.
func (q *Queue) Done(graphID string) (<-chan struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.graphs[graphID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}
	return g.done, nil
}

// AllDone reports whether every enqueued graph is terminal.
func (q *Queue) AllDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, g := range q.graphs {
		if g.remaining > 0 {
			return false
		}
	}
	return true
}

// Changed returns a channel closed at the next state change.
func (q *Queue) Changed() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changed
}

// NextWake returns the earliest pending retry time still in the future.
func (q *Queue) NextWake() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	var ret time.Time
	for _, g := range q.graphs {
		if g.cancelled {
			continue
		}
		for _, e := range g.entries {
			if e.task.State != internal.StatePending || !e.retryAt.After(now) {
				continue
			}
			if ret.IsZero() || e.retryAt.Before(ret) {
				ret = e.retryAt
			}
		}
	}
	return ret, !ret.IsZero()
}

// Forget drops a terminal graph.
func (q *Queue) Forget(graphID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	g, ok := q.graphs[graphID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownGraph, graphID)
	}
	if g.remaining > 0 {
		return fmt.Errorf("graph %s has %d unfinished sub-tasks", graphID, g.remaining)
	}
	delete(q.graphs, graphID)
	for i, id := range q.order {
		if id == graphID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return nil
}
