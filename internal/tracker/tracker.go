package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"taskforge/internal"
	"taskforge/internal/dag"
)

type TaskView struct {
	Name     string         `json:"name"`
	Tool     string         `json:"tool"`
	State    internal.State `json:"state"`
	Attempts int            `json:"attempts"`
	Error    string         `json:"error,omitempty"`
	Reason   string         `json:"reason,omitempty"`
	Updated  time.Time      `json:"updated"`
}

type GraphView struct {
	ID          string                 `json:"id"`
	Instruction string                 `json:"instruction,omitempty"`
	Tasks       []TaskView             `json:"tasks"`
	Counts      map[internal.State]int `json:"counts"`
	Usage       internal.Usage         `json:"resource_usage"`
	Started     time.Time              `json:"started"`
	Updated     time.Time              `json:"updated"`
	Done        bool                   `json:"done"`
}

// Tracker is a read-only projection of state transitions. Publish never
// blocks: slow subscribers lose events.
type Tracker struct {
	mu     sync.RWMutex
	graphs map[string]*graphView
	order  []string

	subsMu  sync.Mutex
	subs    map[int]chan internal.Event
	nextSub int
	dropped atomic.Int64
}

type graphView struct {
	view  GraphView
	index map[string]int
}

func New() *Tracker {
	return &Tracker{
		graphs: make(map[string]*graphView),
		subs:   make(map[int]chan internal.Event),
	}
}

func (t *Tracker) ensure(id string, at time.Time) *graphView {
	g, ok := t.graphs[id]
	if !ok {
		g = &graphView{
			view: GraphView{
				ID:      id,
				Started: at,
				Updated: at,
			},
			index: make(map[string]int),
		}
		t.graphs[id] = g
		t.order = append(t.order, id)
	}
	return g
}

// Register seeds the projection with every node of g in state pending.
func (t *Tracker) Register(g *dag.Graph) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	view := t.ensure(g.ID, now)
	view.view.Instruction = g.Instruction
	for _, node := range g.Nodes {
		if _, ok := view.index[node.Name]; ok {
			continue
		}
		view.index[node.Name] = len(view.view.Tasks)
		view.view.Tasks = append(view.view.Tasks, TaskView{
			Name:    node.Name,
			Tool:    node.Tool,
			State:   internal.StatePending,
			Updated: now,
		})
	}
}

// Publish applies ev and forwards it to subscribers.
func (t *Tracker) Publish(ev internal.Event) {
	t.mu.Lock()
	g := t.ensure(ev.Graph, ev.Time)
	i, ok := g.index[ev.Task]
	if !ok {
		i = len(g.view.Tasks)
		g.index[ev.Task] = i
		g.view.Tasks = append(g.view.Tasks, TaskView{
			Name: ev.Task,
		})
	}
	task := &g.view.Tasks[i]
	task.State = ev.NewState
	task.Attempts = ev.Attempts
	task.Updated = ev.Time
	if ev.Error != "" {
		task.Error = ev.Error
		task.Reason = ev.Reason
	} else if ev.NewState == internal.StateSucceeded {
		task.Error = ""
		task.Reason = ""
	}
	g.view.Updated = ev.Time
	g.view.Done = lo.EveryBy(g.view.Tasks, func(task TaskView) bool {
		return task.State.Terminal()
	})
	t.mu.Unlock()

	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- ev:
		default:
			t.dropped.Add(1)
		}
	}
}

// AddUsage accumulates resource usage of a graph.
func (t *Tracker) AddUsage(graphID string, usage internal.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	g := t.ensure(graphID, time.Now())
	g.view.Usage = g.view.Usage.Add(usage)
}

func (g *graphView) snapshot() GraphView {
	ret := g.view
	ret.Tasks = append([]TaskView(nil), g.view.Tasks...)
	ret.Counts = lo.CountValuesBy(ret.Tasks, func(task TaskView) internal.State {
		return task.State
	})
	return ret
}

func (t *Tracker) Graph(id string) (GraphView, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	g, ok := t.graphs[id]
	if !ok {
		return GraphView{}, false
	}
	return g.snapshot(), true
}

// Snapshot returns every graph in registration order.
func (t *Tracker) Snapshot() []GraphView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Map(t.order, func(id string, _ int) GraphView {
		return t.graphs[id].snapshot()
	})
}

// Subscribe returns a channel receiving events published from now on.
func (t *Tracker) Subscribe(buffer int) (<-chan internal.Event, func()) {
	ch := make(chan internal.Event, buffer)
	t.subsMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch
	t.subsMu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
			close(ch)
		})
	}
}

// Dropped counts events not delivered to slow subscribers.
func (t *Tracker) Dropped() int64 {
	return t.dropped.Load()
}
