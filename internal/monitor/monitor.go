package monitor

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"taskforge/internal"
	"taskforge/internal/logs"
)

// Sample is a point-in-time observation of a workspace.
type Sample struct {
	Time       time.Time     `json:"time"`
	CPU        time.Duration `json:"cpu"`
	CPUPercent float64       `json:"cpu_percent"`
	Memory     int64         `json:"memory"`
	Elapsed    time.Duration `json:"elapsed"`
}

// Breach describes a ceiling violation.
type Breach struct {
	Resource string
	Sample   Sample
	Limit    int64
}

func (b Breach) Error() string {
	switch b.Resource {
	case "cpu":
		return "cpu time " + b.Sample.CPU.String() + " exceeds " + time.Duration(b.Limit).String()
	case "memory":
		return "memory " + formatBytes(b.Sample.Memory) + " exceeds " + formatBytes(b.Limit)
	}
	return b.Resource + " ceiling exceeded"
}

type Monitor struct {
	interval time.Duration
	size     int
	sampler  Sampler
	logger   logs.Logger

	mu         sync.Mutex
	workspaces map[string]*workspace
}

type workspace struct {
	ring     *ring
	watchers map[int]chan struct{}
	nextID   int
}

func New(interval time.Duration, size int, sampler Sampler, logger logs.Logger) *Monitor {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if size <= 0 {
		size = 32
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		interval:   interval,
		size:       size,
		sampler:    sampler,
		logger:     logger,
		workspaces: make(map[string]*workspace),
	}
}

func (m *Monitor) Interval() time.Duration {
	return m.interval
}

// Watch samples the process group pgid until stop is called or the
// workspace is forgotten. onBreach is called at most once, from the sampling
// goroutine, when usage passes ceiling.
func (m *Monitor) Watch(
	workspaceID string,
	pgid int,
	ceiling internal.Ceiling,
	onBreach func(Breach),
) (stop func()) {
	m.mu.Lock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		ws = &workspace{
			ring:     newRing(m.size),
			watchers: make(map[int]chan struct{}),
		}
		m.workspaces[workspaceID] = ws
	}
	id := ws.nextID
	ws.nextID++
	done := make(chan struct{})
	ws.watchers[id] = done
	m.mu.Unlock()

	go m.loop(workspaceID, ws, pgid, ceiling, onBreach, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if ch, ok := ws.watchers[id]; ok {
				close(ch)
				delete(ws.watchers, id)
			}
		})
	}
}

func (m *Monitor) loop(
	workspaceID string,
	ws *workspace,
	pgid int,
	ceiling internal.Ceiling,
	onBreach func(Breach),
	done chan struct{},
) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	start := time.Now()
	var last Sample
	breached := false
	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			select {
			case <-done:
				return
			default:
			}
			reading, err := m.sampler.Read(pgid)
			if errors.Is(err, ErrNoProcess) {
				continue
			}
			if err != nil {
				m.logger.Warn("sample failed",
					"workspace", workspaceID,
					"pgid", pgid,
					"error", err,
				)
				continue
			}
			sample := Sample{
				Time:    now,
				CPU:     max(reading.CPU, last.CPU),
				Memory:  reading.Memory,
				Elapsed: now.Sub(start),
			}
			if !last.Time.IsZero() {
				if wall := now.Sub(last.Time); wall > 0 {
					sample.CPUPercent = float64(sample.CPU-last.CPU) / float64(wall) * 100
				}
			}
			last = sample
			m.mu.Lock()
			ws.ring.push(sample)
			m.mu.Unlock()

			if breached || onBreach == nil {
				continue
			}
			if ceiling.CPU > 0 && sample.CPU > ceiling.CPU {
				breached = true
				onBreach(Breach{Resource: "cpu", Sample: sample, Limit: int64(ceiling.CPU)})
			} else if ceiling.Memory > 0 && sample.Memory > ceiling.Memory {
				breached = true
				onBreach(Breach{Resource: "memory", Sample: sample, Limit: ceiling.Memory})
			}
		}
	}
}

// Sample returns the latest sample of a workspace.
func (m *Monitor) Sample(workspaceID string) (Sample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return Sample{}, false
	}
	return ws.ring.last()
}

// Samples returns the retained samples of a workspace, oldest first.
func (m *Monitor) Samples(workspaceID string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return nil
	}
	return ws.ring.all()
}

// Forget stops every watcher of a workspace and discards its samples.
func (m *Monitor) Forget(workspaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[workspaceID]
	if !ok {
		return
	}
	for id, ch := range ws.watchers {
		close(ch)
		delete(ws.watchers, id)
	}
	delete(m.workspaces, workspaceID)
}
