package sandbox

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"taskforge/internal"
	"taskforge/internal/logs"
	"taskforge/internal/monitor"
)

type Config struct {
	Dir           string
	MaxWorkspaces int
	GracePeriod   time.Duration
	OutputLimit   int
	// Env lists the host variables passed to spawned processes.
	Env []string
	// IsolateNetwork runs processes of workspaces without a network grant in
	// a fresh network namespace.
	IsolateNetwork bool
	Launcher       Launcher
	// HTTP is handed to browser tools of workspaces granted network access.
	HTTP *http.Client
}

var DefaultEnv = []string{"PATH", "LANG", "LC_ALL", "TERM", "TZ"}

type Stats struct {
	Created  int64
	Released int64
	Active   int
}

type Manager struct {
	cfg     Config
	monitor *monitor.Monitor
	logger  logs.Logger

	mu         sync.Mutex
	workspaces map[string]*Workspace

	created        atomic.Int64
	released       atomic.Int64
	netUnsupported atomic.Bool
}

func NewManager(cfg Config, mon *monitor.Monitor, logger logs.Logger) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("sandbox: no workspace directory")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, err
	}
	cfg.Dir = dir
	if cfg.Launcher == nil {
		cfg.Launcher = DirectLauncher{}
	}
	if cfg.Env == nil {
		cfg.Env = DefaultEnv
	}
	return &Manager{
		cfg:        cfg,
		monitor:    mon,
		logger:     logger,
		workspaces: make(map[string]*Workspace),
	}, nil
}

// CreateWorkspace allocates a workspace directory and registers its ceiling.
// Errors are SandboxCreationError.
func (m *Manager) CreateWorkspace(spec WorkspaceSpec) (*Workspace, error) {
	m.mu.Lock()
	if m.cfg.MaxWorkspaces > 0 && len(m.workspaces) >= m.cfg.MaxWorkspaces {
		m.mu.Unlock()
		return nil, internal.Errorf(internal.ReasonSandboxCreation, "all %d workspace slots in use", m.cfg.MaxWorkspaces)
	}
	id := uuid.NewString()
	// reserve the slot
	m.workspaces[id] = nil
	m.mu.Unlock()

	ws, err := m.allocate(id, spec)
	if err != nil {
		m.mu.Lock()
		delete(m.workspaces, id)
		m.mu.Unlock()
		return nil, internal.Wrap(internal.ReasonSandboxCreation, err, "allocate workspace")
	}

	m.mu.Lock()
	m.workspaces[id] = ws
	m.mu.Unlock()
	m.created.Add(1)
	m.logger.Info("workspace created",
		"workspace", id,
		"owner", spec.Owner,
		"dir", ws.Dir,
	)
	return ws, nil
}

func (m *Manager) allocate(id string, spec WorkspaceSpec) (*Workspace, error) {
	dir := filepath.Join(m.cfg.Dir, id)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	names := make([]string, 0, len(spec.Files))
	for name := range spec.Files {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		if !filepath.IsLocal(name) {
			err = fmt.Errorf("seed file %q escapes workspace", name)
		} else if parent := filepath.Dir(name); parent != "." {
			err = root.MkdirAll(parent, 0755)
		}
		if err == nil {
			err = root.WriteFile(name, []byte(spec.Files[name]), 0644)
		}
		if err != nil {
			root.Close()
			os.RemoveAll(dir)
			return nil, err
		}
	}
	return &Workspace{
		ID:      id,
		Owner:   spec.Owner,
		Dir:     dir,
		Ceiling: spec.Ceiling,
		Network: spec.Network,
		Created: time.Now(),
		root:    root,
		procs:   make(map[int]struct{}),
	}, nil
}

// Release kills every process of the workspace, stops its monitoring and
// removes its directory. Only the first call has any effect.
func (m *Manager) Release(ws *Workspace) error {
	ws.mu.Lock()
	if ws.released {
		ws.mu.Unlock()
		return nil
	}
	ws.released = true
	procs := make([]int, 0, len(ws.procs))
	for pgid := range ws.procs {
		procs = append(procs, pgid)
	}
	ws.mu.Unlock()

	for _, pgid := range procs {
		_ = unix.Kill(-pgid, unix.SIGKILL)
	}
	if m.monitor != nil {
		m.monitor.Forget(ws.ID)
	}
	var errs []error
	if err := ws.root.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := os.RemoveAll(ws.Dir); err != nil {
		errs = append(errs, err)
	}

	m.mu.Lock()
	delete(m.workspaces, ws.ID)
	m.mu.Unlock()
	m.released.Add(1)

	usage, invocations := ws.Usage()
	m.logger.Info("workspace released",
		"workspace", ws.ID,
		"owner", ws.Owner,
		"invocations", invocations,
		"cpu", usage.CPU,
		"peak_memory", usage.PeakMemory,
	)
	return errors.Join(errs...)
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	active := len(m.workspaces)
	m.mu.Unlock()
	return Stats{
		Created:  m.created.Load(),
		Released: m.released.Load(),
		Active:   active,
	}
}

func (m *Manager) environ(ws *Workspace) []string {
	env := make([]string, 0, len(m.cfg.Env)+3)
	for _, name := range m.cfg.Env {
		if strings.ContainsRune(name, '=') {
			env = append(env, name)
			continue
		}
		if value, ok := os.LookupEnv(name); ok {
			env = append(env, name+"="+value)
		}
	}
	return append(env,
		"HOME="+ws.Dir,
		"TMPDIR="+ws.Dir,
	)
}
