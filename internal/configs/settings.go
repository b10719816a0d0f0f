package configs

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskforge/internal"
)

//go:embed schema.cue
var Schema string

// Settings is the immutable configuration snapshot of one run.
type Settings struct {
	Workers         int
	Retry           Retry
	Sandbox         Sandbox
	Ceiling         internal.Ceiling
	Monitor         Monitor
	CreationRetries int
	PolicyFile      string
	OutcomesDB      string
	TemplatesDir    string
	StatusAddr      string
}

type Retry struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

type Sandbox struct {
	Dir            string
	MaxWorkspaces  int
	Isolation      string
	GracePeriod    time.Duration
	OutputLimit    int
	Confine        string
	IsolateNetwork bool
	Network        bool
	Proxy          string
	Env            []string
	Files          map[string]string
	OutputDir      string
}

type Monitor struct {
	Interval time.Duration
	Samples  int
}

func DefaultSettings() Settings {
	return Settings{
		Workers: 4,
		Retry: Retry{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    30 * time.Second,
		},
		Sandbox: Sandbox{
			Dir:            "./sandbox_workspaces",
			MaxWorkspaces:  10,
			Isolation:      "graph",
			GracePeriod:    2 * time.Second,
			OutputLimit:    100 << 10,
			Confine:        "helper",
			IsolateNetwork: true,
		},
		Ceiling: internal.Ceiling{
			CPU:       60 * time.Second,
			Memory:    2048 << 20,
			WallClock: 300 * time.Second,
		},
		Monitor: Monitor{
			Interval: 250 * time.Millisecond,
			Samples:  32,
		},
		CreationRetries: 3,
		PolicyFile:      "security_policies.yaml",
		TemplatesDir:    "templates",
	}
}

// LoadSettings overlays the values defined by loader on the defaults.
func LoadSettings(loader Loader) (Settings, error) {
	s := DefaultSettings()
	if err := loader.Err(); err != nil {
		return s, fmt.Errorf("load config: %w", err)
	}

	var errs []error
	set := func(path string, target any) {
		err := loader.AssignFirst(path, target)
		if err != nil && !errors.Is(err, ErrValueNotFound) {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
		}
	}
	duration := func(path string, target *time.Duration) {
		var str string
		set(path, &str)
		if str == "" {
			return
		}
		d, err := time.ParseDuration(str)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			return
		}
		*target = d
	}
	seconds := func(path string, target *time.Duration) {
		n := -1
		set(path, &n)
		if n >= 0 {
			*target = time.Duration(n) * time.Second
		}
	}

	set("workers", &s.Workers)

	set("retry.max_attempts", &s.Retry.MaxAttempts)
	duration("retry.base_delay", &s.Retry.BaseDelay)
	duration("retry.max_delay", &s.Retry.MaxDelay)

	set("sandbox.workspace_dir", &s.Sandbox.Dir)
	set("sandbox.max_workspaces", &s.Sandbox.MaxWorkspaces)
	set("sandbox.isolation", &s.Sandbox.Isolation)
	duration("sandbox.grace_period", &s.Sandbox.GracePeriod)
	set("sandbox.output_limit_bytes", &s.Sandbox.OutputLimit)
	set("sandbox.confine", &s.Sandbox.Confine)
	set("sandbox.isolate_network", &s.Sandbox.IsolateNetwork)
	set("sandbox.network", &s.Sandbox.Network)
	set("sandbox.proxy", &s.Sandbox.Proxy)
	set("sandbox.env", &s.Sandbox.Env)
	set("sandbox.files", &s.Sandbox.Files)
	set("sandbox.output_dir", &s.Sandbox.OutputDir)

	seconds("ceiling.cpu_seconds", &s.Ceiling.CPU)
	seconds("ceiling.timeout_seconds", &s.Ceiling.WallClock)
	memory := int64(-1)
	set("ceiling.memory_mb", &memory)
	if memory >= 0 {
		s.Ceiling.Memory = memory << 20
	}
	set("ceiling.soft", &s.Ceiling.Soft)

	duration("monitor.interval", &s.Monitor.Interval)
	set("monitor.samples", &s.Monitor.Samples)

	set("creation_retries", &s.CreationRetries)
	set("policy_file", &s.PolicyFile)
	set("outcomes_db", &s.OutcomesDB)
	set("templates_dir", &s.TemplatesDir)
	set("status_addr", &s.StatusAddr)

	if s.Retry.MaxDelay < s.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("retry.max_delay %s is below retry.base_delay %s", s.Retry.MaxDelay, s.Retry.BaseDelay))
	}
	return s, errors.Join(errs...)
}

var Filenames = []string{
	"taskforge.cue",
	".taskforge.cue",
}

// SearchPaths returns the existing config files in the working directory,
// the user config directory and /etc, in that order.
func SearchPaths() []string {
	var dirs []string
	if workingDir, err := os.Getwd(); err == nil {
		dirs = append(dirs, workingDir)
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, configDir)
	}
	dirs = append(dirs, "/etc")

	var paths []string
	for _, dir := range dirs {
		for _, filename := range Filenames {
			path := filepath.Join(dir, filename)
			if _, err := os.Stat(path); err == nil {
				paths = append(paths, path)
			}
		}
	}
	return paths
}
