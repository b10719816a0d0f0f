package app

import (
	"net/http"
	"sync"

	"github.com/reusee/dscope"

	"taskforge/internal/configs"
	"taskforge/internal/executor"
	"taskforge/internal/logs"
	"taskforge/internal/monitor"
	"taskforge/internal/outcomes"
	"taskforge/internal/planner"
	"taskforge/internal/policy"
	"taskforge/internal/sandbox"
	"taskforge/internal/scheduler"
	"taskforge/internal/tools"
	"taskforge/internal/tracker"
)

// Module provides every component of a run. configs.Settings and
// policy.Rules must be defined next to it in dscope.New.
type Module struct {
	dscope.Module
	Logs logs.Module
}

func (Module) Registry() *tools.Registry {
	return tools.NewRegistry(tools.Builtins()...)
}

func (Module) PolicyEngine(
	rules policy.Rules,
	registry *tools.Registry,
) *policy.Engine {
	return policy.NewEngine(rules, registry)
}

func (Module) Monitor(
	settings configs.Settings,
	logger logs.Logger,
) *monitor.Monitor {
	return monitor.New(
		settings.Monitor.Interval,
		settings.Monitor.Samples,
		monitor.ProcSampler{},
		logger,
	)
}

func (Module) Tracker() *tracker.Tracker {
	return tracker.New()
}

func (Module) Launcher(
	settings configs.Settings,
) sandbox.Launcher {
	if settings.Sandbox.Confine == "helper" {
		return sandbox.HelperLauncher{}
	}
	return sandbox.DirectLauncher{}
}

type GetHTTPClient func() (*http.Client, error)

func (Module) GetHTTPClient(
	settings configs.Settings,
) GetHTTPClient {
	return sync.OnceValues(func() (*http.Client, error) {
		return tools.NewHTTPClient(settings.Sandbox.Proxy)
	})
}

type GetSandbox func() (*sandbox.Manager, error)

func (Module) GetSandbox(
	settings configs.Settings,
	mon *monitor.Monitor,
	launcher sandbox.Launcher,
	getHTTPClient GetHTTPClient,
	logger logs.Logger,
) GetSandbox {
	return sync.OnceValues(func() (*sandbox.Manager, error) {
		client, err := getHTTPClient()
		if err != nil {
			return nil, err
		}
		cfg := sandbox.Config{
			Dir:            settings.Sandbox.Dir,
			MaxWorkspaces:  settings.Sandbox.MaxWorkspaces,
			GracePeriod:    settings.Sandbox.GracePeriod,
			OutputLimit:    settings.Sandbox.OutputLimit,
			IsolateNetwork: settings.Sandbox.IsolateNetwork,
			Launcher:       launcher,
			HTTP:           client,
		}
		if len(settings.Sandbox.Env) > 0 {
			cfg.Env = settings.Sandbox.Env
		}
		return sandbox.NewManager(cfg, mon, logger)
	})
}

// GetOutcomeSink returns nil when no outcomes database is configured.
type GetOutcomeSink func() (*outcomes.Sink, error)

func (Module) GetOutcomeSink(
	settings configs.Settings,
	logger logs.Logger,
) GetOutcomeSink {
	return sync.OnceValues(func() (*outcomes.Sink, error) {
		if settings.OutcomesDB == "" {
			return nil, nil
		}
		store, err := outcomes.Open(settings.OutcomesDB)
		if err != nil {
			return nil, err
		}
		logger.Info("outcomes database", "path", settings.OutcomesDB)
		return outcomes.NewSink(store, 0, logger), nil
	})
}

func (Module) ExecutorOptions(
	settings configs.Settings,
) executor.Options {
	return executor.Options{
		MaxAttempts:     settings.Retry.MaxAttempts,
		BaseDelay:       settings.Retry.BaseDelay,
		MaxDelay:        settings.Retry.MaxDelay,
		Isolation:       executor.Isolation(settings.Sandbox.Isolation),
		Ceiling:         settings.Ceiling,
		Network:         settings.Sandbox.Network,
		CreationRetries: settings.CreationRetries,
		Files:           settings.Sandbox.Files,
		OutputDir:       settings.Sandbox.OutputDir,
	}
}

type GetExecutor func() (*executor.Executor, error)

func (Module) GetExecutor(
	opts executor.Options,
	registry *tools.Registry,
	engine *policy.Engine,
	getSandbox GetSandbox,
	getSink GetOutcomeSink,
	t *tracker.Tracker,
	logger logs.Logger,
	newSpan logs.NewSpan,
) GetExecutor {
	return sync.OnceValues(func() (*executor.Executor, error) {
		manager, err := getSandbox()
		if err != nil {
			return nil, err
		}
		sink, err := getSink()
		if err != nil {
			return nil, err
		}
		deps := executor.Deps{
			Registry: registry,
			Policy:   engine,
			Sandbox:  manager,
			Tracker:  t,
			Logger:   logger,
			NewSpan:  newSpan,
		}
		// a nil *Sink must not become a non-nil interface
		if sink != nil {
			deps.Sink = sink
		}
		return executor.New(opts, deps), nil
	})
}

func (Module) Scheduler(
	settings configs.Settings,
	logger logs.Logger,
) *scheduler.Scheduler {
	return scheduler.New(settings.Workers, logger)
}

type GetPlanner func() (*planner.Planner, error)

func (Module) GetPlanner(
	settings configs.Settings,
	logger logs.Logger,
) GetPlanner {
	return sync.OnceValues(func() (*planner.Planner, error) {
		var strategies []planner.Strategy
		if settings.TemplatesDir != "" {
			templates, err := planner.LoadTemplates(settings.TemplatesDir)
			if err != nil {
				return nil, err
			}
			scripts, err := planner.LoadScripts(settings.TemplatesDir)
			if err != nil {
				return nil, err
			}
			logger.Debug("plan templates",
				"dir", settings.TemplatesDir,
				"templates", templates.Names(),
			)
			strategies = append(strategies, templates, scripts)
		}
		strategies = append(strategies, planner.ToolCalls{}, planner.Clauses{})
		return planner.New(logger, strategies...), nil
	})
}
