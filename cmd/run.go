package cmd

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskforge/internal"
	"taskforge/internal/app"
	"taskforge/internal/configs"
	"taskforge/internal/dag"
	"taskforge/internal/executor"
	"taskforge/internal/loader"
	"taskforge/internal/logs"
	"taskforge/internal/scheduler"
	"taskforge/internal/tracker"
	"taskforge/internal/util"
)

var (
	runInput   graphInput
	workers    int
	dryRun     bool
	statusAddr string
	inputPaths []string
	outputDir  string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runInput.bind(runCmd)
	runCmd.Flags().IntVar(&workers, "workers", 0, "最大並列実行数 (default from config)")
	runCmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and authorize without executing")
	runCmd.Flags().StringVar(&statusAddr, "status-addr", "", "serve the status API on this address")
	runCmd.Flags().StringSliceVar(&inputPaths, "input", nil, "copy these files into every workspace")
	runCmd.Flags().StringVar(&outputDir, "output", "", "copy the workspace tree into this directory before it is released")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Plan an instruction or load a tasks file, then execute it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		inputs, err := readInputs(inputPaths)
		if err != nil {
			return err
		}
		scope, settings, err := loadScope(func(s *configs.Settings) {
			if workers > 0 {
				s.Workers = workers
			}
			if statusAddr != "" {
				s.StatusAddr = statusAddr
			}
			if len(inputs) > 0 {
				files := maps.Clone(s.Sandbox.Files)
				if files == nil {
					files = make(map[string]string, len(inputs))
				}
				maps.Copy(files, inputs)
				s.Sandbox.Files = files
			}
			if outputDir != "" {
				s.Sandbox.OutputDir = outputDir
			}
		})
		if err != nil {
			return err
		}
		scope.Call(func(
			getPlanner app.GetPlanner,
			getExecutor app.GetExecutor,
			getSink app.GetOutcomeSink,
			sched *scheduler.Scheduler,
			tr *tracker.Tracker,
			logger logs.Logger,
		) {
			err = run(cmd.Context(), settings, getPlanner, getExecutor, getSink, sched, tr, logger)
		})
		return err
	},
}

func run(
	ctx context.Context,
	settings configs.Settings,
	getPlanner app.GetPlanner,
	getExecutor app.GetExecutor,
	getSink app.GetOutcomeSink,
	sched *scheduler.Scheduler,
	tr *tracker.Tracker,
	logger logs.Logger,
) error {
	p, err := getPlanner()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	g, err := runInput.graph(ctx, p)
	if err != nil {
		return err
	}
	exec, err := getExecutor()
	if err != nil {
		return err
	}

	if dryRun {
		return printDryRun(exec, g)
	}

	sink, err := getSink()
	if err != nil {
		return err
	}
	if sink != nil {
		defer func() {
			if err := sink.Close(); err != nil {
				logger.Warn("close outcomes database", "error", err)
			}
		}()
	}

	runDir := "run-" + util.NewUUID()
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return err
	}
	if err := util.SetLogFile(filepath.Join(runDir, "log.txt")); err != nil {
		return err
	}
	defer util.CloseLogFile()
	util.Info("Run directory: %s", runDir)
	util.Info("Graph %s: %d tasks, %d workers", g.ID, g.Len(), sched.MaxParallel)

	if settings.StatusAddr != "" {
		server := &http.Server{
			Addr:              settings.StatusAddr,
			Handler:           tracker.Handler(tr),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server", "addr", settings.StatusAddr, "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		util.Info("Status API: http://%s/graphs", settings.StatusAddr)
	}

	events, unsubscribe := tr.Subscribe(64)
	reported := make(chan struct{})
	go func() {
		defer close(reported)
		for ev := range events {
			report(ev)
		}
	}()

	// signals cancel the graph; workers keep draining until every task is terminal
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	stopCancel := context.AfterFunc(sigCtx, func() {
		if ctx.Err() == nil {
			util.Warn("Interrupted, cancelling")
		}
		exec.CancelAll()
	})
	defer stopCancel()

	if err := exec.Submit(ctx, g); err != nil {
		unsubscribe()
		return err
	}
	if err := sched.Run(context.WithoutCancel(ctx), exec, exec.Queue()); err != nil {
		logger.Warn("scheduler", "error", err)
	}
	result, err := exec.Wait(ctx, g.ID)
	unsubscribe()
	<-reported
	if err != nil {
		return err
	}

	summary := loader.NewSummary(runInput.text(), result)
	if err := loader.WriteSummary(runDir, summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if failures := result.Failures(); len(failures) > 0 {
		for _, task := range failures {
			util.Fail("%s: %s %s", task.Name, task.State, task.Error)
		}
		return fmt.Errorf("%d of %d tasks did not succeed", len(failures), len(result.Tasks))
	}
	util.Success("All %d tasks succeeded", len(result.Tasks))
	return nil
}

// readInputs reads the files given with --input, keyed by base name.
func readInputs(paths []string) (map[string]string, error) {
	files := make(map[string]string, len(paths))
	for _, path := range paths {
		name := filepath.Base(path)
		if _, ok := files[name]; ok {
			return nil, fmt.Errorf("input %s: another input is named %s", path, name)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("input: %w", err)
		}
		files[name] = string(content)
	}
	return files, nil
}

func report(ev internal.Event) {
	switch ev.NewState {
	case internal.StateRunning:
		util.Info("%s: running (attempt %d)", ev.Task, ev.Attempts)
	case internal.StateSucceeded:
		util.Success("%s", ev.Task)
	case internal.StateCancelled:
		util.Warn("%s: cancelled", ev.Task)
	case internal.StateFailed:
		util.Warn("%s: attempt %d failed: %s", ev.Task, ev.Attempts, ev.Error)
	case internal.StateBlocked:
		util.Warn("%s: blocked by a failed dependency", ev.Task)
	case internal.StatePending:
		if ev.OldState == internal.StateFailed {
			util.Info("%s: retry scheduled", ev.Task)
		}
	}
}

func printDryRun(exec *executor.Executor, g *dag.Graph) error {
	planned, err := exec.DryRun(g)
	if err != nil {
		return err
	}
	denied := 0
	for _, task := range planned {
		if task.Error != "" {
			denied++
			util.Fail("%s (%s): %s", task.Name, task.Tool, task.Error)
			continue
		}
		util.Success("%s (%s): allowed", task.Name, task.Tool)
	}
	out, err := yaml.Marshal(map[string]any{
		"graph_id": g.ID,
		"tasks":    planned,
	})
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	if denied > 0 {
		return fmt.Errorf("%d of %d tasks would not run", denied, len(planned))
	}
	return nil
}
