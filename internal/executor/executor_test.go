package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"taskforge/internal"
	"taskforge/internal/dag"
	"taskforge/internal/policy"
	"taskforge/internal/queue"
	"taskforge/internal/sandbox"
	"taskforge/internal/scheduler"
	"taskforge/internal/tools"
	"taskforge/internal/tracker"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordSink struct {
	mu      sync.Mutex
	records []internal.OutcomeRecord
}

func (r *recordSink) Emit(record internal.OutcomeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
}

func (r *recordSink) get(task string) (internal.OutcomeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, record := range r.records {
		if record.Task == task {
			return record, true
		}
	}
	return internal.OutcomeRecord{}, false
}

type testEnv struct {
	executor *Executor
	sandbox  *sandbox.Manager
	tracker  *tracker.Tracker
	sink     *recordSink
}

func newTestEnv(t *testing.T, opts Options, dir string) *testEnv {
	if dir == "" {
		dir = t.TempDir()
	}
	manager, err := sandbox.NewManager(sandbox.Config{
		Dir:           dir,
		MaxWorkspaces: 8,
		GracePeriod:   300 * time.Millisecond,
		OutputLimit:   4096,
	}, nil, testLogger)
	if err != nil {
		t.Fatal(err)
	}
	if opts.BaseDelay == 0 {
		opts.BaseDelay = 10 * time.Millisecond
	}
	if opts.Ceiling == (internal.Ceiling{}) {
		opts.Ceiling = internal.Ceiling{
			CPU:       time.Minute,
			Memory:    1 << 30,
			WallClock: time.Minute,
		}
	}
	registry := tools.NewRegistry(tools.Builtins()...)
	env := &testEnv{
		sandbox: manager,
		tracker: tracker.New(),
		sink:    new(recordSink),
	}
	env.executor = New(opts, Deps{
		Registry: registry,
		Policy:   policy.NewEngine(policy.DefaultRules(), registry),
		Sandbox:  manager,
		Tracker:  env.tracker,
		Sink:     env.sink,
		Logger:   testLogger,
	})
	return env
}

func (e *testEnv) run(t *testing.T, workers int, specs ...internal.TaskSpec) GraphResult {
	g, err := dag.New(t.Name(), specs)
	if err != nil {
		t.Fatal(err)
	}
	return e.runGraph(t, workers, g, nil)
}

func (e *testEnv) runGraph(t *testing.T, workers int, g *dag.Graph, during func()) GraphResult {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.executor.Submit(ctx, g); err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		done <- scheduler.New(workers, testLogger).Run(ctx, e.executor, e.executor.Queue())
	}()
	if during != nil {
		during()
	}
	result, err := e.executor.Wait(ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	return result
}

func (e *testEnv) checkReleased(t *testing.T) {
	t.Helper()
	stats := e.sandbox.Stats()
	if stats.Created != stats.Released || stats.Active != 0 {
		t.Fatalf("workspace leak: %+v", stats)
	}
}

func TestCreateFile(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	result := env.run(t, 2,
		internal.TaskSpec{
			Name: "write",
			Tool: "create_file",
			Parameters: internal.Params{
				"path":    "out.txt",
				"content": "hi",
			},
		},
		internal.TaskSpec{
			Name:       "read",
			Tool:       "read_file",
			Parameters: internal.Params{"path": "out.txt"},
			DependsOn:  []string{"write"},
		},
	)
	if !result.Succeeded() {
		t.Fatalf("got %+v", result)
	}
	if result.Tasks[1].Output != "hi" {
		t.Fatalf("got %q", result.Tasks[1].Output)
	}
	if stats := env.sandbox.Stats(); stats.Created != 1 {
		t.Fatalf("graph should share one workspace: %+v", stats)
	}
	env.checkReleased(t)

	record, ok := env.sink.get("write")
	if !ok {
		t.Fatal("no outcome record")
	}
	if record.FinalState != internal.StateSucceeded || record.Attempts != 1 || record.Tool != "create_file" {
		t.Fatalf("got %+v", record)
	}

	view, ok := env.tracker.Graph(t.Name())
	if !ok || !view.Done || view.Counts[internal.StateSucceeded] != 2 {
		t.Fatalf("got %+v", view)
	}
}

func TestPolicyDenied(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	result := env.run(t, 1, internal.TaskSpec{
		Name: "wipe",
		Tool: "run_command",
		Parameters: internal.Params{
			"command":           "rm -rf /",
			"working_directory": ".",
			"timeout":           5,
		},
	})
	task := result.Tasks[0]
	if task.State != internal.StateFailed || task.Reason != string(internal.ReasonPolicy) {
		t.Fatalf("got %+v", task)
	}
	if task.Attempts != 1 {
		t.Fatalf("policy denial retried: %d", task.Attempts)
	}
	if stats := env.sandbox.Stats(); stats.Created != 0 {
		t.Fatalf("sandbox touched: %+v", stats)
	}
}

func TestTimeoutRetried(t *testing.T) {
	env := newTestEnv(t, Options{MaxAttempts: 2}, "")
	start := time.Now()
	result := env.run(t, 1, internal.TaskSpec{
		Name: "slow",
		Tool: "run_command",
		Parameters: internal.Params{
			"command": "sleep 5",
			"timeout": 1,
		},
	})
	task := result.Tasks[0]
	if task.State != internal.StateFailed || task.Reason != string(internal.ReasonTimeout) {
		t.Fatalf("got %+v", task)
	}
	if task.Attempts != 2 {
		t.Fatalf("got %d attempts", task.Attempts)
	}
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Fatalf("not terminated: %s", elapsed)
	}
	env.checkReleased(t)
}

func TestRetryBound(t *testing.T) {
	env := newTestEnv(t, Options{MaxAttempts: 3}, "")
	result := env.run(t, 2,
		internal.TaskSpec{
			Name:       "fail",
			Tool:       "run_command",
			Parameters: internal.Params{"command": "echo broken; exit 1"},
		},
		internal.TaskSpec{
			Name:       "after",
			Tool:       "run_command",
			Parameters: internal.Params{"command": "true"},
			DependsOn:  []string{"fail"},
		},
	)
	fail := result.Tasks[0]
	if fail.State != internal.StateFailed || fail.Attempts != 3 {
		t.Fatalf("got %+v", fail)
	}
	if fail.Reason != string(internal.ReasonToolInternal) || !strings.Contains(fail.Output, "broken") {
		t.Fatalf("got %+v", fail)
	}
	after := result.Tasks[1]
	if after.State != internal.StateBlocked || after.Attempts != 0 {
		t.Fatalf("got %+v", after)
	}
	record, ok := env.sink.get("after")
	if !ok || record.FinalState != internal.StateBlocked {
		t.Fatalf("got %+v", record)
	}
	env.checkReleased(t)
}

func TestCancel(t *testing.T) {
	for _, isolation := range []Isolation{IsolationGraph, IsolationSubtask} {
		t.Run(string(isolation), func(t *testing.T) {
			env := newTestEnv(t, Options{Isolation: isolation}, "")
			g, err := dag.New("cancel", []internal.TaskSpec{
				{Name: "a", Tool: "run_command", Parameters: internal.Params{"command": "trap '' TERM; sleep 30"}},
				{Name: "b", Tool: "run_command", Parameters: internal.Params{"command": "sleep 30"}},
				{Name: "c", Tool: "run_command", Parameters: internal.Params{"command": "true"}, DependsOn: []string{"a"}},
				{Name: "d", Tool: "run_command", Parameters: internal.Params{"command": "true"}, DependsOn: []string{"b"}},
				{Name: "e", Tool: "run_command", Parameters: internal.Params{"command": "true"}, DependsOn: []string{"a", "b"}},
			})
			if err != nil {
				t.Fatal(err)
			}
			start := time.Now()
			result := env.runGraph(t, 2, g, func() {
				deadline := time.Now().Add(10 * time.Second)
				for time.Now().Before(deadline) {
					running := 0
					for _, task := range env.executor.Queue().Tasks("cancel") {
						if task.State == internal.StateRunning {
							running++
						}
					}
					if running == 2 {
						break
					}
					time.Sleep(10 * time.Millisecond)
				}
				// let the processes start
				time.Sleep(100 * time.Millisecond)
				if err := env.executor.Cancel("cancel"); err != nil {
					t.Error(err)
				}
			})
			for _, task := range result.Tasks {
				if task.State != internal.StateCancelled {
					t.Fatalf("got %+v", task)
				}
			}
			if elapsed := time.Since(start); elapsed > 10*time.Second {
				t.Fatalf("not terminated: %s", elapsed)
			}
			env.checkReleased(t)
			if env.sandbox.Stats().Created == 0 {
				t.Fatal("no workspace created")
			}
		})
	}
}

func TestDependencyOrder(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	events, cancel := env.tracker.Subscribe(256)
	defer cancel()
	result := env.run(t, 4,
		internal.TaskSpec{
			Name: "a",
			Tool: "create_file",
			Parameters: internal.Params{
				"path":    "a.txt",
				"content": "from a",
			},
		},
		internal.TaskSpec{
			Name:       "b",
			Tool:       "run_command",
			Parameters: internal.Params{"command": "cat a.txt"},
			DependsOn:  []string{"a"},
		},
		internal.TaskSpec{
			Name:       "c",
			Tool:       "list_files",
			Parameters: internal.Params{},
			Priority:   5,
		},
	)
	if !result.Succeeded() {
		t.Fatalf("got %+v", result)
	}
	if result.Tasks[1].Output != "from a" {
		t.Fatalf("got %q", result.Tasks[1].Output)
	}

	succeeded := map[string]bool{}
	for {
		select {
		case ev := <-events:
			if ev.NewState == internal.StateRunning {
				g, _ := env.executor.Queue().Graph(ev.Graph)
				i, _ := g.Lookup(ev.Task)
				for _, dep := range g.Nodes[i].DependsOn {
					if !succeeded[dep] {
						t.Fatalf("%s started before %s succeeded", ev.Task, dep)
					}
				}
			}
			if ev.NewState == internal.StateSucceeded {
				succeeded[ev.Task] = true
			}
			continue
		default:
		}
		break
	}
	if len(succeeded) != 3 {
		t.Fatalf("got %v", succeeded)
	}
}

func TestSubtaskIsolation(t *testing.T) {
	env := newTestEnv(t, Options{
		Isolation:   IsolationSubtask,
		MaxAttempts: 1,
	}, "")
	result := env.run(t, 1,
		internal.TaskSpec{
			Name: "write",
			Tool: "create_file",
			Parameters: internal.Params{
				"path":    "out.txt",
				"content": "hi",
			},
		},
		internal.TaskSpec{
			Name:       "read",
			Tool:       "read_file",
			Parameters: internal.Params{"path": "out.txt"},
			DependsOn:  []string{"write"},
		},
	)
	if result.Tasks[0].State != internal.StateSucceeded {
		t.Fatalf("got %+v", result.Tasks[0])
	}
	if result.Tasks[1].State != internal.StateFailed {
		t.Fatalf("file leaked between workspaces: %+v", result.Tasks[1])
	}
	if stats := env.sandbox.Stats(); stats.Created != 2 {
		t.Fatalf("got %+v", stats)
	}
	env.checkReleased(t)
}

func TestOutputDir(t *testing.T) {
	out := t.TempDir()
	env := newTestEnv(t, Options{
		Files:     map[string]string{"in.txt": "seed"},
		OutputDir: out,
	}, "")
	result := env.run(t, 1,
		internal.TaskSpec{
			Name:       "copy",
			Tool:       "run_command",
			Parameters: internal.Params{"command": "mkdir -p sub && cat in.txt > sub/copy.txt"},
		},
	)
	if !result.Succeeded() {
		t.Fatalf("got %+v", result.Failures())
	}
	env.checkReleased(t)
	for name, want := range map[string]string{
		"in.txt":       "seed",
		"sub/copy.txt": "seed",
	} {
		content, err := os.ReadFile(filepath.Join(out, name))
		if err != nil {
			t.Fatal(err)
		}
		if string(content) != want {
			t.Fatalf("%s: got %q", name, content)
		}
	}
}

func TestOutputDirSubtask(t *testing.T) {
	out := t.TempDir()
	env := newTestEnv(t, Options{
		Isolation:   IsolationSubtask,
		MaxAttempts: 1,
		OutputDir:   out,
	}, "")
	result := env.run(t, 1,
		internal.TaskSpec{
			Name:       "good",
			Tool:       "create_file",
			Parameters: internal.Params{"path": "good.txt", "content": "ok"},
		},
		internal.TaskSpec{
			Name:       "bad",
			Tool:       "run_command",
			Parameters: internal.Params{"command": "echo partial > partial.txt; exit 1"},
		},
	)
	if result.Tasks[0].State != internal.StateSucceeded || result.Tasks[1].State != internal.StateFailed {
		t.Fatalf("got %+v", result.Tasks)
	}
	env.checkReleased(t)
	if content, err := os.ReadFile(filepath.Join(out, "good.txt")); err != nil || string(content) != "ok" {
		t.Fatalf("got %q %v", content, err)
	}
	// failed attempts are not exported
	if _, err := os.Stat(filepath.Join(out, "partial.txt")); !os.IsNotExist(err) {
		t.Fatalf("got %v", err)
	}
}

func TestInvalidToolCall(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	result := env.run(t, 1, internal.TaskSpec{
		Name:       "bad",
		Tool:       "teleport",
		Parameters: internal.Params{},
	})
	task := result.Tasks[0]
	if task.State != internal.StateFailed || task.Reason != string(internal.ReasonInvalidCall) || task.Attempts != 1 {
		t.Fatalf("got %+v", task)
	}
}

func TestSandboxCreationError(t *testing.T) {
	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, Options{
		CreationRetries: 2,
		BaseDelay:       time.Millisecond,
	}, filepath.Join(file, "workspaces"))
	result := env.run(t, 1, internal.TaskSpec{
		Name:       "write",
		Tool:       "create_file",
		Parameters: internal.Params{"path": "x", "content": "y"},
	})
	task := result.Tasks[0]
	if task.State != internal.StateFailed || task.Reason != string(internal.ReasonSandboxCreation) {
		t.Fatalf("got %+v", task)
	}
	if task.Attempts != 1 {
		t.Fatalf("got %d attempts", task.Attempts)
	}
}

func TestDryRun(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	g, err := dag.New("dry", []internal.TaskSpec{
		{Name: "wipe", Tool: "run_command", Parameters: internal.Params{"command": "rm -rf /"}, DependsOn: []string{"write"}},
		{Name: "write", Tool: "create_file", Parameters: internal.Params{"path": "a", "content": "b"}},
		{Name: "bad", Tool: "nope", Parameters: internal.Params{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	planned, err := env.executor.DryRun(g)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]PlannedTask{}
	for _, p := range planned {
		byName[p.Name] = p
	}
	if planned[0].Name == "wipe" {
		t.Fatal("not in dependency order")
	}
	if !byName["write"].Decision.Allow {
		t.Fatalf("got %+v", byName["write"])
	}
	if byName["wipe"].Decision.Rule != "command.forbidden" {
		t.Fatalf("got %+v", byName["wipe"])
	}
	if byName["bad"].Error == "" {
		t.Fatal("unknown tool accepted")
	}
	if env.sandbox.Stats().Created != 0 {
		t.Fatal("dry run created a workspace")
	}
}

func TestBackoff(t *testing.T) {
	e := New(Options{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  time.Second,
	}, Deps{Logger: testLogger})
	for _, c := range []struct {
		attempt int
		nominal time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{10, time.Second},
	} {
		for range 20 {
			d := e.backoff(c.attempt)
			if d < c.nominal*3/4 || d >= c.nominal*5/4 {
				t.Fatalf("attempt %d: %s out of range", c.attempt, d)
			}
		}
	}
}

func TestDuplicateSubmit(t *testing.T) {
	env := newTestEnv(t, Options{}, "")
	g, err := dag.New("dup", []internal.TaskSpec{
		{Name: "a", Tool: "list_files", Parameters: internal.Params{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := env.executor.Submit(ctx, g); err != nil {
		t.Fatal(err)
	}
	if err := env.executor.Submit(ctx, g); err == nil {
		t.Fatal("duplicate accepted")
	}
	if err := env.executor.Cancel("dup"); err != nil {
		t.Fatal(err)
	}
	result, err := env.executor.Wait(ctx, "dup")
	if err != nil {
		t.Fatal(err)
	}
	if result.Tasks[0].State != internal.StateCancelled {
		t.Fatalf("got %+v", result.Tasks[0])
	}
	if err := env.executor.Forget("dup"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.executor.Wait(ctx, "dup"); !errors.Is(err, queue.ErrUnknownGraph) {
		t.Fatalf("got %v", err)
	}
}
