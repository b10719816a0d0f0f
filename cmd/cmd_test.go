package cmd

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskforge/internal"
	"taskforge/internal/configs"
	"taskforge/internal/loader"
	"taskforge/internal/policy"
	"taskforge/internal/util"
)

// The test binary stands in for the taskforge executable when the helper
// launcher re-executes it as "confine ...".
func TestMain(m *testing.M) {
	if len(os.Args) > 1 && os.Args[1] == "confine" {
		rootCmd.SetArgs(os.Args[1:])
		if err := Execute(); err != nil {
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// execute runs the root command in a fresh working directory with a config
// file that keeps every path inside it.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	config := filepath.Join(dir, "taskforge.cue")
	if err := os.WriteFile(config, []byte(`
sandbox: workspace_dir: "workspaces"
templates_dir: "templates"
retry: base_delay: "10ms"
`), 0644); err != nil {
		t.Fatal(err)
	}

	runInput = graphInput{}
	planInput = graphInput{}
	workers = 0
	dryRun = false
	statusAddr = ""
	inputPaths = nil
	outputDir = ""
	configPaths = nil

	util.Output = io.Discard
	t.Cleanup(func() {
		util.Output = os.Stdout
	})
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetArgs(append(args, "--config", config, "--log-level", "error"))
	err := rootCmd.Execute()
	return out.String(), err
}

func TestNewScope(t *testing.T) {
	settings := configs.DefaultSettings()
	settings.OutcomesDB = ""
	var engine *policy.Engine
	newScope(settings, policy.DefaultRules()).Call(func(
		e *policy.Engine,
		s configs.Settings,
	) {
		engine = e
		if s.Workers != settings.Workers {
			t.Fatalf("got %+v", s)
		}
	})
	if engine == nil {
		t.Fatal("no policy engine")
	}
}

func TestPlanCommand(t *testing.T) {
	out, err := execute(t, "plan", "-p", "create a file a.txt containing hi then read file a.txt")
	if err != nil {
		t.Fatal(err)
	}
	first := strings.Index(out, "create_file")
	second := strings.Index(out, "read_file")
	if first < 0 || second < first {
		t.Fatalf("got %s", out)
	}
	if !strings.Contains(out, "graph_id:") {
		t.Fatalf("got %s", out)
	}
}

func TestPlanUnrecognized(t *testing.T) {
	_, err := execute(t, "plan", "-p", "make me a sandwich")
	if !errors.Is(err, internal.ErrPlanning) {
		t.Fatalf("got %v", err)
	}
}

func TestAuthorizeCommand(t *testing.T) {
	_, err := execute(t, "authorize", `{"tool": "run_command", "parameters": {"command": "rm -rf /"}}`)
	if !errors.Is(err, internal.ErrPolicyViolation) {
		t.Fatalf("got %v", err)
	}
	_, err = execute(t, "authorize", `{"tool": "list_files", "parameters": {}}`)
	if err != nil {
		t.Fatal(err)
	}
	_, err = execute(t, "authorize", `{"tool": "format_disk", "parameters": {}}`)
	if !errors.Is(err, internal.ErrInvalidCall) {
		t.Fatalf("got %v", err)
	}
}

func TestRunCommand(t *testing.T) {
	_, err := execute(t, "run", "-p", "create a file a.txt containing hi then read file a.txt")
	if err != nil {
		t.Fatal(err)
	}
	dirs, err := filepath.Glob("run-*")
	if err != nil || len(dirs) != 1 {
		t.Fatalf("got %v %v", dirs, err)
	}
	summary, err := loader.LoadSummary(filepath.Join(dirs[0], "run.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != "success" || len(summary.Tasks) != 2 {
		t.Fatalf("got %+v", summary)
	}
	if summary.Tasks[1].Output != "hi" {
		t.Fatalf("got %+v", summary.Tasks[1])
	}
	if _, err := os.Stat(filepath.Join(dirs[0], "log.txt")); err != nil {
		t.Fatal(err)
	}
}

func TestRunConfined(t *testing.T) {
	_, err := execute(t, "run", "-p", "run echo confined")
	if err != nil {
		t.Fatal(err)
	}
	dirs, _ := filepath.Glob("run-*")
	if len(dirs) != 1 {
		t.Fatalf("got %v", dirs)
	}
	summary, err := loader.LoadSummary(filepath.Join(dirs[0], "run.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != "success" || !strings.Contains(summary.Tasks[0].Output, "confined") {
		t.Fatalf("got %+v", summary)
	}
}

func TestRunInputOutput(t *testing.T) {
	input := filepath.Join(t.TempDir(), "data.txt")
	if err := os.WriteFile(input, []byte("payload"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "run", "--input", input, "--output", "out", "-p", "run cat data.txt > copy.txt")
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"data.txt", "copy.txt"} {
		content, err := os.ReadFile(filepath.Join("out", name))
		if err != nil {
			t.Fatal(err)
		}
		if string(content) != "payload" {
			t.Fatalf("%s: got %q", name, content)
		}
	}
	// workspaces are gone once exported
	if dirs, _ := filepath.Glob("workspaces/*"); len(dirs) != 0 {
		t.Fatalf("got %v", dirs)
	}
}

func TestRunInputMissing(t *testing.T) {
	_, err := execute(t, "run", "--input", "missing.txt", "-p", "list files")
	if err == nil || !strings.Contains(err.Error(), "missing.txt") {
		t.Fatalf("got %v", err)
	}
}

func TestRunFailure(t *testing.T) {
	_, err := execute(t, "run", "-p", "run exit 1 then list files")
	if err == nil {
		t.Fatal("expected error")
	}
	dirs, _ := filepath.Glob("run-*")
	if len(dirs) != 1 {
		t.Fatalf("got %v", dirs)
	}
	summary, err := loader.LoadSummary(filepath.Join(dirs[0], "run.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if summary.Status != "fail" || len(summary.Failures) != 2 {
		t.Fatalf("got %+v", summary)
	}
}

func TestDryRun(t *testing.T) {
	_, err := execute(t, "run", "--dry-run", "-p", "run rm -rf /")
	if err == nil || !strings.Contains(err.Error(), "would not run") {
		t.Fatalf("got %v", err)
	}
	if dirs, _ := filepath.Glob("run-*"); len(dirs) != 0 {
		t.Fatalf("dry run created %v", dirs)
	}
	if dirs, _ := filepath.Glob("workspaces/*"); len(dirs) != 0 {
		t.Fatalf("dry run created %v", dirs)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "taskforge ") {
		t.Fatalf("got %q", out)
	}
}
