package planner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"testing"

	"taskforge/internal"
	"taskforge/internal/dag"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newTestPlanner(t *testing.T) *Planner {
	templates, err := LoadTemplates("testdata")
	if err != nil {
		t.Fatal(err)
	}
	scripts, err := LoadScripts("testdata")
	if err != nil {
		t.Fatal(err)
	}
	p := New(testLogger, templates, scripts, ToolCalls{}, Clauses{})
	n := 0
	p.NewID = func() string {
		n++
		return "g" + string(rune('0'+n))
	}
	return p
}

func plan(t *testing.T, p *Planner, text, hint string) *dag.Graph {
	g, err := p.Plan(context.Background(), internal.Instruction{
		Text: text,
		Hint: hint,
	})
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestCreateFileClause(t *testing.T) {
	p := newTestPlanner(t)
	g := plan(t, p, "create a file `out.txt` containing `hi`", "")
	if g.Len() != 1 {
		t.Fatalf("got %d nodes", g.Len())
	}
	node := g.Nodes[0]
	if node.Tool != "create_file" {
		t.Fatalf("got %s", node.Tool)
	}
	if node.Parameters["path"] != "out.txt" || node.Parameters["content"] != "hi" {
		t.Fatalf("got %v", node.Parameters)
	}
	if g.Instruction != "create a file `out.txt` containing `hi`" || g.ID != "g1" {
		t.Fatalf("got %+v", g)
	}
}

func TestClauseChain(t *testing.T) {
	p := newTestPlanner(t)
	g := plan(t, p, "create file a.txt with hello; run `cat a.txt` then list files\nfetch https://example.com/x", "")
	var tools []string
	for _, node := range g.Nodes {
		tools = append(tools, node.Tool)
	}
	if !slices.Equal(tools, []string{"create_file", "run_command", "list_files", "browser_content"}) {
		t.Fatalf("got %v", tools)
	}
	if g.Nodes[1].Parameters["command"] != "cat a.txt" {
		t.Fatalf("got %v", g.Nodes[1].Parameters)
	}
	if g.Nodes[3].Parameters["url"] != "https://example.com/x" {
		t.Fatalf("got %v", g.Nodes[3].Parameters)
	}
	for i := 1; i < g.Len(); i++ {
		if !slices.Equal(g.Nodes[i].Deps, []int{i - 1}) {
			t.Fatalf("node %d deps %v", i, g.Nodes[i].Deps)
		}
	}
}

func TestUnrecognized(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.Plan(context.Background(), internal.Instruction{Text: "make me a sandwich"})
	if !errors.Is(err, internal.ErrPlanning) {
		t.Fatalf("got %v", err)
	}
	_, err = p.Plan(context.Background(), internal.Instruction{Text: "list files then make me a sandwich"})
	if !errors.Is(err, internal.ErrPlanning) {
		t.Fatalf("got %v", err)
	}
	_, err = p.Plan(context.Background(), internal.Instruction{Text: "x", Hint: "missing"})
	if !errors.Is(err, internal.ErrPlanning) {
		t.Fatalf("got %v", err)
	}
}

func TestTemplate(t *testing.T) {
	p := newTestPlanner(t)
	g := plan(t, p, "deploy shop to staging", "")
	if g.Len() != 2 {
		t.Fatalf("got %d", g.Len())
	}
	if g.Nodes[0].Parameters["path"] != "shop/staging.conf" || g.Nodes[0].Parameters["content"] != "app=shop" {
		t.Fatalf("got %v", g.Nodes[0].Parameters)
	}
	build := g.Nodes[1]
	if build.Parameters["command"] != "echo building shop" || build.Parameters["timeout"] != 30 {
		t.Fatalf("got %v", build.Parameters)
	}
	if build.Priority != 1 || !slices.Equal(build.Deps, []int{0}) {
		t.Fatalf("got %+v", build)
	}

	// by hint
	g = plan(t, p, "remember the milk", "notes")
	if g.Nodes[0].Parameters["content"] != "remember the milk" {
		t.Fatalf("got %v", g.Nodes[0].Parameters)
	}

	// hint without the groups the template needs
	_, err := p.Plan(context.Background(), internal.Instruction{Text: "x", Hint: "deploy"})
	if !errors.Is(err, internal.ErrPlanning) {
		t.Fatalf("got %v", err)
	}
}

func TestBadTemplates(t *testing.T) {
	if _, err := NewTemplates(Template{Name: "x"}); err == nil {
		t.Fatal("template without tasks accepted")
	}
	if _, err := NewTemplates(Template{
		Name:  "x",
		Match: "(",
		Tasks: []internal.TaskSpec{{Name: "a", Tool: "list_files"}},
	}); err == nil {
		t.Fatal("bad pattern accepted")
	}
}

func TestStarlark(t *testing.T) {
	p := newTestPlanner(t)
	g := plan(t, p, "backup a.txt b.txt", "")
	if g.Len() != 3 {
		t.Fatalf("got %d", g.Len())
	}
	if g.Nodes[0].Name != "mkdir" || g.Nodes[0].Priority != 2 {
		t.Fatalf("got %+v", g.Nodes[0])
	}
	copyA := g.Nodes[1]
	if copyA.Name != "copy-a.txt" || copyA.Parameters["command"] != "cp 'a.txt' 'backup/a.txt'" {
		t.Fatalf("got %+v", copyA)
	}
	if copyA.Parameters["timeout"] != 10 || !slices.Equal(copyA.DependsOn, []string{"mkdir"}) {
		t.Fatalf("got %+v", copyA)
	}

	// empty plan
	_, err := p.Plan(context.Background(), internal.Instruction{Text: "nothing"})
	if !errors.Is(err, internal.ErrPlanning) || !errors.Is(err, dag.ErrEmptyGraph) {
		t.Fatalf("got %v", err)
	}
}

func TestStarlarkErrors(t *testing.T) {
	for _, src := range []string{
		"def plan(instruction, hint):\n    return 1\n",
		"def plan(instruction, hint):\n    return [{\"name\": \"a\", \"bogus\": 1}]\n",
		"def plan(instruction, hint):\n    return [{\"name\": 1}]\n",
		"x = 1\n",
		"def plan(instruction, hint):\n    for i in range(100000000):\n        pass\n",
		"syntax error(",
	} {
		scripts := NewScripts(Script{Name: "s", Source: []byte(src)})
		if _, err := scripts.Plan(context.Background(), internal.Instruction{Text: "x"}); err == nil || errors.Is(err, ErrNoMatch) {
			t.Fatalf("%q: got %v", src, err)
		}
	}
}

func TestToolCalls(t *testing.T) {
	p := newTestPlanner(t)
	g := plan(t, p, `[
		{"tool": "create_file", "parameters": {"path": "out.txt", "content": "hi"}},
		{"tool": "run_command", "parameters": {"command": "cat out.txt", "timeout": 5}}
	]`, "")
	if g.Len() != 2 || g.Nodes[1].Tool != "run_command" || g.Nodes[1].DependsOn[0] != "step-1" {
		t.Fatalf("got %+v", g.Nodes)
	}

	_, err := p.Plan(context.Background(), internal.Instruction{Text: `{"tool": "x"`})
	if !errors.Is(err, internal.ErrPlanning) {
		t.Fatalf("got %v", err)
	}
}

func TestBuildCycle(t *testing.T) {
	p := newTestPlanner(t)
	_, err := p.Build("", []internal.TaskSpec{
		{Name: "a", Tool: "list_files", DependsOn: []string{"b"}},
		{Name: "b", Tool: "list_files", DependsOn: []string{"a"}},
	})
	if !errors.Is(err, internal.ErrPlanning) || !errors.Is(err, dag.ErrCycle) {
		t.Fatalf("got %v", err)
	}
}
