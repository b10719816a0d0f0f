package dag

import (
	"errors"
	"testing"

	"taskforge/internal"
)

func specs(pairs ...[]string) []internal.TaskSpec {
	var ret []internal.TaskSpec
	for _, p := range pairs {
		ret = append(ret, internal.TaskSpec{
			Name:      p[0],
			Tool:      "run_command",
			DependsOn: p[1:],
		})
	}
	return ret
}

func TestDAG_TopoSort(t *testing.T) {
	g, err := New("g", specs(
		[]string{"c", "b"},
		[]string{"a"},
		[]string{"b", "a"},
	))
	if err != nil {
		t.Fatalf("DAG構築失敗: %v", err)
	}
	order, err := TopoSort(g)
	if err != nil {
		t.Fatalf("トポロジカルソート失敗: %v", err)
	}
	var names []string
	for _, i := range order {
		names = append(names, g.Nodes[i].Name)
	}
	if len(names) != 3 || names[0] != "a" || names[1] != "b" || names[2] != "c" {
		t.Errorf("順序不正: %v", names)
	}
}

func TestDAG_OrderRespectsDeps(t *testing.T) {
	g, err := New("g", specs(
		[]string{"fetch"},
		[]string{"parse", "fetch"},
		[]string{"lint"},
		[]string{"report", "parse", "lint"},
		[]string{"notify", "report"},
	))
	if err != nil {
		t.Fatal(err)
	}
	order, err := TopoSort(g)
	if err != nil {
		t.Fatal(err)
	}
	pos := make(map[int]int)
	for p, i := range order {
		pos[i] = p
	}
	for _, node := range g.Nodes {
		for _, dep := range node.Deps {
			if pos[dep] >= pos[node.Index] {
				t.Errorf("%s scheduled before its dependency %s", node.Name, g.Nodes[dep].Name)
			}
		}
	}
}

func TestDAG_Cycle(t *testing.T) {
	_, err := New("g", specs(
		[]string{"a", "c"},
		[]string{"b", "a"},
		[]string{"c", "b"},
	))
	if !errors.Is(err, ErrCycle) {
		t.Errorf("サイクル検出できていない: %v", err)
	}
}

func TestDAG_SelfDependency(t *testing.T) {
	_, err := New("g", specs([]string{"a", "a"}))
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("got %v", err)
	}
}

func TestDAG_Invalid(t *testing.T) {
	cases := []struct {
		name  string
		specs []internal.TaskSpec
		want  error
	}{
		{"empty", nil, ErrEmptyGraph},
		{"unknown dep", specs([]string{"a", "missing"}), ErrUnknownDependency},
		{"duplicate", specs([]string{"a"}, []string{"a"}), ErrDuplicateID},
		{"no name", []internal.TaskSpec{{Tool: "read_file"}}, ErrInvalidNode},
		{"no tool", []internal.TaskSpec{{Name: "a"}}, ErrInvalidNode},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := New("g", c.specs)
			if !errors.Is(err, c.want) {
				t.Fatalf("got %v, want %v", err, c.want)
			}
		})
	}
}

func TestDAG_ChildrenAndLookup(t *testing.T) {
	g, err := New("g", specs(
		[]string{"a"},
		[]string{"b", "a", "a"},
		[]string{"c", "a"},
	))
	if err != nil {
		t.Fatal(err)
	}
	i, ok := g.Lookup("a")
	if !ok || i != 0 {
		t.Fatalf("lookup a: %d %v", i, ok)
	}
	if got := g.Children(0); len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("children: %v", got)
	}
	if len(g.Nodes[1].Deps) != 1 {
		t.Fatalf("duplicate dependency not collapsed: %v", g.Nodes[1].Deps)
	}
}
