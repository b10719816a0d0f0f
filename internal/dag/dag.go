package dag

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"taskforge/internal"
)

var (
	ErrEmptyGraph        = errors.New("task graph has no nodes")
	ErrInvalidNode       = errors.New("invalid task node")
	ErrDuplicateID       = errors.New("duplicate task name")
	ErrUnknownDependency = errors.New("unknown dependency")
	ErrCycle             = errors.New("cycle detected in task dependencies")
)

// Node is one sub-task declaration. Deps holds indexes into Graph.Nodes.
type Node struct {
	internal.TaskSpec
	Index int
	Deps  []int
}

// Graph is an immutable, validated task graph. Nodes reference each other by
// index only.
type Graph struct {
	ID          string
	Instruction string
	Nodes       []Node

	byName   map[string]int
	children [][]int
}

// New validates specs and builds a graph. Dependencies may be declared in any
// order but must name nodes present in specs.
func New(id string, specs []internal.TaskSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, ErrEmptyGraph
	}
	g := &Graph{
		ID:       id,
		Nodes:    make([]Node, 0, len(specs)),
		byName:   make(map[string]int, len(specs)),
		children: make([][]int, len(specs)),
	}
	for i, spec := range specs {
		name := strings.TrimSpace(spec.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: node %d has no name", ErrInvalidNode, i)
		}
		if spec.Tool == "" {
			return nil, fmt.Errorf("%w: %s has no tool", ErrInvalidNode, name)
		}
		if _, ok := g.byName[name]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, name)
		}
		spec.Name = name
		spec.Parameters = spec.Parameters.Clone()
		spec.DependsOn = slices.Clone(spec.DependsOn)
		g.byName[name] = i
		g.Nodes = append(g.Nodes, Node{
			TaskSpec: spec,
			Index:    i,
		})
	}
	for i := range g.Nodes {
		node := &g.Nodes[i]
		for _, dep := range node.DependsOn {
			j, ok := g.byName[dep]
			if !ok {
				return nil, fmt.Errorf("%w: %s depends on %s", ErrUnknownDependency, node.Name, dep)
			}
			if slices.Contains(node.Deps, j) {
				continue
			}
			node.Deps = append(node.Deps, j)
			g.children[j] = append(g.children[j], i)
		}
	}
	if cycle := findCycle(g); cycle != nil {
		names := make([]string, 0, len(cycle))
		for _, i := range cycle {
			names = append(names, g.Nodes[i].Name)
		}
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(names, " -> "))
	}
	return g, nil
}

// Len returns the node count.
func (g *Graph) Len() int {
	return len(g.Nodes)
}

// Lookup returns the index of the named node.
func (g *Graph) Lookup(name string) (int, bool) {
	i, ok := g.byName[name]
	return i, ok
}

// Children returns the indexes of the nodes depending directly on i.
func (g *Graph) Children(i int) []int {
	return g.children[i]
}

// findCycle returns the node indexes forming a cycle, or nil.
func findCycle(g *Graph) []int {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.Nodes))
	var stack []int
	var visit func(int) []int
	visit = func(n int) []int {
		color[n] = grey
		stack = append(stack, n)
		for _, dep := range g.Nodes[n].Deps {
			switch color[dep] {
			case grey:
				// サイクル
				start := slices.Index(stack, dep)
				return append(slices.Clone(stack[start:]), dep)
			case white:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[n] = black
		return nil
	}
	for n := range g.Nodes {
		if color[n] == white {
			if c := visit(n); c != nil {
				return c
			}
		}
	}
	return nil
}

// TopoSort returns node indexes in dependency order. Among nodes that become
// available together, lower indexes come first.
func TopoSort(g *Graph) ([]int, error) {
	inDegree := make([]int, len(g.Nodes))
	for i, node := range g.Nodes {
		inDegree[i] = len(node.Deps)
	}
	var queue []int
	for i, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]int, 0, len(g.Nodes))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)
		childs := slices.Clone(g.children[n])
		slices.Sort(childs)
		for _, child := range childs {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}
	if len(order) != len(g.Nodes) {
		return nil, fmt.Errorf("%w (toposort)", ErrCycle)
	}
	return order, nil
}
