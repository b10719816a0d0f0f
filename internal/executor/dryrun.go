package executor

import (
	"taskforge/internal"
	"taskforge/internal/dag"
	"taskforge/internal/policy"
)

type PlannedTask struct {
	Name     string          `yaml:"name"`
	Tool     string          `yaml:"tool"`
	Params   internal.Params `yaml:"parameters"`
	Depends  []string        `yaml:"depends_on,omitempty"`
	Decision policy.Decision `yaml:"-"`
	Error    string          `yaml:"error,omitempty"`
}

// DryRun resolves and authorizes every node of g in execution order without
// creating workspaces or running tools.
func (e *Executor) DryRun(g *dag.Graph) ([]PlannedTask, error) {
	order, err := dag.TopoSort(g)
	if err != nil {
		return nil, internal.Wrap(internal.ReasonPlanning, err, g.ID)
	}
	ret := make([]PlannedTask, 0, len(order))
	for _, i := range order {
		node := g.Nodes[i]
		planned := PlannedTask{
			Name:    node.Name,
			Tool:    node.Tool,
			Params:  node.Parameters,
			Depends: node.DependsOn,
		}
		_, params, err := e.deps.Registry.Resolve(internal.ToolCall{
			Tool:       node.Tool,
			Parameters: node.Parameters,
		})
		if err != nil {
			planned.Error = err.Error()
			ret = append(ret, planned)
			continue
		}
		planned.Decision = e.deps.Policy.Authorize(internal.Request{
			Call: internal.ToolCall{
				Tool:       node.Tool,
				Parameters: params,
			},
			Graph:   g.ID,
			Task:    node.Name,
			Ceiling: e.opts.Ceiling,
			Network: e.opts.Network,
		})
		if err := planned.Decision.Err(); err != nil {
			planned.Error = err.Error()
		}
		ret = append(ret, planned)
	}
	return ret, nil
}
