package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"taskforge/internal"
	"taskforge/internal/app"
	"taskforge/internal/dag"
)

var planInput graphInput

func init() {
	rootCmd.AddCommand(planCmd)
	planInput.bind(planCmd)
}

type planOutput struct {
	Graph       string              `yaml:"graph_id"`
	Instruction string              `yaml:"instruction,omitempty"`
	Tasks       []internal.TaskSpec `yaml:"tasks"`
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the task graph of an instruction in execution order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, _, err := loadScope(nil)
		if err != nil {
			return err
		}
		scope.Call(func(
			getPlanner app.GetPlanner,
		) {
			err = plan(cmd, getPlanner)
		})
		return err
	},
}

func plan(cmd *cobra.Command, getPlanner app.GetPlanner) error {
	p, err := getPlanner()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	g, err := planInput.graph(cmd.Context(), p)
	if err != nil {
		return err
	}
	order, err := dag.TopoSort(g)
	if err != nil {
		return err
	}
	output := planOutput{
		Graph:       g.ID,
		Instruction: g.Instruction,
		Tasks:       make([]internal.TaskSpec, 0, len(order)),
	}
	for _, i := range order {
		output.Tasks = append(output.Tasks, g.Nodes[i].TaskSpec)
	}
	out, err := yaml.Marshal(output)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
