package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"taskforge/internal"
	"taskforge/internal/dag"
	"taskforge/internal/loader"
	"taskforge/internal/planner"
)

// graphInput is the instruction source shared by run and plan.
type graphInput struct {
	instruction string
	tasksFile   string
	hint        string
}

func (in *graphInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&in.instruction, "prompt", "p", "", "instruction text")
	cmd.Flags().StringVarP(&in.tasksFile, "file", "f", "", "tasks YAML file")
	cmd.Flags().StringVar(&in.hint, "hint", "", "template name")
	cmd.MarkFlagsMutuallyExclusive("prompt", "file")
}

// text is the instruction recorded in summaries.
func (in *graphInput) text() string {
	if in.tasksFile != "" {
		return in.tasksFile
	}
	return in.instruction
}

func (in *graphInput) graph(ctx context.Context, p *planner.Planner) (*dag.Graph, error) {
	switch {
	case in.tasksFile != "":
		specs, err := loader.LoadTasks(in.tasksFile)
		if err != nil {
			return nil, fmt.Errorf("tasks file %s: %w", in.tasksFile, err)
		}
		return p.Build(in.tasksFile, specs)
	case in.instruction != "":
		return p.Plan(ctx, internal.Instruction{
			Text: in.instruction,
			Hint: in.hint,
		})
	}
	return nil, errors.New("either --prompt or --file is required")
}
