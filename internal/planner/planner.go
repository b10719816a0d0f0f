package planner

import (
	"context"
	"errors"
	"fmt"

	"taskforge/internal"
	"taskforge/internal/dag"
	"taskforge/internal/logs"
	"taskforge/internal/util"
)

// ErrNoMatch is returned by strategies that do not apply to an instruction.
var ErrNoMatch = errors.New("instruction not recognized")

// Strategy decomposes an instruction into task specs.
type Strategy interface {
	Name() string
	Plan(ctx context.Context, in internal.Instruction) ([]internal.TaskSpec, error)
}

// Planner tries its strategies in order; the first one that recognizes the
// instruction decides.
type Planner struct {
	strategies []Strategy
	logger     logs.Logger
	NewID      func() string
}

func New(logger logs.Logger, strategies ...Strategy) *Planner {
	return &Planner{
		strategies: strategies,
		logger:     logger,
		NewID:      util.NewUUID,
	}
}

// Plan returns a validated graph for in. Every failure is a PlanningError.
func (p *Planner) Plan(ctx context.Context, in internal.Instruction) (*dag.Graph, error) {
	for _, strategy := range p.strategies {
		specs, err := strategy.Plan(ctx, in)
		if errors.Is(err, ErrNoMatch) {
			continue
		}
		if err != nil {
			return nil, internal.Wrap(internal.ReasonPlanning, err, strategy.Name())
		}
		g, err := p.Build(in.Text, specs)
		if err != nil {
			return nil, err
		}
		p.logger.Info("planned",
			"graph", g.ID,
			"strategy", strategy.Name(),
			"tasks", g.Len(),
		)
		return g, nil
	}
	if in.Hint != "" {
		return nil, internal.Errorf(internal.ReasonPlanning, "no template named %q", in.Hint)
	}
	return nil, internal.Errorf(internal.ReasonPlanning, "cannot decompose instruction %q", in.Text)
}

// Build validates specs into a graph.
func (p *Planner) Build(instruction string, specs []internal.TaskSpec) (*dag.Graph, error) {
	g, err := dag.New(p.NewID(), specs)
	if err != nil {
		return nil, internal.Wrap(internal.ReasonPlanning, err, "")
	}
	g.Instruction = instruction
	return g, nil
}

// chain names specs step-1, step-2, ... and makes each depend on the
// previous one.
func chain(specs []internal.TaskSpec) []internal.TaskSpec {
	for i := range specs {
		specs[i].Name = fmt.Sprintf("step-%d", i+1)
		if i > 0 {
			specs[i].DependsOn = []string{specs[i-1].Name}
		}
	}
	return specs
}
