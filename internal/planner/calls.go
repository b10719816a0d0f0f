package planner

import (
	"context"
	"strings"

	"taskforge/internal"
	"taskforge/internal/tools"
)

// ToolCalls plans instructions that are already tool-call records, as
// produced by the model-response layer. Calls run in sequence.
type ToolCalls struct{}

func (ToolCalls) Name() string { return "tool_calls" }

func (ToolCalls) Plan(ctx context.Context, in internal.Instruction) ([]internal.TaskSpec, error) {
	text := strings.TrimSpace(in.Text)
	if !strings.HasPrefix(text, "{") && !strings.HasPrefix(text, "[") {
		return nil, ErrNoMatch
	}
	calls, err := tools.ParseCalls([]byte(text))
	if err != nil {
		return nil, err
	}
	specs := make([]internal.TaskSpec, 0, len(calls))
	for _, call := range calls {
		specs = append(specs, internal.TaskSpec{
			Tool:       call.Tool,
			Parameters: call.Parameters,
		})
	}
	return chain(specs), nil
}
