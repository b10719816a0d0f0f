package executor

import (
	"context"
	"time"

	"taskforge/internal"
)

type TaskResult struct {
	Name     string         `yaml:"name"`
	Tool     string         `yaml:"tool"`
	State    internal.State `yaml:"state"`
	Attempts int            `yaml:"attempts"`
	Reason   string         `yaml:"reason,omitempty"`
	Error    string         `yaml:"error,omitempty"`
	// Output is the captured output of the last attempt.
	Output   string         `yaml:"output,omitempty"`
	Usage    internal.Usage `yaml:"resource_usage"`
	Duration time.Duration  `yaml:"duration"`
}

type GraphResult struct {
	ID    string       `yaml:"graph_id"`
	Tasks []TaskResult `yaml:"tasks"`
}

// Succeeded reports whether every sub-task succeeded.
func (r GraphResult) Succeeded() bool {
	for _, task := range r.Tasks {
		if task.State != internal.StateSucceeded {
			return false
		}
	}
	return len(r.Tasks) > 0
}

// Failures returns the sub-tasks that did not succeed.
func (r GraphResult) Failures() []TaskResult {
	var ret []TaskResult
	for _, task := range r.Tasks {
		if task.State != internal.StateSucceeded {
			ret = append(ret, task)
		}
	}
	return ret
}

// Wait blocks until every sub-task of the graph is terminal.
func (e *Executor) Wait(ctx context.Context, graphID string) (GraphResult, error) {
	done, err := e.q.Done(graphID)
	if err != nil {
		return GraphResult{}, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return e.Result(graphID), ctx.Err()
	}
	return e.Result(graphID), nil
}

// Result returns the current state of a graph.
func (e *Executor) Result(graphID string) GraphResult {
	tasks := e.q.Tasks(graphID)
	ret := GraphResult{
		ID:    graphID,
		Tasks: make([]TaskResult, 0, len(tasks)),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, task := range tasks {
		result := TaskResult{
			Name:     task.Name,
			Tool:     task.Tool,
			State:    task.State,
			Attempts: task.Attempts,
		}
		if task.LastError != nil {
			result.Reason = string(task.LastError.Reason)
			result.Error = task.LastError.Error()
		}
		if run := e.tasks[task.Ref]; run != nil {
			result.Output = run.output
			result.Usage = run.usage
			end := run.ended
			if end.IsZero() {
				end = time.Now()
			}
			result.Duration = end.Sub(run.started)
		}
		ret.Tasks = append(ret.Tasks, result)
	}
	return ret
}
