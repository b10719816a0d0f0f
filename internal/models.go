package internal

import (
	"time"
)

// State is the lifecycle state of a sub-task.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateBlocked   State = "blocked-failed"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateCancelled, StateBlocked:
		return true
	}
	return false
}

// Params is a tool-specific parameter mapping.
type Params map[string]any

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	if p == nil {
		return nil
	}
	ret := make(Params, len(p))
	for k, v := range p {
		ret[k] = v
	}
	return ret
}

// Instruction is the top-level goal handed to the planner.
type Instruction struct {
	Text string
	Hint string
}

// TaskSpec is the declarative form of a sub-task as produced by planning
// or loaded from a task file.
type TaskSpec struct {
	Name       string   `yaml:"name" json:"name"`
	Tool       string   `yaml:"tool" json:"tool"`
	Parameters Params   `yaml:"parameters" json:"parameters"`
	DependsOn  []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Priority   int      `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Ref addresses a sub-task by graph id and node index.
type Ref struct {
	Graph string
	Index int
}

// SubTask is the queue-owned runtime view of one node.
// Values handed out by the queue are copies.
type SubTask struct {
	Ref
	Name       string
	Tool       string
	Parameters Params
	DependsOn  []int
	Priority   int
	State      State
	Attempts   int
	LastError  *Error
	Seq        uint64
}

// Call returns the tool invocation described by the sub-task.
func (s SubTask) Call() ToolCall {
	return ToolCall{
		Tool:       s.Tool,
		Parameters: s.Parameters,
	}
}

// ToolCall is the wire record consumed from the model-response layer.
type ToolCall struct {
	Tool       string `json:"tool" yaml:"tool"`
	Parameters Params `json:"parameters" yaml:"parameters"`
}

// Ceiling bounds the resources of a workspace or a single invocation.
type Ceiling struct {
	CPU       time.Duration
	Memory    int64
	WallClock time.Duration
	// Soft marks the CPU and memory limits as contention limits, which makes
	// breaches retryable.
	Soft bool
}

// Usage is accumulated resource consumption.
type Usage struct {
	CPU        time.Duration `yaml:"cpu" json:"cpu"`
	PeakMemory int64         `yaml:"peak_memory" json:"peak_memory"`
	Elapsed    time.Duration `yaml:"elapsed" json:"elapsed"`
}

// Add folds o into u.
func (u Usage) Add(o Usage) Usage {
	u.CPU += o.CPU
	u.Elapsed += o.Elapsed
	if o.PeakMemory > u.PeakMemory {
		u.PeakMemory = o.PeakMemory
	}
	return u
}

// Request is a validated tool invocation bound to a workspace.
type Request struct {
	Call      ToolCall
	Graph     string
	Task      string
	Workspace string
	Ceiling   Ceiling
	Network   bool
	// Usage and Invocations are snapshots taken before the invocation.
	Usage       Usage
	Invocations int
}

// Outcome is the result of one sandboxed invocation.
type Outcome struct {
	ExitCode  int
	Output    string
	Truncated bool
	Usage     Usage
	Err       *Error
}

// Event is a state transition published for observers.
type Event struct {
	ID       string    `json:"id"`
	Graph    string    `json:"graph_id"`
	Task     string    `json:"task_id"`
	OldState State     `json:"old_state"`
	NewState State     `json:"new_state"`
	Time     time.Time `json:"timestamp"`
	Error    string    `json:"error,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Attempts int       `json:"attempts"`
}

// OutcomeRecord is emitted once per sub-task reaching a terminal state.
type OutcomeRecord struct {
	ID         string        `json:"id" yaml:"id"`
	Graph      string        `json:"graph_id" yaml:"graph_id"`
	Task       string        `json:"task_id" yaml:"task_id"`
	Tool       string        `json:"tool" yaml:"tool"`
	Attempts   int           `json:"attempts" yaml:"attempts"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Usage      Usage         `json:"resource_usage" yaml:"resource_usage"`
	FinalState State         `json:"final_state" yaml:"final_state"`
	Reason     string        `json:"reason,omitempty" yaml:"reason,omitempty"`
}
