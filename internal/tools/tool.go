package tools

import (
	"context"
	"net/http"
	"os"

	"taskforge/internal"
)

// Kind groups tools by the capability they need from a workspace.
type Kind string

const (
	KindFile    Kind = "file"
	KindCommand Kind = "command"
	KindBrowser Kind = "browser"
)

type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeBool   ParamType = "bool"
)

// Param declares one parameter of a tool.
type Param struct {
	Name     string
	Type     ParamType
	Required bool
	// Path marks parameters that name a location inside the workspace.
	Path bool
}

// Command is a process launch request handed to Env.Spawn.
type Command struct {
	Line string
	// Dir is relative to the workspace root.
	Dir string
}

// Env is what a workspace exposes to a running tool.
type Env struct {
	Root *os.Root
	Dir  string
	// Spawn runs a command inside the workspace confinement. It returns when
	// the process group has exited.
	Spawn func(ctx context.Context, cmd Command) (Result, error)
	// HTTP is nil unless the workspace was granted network access.
	HTTP        *http.Client
	OutputLimit int
}

// Result is the raw outcome of a tool run.
type Result struct {
	ExitCode  int
	Output    string
	Truncated bool
}

// Tool is one registered capability.
type Tool interface {
	Name() string
	Kind() Kind
	Params() []Param
	// Validate checks tool-specific constraints after the schema check.
	Validate(params internal.Params) error
	Run(ctx context.Context, env Env, params internal.Params) (Result, error)
}

// Builtins returns the closed set of tools shipped with the module.
func Builtins() []Tool {
	return []Tool{
		CreateFile{},
		ReadFile{},
		ListFiles{},
		DeleteFile{},
		RunCommand{},
		BrowserFetch{},
		BrowserContent{},
	}
}

func stringParam(params internal.Params, name string) string {
	s, _ := params[name].(string)
	return s
}

func intParam(params internal.Params, name string) (int, bool) {
	i, ok := params[name].(int)
	return i, ok
}
