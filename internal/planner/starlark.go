package planner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/reusee/starlarkutil"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"taskforge/internal"
)

const maxScriptSteps = 1 << 20

// Script is a Starlark file defining plan(instruction, hint). plan returns
// None when the instruction is not for it, or a list of task dicts with the
// keys name, tool, parameters, depends_on and priority.
type Script struct {
	Name   string
	Source []byte
}

type Scripts struct {
	list []Script
}

func NewScripts(list ...Script) *Scripts {
	return &Scripts{
		list: list,
	}
}

// LoadScripts reads every *.star file of dir.
func LoadScripts(dir string) (*Scripts, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.star"))
	if err != nil {
		return nil, err
	}
	var list []Script
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		list = append(list, Script{
			Name:   strings.TrimSuffix(filepath.Base(path), ".star"),
			Source: content,
		})
	}
	return NewScripts(list...), nil
}

func (s *Scripts) Name() string { return "starlark" }

func (s *Scripts) Plan(ctx context.Context, in internal.Instruction) ([]internal.TaskSpec, error) {
	for _, script := range s.list {
		if in.Hint != "" && script.Name != in.Hint {
			continue
		}
		specs, err := script.run(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", script.Name, err)
		}
		if specs != nil {
			return specs, nil
		}
	}
	return nil, ErrNoMatch
}

var scriptBuiltins = starlark.StringDict{
	"shell_quote": starlarkutil.MakeFunc("shell_quote", shellQuote),
	"join_path":   starlarkutil.MakeFunc("join_path", joinPath),
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func joinPath(a, b string) string {
	return filepath.ToSlash(filepath.Join(a, b))
}

func (s Script) run(ctx context.Context, in internal.Instruction) ([]internal.TaskSpec, error) {
	thread := &starlark.Thread{
		Name: s.Name,
	}
	thread.SetMaxExecutionSteps(maxScriptSteps)
	stop := context.AfterFunc(ctx, func() {
		thread.Cancel(context.Cause(ctx).Error())
	})
	defer stop()

	globals, err := starlark.ExecFileOptions(
		&syntax.FileOptions{},
		thread,
		s.Name+".star",
		s.Source,
		scriptBuiltins,
	)
	if err != nil {
		return nil, err
	}
	fn, ok := globals["plan"].(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("no plan function")
	}
	ret, err := starlark.Call(thread, fn, starlark.Tuple{
		starlark.String(in.Text),
		starlark.String(in.Hint),
	}, nil)
	if err != nil {
		return nil, err
	}
	if ret == starlark.None {
		return nil, nil
	}
	list, ok := ret.(*starlark.List)
	if !ok {
		return nil, fmt.Errorf("plan returned %s, want list", ret.Type())
	}
	specs := make([]internal.TaskSpec, 0, list.Len())
	for i := range list.Len() {
		spec, err := toTaskSpec(list.Index(i))
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		specs = append(specs, spec)
	}
	// an empty list is a planning failure, not a miss
	return specs, nil
}

func toTaskSpec(v starlark.Value) (spec internal.TaskSpec, err error) {
	dict, ok := v.(*starlark.Dict)
	if !ok {
		return spec, fmt.Errorf("got %s, want dict", v.Type())
	}
	for _, item := range dict.Items() {
		key, ok := starlark.AsString(item[0])
		if !ok {
			return spec, fmt.Errorf("non-string key %s", item[0])
		}
		value, err := fromStarlarkValue(item[1])
		if err != nil {
			return spec, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "name":
			spec.Name, ok = value.(string)
		case "tool":
			spec.Tool, ok = value.(string)
		case "priority":
			spec.Priority, ok = value.(int)
		case "parameters":
			var params map[string]any
			params, ok = value.(map[string]any)
			spec.Parameters = params
		case "depends_on":
			var deps []any
			deps, ok = value.([]any)
			for _, dep := range deps {
				name, isString := dep.(string)
				if !isString {
					ok = false
					break
				}
				spec.DependsOn = append(spec.DependsOn, name)
			}
		default:
			return spec, fmt.Errorf("unknown key %s", key)
		}
		if !ok {
			return spec, fmt.Errorf("bad %s: %s", key, item[1])
		}
	}
	return spec, nil
}

func fromStarlarkValue(v starlark.Value) (any, error) {
	switch v := v.(type) {

	case starlark.NoneType:
		return nil, nil

	case starlark.Bool:
		return bool(v), nil

	case starlark.String:
		return string(v), nil

	case starlark.Int:
		n, ok := v.Int64()
		if !ok {
			return nil, fmt.Errorf("int %s out of range", v)
		}
		return int(n), nil

	case starlark.Float:
		return float64(v), nil

	case *starlark.List:
		ret := make([]any, 0, v.Len())
		for i := range v.Len() {
			elem, err := fromStarlarkValue(v.Index(i))
			if err != nil {
				return nil, err
			}
			ret = append(ret, elem)
		}
		return ret, nil

	case starlark.Tuple:
		ret := make([]any, 0, len(v))
		for _, e := range v {
			elem, err := fromStarlarkValue(e)
			if err != nil {
				return nil, err
			}
			ret = append(ret, elem)
		}
		return ret, nil

	case *starlark.Dict:
		ret := make(map[string]any, v.Len())
		for _, item := range v.Items() {
			key, ok := starlark.AsString(item[0])
			if !ok {
				return nil, fmt.Errorf("non-string key %s", item[0])
			}
			value, err := fromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			ret[key] = value
		}
		return ret, nil

	}
	return nil, fmt.Errorf("unsupported starlark type %q", v.Type())
}
