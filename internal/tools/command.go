package tools

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"taskforge/internal"
)

type RunCommand struct{}

func (RunCommand) Name() string { return "run_command" }

func (RunCommand) Kind() Kind { return KindCommand }

func (RunCommand) Params() []Param {
	return []Param{
		{Name: "command", Type: TypeString, Required: true},
		{Name: "working_directory", Type: TypeString, Path: true},
		{Name: "timeout", Type: TypeInt},
	}
}

func (RunCommand) Validate(params internal.Params) error {
	if strings.TrimSpace(stringParam(params, "command")) == "" {
		return errors.New("empty command")
	}
	if dir := stringParam(params, "working_directory"); dir != "" {
		if err := checkRelPath(dir); err != nil {
			return err
		}
	}
	if timeout, ok := intParam(params, "timeout"); ok && timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %d", timeout)
	}
	return nil
}

func (RunCommand) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	if env.Spawn == nil {
		return Result{}, errors.New("workspace cannot spawn processes")
	}
	dir := stringParam(params, "working_directory")
	if dir == "" {
		dir = "."
	}
	res, err := env.Spawn(ctx, Command{
		Line: stringParam(params, "command"),
		Dir:  filepath.Clean(dir),
	})
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("exit status %d", res.ExitCode)
	}
	return res, nil
}
