package tools

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"taskforge/internal"
)

func checkRelPath(path string) error {
	if path == "" {
		return errors.New("empty path")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("absolute path %q", path)
	}
	if !filepath.IsLocal(path) && filepath.Clean(path) != "." {
		return fmt.Errorf("path %q escapes workspace", path)
	}
	return nil
}

type CreateFile struct{}

func (CreateFile) Name() string { return "create_file" }

func (CreateFile) Kind() Kind { return KindFile }

func (CreateFile) Params() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: true, Path: true},
		{Name: "content", Type: TypeString, Required: true},
	}
}

func (CreateFile) Validate(params internal.Params) error {
	return checkRelPath(stringParam(params, "path"))
}

func (CreateFile) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	path := filepath.Clean(stringParam(params, "path"))
	content := stringParam(params, "content")
	if dir := filepath.Dir(path); dir != "." {
		if err := env.Root.MkdirAll(dir, 0755); err != nil {
			return Result{}, err
		}
	}
	if err := env.Root.WriteFile(path, []byte(content), 0644); err != nil {
		return Result{}, err
	}
	return Result{
		Output: fmt.Sprintf("wrote %d bytes to %s", len(content), path),
	}, nil
}

type ReadFile struct{}

func (ReadFile) Name() string { return "read_file" }

func (ReadFile) Kind() Kind { return KindFile }

func (ReadFile) Params() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: true, Path: true},
	}
}

func (ReadFile) Validate(params internal.Params) error {
	return checkRelPath(stringParam(params, "path"))
}

func (ReadFile) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	path := filepath.Clean(stringParam(params, "path"))
	content, err := env.Root.ReadFile(path)
	if err != nil {
		return Result{}, err
	}
	mtype := mimetype.Detect(content)
	isText := false
	for t := mtype; t != nil; t = t.Parent() {
		if t.Is("text/plain") {
			isText = true
			break
		}
	}
	if !isText {
		return Result{
			Output: fmt.Sprintf("%s: binary content (%s, %d bytes)", path, mtype.String(), len(content)),
		}, nil
	}
	out, truncated := Truncate(string(content), env.OutputLimit)
	return Result{
		Output:    out,
		Truncated: truncated,
	}, nil
}

type ListFiles struct{}

func (ListFiles) Name() string { return "list_files" }

func (ListFiles) Kind() Kind { return KindFile }

func (ListFiles) Params() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Path: true},
	}
}

func (ListFiles) Validate(params internal.Params) error {
	if path := stringParam(params, "path"); path != "" {
		return checkRelPath(path)
	}
	return nil
}

func (ListFiles) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	path := filepath.Clean(stringParam(params, "path"))
	entries, err := fs.ReadDir(env.Root.FS(), filepath.ToSlash(path))
	if err != nil {
		return Result{}, err
	}
	var b strings.Builder
	for _, entry := range entries {
		b.WriteString(entry.Name())
		if entry.IsDir() {
			b.WriteString("/")
		}
		b.WriteString("\n")
	}
	out, truncated := Truncate(b.String(), env.OutputLimit)
	return Result{
		Output:    out,
		Truncated: truncated,
	}, nil
}

type DeleteFile struct{}

func (DeleteFile) Name() string { return "delete_file" }

func (DeleteFile) Kind() Kind { return KindFile }

func (DeleteFile) Params() []Param {
	return []Param{
		{Name: "path", Type: TypeString, Required: true, Path: true},
	}
}

func (DeleteFile) Validate(params internal.Params) error {
	path := stringParam(params, "path")
	if err := checkRelPath(path); err != nil {
		return err
	}
	if filepath.Clean(path) == "." {
		return errors.New("refusing to delete workspace root")
	}
	return nil
}

func (DeleteFile) Run(ctx context.Context, env Env, params internal.Params) (Result, error) {
	path := filepath.Clean(stringParam(params, "path"))
	if err := env.Root.Remove(path); err != nil {
		return Result{}, err
	}
	return Result{
		Output: "deleted " + path,
	}, nil
}
