package planner

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"taskforge/internal"
)

// Template is a named, reusable decomposition. Match captures named groups
// that the task fields reference as {{.group}}; {{.instruction}} holds the
// whole instruction text.
type Template struct {
	Name  string              `yaml:"name"`
	Match string              `yaml:"match"`
	Tasks []internal.TaskSpec `yaml:"tasks"`

	re *regexp.Regexp
}

// Templates plans instructions selected by hint or matched by a template
// pattern.
type Templates struct {
	list []Template
}

func NewTemplates(list ...Template) (*Templates, error) {
	for i := range list {
		t := &list[i]
		if t.Name == "" {
			return nil, fmt.Errorf("template %d has no name", i)
		}
		if len(t.Tasks) == 0 {
			return nil, fmt.Errorf("template %s has no tasks", t.Name)
		}
		if t.Match == "" {
			continue
		}
		re, err := regexp.Compile(t.Match)
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", t.Name, err)
		}
		t.re = re
	}
	return &Templates{
		list: list,
	}, nil
}

// LoadTemplates reads every *.yaml and *.yml file of dir. A missing dir
// yields no templates.
func LoadTemplates(dir string) (*Templates, error) {
	var list []Template
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		paths, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		for _, path := range paths {
			content, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}
			var t Template
			if err := yaml.Unmarshal(content, &t); err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			if t.Name == "" {
				t.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			list = append(list, t)
		}
	}
	return NewTemplates(list...)
}

func (t *Templates) Name() string { return "templates" }

func (t *Templates) Names() []string {
	ret := make([]string, 0, len(t.list))
	for _, tmpl := range t.list {
		ret = append(ret, tmpl.Name)
	}
	return ret
}

func (t *Templates) Plan(ctx context.Context, in internal.Instruction) ([]internal.TaskSpec, error) {
	for _, tmpl := range t.list {
		var data map[string]string
		switch {
		case in.Hint != "":
			if tmpl.Name != in.Hint {
				continue
			}
			data = tmpl.groups(in.Text)
			if data == nil {
				data = map[string]string{}
			}
		default:
			data = tmpl.groups(in.Text)
			if data == nil {
				continue
			}
		}
		data["instruction"] = in.Text
		return tmpl.render(data)
	}
	return nil, ErrNoMatch
}

// groups returns the named groups of the match, or nil without a match.
func (t Template) groups(text string) map[string]string {
	if t.re == nil {
		return nil
	}
	match := t.re.FindStringSubmatch(text)
	if match == nil {
		return nil
	}
	ret := make(map[string]string)
	for i, name := range t.re.SubexpNames() {
		if name != "" {
			ret[name] = match[i]
		}
	}
	return ret
}

func (t Template) render(data map[string]string) ([]internal.TaskSpec, error) {
	expand := func(s string) (string, error) {
		if !strings.Contains(s, "{{") {
			return s, nil
		}
		tmpl, err := template.New(t.Name).Option("missingkey=error").Parse(s)
		if err != nil {
			return "", err
		}
		buf := new(bytes.Buffer)
		if err := tmpl.Execute(buf, data); err != nil {
			return "", err
		}
		return buf.String(), nil
	}

	var err error
	specs := make([]internal.TaskSpec, 0, len(t.Tasks))
	for _, task := range t.Tasks {
		spec := task
		if spec.Name, err = expand(task.Name); err != nil {
			return nil, err
		}
		spec.DependsOn = make([]string, 0, len(task.DependsOn))
		for _, dep := range task.DependsOn {
			dep, err = expand(dep)
			if err != nil {
				return nil, err
			}
			spec.DependsOn = append(spec.DependsOn, dep)
		}
		spec.Parameters = make(internal.Params, len(task.Parameters))
		for key, value := range task.Parameters {
			if str, ok := value.(string); ok {
				if value, err = expand(str); err != nil {
					return nil, fmt.Errorf("%s.%s: %w", task.Name, key, err)
				}
			}
			spec.Parameters[key] = value
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
