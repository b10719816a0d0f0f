package planner

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"taskforge/internal"
)

var clauseSep = regexp.MustCompile(`(?i)\s*(?:;|\n|,?\s+and then\s+|,?\s+then\s+)\s*`)

const quoted = "[`'\"]?"

type clausePattern struct {
	re   *regexp.Regexp
	tool string
}

var clausePatterns = []clausePattern{
	{
		re:   regexp.MustCompile(`(?is)^create (?:a |the )?(?:new )?file ` + quoted + `(?P<path>[^\s` + "`" + `'"]+)` + quoted + ` (?:containing|with content|with) ` + quoted + `(?P<content>.*?)` + quoted + `$`),
		tool: "create_file",
	},
	{
		re:   regexp.MustCompile(`(?i)^(?:read|show|cat) (?:the )?file ` + quoted + `(?P<path>[^\s` + "`" + `'"]+)` + quoted + `$`),
		tool: "read_file",
	},
	{
		re:   regexp.MustCompile(`(?i)^list (?:the )?files(?: in ` + quoted + `(?P<path>[^\s` + "`" + `'"]+)` + quoted + `)?$`),
		tool: "list_files",
	},
	{
		re:   regexp.MustCompile(`(?i)^(?:delete|remove) (?:the )?file ` + quoted + `(?P<path>[^\s` + "`" + `'"]+)` + quoted + `$`),
		tool: "delete_file",
	},
	{
		re:   regexp.MustCompile(`(?i)^(?:fetch|open|browse|visit) (?P<url>https?://\S+)$`),
		tool: "browser_content",
	},
	{
		re:   regexp.MustCompile(`(?is)^(?:run|execute) (?:the )?(?:command )?` + quoted + `(?P<command>.+?)` + quoted + `$`),
		tool: "run_command",
	},
}

// Clauses plans plain-language instructions made of simple clauses joined
// by "then", ";" or newlines. Each clause runs after the previous one.
type Clauses struct{}

func (Clauses) Name() string { return "clauses" }

func (Clauses) Plan(ctx context.Context, in internal.Instruction) ([]internal.TaskSpec, error) {
	var specs []internal.TaskSpec
	for _, clause := range clauseSep.Split(strings.TrimSpace(in.Text), -1) {
		clause = strings.TrimRight(strings.TrimSpace(clause), ".")
		if clause == "" {
			continue
		}
		spec, ok := matchClause(clause)
		if !ok {
			if len(specs) == 0 {
				return nil, ErrNoMatch
			}
			return nil, fmt.Errorf("cannot decompose clause %q", clause)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, ErrNoMatch
	}
	return chain(specs), nil
}

func matchClause(clause string) (internal.TaskSpec, bool) {
	for _, pattern := range clausePatterns {
		match := pattern.re.FindStringSubmatch(clause)
		if match == nil {
			continue
		}
		params := internal.Params{}
		for i, name := range pattern.re.SubexpNames() {
			if name == "" || match[i] == "" {
				continue
			}
			params[name] = match[i]
		}
		return internal.TaskSpec{
			Tool:       pattern.tool,
			Parameters: params,
		}, true
	}
	return internal.TaskSpec{}, false
}
