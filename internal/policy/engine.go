package policy

import (
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"

	"taskforge/internal"
	"taskforge/internal/tools"
)

// Decision is the verdict for one invocation.
type Decision struct {
	Allow  bool
	Rule   string
	Reason string
}

var allow = Decision{Allow: true}

func deny(rule string, format string, args ...any) Decision {
	return Decision{
		Rule:   rule,
		Reason: fmt.Sprintf(format, args...),
	}
}

// Err converts a denial to a PolicyViolation error. It returns nil for allowed
// decisions.
func (d Decision) Err() error {
	if d.Allow {
		return nil
	}
	return internal.Errorf(internal.ReasonPolicy, "%s: %s", d.Rule, d.Reason)
}

// Engine evaluates requests against rules. It holds no mutable state.
type Engine struct {
	rules    Rules
	registry *tools.Registry
}

func NewEngine(rules Rules, registry *tools.Registry) *Engine {
	return &Engine{
		rules:    rules,
		registry: registry,
	}
}

func (e *Engine) Rules() Rules {
	return e.rules
}

// Authorize checks tool rules, then parameter rules, then resource ceilings.
// The first failing check decides.
func (e *Engine) Authorize(req internal.Request) Decision {
	name := req.Call.Tool
	if lo.Contains(e.rules.Tools.Deny, name) {
		return deny("tool.denied", "tool %s is blacklisted", name)
	}
	if len(e.rules.Tools.Allow) > 0 && !lo.Contains(e.rules.Tools.Allow, name) {
		return deny("tool.not_allowed", "tool %s is not whitelisted", name)
	}
	tool, ok := e.registry.Get(name)
	if !ok {
		return deny("tool.unknown", "tool %s is not registered", name)
	}

	if d := e.checkParams(tool, req); !d.Allow {
		return d
	}

	return e.checkCeilings(req)
}

func (e *Engine) checkParams(tool tools.Tool, req internal.Request) Decision {
	params := req.Call.Parameters
	for _, p := range tool.Params() {
		if !p.Path {
			continue
		}
		value, ok := params[p.Name].(string)
		if !ok || value == "" {
			continue
		}
		if d := e.checkPath(p.Name, value); !d.Allow {
			return d
		}
	}

	switch tool.Kind() {
	case tools.KindCommand:
		command, _ := params["command"].(string)
		if d := e.checkCommand(command); !d.Allow {
			return d
		}
	case tools.KindBrowser:
		if !req.Network {
			return deny("network.not_granted", "workspace has no network access")
		}
		raw, _ := params["url"].(string)
		if d := e.checkURL(raw); !d.Allow {
			return d
		}
	case tools.KindFile:
		content, _ := params["content"].(string)
		if max := e.rules.Limits.MaxContentBytes; max > 0 && len(content) > max {
			return deny("limit.content", "content of %d bytes exceeds %d", len(content), max)
		}
	}
	return allow
}

func (e *Engine) checkPath(param string, value string) Decision {
	if filepath.IsAbs(value) || strings.HasPrefix(value, "~") {
		return deny("path.traversal", "%s %q is not relative to the workspace", param, value)
	}
	cleaned := filepath.Clean(value)
	if cleaned != "." && !filepath.IsLocal(cleaned) {
		return deny("path.traversal", "%s %q escapes the workspace", param, value)
	}
	slashed := filepath.ToSlash(cleaned)
	for _, pattern := range e.rules.Paths.Deny {
		prefix := slashed
		for {
			if ok, _ := path.Match(pattern, prefix); ok {
				return deny("path.denied", "%s %q matches %s", param, value, pattern)
			}
			i := strings.LastIndex(prefix, "/")
			if i < 0 {
				break
			}
			prefix = prefix[:i]
		}
	}
	return allow
}

func (e *Engine) checkCommand(command string) Decision {
	normalized := strings.Join(strings.Fields(command), " ")
	for _, s := range e.rules.Commands.ForbiddenSubstrings {
		if s != "" && strings.Contains(normalized, s) {
			return deny("command.forbidden", "command contains %q", s)
		}
	}
	programs, err := Programs(command)
	if err != nil {
		return deny("command.unresolved", "%v", err)
	}
	for _, program := range programs {
		if lo.Contains(e.rules.Commands.Blocked, program) {
			return deny("command.blocked", "program %s is blacklisted", program)
		}
		if len(e.rules.Commands.Allowed) > 0 && !lo.Contains(e.rules.Commands.Allowed, program) {
			return deny("command.not_allowed", "program %s is not whitelisted", program)
		}
	}
	return allow
}

func (e *Engine) checkURL(raw string) Decision {
	u, err := url.Parse(raw)
	if err != nil {
		return deny("network.url", "bad url: %v", err)
	}
	if len(e.rules.Network.Schemes) > 0 && !lo.Contains(e.rules.Network.Schemes, u.Scheme) {
		return deny("network.scheme", "scheme %s is not allowed", u.Scheme)
	}
	if hosts := e.rules.Network.AllowedHosts; len(hosts) > 0 {
		host := u.Hostname()
		if !lo.SomeBy(hosts, func(h string) bool {
			return host == h || strings.HasSuffix(host, "."+h)
		}) {
			return deny("network.host", "host %s is not allowed", host)
		}
	}
	return allow
}

func (e *Engine) checkCeilings(req internal.Request) Decision {
	ceiling := req.Ceiling
	if timeout, ok := req.Call.Parameters["timeout"].(int); ok {
		if ceiling.WallClock > 0 && time.Duration(timeout)*time.Second > ceiling.WallClock {
			return deny("limit.timeout", "timeout %ds exceeds workspace ceiling %s", timeout, ceiling.WallClock)
		}
		if max := e.rules.Limits.MaxTimeoutSeconds; max > 0 && timeout > max {
			return deny("limit.timeout", "timeout %ds exceeds %ds", timeout, max)
		}
	}
	if ceiling.CPU > 0 && req.Usage.CPU >= ceiling.CPU {
		return deny("limit.cpu", "cpu usage %s reached ceiling %s", req.Usage.CPU, ceiling.CPU)
	}
	if ceiling.Memory > 0 && req.Usage.PeakMemory >= ceiling.Memory {
		return deny("limit.memory", "memory usage %d reached ceiling %d", req.Usage.PeakMemory, ceiling.Memory)
	}
	if max := e.rules.Limits.MaxInvocations; max > 0 && req.Invocations >= max {
		return deny("limit.invocations", "%d invocations reached limit %d", req.Invocations, max)
	}
	return allow
}
