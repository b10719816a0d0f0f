package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"taskforge/internal"
)

// Registry holds the registered tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry populated with tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{
		tools: make(map[string]Tool),
	}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any tool of the same name.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		ret = append(ret, t)
	}
	slices.SortFunc(ret, func(a, b Tool) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return ret
}

// Resolve looks up the tool of call and checks its parameters against the
// tool schema. The returned parameters are normalized copies.
func (r *Registry) Resolve(call internal.ToolCall) (Tool, internal.Params, error) {
	tool, ok := r.Get(call.Tool)
	if !ok {
		return nil, nil, internal.Errorf(internal.ReasonInvalidCall, "unknown tool %q", call.Tool)
	}
	params, err := checkParams(tool, call.Parameters)
	if err != nil {
		return nil, nil, err
	}
	if err := tool.Validate(params); err != nil {
		return nil, nil, internal.Wrap(internal.ReasonInvalidCall, err, call.Tool)
	}
	return tool, params, nil
}

func checkParams(tool Tool, in internal.Params) (internal.Params, error) {
	out := make(internal.Params, len(in))
	declared := make(map[string]Param)
	for _, p := range tool.Params() {
		declared[p.Name] = p
	}
	for name, value := range in {
		p, ok := declared[name]
		if !ok {
			return nil, internal.Errorf(internal.ReasonInvalidCall, "%s: unknown parameter %q", tool.Name(), name)
		}
		v, err := coerce(p.Type, value)
		if err != nil {
			return nil, internal.Errorf(internal.ReasonInvalidCall, "%s: parameter %q: %v", tool.Name(), name, err)
		}
		out[name] = v
	}
	for _, p := range tool.Params() {
		if _, ok := out[p.Name]; !ok && p.Required {
			return nil, internal.Errorf(internal.ReasonInvalidCall, "%s: missing parameter %q", tool.Name(), p.Name)
		}
	}
	return out, nil
}

func coerce(typ ParamType, value any) (any, error) {
	switch typ {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeBool:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeInt:
		switch v := value.(type) {
		case int:
			return v, nil
		case int64:
			return int(v), nil
		case uint64:
			if v <= math.MaxInt32 {
				return int(v), nil
			}
		case float64:
			if v == math.Trunc(v) && math.Abs(v) <= math.MaxInt32 {
				return int(v), nil
			}
		case json.Number:
			i, err := strconv.Atoi(v.String())
			if err == nil {
				return i, nil
			}
		}
	}
	return nil, fmt.Errorf("expecting %s, got %T", typ, value)
}

// ParseCall decodes one tool-call record.
func ParseCall(data []byte) (internal.ToolCall, error) {
	var call internal.ToolCall
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&call); err != nil {
		return call, internal.Wrap(internal.ReasonInvalidCall, err, "decode tool call")
	}
	if call.Tool == "" {
		return call, internal.Errorf(internal.ReasonInvalidCall, "missing tool")
	}
	if call.Parameters == nil {
		return call, internal.Errorf(internal.ReasonInvalidCall, "%s: missing parameters", call.Tool)
	}
	return call, nil
}

// ParseCalls decodes a single record or an array of records.
func ParseCalls(data []byte) ([]internal.ToolCall, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '[' {
		call, err := ParseCall(data)
		if err != nil {
			return nil, err
		}
		return []internal.ToolCall{call}, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, internal.Wrap(internal.ReasonInvalidCall, err, "decode tool calls")
	}
	calls := make([]internal.ToolCall, 0, len(raws))
	for _, raw := range raws {
		call, err := ParseCall(raw)
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}
