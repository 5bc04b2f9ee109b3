// Package agents defines the subagent contract and the registry the planner
// validates against. Agents are stateless across invocations; anything
// durable goes through the store.
package agents

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Context carries per-task identity and the outputs of prior steps.
type Context struct {
	SessionID    string
	UserID       string
	PriorOutputs map[string]string
}

// Result is the output of one agent execution.
type Result struct {
	Output    string
	Artifacts map[string]string
}

// ParamSpec describes one declared parameter.
type ParamSpec struct {
	Name        string
	Type        string // "string", "number", "bool"
	Required    bool
	Description string
}

// Subagent is the single-operation contract every agent implements.
type Subagent interface {
	Name() string
	Schema() []ParamSpec
	Execute(ctx context.Context, params map[string]interface{}, ac Context) (*Result, error)
}

// Registry holds the available agents by name.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Subagent
}

func NewRegistry(agents ...Subagent) *Registry {
	r := &Registry{agents: make(map[string]Subagent, len(agents))}
	for _, a := range agents {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Subagent) {
	r.mu.Lock()
	r.agents[a.Name()] = a
	r.mu.Unlock()
}

// Get returns the named agent or an error naming the known set.
func (r *Registry) Get(name string) (Subagent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("agents: unknown agent %q (known: %v)", name, r.names())
	}
	return a, nil
}

// Names lists registered agents in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.names()
}

func (r *Registry) names() []string {
	out := make([]string, 0, len(r.agents))
	for n := range r.agents {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ValidateParams checks params against the agent's declared schema: required
// keys present, types as declared, no undeclared keys.
func ValidateParams(a Subagent, params map[string]interface{}) error {
	specs := a.Schema()
	byName := make(map[string]ParamSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
		if !s.Required {
			continue
		}
		if _, ok := params[s.Name]; !ok {
			return fmt.Errorf("agents: %s: missing required param %q", a.Name(), s.Name)
		}
	}
	for k, v := range params {
		spec, ok := byName[k]
		if !ok {
			return fmt.Errorf("agents: %s: undeclared param %q", a.Name(), k)
		}
		if !typeMatches(spec.Type, v) {
			return fmt.Errorf("agents: %s: param %q must be %s, got %T", a.Name(), k, spec.Type, v)
		}
	}
	return nil
}

func typeMatches(declared string, v interface{}) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "bool":
		_, ok := v.(bool)
		return ok
	}
	return false
}

// StringParam fetches a string param with a default.
func StringParam(params map[string]interface{}, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

// IntParam fetches a numeric param with a default. JSON decoding produces
// float64, plans built in code may use int.
func IntParam(params map[string]interface{}, key string, def int) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}
