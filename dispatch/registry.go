// Package dispatch routes (tool, action, params) calls to typed handlers.
//
// Routes are registered once, validated at construction, and every call is
// checked against its route's schema before the handler runs, so a bad
// request never reaches a lock or the hypervisor.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Handler serves one action.
type Handler func(ctx context.Context, p Params) (any, error)

// Route binds (Tool, Action) to a handler and its parameter schema.
type Route struct {
	Tool    string
	Action  string
	Doc     string
	Fields  []Field
	Handler Handler
}

// Tool describes a registered tool.
type Tool struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Actions     []string `json:"actions"`
}

// ActionSchema is the public schema of one route.
type ActionSchema struct {
	Action string  `json:"action"`
	Doc    string  `json:"doc,omitempty"`
	Fields []Field `json:"fields"`
}

type routeKey struct{ tool, action string }

// Registry is an immutable route table.
type Registry struct {
	routes map[routeKey]*Route
	tools  []string
	desc   map[string]string
}

// NewRegistry validates routes and builds the table. descriptions maps tool
// names to a one-line summary.
func NewRegistry(descriptions map[string]string, routes ...Route) (*Registry, error) {
	r := &Registry{routes: make(map[routeKey]*Route, len(routes)), desc: descriptions}
	var errs []error
	for i := range routes {
		rt := &routes[i]
		if err := rt.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		k := routeKey{rt.Tool, rt.Action}
		if _, dup := r.routes[k]; dup {
			errs = append(errs, fmt.Errorf("duplicate route %s.%s", rt.Tool, rt.Action))
			continue
		}
		r.routes[k] = rt
		if !slices.Contains(r.tools, rt.Tool) {
			r.tools = append(r.tools, rt.Tool)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("invalid route table: %w", err)
	}
	slices.Sort(r.tools)
	return r, nil
}

func (rt *Route) validate() error {
	if rt.Tool == "" || rt.Action == "" {
		return fmt.Errorf("route %q.%q: empty tool or action", rt.Tool, rt.Action)
	}
	if rt.Handler == nil {
		return fmt.Errorf("route %s.%s: nil handler", rt.Tool, rt.Action)
	}
	seen := map[string]bool{}
	for _, f := range rt.Fields {
		if err := f.validate(); err != nil {
			return fmt.Errorf("route %s.%s: %w", rt.Tool, rt.Action, err)
		}
		if seen[f.Name] {
			return fmt.Errorf("route %s.%s: duplicate field %s", rt.Tool, rt.Action, f.Name)
		}
		seen[f.Name] = true
	}
	return nil
}

// Lookup returns the route for (tool, action).
func (r *Registry) Lookup(tool, action string) (*Route, bool) {
	rt, ok := r.routes[routeKey{tool, action}]
	return rt, ok
}

// Tools lists the registered tools with their actions, sorted by name.
func (r *Registry) Tools() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, name := range r.tools {
		out = append(out, Tool{Name: name, Description: r.desc[name], Actions: r.actions(name)})
	}
	return out
}

// Schema returns the action schemas of tool.
func (r *Registry) Schema(tool string) ([]ActionSchema, bool) {
	actions := r.actions(tool)
	if len(actions) == 0 {
		return nil, false
	}
	out := make([]ActionSchema, 0, len(actions))
	for _, a := range actions {
		rt := r.routes[routeKey{tool, a}]
		out = append(out, ActionSchema{Action: a, Doc: rt.Doc, Fields: rt.Fields})
	}
	return out, true
}

func (r *Registry) actions(tool string) []string {
	var out []string
	for k := range r.routes {
		if k.tool == tool {
			out = append(out, k.action)
		}
	}
	slices.Sort(out)
	return out
}
