package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/projecteru2/vmplex/errdefs"
	"github.com/projecteru2/vmplex/saga"
)

func echo(_ context.Context, p Params) (any, error) { return p, nil }

func testRegistry(t *testing.T, calls *int) *Registry {
	t.Helper()
	counted := func(ctx context.Context, p Params) (any, error) {
		*calls++
		return echo(ctx, p)
	}
	r, err := NewRegistry(map[string]string{"vm_management": "VMs"},
		Route{Tool: "vm_management", Action: "create", Handler: counted, Fields: []Field{
			String("vm_name", "").Req(),
			Int("cpu", "").Def(1),
			Size("memory_mb", ""),
			Bool("headless", "").Def(true),
			Enum("state", "", "all", "running").Def("all"),
		}},
		Route{Tool: "vm_management", Action: "list", Handler: func(context.Context, Params) (any, error) {
			return []string{"a", "b", "c"}, nil
		}},
		Route{Tool: "vm_management", Action: "clone", Handler: func(ctx context.Context, _ Params) (any, error) {
			return nil, saga.Partial(ctx, "vm.clone", []string{"clonevm"}, "modifyvm", "remove the clone", errdefs.External("boom", "stderr text"))
		}},
		Route{Tool: "vm_management", Action: "boom", Handler: func(context.Context, Params) (any, error) {
			panic("nil map")
		}},
	)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

// --- registry ---

func TestNewRegistry_Rejects(t *testing.T) {
	h := echo
	cases := map[string][]Route{
		"empty tool":         {{Action: "a", Handler: h}},
		"empty action":       {{Tool: "t", Handler: h}},
		"nil handler":        {{Tool: "t", Action: "a"}},
		"duplicate route":    {{Tool: "t", Action: "a", Handler: h}, {Tool: "t", Action: "a", Handler: h}},
		"bad kind":           {{Tool: "t", Action: "a", Handler: h, Fields: []Field{{Name: "x", Kind: "float"}}}},
		"unnamed field":      {{Tool: "t", Action: "a", Handler: h, Fields: []Field{{Kind: KindInt}}}},
		"duplicate field":    {{Tool: "t", Action: "a", Handler: h, Fields: []Field{Int("x", ""), Int("x", "")}}},
		"default wrong kind": {{Tool: "t", Action: "a", Handler: h, Fields: []Field{Int("x", "").Def("many")}}},
		"default not enum":   {{Tool: "t", Action: "a", Handler: h, Fields: []Field{Enum("x", "", "a", "b").Def("c")}}},
		"required default":   {{Tool: "t", Action: "a", Handler: h, Fields: []Field{Int("x", "").Req().Def(1)}}},
		"enum on int":        {{Tool: "t", Action: "a", Handler: h, Fields: []Field{{Name: "x", Kind: KindInt, Enum: []string{"1"}}}}},
		"minimum on string":  {{Tool: "t", Action: "a", Handler: h, Fields: []Field{String("x", "").AtLeast(1)}}},
		"default below min":  {{Tool: "t", Action: "a", Handler: h, Fields: []Field{Int("x", "").AtLeast(1).Def(0)}}},
	}
	for name, routes := range cases {
		if _, err := NewRegistry(nil, routes...); err == nil {
			t.Errorf("%s: accepted", name)
		}
	}
}

func TestRegistry_ToolsAndSchema(t *testing.T) {
	var calls int
	r := testRegistry(t, &calls)
	tools := r.Tools()
	if len(tools) != 1 || tools[0].Name != "vm_management" || tools[0].Description != "VMs" {
		t.Fatalf("tools = %+v", tools)
	}
	if got := strings.Join(tools[0].Actions, ","); got != "boom,clone,create,list" {
		t.Errorf("actions = %s", got)
	}
	s, ok := r.Schema("vm_management")
	if !ok || len(s) != 4 || s[2].Action != "create" || len(s[2].Fields) != 5 {
		t.Errorf("schema = %+v", s)
	}
	if _, ok := r.Schema("nope"); ok {
		t.Error("schema for unknown tool")
	}
}

// --- dispatch ---

func TestDispatch_ValidationBeforeHandler(t *testing.T) {
	var calls int
	r := testRegistry(t, &calls)
	ctx := context.Background()
	cases := map[string]struct {
		tool, action string
		params       map[string]any
	}{
		"unknown tool":      {"disk_management", "list", nil},
		"unknown action":    {"vm_management", "explode", nil},
		"unknown parameter": {"vm_management", "create", map[string]any{"vm_name": "a", "colour": "red"}},
		"missing required":  {"vm_management", "create", map[string]any{"cpu": 2}},
		"empty required":    {"vm_management", "create", map[string]any{"vm_name": ""}},
		"wrong type":        {"vm_management", "create", map[string]any{"vm_name": "a", "cpu": "two"}},
		"fractional int":    {"vm_management", "create", map[string]any{"vm_name": "a", "cpu": 1.5}},
		"name not string":   {"vm_management", "create", map[string]any{"vm_name": 7.0}},
		"enum":              {"vm_management", "create", map[string]any{"vm_name": "a", "state": "paused"}},
		"bad size":          {"vm_management", "create", map[string]any{"vm_name": "a", "memory_mb": "lots"}},
		"bad bool":          {"vm_management", "create", map[string]any{"vm_name": "a", "headless": "maybe"}},
	}
	for name, tc := range cases {
		res := r.Dispatch(ctx, tc.tool, tc.action, tc.params)
		if res.Success || res.Status != StatusFailure || res.Error == nil || res.Error.Kind != errdefs.KindValidation {
			t.Errorf("%s: result = %+v", name, res)
		}
	}
	if calls != 0 {
		t.Errorf("handler ran %d times", calls)
	}
}

func TestDispatch_Coercion(t *testing.T) {
	var calls int
	r := testRegistry(t, &calls)
	res := r.Dispatch(context.Background(), "vm_management", "create", map[string]any{
		"vm_name":   "web",
		"cpu":       float64(4),
		"memory_mb": "2G",
		"headless":  "false",
	})
	if !res.Success || res.Status != StatusSuccess || res.RequestID == "" {
		t.Fatalf("result = %+v", res)
	}
	p := res.Data.(Params)
	if p.String("vm_name") != "web" || p.Int("cpu") != 4 || p.Int64("memory_mb") != 2048 || p.Bool("headless") || p.String("state") != "all" {
		t.Errorf("params = %#v", p)
	}
	if res.Count != nil {
		t.Errorf("count on a non-list result: %d", *res.Count)
	}

	res = r.Dispatch(context.Background(), "vm_management", "create", map[string]any{"vm_name": "web", "cpu": "2", "memory_mb": 512})
	p = res.Data.(Params)
	if p.Int("cpu") != 2 || p.Int64("memory_mb") != 512 || !p.Bool("headless") {
		t.Errorf("params = %#v", p)
	}
	if p.Has("description") || p.OptString("description") != nil {
		t.Error("absent optional field present")
	}
}

func TestBind_Bounds(t *testing.T) {
	fields := []Field{Int("cpu", "").AtLeast(1), Size("memory_mb", "").AtLeast(1), Int("port", "")}
	for _, raw := range []map[string]any{
		{"cpu": float64(-4)},
		{"cpu": "0"},
		{"memory_mb": -512},
		{"port": float64(1 << 63)},
		{"port": float64(-1 << 64)},
		{"port": 1.5},
	} {
		if _, err := bind(fields, raw); errdefs.KindOf(err) != errdefs.KindValidation {
			t.Errorf("%v: expected ValidationError, got %v", raw, err)
		}
	}
	p, err := bind(fields, map[string]any{"cpu": 1, "memory_mb": "1G", "port": float64(-1 << 62)})
	if err != nil {
		t.Fatal(err)
	}
	if p.Int("cpu") != 1 || p.Int64("memory_mb") != 1024 || p.Int64("port") != -1<<62 {
		t.Errorf("params = %#v", p)
	}
}

func TestDispatch_Count(t *testing.T) {
	var calls int
	r := testRegistry(t, &calls)
	res := r.Dispatch(context.Background(), "vm_management", "list", nil)
	if res.Count == nil || *res.Count != 3 {
		t.Errorf("count = %v", res.Count)
	}
}

func TestDispatch_Partial(t *testing.T) {
	var calls int
	r := testRegistry(t, &calls)
	res := r.Dispatch(context.Background(), "vm_management", "clone", nil)
	if res.Success || res.Status != StatusPartial {
		t.Fatalf("result = %+v", res)
	}
	e := res.Error
	if e.Kind != errdefs.KindExternalTool || e.Raw != "stderr text" || e.Failed != "modifyvm" || e.Advisory != "remove the clone" || len(e.Completed) != 1 {
		t.Errorf("error = %+v", e)
	}
}

func TestDispatch_PanicIsInternal(t *testing.T) {
	var calls int
	r := testRegistry(t, &calls)
	res := r.Dispatch(context.Background(), "vm_management", "boom", nil)
	if res.Success || res.Error == nil || res.Error.Kind != errdefs.KindInternal {
		t.Errorf("result = %+v", res)
	}
}

func TestFailure_PlainError(t *testing.T) {
	res := failure("id", errors.New("plain"))
	if res.Status != StatusFailure || res.Error.Kind != errdefs.KindInternal || res.Error.Message != "plain" {
		t.Errorf("result = %+v", res)
	}
}
