package dispatch

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/docker/go-units"

	"github.com/projecteru2/vmplex/errdefs"
)

// Kind is the type of a parameter.
type Kind string

const (
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindBool   Kind = "bool"
	// KindSize is a size in MiB. It accepts plain numbers (MiB) and
	// human-readable strings such as "2G" or "512m".
	KindSize Kind = "size"
)

var kinds = []Kind{KindString, KindInt, KindBool, KindSize}

// Field describes one parameter of a route.
type Field struct {
	Name     string   `json:"name"`
	Kind     Kind     `json:"kind"`
	Required bool     `json:"required,omitempty"`
	Default  any      `json:"default,omitempty"`
	Enum     []string `json:"enum,omitempty"`
	Min      *int64   `json:"min,omitempty"`
	Doc      string   `json:"doc,omitempty"`
}

// String, Int, Bool and Size build fields.
func String(name, doc string) Field { return Field{Name: name, Kind: KindString, Doc: doc} }
func Int(name, doc string) Field    { return Field{Name: name, Kind: KindInt, Doc: doc} }
func Bool(name, doc string) Field   { return Field{Name: name, Kind: KindBool, Doc: doc} }
func Size(name, doc string) Field   { return Field{Name: name, Kind: KindSize, Doc: doc} }

// Enum builds a string field restricted to values.
func Enum(name, doc string, values ...string) Field {
	return Field{Name: name, Kind: KindString, Enum: values, Doc: doc}
}

// Req marks f required.
func (f Field) Req() Field {
	f.Required = true
	return f
}

// Def sets f's default.
func (f Field) Def(v any) Field {
	f.Default = v
	return f
}

// AtLeast rejects int and size values below n.
func (f Field) AtLeast(n int64) Field {
	f.Min = &n
	return f
}

// validate checks the field definition itself.
func (f Field) validate() error {
	if f.Name == "" {
		return fmt.Errorf("field without a name")
	}
	if !slices.Contains(kinds, f.Kind) {
		return fmt.Errorf("field %s: unknown kind %q", f.Name, f.Kind)
	}
	if len(f.Enum) > 0 && f.Kind != KindString {
		return fmt.Errorf("field %s: enum on %s field", f.Name, f.Kind)
	}
	if f.Min != nil && f.Kind != KindInt && f.Kind != KindSize {
		return fmt.Errorf("field %s: minimum on %s field", f.Name, f.Kind)
	}
	if f.Default == nil {
		return nil
	}
	if f.Required {
		return fmt.Errorf("field %s: required with a default", f.Name)
	}
	if _, err := f.coerce(f.Default); err != nil {
		return fmt.Errorf("field %s: default %v: %w", f.Name, f.Default, err)
	}
	return nil
}

// coerce converts a raw value into the field's Go type: string, int64 or
// bool. JSON numbers arrive as float64; CLI values arrive as strings.
func (f Field) coerce(raw any) (any, error) {
	switch f.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want a string, got %T", raw)
		}
		if len(f.Enum) > 0 && !slices.Contains(f.Enum, s) {
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(f.Enum, ", "))
		}
		return s, nil
	case KindInt:
		n, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		return f.atLeast(n)
	case KindBool:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("want a boolean, got %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("want a boolean, got %T", raw)
	case KindSize:
		if s, ok := raw.(string); ok {
			if _, err := strconv.ParseInt(s, 10, 64); err != nil {
				b, err := units.RAMInBytes(s)
				if err != nil {
					return nil, fmt.Errorf("want a size, got %q", s)
				}
				if b < units.MiB {
					return nil, fmt.Errorf("size %q is below 1 MiB", s)
				}
				return f.atLeast(b / units.MiB)
			}
		}
		n, err := toInt(raw)
		if err != nil {
			return nil, err
		}
		return f.atLeast(n)
	}
	return nil, fmt.Errorf("unknown kind %q", f.Kind)
}

func (f Field) atLeast(n int64) (any, error) {
	if f.Min != nil && n < *f.Min {
		return nil, fmt.Errorf("must be at least %d, got %d", *f.Min, n)
	}
	return n, nil
}

func toInt(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
		if v != math.Trunc(v) || math.IsInf(v, 0) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, fmt.Errorf("want an integer, got %v", v)
		}
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("want an integer, got %q", v)
		}
		return n, nil
	}
	return 0, fmt.Errorf("want an integer, got %T", raw)
}

// Params are validated, coerced parameters. Values are string, int64 or bool.
type Params map[string]any

// Has reports whether name was supplied or defaulted.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// String returns name or "".
func (p Params) String(name string) string {
	s, _ := p[name].(string)
	return s
}

// Int returns name or 0.
func (p Params) Int(name string) int {
	return int(p.Int64(name))
}

// Int64 returns name or 0.
func (p Params) Int64(name string) int64 {
	n, _ := p[name].(int64)
	return n
}

// Bool returns name or false.
func (p Params) Bool(name string) bool {
	b, _ := p[name].(bool)
	return b
}

// OptString returns a pointer to name's value, or nil when absent.
func (p Params) OptString(name string) *string {
	if s, ok := p[name].(string); ok {
		return &s
	}
	return nil
}

// OptBool returns a pointer to name's value, or nil when absent.
func (p Params) OptBool(name string) *bool {
	if b, ok := p[name].(bool); ok {
		return &b
	}
	return nil
}

// bind validates raw against fields and returns the coerced params with
// defaults applied.
func bind(fields []Field, raw map[string]any) (Params, error) {
	out := make(Params, len(fields))
	known := make(map[string]Field, len(fields))
	for _, f := range fields {
		known[f.Name] = f
	}
	var unknown []string
	for name := range raw {
		if _, ok := known[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		slices.Sort(unknown)
		return nil, errdefs.Validationf("unknown parameter(s): %s", strings.Join(unknown, ", "))
	}
	for _, f := range fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			switch {
			case f.Required:
				return nil, errdefs.Validationf("missing required parameter %s", f.Name)
			case f.Default != nil:
				v = f.Default
			default:
				continue
			}
		}
		c, err := f.coerce(v)
		if err != nil {
			return nil, errdefs.Validationf("parameter %s: %v", f.Name, err)
		}
		if f.Required && c == "" {
			return nil, errdefs.Validationf("parameter %s must not be empty", f.Name)
		}
		out[f.Name] = c
	}
	return out, nil
}
