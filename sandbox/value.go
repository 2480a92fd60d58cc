package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/machinefabric/gisgate-go/fault"
)

// Callable is a function a snippet may invoke. Arguments arrive normalized
// (int64, float64, string, bool, nil, []any, map[string]any, or one of the
// sandbox reference types).
type Callable func(ctx context.Context, args []any) (any, error)

// Object is a host value exposed to snippets. Attr returns a plain value or a
// Callable for methods; only names in the policy's attribute allowlist are
// ever asked for.
type Object interface {
	Attr(name string) (any, bool)
}

// Module is an importable namespace of Callables and constants.
type Module map[string]any

func (m Module) funcNames() []string {
	var names []string
	for name, v := range m {
		if _, ok := v.(Callable); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

const (
	maxCollectionLen = 1 << 20
	maxStringLen     = 1 << 20
	maxDepth         = 100
	maxResultValues  = 1 << 18
	maxOutputBytes   = 1 << 20
)

// normalize maps host and Go values onto the interpreter's value set.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, bool, string, int64, float64, Callable, Module, Object:
		return x
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case func(ctx context.Context, args []any) (any, error):
		return Callable(x)
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = normalize(iter.Value().Interface())
		}
		return out
	}
	return v
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "nil"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "string"
	case []any:
		return "list"
	case map[string]any:
		return "map"
	case Callable:
		return "func"
	case Module:
		return "module"
	case Object:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// display renders a value the way print and str show it. Lists and maps are
// written as JSON, capped at maxStringLen bytes and maxDepth levels, checking
// ctx as the walk goes.
func display(ctx context.Context, v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "nil", nil
	case string:
		return x, nil
	case []any, map[string]any:
		r := renderer{ctx: ctx}
		if err := r.value(x, 0); err != nil {
			return "", err
		}
		return r.b.String(), nil
	default:
		return fmt.Sprint(x), nil
	}
}

type renderer struct {
	ctx   context.Context
	b     strings.Builder
	nodes int
}

func (r *renderer) write(s string) error {
	if r.b.Len()+len(s) > maxStringLen {
		return fault.SandboxViolation("size", "value too large to display")
	}
	r.b.WriteString(s)
	return nil
}

func (r *renderer) value(v any, depth int) error {
	if depth > maxDepth {
		return fault.SandboxViolation("size", "value nested too deeply")
	}
	r.nodes++
	if r.nodes%1024 == 0 {
		if err := r.ctx.Err(); err != nil {
			return err
		}
	}
	switch x := v.(type) {
	case []any:
		if err := r.write("["); err != nil {
			return err
		}
		for i, e := range x {
			if i > 0 {
				if err := r.write(","); err != nil {
					return err
				}
			}
			if err := r.value(e, depth+1); err != nil {
				return err
			}
		}
		return r.write("]")
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if err := r.write("{"); err != nil {
			return err
		}
		for i, k := range keys {
			if i > 0 {
				if err := r.write(","); err != nil {
					return err
				}
			}
			if err := r.scalar(k); err != nil {
				return err
			}
			if err := r.write(":"); err != nil {
				return err
			}
			if err := r.value(x[k], depth+1); err != nil {
				return err
			}
		}
		return r.write("}")
	case nil, bool, int64, float64, string:
		return r.scalar(x)
	default:
		return r.scalar("<" + typeName(x) + ">")
	}
}

func (r *renderer) scalar(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return r.write(fmt.Sprint(v))
	}
	return r.write(string(b))
}

// measure walks v counting list elements and map entries, shared sublists
// once per reference, and fails once the count passes limit.
func measure(ctx context.Context, v any, limit int) error {
	nodes := 0
	var walk func(v any, depth int) error
	walk = func(v any, depth int) error {
		if depth > maxDepth {
			return fault.SandboxViolation("size", "result nested too deeply")
		}
		nodes++
		if nodes > limit {
			return fault.SandboxViolation("size", fmt.Sprintf("result has more than %d values", limit))
		}
		if nodes%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		switch x := v.(type) {
		case []any:
			for _, e := range x {
				if err := walk(e, depth+1); err != nil {
					return err
				}
			}
		case map[string]any:
			for _, e := range x {
				if err := walk(e, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(v, 0)
}
