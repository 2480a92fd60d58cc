package sandbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

func stdModules() map[string]Module {
	return map[string]Module{
		"math":    mathModule(),
		"strings": stringsModule(),
	}
}

func float1(name string, fn func(float64) float64) Callable {
	return func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("math.%s: want 1 argument, got %d", name, len(args))
		}
		x, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("math.%s: expected number, got %s", name, typeName(args[0]))
		}
		return fn(x), nil
	}
}

func float2(name string, fn func(float64, float64) float64) Callable {
	return func(_ context.Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("math.%s: want 2 arguments, got %d", name, len(args))
		}
		x, ok1 := toFloat(args[0])
		y, ok2 := toFloat(args[1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("math.%s: expected numbers", name)
		}
		return fn(x, y), nil
	}
}

func mathModule() Module {
	return Module{
		"Pi":    math.Pi,
		"E":     math.E,
		"Sqrt2": math.Sqrt2,

		"Sqrt":  float1("Sqrt", math.Sqrt),
		"Abs":   float1("Abs", math.Abs),
		"Floor": float1("Floor", math.Floor),
		"Ceil":  float1("Ceil", math.Ceil),
		"Round": float1("Round", math.Round),
		"Trunc": float1("Trunc", math.Trunc),
		"Sin":   float1("Sin", math.Sin),
		"Cos":   float1("Cos", math.Cos),
		"Tan":   float1("Tan", math.Tan),
		"Asin":  float1("Asin", math.Asin),
		"Acos":  float1("Acos", math.Acos),
		"Atan":  float1("Atan", math.Atan),
		"Log":   float1("Log", math.Log),
		"Log2":  float1("Log2", math.Log2),
		"Log10": float1("Log10", math.Log10),
		"Exp":   float1("Exp", math.Exp),
		"Pow":   float2("Pow", math.Pow),
		"Atan2": float2("Atan2", math.Atan2),
		"Hypot": float2("Hypot", math.Hypot),
		"Mod":   float2("Mod", math.Mod),
		"Min":   float2("Min", math.Min),
		"Max":   float2("Max", math.Max),
	}
}

func str1(name string, fn func(string) any) Callable {
	return func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("strings.%s: want 1 argument, got %d", name, len(args))
		}
		s, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("strings.%s: expected string, got %s", name, typeName(args[0]))
		}
		return fn(s), nil
	}
}

func str2(name string, fn func(string, string) any) Callable {
	return func(_ context.Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("strings.%s: want 2 arguments, got %d", name, len(args))
		}
		a, ok1 := args[0].(string)
		b, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("strings.%s: expected strings", name)
		}
		return fn(a, b), nil
	}
}

func stringList(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

func stringsModule() Module {
	return Module{
		"ToUpper":   str1("ToUpper", func(s string) any { return strings.ToUpper(s) }),
		"ToLower":   str1("ToLower", func(s string) any { return strings.ToLower(s) }),
		"TrimSpace": str1("TrimSpace", func(s string) any { return strings.TrimSpace(s) }),
		"Fields":    str1("Fields", func(s string) any { return stringList(strings.Fields(s)) }),
		"Trim":      str2("Trim", func(s, cut string) any { return strings.Trim(s, cut) }),
		"Contains":  str2("Contains", func(s, sub string) any { return strings.Contains(s, sub) }),
		"HasPrefix": str2("HasPrefix", func(s, p string) any { return strings.HasPrefix(s, p) }),
		"HasSuffix": str2("HasSuffix", func(s, p string) any { return strings.HasSuffix(s, p) }),
		"Index":     str2("Index", func(s, sub string) any { return int64(strings.Index(s, sub)) }),
		"Split":     str2("Split", func(s, sep string) any { return stringList(strings.Split(s, sep)) }),
		"ReplaceAll": Callable(func(_ context.Context, args []any) (any, error) {
			if len(args) != 3 {
				return nil, errors.New("strings.ReplaceAll: want 3 arguments")
			}
			s, ok1 := args[0].(string)
			old, ok2 := args[1].(string)
			repl, ok3 := args[2].(string)
			if !ok1 || !ok2 || !ok3 {
				return nil, errors.New("strings.ReplaceAll: expected strings")
			}
			if n := strings.Count(s, old); n > 0 && len(s)+n*(len(repl)-len(old)) > maxStringLen {
				return nil, errors.New("strings.ReplaceAll: result too large")
			}
			return strings.ReplaceAll(s, old, repl), nil
		}),
		"Join": Callable(func(ctx context.Context, args []any) (any, error) {
			if len(args) != 2 {
				return nil, errors.New("strings.Join: want 2 arguments")
			}
			list, ok1 := args[0].([]any)
			sep, ok2 := args[1].(string)
			if !ok1 || !ok2 {
				return nil, errors.New("strings.Join: expected list and string")
			}
			parts := make([]string, len(list))
			total := 0
			for i, v := range list {
				s, err := display(ctx, v)
				if err != nil {
					return nil, err
				}
				parts[i] = s
				total += len(s) + len(sep)
				if total > maxStringLen {
					return nil, errors.New("strings.Join: result too large")
				}
			}
			if total > maxStringLen {
				return nil, errors.New("strings.Join: result too large")
			}
			return strings.Join(parts, sep), nil
		}),
		"Repeat": Callable(func(_ context.Context, args []any) (any, error) {
			if len(args) != 2 {
				return nil, errors.New("strings.Repeat: want 2 arguments")
			}
			s, ok1 := args[0].(string)
			n, ok2 := args[1].(int64)
			if !ok1 || !ok2 || n < 0 {
				return nil, errors.New("strings.Repeat: expected string and non-negative int")
			}
			if n > 0 && int64(len(s)) > int64(maxStringLen)/n {
				return nil, errors.New("strings.Repeat: result too large")
			}
			return strings.Repeat(s, int(n)), nil
		}),
	}
}
