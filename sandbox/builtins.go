package sandbox

import (
	"errors"
	"fmt"
	"go/token"
	"math"
	"sort"
	"strconv"
	"strings"
)

const maxOutputLines = 1000

type builtinFunc func(m *machine, args []any) (any, error)

var builtins map[string]builtinFunc

func init() {
	builtins = map[string]builtinFunc{
		"len":     builtinLen,
		"abs":     builtinAbs,
		"min":     func(_ *machine, args []any) (any, error) { return extreme(args, -1) },
		"max":     func(_ *machine, args []any) (any, error) { return extreme(args, 1) },
		"round":   builtinRound,
		"sum":     builtinSum,
		"sorted":  builtinSorted,
		"str":     builtinStr,
		"string":  builtinStr,
		"int":     builtinInt,
		"int64":   builtinInt,
		"float":   builtinFloat,
		"float64": builtinFloat,
		"bool":    builtinBool,
		"range":   builtinRange,
		"print":   builtinPrint,
		"append":  builtinAppend,
		"keys":    builtinKeys,
	}
}

func builtinNames() []string {
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func arity(name string, args []any, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		return fmt.Errorf("%s: wrong number of arguments (%d)", name, len(args))
	}
	return nil
}

func builtinLen(_ *machine, args []any) (any, error) {
	if err := arity("len", args, 1, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case string:
		return int64(len(x)), nil
	case []any:
		return int64(len(x)), nil
	case map[string]any:
		return int64(len(x)), nil
	}
	return nil, fmt.Errorf("len: unsupported type %s", typeName(args[0]))
}

func builtinAbs(_ *machine, args []any) (any, error) {
	if err := arity("abs", args, 1, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case int64:
		if x < 0 {
			return -x, nil
		}
		return x, nil
	case float64:
		return math.Abs(x), nil
	}
	return nil, fmt.Errorf("abs: unsupported type %s", typeName(args[0]))
}

// extreme implements min (sign -1) and max (sign 1) over either the
// arguments or a single list argument.
func extreme(args []any, sign int) (any, error) {
	items := args
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			items = list
		}
	}
	if len(items) == 0 {
		return nil, errors.New("min/max: no values")
	}
	best := items[0]
	for _, v := range items[1:] {
		c, err := compareValues(v, best)
		if err != nil {
			return nil, err
		}
		if c*sign > 0 {
			best = v
		}
	}
	return best, nil
}

func builtinRound(_ *machine, args []any) (any, error) {
	if err := arity("round", args, 1, 2); err != nil {
		return nil, err
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("round: unsupported type %s", typeName(args[0]))
	}
	if len(args) == 1 {
		return math.Round(f), nil
	}
	digits, ok := args[1].(int64)
	if !ok || digits < 0 || digits > 15 {
		return nil, errors.New("round: digits must be an integer in [0, 15]")
	}
	scale := math.Pow(10, float64(digits))
	return math.Round(f*scale) / scale, nil
}

func builtinSum(_ *machine, args []any) (any, error) {
	if err := arity("sum", args, 1, 1); err != nil {
		return nil, err
	}
	list, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sum: expected list, got %s", typeName(args[0]))
	}
	var total any = int64(0)
	for _, v := range list {
		next, err := binop(token.ADD, total, v)
		if err != nil {
			return nil, err
		}
		total = next
	}
	return total, nil
}

func builtinSorted(m *machine, args []any) (any, error) {
	if err := arity("sorted", args, 1, 1); err != nil {
		return nil, err
	}
	list, ok := args[0].([]any)
	if !ok {
		return nil, fmt.Errorf("sorted: expected list, got %s", typeName(args[0]))
	}
	out := append([]any(nil), list...)
	var cmpErr error
	calls := 0
	sort.SliceStable(out, func(i, j int) bool {
		if cmpErr != nil {
			return false
		}
		if calls++; calls%4096 == 0 {
			if err := m.ctx.Err(); err != nil {
				cmpErr = m.ctxErr(err)
				return false
			}
		}
		c, err := compareValues(out[i], out[j])
		if err != nil && cmpErr == nil {
			cmpErr = err
		}
		return c < 0
	})
	if cmpErr != nil {
		return nil, cmpErr
	}
	return out, nil
}

func builtinStr(m *machine, args []any) (any, error) {
	if err := arity("str", args, 1, 1); err != nil {
		return nil, err
	}
	return display(m.ctx, args[0])
}

func builtinInt(_ *machine, args []any) (any, error) {
	if err := arity("int", args, 1, 1); err != nil {
		return nil, err
	}
	switch x := args[0].(type) {
	case int64:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, errors.New("int: value out of range")
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("int: cannot parse %q", x)
		}
		return i, nil
	}
	return nil, fmt.Errorf("int: unsupported type %s", typeName(args[0]))
}

func builtinFloat(_ *machine, args []any) (any, error) {
	if err := arity("float", args, 1, 1); err != nil {
		return nil, err
	}
	if s, ok := args[0].(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil, fmt.Errorf("float: cannot parse %q", s)
		}
		return f, nil
	}
	f, ok := toFloat(args[0])
	if !ok {
		return nil, fmt.Errorf("float: unsupported type %s", typeName(args[0]))
	}
	return f, nil
}

func builtinBool(_ *machine, args []any) (any, error) {
	if err := arity("bool", args, 1, 1); err != nil {
		return nil, err
	}
	return truthy(args[0]), nil
}

func builtinRange(_ *machine, args []any) (any, error) {
	if err := arity("range", args, 1, 3); err != nil {
		return nil, err
	}
	bounds := make([]int64, len(args))
	for i, a := range args {
		n, ok := a.(int64)
		if !ok {
			return nil, fmt.Errorf("range: expected int, got %s", typeName(a))
		}
		bounds[i] = n
	}
	start, stop, step := int64(0), bounds[0], int64(1)
	if len(bounds) >= 2 {
		start, stop = bounds[0], bounds[1]
	}
	if len(bounds) == 3 {
		step = bounds[2]
	}
	if step == 0 {
		return nil, errors.New("range: step must not be zero")
	}
	var out []any
	for i := start; (step > 0 && i < stop) || (step < 0 && i > stop); i += step {
		if len(out) >= maxCollectionLen {
			return nil, errors.New("range: too many elements")
		}
		out = append(out, i)
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func builtinPrint(m *machine, args []any) (any, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		s, err := display(m.ctx, a)
		if err != nil {
			return nil, err
		}
		parts[i] = s
	}
	line := strings.Join(parts, " ")
	if len(m.output) < maxOutputLines && m.outputBytes+len(line) <= maxOutputBytes {
		m.output = append(m.output, line)
		m.outputBytes += len(line)
	}
	return nil, nil
}

func builtinAppend(_ *machine, args []any) (any, error) {
	if err := arity("append", args, 1, -1); err != nil {
		return nil, err
	}
	var list []any
	switch x := args[0].(type) {
	case nil:
	case []any:
		list = x
	default:
		return nil, fmt.Errorf("append: expected list, got %s", typeName(args[0]))
	}
	if len(list)+len(args)-1 > maxCollectionLen {
		return nil, errors.New("append: list too large")
	}
	out := make([]any, 0, len(list)+len(args)-1)
	out = append(out, list...)
	return append(out, args[1:]...), nil
}

func builtinKeys(_ *machine, args []any) (any, error) {
	if err := arity("keys", args, 1, 1); err != nil {
		return nil, err
	}
	m, ok := args[0].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("keys: expected map, got %s", typeName(args[0]))
	}
	out := make([]any, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, k)
	}
	return out, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
