package sandbox

import (
	"errors"
	"fmt"
	"go/token"
	"math"
	"reflect"
)

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	}
	return true
}

func isNil(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []any:
		return x == nil
	case map[string]any:
		return x == nil
	}
	return false
}

func compareValues(a, b any) (int, error) {
	if ai, ok := a.(int64); ok {
		if bi, ok := b.(int64); ok {
			switch {
			case ai < bi:
				return -1, nil
			case ai > bi:
				return 1, nil
			}
			return 0, nil
		}
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			switch {
			case af < bf:
				return -1, nil
			case af > bf:
				return 1, nil
			}
			return 0, nil
		}
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			switch {
			case as < bs:
				return -1, nil
			case as > bs:
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s and %s", typeName(a), typeName(b))
}

func equalValues(a, b any) (bool, error) {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b), nil
	}
	switch a.(type) {
	case int64, float64, string:
		c, err := compareValues(a, b)
		if err != nil {
			return false, nil
		}
		return c == 0, nil
	case bool:
		bb, ok := b.(bool)
		return ok && a.(bool) == bb, nil
	case []any, map[string]any, Callable, Module:
		return false, fmt.Errorf("cannot compare %s values", typeName(a))
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return false, fmt.Errorf("cannot compare %s values", typeName(a))
	}
	return a == b, nil
}

// binop applies a non-short-circuit binary operator.
func binop(op token.Token, x, y any) (any, error) {
	switch op {
	case token.EQL, token.NEQ:
		eq, err := equalValues(x, y)
		if err != nil {
			return nil, err
		}
		return eq == (op == token.EQL), nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		c, err := compareValues(x, y)
		if err != nil {
			return nil, err
		}
		switch op {
		case token.LSS:
			return c < 0, nil
		case token.LEQ:
			return c <= 0, nil
		case token.GTR:
			return c > 0, nil
		}
		return c >= 0, nil
	}

	if xs, ok := x.(string); ok && op == token.ADD {
		ys, ok := y.(string)
		if !ok {
			return nil, fmt.Errorf("cannot add %s to string", typeName(y))
		}
		if len(xs)+len(ys) > maxStringLen {
			return nil, errors.New("string too large")
		}
		return xs + ys, nil
	}

	xi, xInt := x.(int64)
	yi, yInt := y.(int64)
	if xInt && yInt {
		return intOp(op, xi, yi)
	}
	xf, xNum := toFloat(x)
	yf, yNum := toFloat(y)
	if !xNum || !yNum {
		return nil, fmt.Errorf("operator %s not defined on %s and %s", op, typeName(x), typeName(y))
	}
	switch op {
	case token.ADD:
		return xf + yf, nil
	case token.SUB:
		return xf - yf, nil
	case token.MUL:
		return xf * yf, nil
	case token.QUO:
		if yf == 0 {
			return nil, errors.New("division by zero")
		}
		return xf / yf, nil
	case token.REM:
		if yf == 0 {
			return nil, errors.New("division by zero")
		}
		return math.Mod(xf, yf), nil
	}
	return nil, fmt.Errorf("operator %s not defined on floats", op)
}

func intOp(op token.Token, x, y int64) (any, error) {
	switch op {
	case token.ADD:
		return x + y, nil
	case token.SUB:
		return x - y, nil
	case token.MUL:
		return x * y, nil
	case token.QUO:
		if y == 0 {
			return nil, errors.New("division by zero")
		}
		return x / y, nil
	case token.REM:
		if y == 0 {
			return nil, errors.New("division by zero")
		}
		return x % y, nil
	case token.AND:
		return x & y, nil
	case token.OR:
		return x | y, nil
	case token.XOR:
		return x ^ y, nil
	case token.AND_NOT:
		return x &^ y, nil
	case token.SHL, token.SHR:
		if y < 0 {
			return nil, errors.New("negative shift count")
		}
		if op == token.SHL {
			return x << uint64(y), nil
		}
		return x >> uint64(y), nil
	}
	return nil, fmt.Errorf("operator %s not defined on ints", op)
}

func unop(op token.Token, x any) (any, error) {
	switch op {
	case token.NOT:
		b, ok := x.(bool)
		if !ok {
			return nil, fmt.Errorf("operator ! not defined on %s", typeName(x))
		}
		return !b, nil
	case token.SUB:
		switch v := x.(type) {
		case int64:
			return -v, nil
		case float64:
			return -v, nil
		}
	case token.ADD:
		switch x.(type) {
		case int64, float64:
			return x, nil
		}
	case token.XOR:
		if v, ok := x.(int64); ok {
			return ^v, nil
		}
	}
	return nil, fmt.Errorf("operator %s not defined on %s", op, typeName(x))
}
