package wire

import (
	"encoding/json"
	"math"
)

// Params gives typed access to a decoded params map. Numbers may arrive as
// any integer width, float64 or json.Number depending on the codec.
type Params map[string]any

func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

func (p Params) StringOr(key, def string) string {
	if s, ok := p.String(key); ok {
		return s
	}
	return def
}

func (p Params) Int(key string) (int64, bool) {
	return toInt(p[key])
}

func (p Params) IntOr(key string, def int64) int64 {
	if v, ok := p.Int(key); ok {
		return v
	}
	return def
}

func (p Params) Float(key string) (float64, bool) {
	return ToFloat(p[key])
}

func (p Params) Bool(key string) bool {
	b, _ := p[key].(bool)
	return b
}

func (p Params) Map(key string) (Params, bool) {
	m, ok := p[key].(map[string]any)
	return Params(m), ok
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint32:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

// ToFloat converts any decoded numeric value to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	if i, ok := toInt(v); ok {
		return float64(i), true
	}
	return 0, false
}
