package memhost

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// A filter is a conjunction of "field op literal" terms, e.g.
// `"kind" = 'road' AND lanes >= 2`.
type filter []term

type term struct {
	field string
	op    string
	value any
}

var (
	termRe = regexp.MustCompile(`^\s*"?([A-Za-z_][A-Za-z0-9_]*)"?\s*(=|==|!=|<>|<=|>=|<|>)\s*(.+?)\s*$`)
	andRe  = regexp.MustCompile(`(?i)\s+and\s+`)
)

func parseFilter(expr string) (filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	var f filter
	for _, part := range andRe.Split(expr, -1) {
		m := termRe.FindStringSubmatch(part)
		if m == nil {
			return nil, fmt.Errorf("invalid filter expression near %q", part)
		}
		v, err := parseLiteral(m[3])
		if err != nil {
			return nil, err
		}
		op := m[2]
		switch op {
		case "==":
			op = "="
		case "<>":
			op = "!="
		}
		f = append(f, term{field: m[1], op: op, value: v})
	}
	return f, nil
}

func parseLiteral(s string) (any, error) {
	if len(s) >= 2 && s[0] == '\'' && s[len(s)-1] == '\'' {
		return strings.ReplaceAll(s[1:len(s)-1], "''", "'"), nil
	}
	switch strings.ToLower(s) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null":
		return nil, nil
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid literal %q in filter expression", s)
	}
	return n, nil
}

func (f filter) match(attrs map[string]any) bool {
	for _, t := range f {
		if !t.match(attrs[t.field]) {
			return false
		}
	}
	return true
}

func (t term) match(v any) bool {
	if v == nil || t.value == nil {
		eq := v == nil && t.value == nil
		switch t.op {
		case "=":
			return eq
		case "!=":
			return !eq
		}
		return false
	}
	if a, ok := v.(float64); ok {
		b, ok := t.value.(float64)
		if !ok {
			return false
		}
		return compare(t.op, cmpFloat(a, b))
	}
	if a, ok := v.(string); ok {
		b, ok := t.value.(string)
		if !ok {
			return false
		}
		return compare(t.op, strings.Compare(a, b))
	}
	if a, ok := v.(bool); ok {
		b, ok := t.value.(bool)
		if !ok || (t.op != "=" && t.op != "!=") {
			return false
		}
		return (a == b) == (t.op == "=")
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compare(op string, c int) bool {
	switch op {
	case "=":
		return c == 0
	case "!=":
		return c != 0
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	case ">=":
		return c >= 0
	}
	return false
}
