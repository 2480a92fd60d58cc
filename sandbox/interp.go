package sandbox

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"
	"time"

	"github.com/machinefabric/gisgate-go/fault"
)

type control int

const (
	ctrlNone control = iota
	ctrlBreak
	ctrlContinue
	ctrlReturn
)

// machine interprets one checked program. It is used by a single goroutine.
type machine struct {
	ctx      context.Context
	prog     *program
	policy   *Policy
	modules  map[string]Module
	bindings map[string]any
	limit    time.Duration

	scopes   []map[string]any
	steps    int
	maxSteps int
	ret      any
	output   []string

	outputBytes int
}

func (m *machine) run() (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.Internal(fmt.Errorf("sandbox interpreter panic: %v", r))
		}
	}()

	m.scopes = []map[string]any{{}}
	ctrl, err := m.stmts(m.prog.body.List)
	if err != nil {
		return nil, err
	}
	if ctrl == ctrlReturn {
		return m.ret, nil
	}
	return m.scopes[0]["result"], nil
}

// tick charges one step and observes cancellation.
func (m *machine) tick() error {
	m.steps++
	if m.steps > m.maxSteps {
		return fault.New(fault.KindSandboxTimeout, "execution exceeded %d steps", m.maxSteps).WithSubtype("step_limit")
	}
	if err := m.ctx.Err(); err != nil {
		return m.ctxErr(err)
	}
	return nil
}

func (m *machine) ctxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.SandboxTimeout(m.limit)
	}
	return err
}

// wrap attaches the source line to a plain runtime error.
func (m *machine) wrap(n ast.Node, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := fault.As(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return m.ctxErr(err)
	}
	return fault.SandboxViolation("runtime", fmt.Sprintf("line %d: %s", m.prog.line(n), err))
}

func (m *machine) push() { m.scopes = append(m.scopes, map[string]any{}) }
func (m *machine) pop()  { m.scopes = m.scopes[:len(m.scopes)-1] }

func (m *machine) lookup(name string) (any, bool) {
	for i := len(m.scopes) - 1; i >= 0; i-- {
		if v, ok := m.scopes[i][name]; ok {
			return v, true
		}
	}
	if v, ok := m.bindings[name]; ok {
		return v, true
	}
	return nil, false
}

func (m *machine) define(name string, v any) {
	if name != "_" {
		m.scopes[len(m.scopes)-1][name] = v
	}
}

// set assigns to the innermost existing variable, or declares it at
// function scope.
func (m *machine) set(name string, v any) {
	if name == "_" {
		return
	}
	for i := len(m.scopes) - 1; i >= 0; i-- {
		if _, ok := m.scopes[i][name]; ok {
			m.scopes[i][name] = v
			return
		}
	}
	m.scopes[0][name] = v
}

func (m *machine) stmts(list []ast.Stmt) (control, error) {
	for _, s := range list {
		ctrl, err := m.stmt(s)
		if err != nil || ctrl != ctrlNone {
			return ctrl, err
		}
	}
	return ctrlNone, nil
}

func (m *machine) scoped(list []ast.Stmt) (control, error) {
	m.push()
	defer m.pop()
	return m.stmts(list)
}

func (m *machine) stmt(s ast.Stmt) (control, error) {
	if s == nil {
		return ctrlNone, nil
	}
	if err := m.tick(); err != nil {
		return ctrlNone, err
	}

	switch n := s.(type) {
	case *ast.AssignStmt:
		return ctrlNone, m.assign(n)
	case *ast.IncDecStmt:
		cur, err := m.eval(n.X)
		if err != nil {
			return ctrlNone, err
		}
		op := token.ADD
		if n.Tok == token.DEC {
			op = token.SUB
		}
		v, err := binop(op, cur, int64(1))
		if err != nil {
			return ctrlNone, m.wrap(n, err)
		}
		return ctrlNone, m.store(n.X, v, false)
	case *ast.ExprStmt:
		_, err := m.eval(n.X)
		return ctrlNone, err
	case *ast.IfStmt:
		m.push()
		defer m.pop()
		if _, err := m.stmt(n.Init); err != nil {
			return ctrlNone, err
		}
		ok, err := m.cond(n.Cond)
		if err != nil {
			return ctrlNone, err
		}
		if ok {
			return m.scoped(n.Body.List)
		}
		return m.stmt(n.Else)
	case *ast.ForStmt:
		return m.forLoop(n)
	case *ast.RangeStmt:
		return m.rangeLoop(n)
	case *ast.BranchStmt:
		if n.Tok == token.BREAK {
			return ctrlBreak, nil
		}
		return ctrlContinue, nil
	case *ast.ReturnStmt:
		m.ret = nil
		if len(n.Results) == 1 {
			v, err := m.eval(n.Results[0])
			if err != nil {
				return ctrlNone, err
			}
			m.ret = v
		}
		return ctrlReturn, nil
	case *ast.BlockStmt:
		return m.scoped(n.List)
	case *ast.EmptyStmt:
		return ctrlNone, nil
	}
	return ctrlNone, fault.SandboxViolation("node", fmt.Sprintf("line %d: %s is not allowed", m.prog.line(s), describe(s)))
}

func (m *machine) cond(e ast.Expr) (bool, error) {
	v, err := m.eval(e)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, m.wrap(e, fmt.Errorf("condition is %s, not bool", typeName(v)))
	}
	return b, nil
}

func (m *machine) assign(n *ast.AssignStmt) error {
	values := make([]any, len(n.Rhs))
	for i, r := range n.Rhs {
		v, err := m.eval(r)
		if err != nil {
			return err
		}
		values[i] = v
	}

	switch n.Tok {
	case token.DEFINE:
		for i, l := range n.Lhs {
			id, ok := l.(*ast.Ident)
			if !ok {
				return m.wrap(l, errors.New("non-name on left side of :="))
			}
			m.define(id.Name, values[i])
		}
		return nil
	case token.ASSIGN:
		for i, l := range n.Lhs {
			if err := m.store(l, values[i], true); err != nil {
				return err
			}
		}
		return nil
	}

	op := map[token.Token]token.Token{
		token.ADD_ASSIGN: token.ADD,
		token.SUB_ASSIGN: token.SUB,
		token.MUL_ASSIGN: token.MUL,
		token.QUO_ASSIGN: token.QUO,
		token.REM_ASSIGN: token.REM,
	}[n.Tok]
	for i, l := range n.Lhs {
		cur, err := m.eval(l)
		if err != nil {
			return err
		}
		v, err := binop(op, cur, values[i])
		if err != nil {
			return m.wrap(n, err)
		}
		if err := m.store(l, v, false); err != nil {
			return err
		}
	}
	return nil
}

// store writes v to an identifier or an index expression.
func (m *machine) store(target ast.Expr, v any, declare bool) error {
	switch t := target.(type) {
	case *ast.Ident:
		if declare {
			m.set(t.Name, v)
			return nil
		}
		if _, ok := m.lookup(t.Name); !ok {
			return m.wrap(t, fmt.Errorf("%q is not defined", t.Name))
		}
		m.set(t.Name, v)
		return nil
	case *ast.IndexExpr:
		container, err := m.eval(t.X)
		if err != nil {
			return err
		}
		idx, err := m.eval(t.Index)
		if err != nil {
			return err
		}
		switch c := container.(type) {
		case []any:
			i, err := listIndex(idx, len(c))
			if err != nil {
				return m.wrap(t, err)
			}
			c[i] = v
			return nil
		case map[string]any:
			key, ok := idx.(string)
			if !ok {
				return m.wrap(t, fmt.Errorf("map key must be string, got %s", typeName(idx)))
			}
			if c == nil {
				return m.wrap(t, errors.New("assignment to entry in nil map"))
			}
			if _, exists := c[key]; !exists && len(c) >= maxCollectionLen {
				return m.wrap(t, errors.New("map too large"))
			}
			c[key] = v
			return nil
		}
		return m.wrap(t, fmt.Errorf("cannot index %s", typeName(container)))
	}
	return m.wrap(target, fmt.Errorf("cannot assign to %s", describe(target)))
}

func (m *machine) forLoop(n *ast.ForStmt) (control, error) {
	m.push()
	defer m.pop()
	if _, err := m.stmt(n.Init); err != nil {
		return ctrlNone, err
	}
	for {
		if err := m.tick(); err != nil {
			return ctrlNone, err
		}
		if n.Cond != nil {
			ok, err := m.cond(n.Cond)
			if err != nil {
				return ctrlNone, err
			}
			if !ok {
				return ctrlNone, nil
			}
		}
		ctrl, err := m.scoped(n.Body.List)
		if err != nil {
			return ctrlNone, err
		}
		switch ctrl {
		case ctrlBreak:
			return ctrlNone, nil
		case ctrlReturn:
			return ctrlReturn, nil
		}
		if _, err := m.stmt(n.Post); err != nil {
			return ctrlNone, err
		}
	}
}

func (m *machine) rangeLoop(n *ast.RangeStmt) (control, error) {
	x, err := m.eval(n.X)
	if err != nil {
		return ctrlNone, err
	}

	var (
		count int
		at    func(i int) (key, value any)
	)
	switch c := x.(type) {
	case []any:
		snapshot := append([]any(nil), c...)
		count = len(snapshot)
		at = func(i int) (any, any) { return int64(i), snapshot[i] }
	case map[string]any:
		keys := sortedKeys(c)
		count = len(keys)
		at = func(i int) (any, any) { return keys[i], c[keys[i]] }
	case string:
		var offsets []int
		var runes []string
		for i, r := range c {
			offsets = append(offsets, i)
			runes = append(runes, string(r))
		}
		count = len(runes)
		at = func(i int) (any, any) { return int64(offsets[i]), runes[i] }
	case int64:
		if c > 0 {
			count = int(min(c, int64(m.maxSteps)))
		}
		at = func(i int) (any, any) { return int64(i), int64(i) }
	default:
		return ctrlNone, m.wrap(n, fmt.Errorf("cannot range over %s", typeName(x)))
	}

	for i := 0; i < count; i++ {
		if err := m.tick(); err != nil {
			return ctrlNone, err
		}
		key, value := at(i)
		m.push()
		if err := m.bindRange(n, key, value); err != nil {
			m.pop()
			return ctrlNone, err
		}
		ctrl, err := m.stmts(n.Body.List)
		m.pop()
		if err != nil {
			return ctrlNone, err
		}
		switch ctrl {
		case ctrlBreak:
			return ctrlNone, nil
		case ctrlReturn:
			return ctrlReturn, nil
		}
	}
	return ctrlNone, nil
}

func (m *machine) bindRange(n *ast.RangeStmt, key, value any) error {
	pairs := []struct {
		target ast.Expr
		v      any
	}{{n.Key, key}, {n.Value, value}}
	for _, p := range pairs {
		if p.target == nil {
			continue
		}
		if id, ok := p.target.(*ast.Ident); ok && n.Tok == token.DEFINE {
			m.define(id.Name, p.v)
			continue
		}
		if err := m.store(p.target, p.v, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *machine) eval(e ast.Expr) (any, error) {
	switch n := e.(type) {
	case *ast.BasicLit:
		v, err := literal(n)
		return v, m.wrap(n, err)
	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		if v, ok := m.lookup(n.Name); ok {
			return v, nil
		}
		return nil, m.wrap(n, fmt.Errorf("%q is not defined", n.Name))
	case *ast.ParenExpr:
		return m.eval(n.X)
	case *ast.BinaryExpr:
		return m.binary(n)
	case *ast.UnaryExpr:
		x, err := m.eval(n.X)
		if err != nil {
			return nil, err
		}
		v, err := unop(n.Op, x)
		return v, m.wrap(n, err)
	case *ast.CallExpr:
		return m.call(n)
	case *ast.SelectorExpr:
		return m.selector(n)
	case *ast.IndexExpr:
		return m.index(n)
	case *ast.SliceExpr:
		return m.slice(n)
	case *ast.CompositeLit:
		return m.composite(n)
	}
	return nil, fault.SandboxViolation("node", fmt.Sprintf("line %d: %s is not allowed", m.prog.line(e), describe(e)))
}

func literal(n *ast.BasicLit) (any, error) {
	switch n.Kind {
	case token.INT:
		return strconv.ParseInt(n.Value, 0, 64)
	case token.FLOAT:
		return strconv.ParseFloat(strings.ReplaceAll(n.Value, "_", ""), 64)
	case token.STRING:
		return strconv.Unquote(n.Value)
	case token.CHAR:
		s, err := strconv.Unquote(n.Value)
		if err != nil {
			return nil, err
		}
		r := []rune(s)
		if len(r) != 1 {
			return nil, errors.New("invalid character literal")
		}
		return int64(r[0]), nil
	}
	return nil, fmt.Errorf("unsupported literal %s", n.Kind)
}

func (m *machine) binary(n *ast.BinaryExpr) (any, error) {
	if n.Op == token.LAND || n.Op == token.LOR {
		left, err := m.cond(n.X)
		if err != nil {
			return nil, err
		}
		if (n.Op == token.LAND && !left) || (n.Op == token.LOR && left) {
			return left, nil
		}
		return m.cond(n.Y)
	}
	x, err := m.eval(n.X)
	if err != nil {
		return nil, err
	}
	y, err := m.eval(n.Y)
	if err != nil {
		return nil, err
	}
	v, err := binop(n.Op, x, y)
	return v, m.wrap(n, err)
}

func (m *machine) moduleOf(sel *ast.SelectorExpr) (Module, bool) {
	id, ok := sel.X.(*ast.Ident)
	if !ok {
		return nil, false
	}
	for i := len(m.scopes) - 1; i >= 0; i-- {
		if _, shadowed := m.scopes[i][id.Name]; shadowed {
			return nil, false
		}
	}
	mod, ok := m.modules[id.Name]
	return mod, ok
}

func (m *machine) selector(n *ast.SelectorExpr) (any, error) {
	if mod, ok := m.moduleOf(n); ok {
		v, exists := mod[n.Sel.Name]
		if !exists {
			return nil, m.wrap(n, fmt.Errorf("%s is not defined", n.Sel.Name))
		}
		return v, nil
	}
	x, err := m.eval(n.X)
	if err != nil {
		return nil, err
	}
	return m.attr(n, x)
}

func (m *machine) attr(n *ast.SelectorExpr, x any) (any, error) {
	name := n.Sel.Name
	if !m.policy.AllowsAttribute(name) {
		return nil, fault.SandboxViolation("attribute", fmt.Sprintf("line %d: attribute %q is not allowed", m.prog.line(n), name))
	}
	obj, ok := x.(Object)
	if !ok {
		return nil, m.wrap(n, fmt.Errorf("%s has no attribute %q", typeName(x), name))
	}
	v, ok := obj.Attr(name)
	if !ok {
		return nil, m.wrap(n, fmt.Errorf("object has no attribute %q", name))
	}
	return normalize(v), nil
}

func (m *machine) call(n *ast.CallExpr) (any, error) {
	if err := m.tick(); err != nil {
		return nil, err
	}

	var (
		fn      Callable
		builtin builtinFunc
	)
	switch f := n.Fun.(type) {
	case *ast.Ident:
		builtin = builtins[f.Name]
		if builtin == nil || !m.policy.AllowsCallable(f.Name) {
			return nil, fault.SandboxViolation("call", fmt.Sprintf("line %d: call to %q is not allowed", m.prog.line(n), f.Name))
		}
	case *ast.SelectorExpr:
		v, err := m.selector(f)
		if err != nil {
			return nil, err
		}
		c, ok := v.(Callable)
		if !ok {
			return nil, m.wrap(n, fmt.Errorf("%s is not callable", f.Sel.Name))
		}
		fn = c
	default:
		return nil, fault.SandboxViolation("call", fmt.Sprintf("line %d: calls must name a function directly", m.prog.line(n)))
	}

	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := m.eval(a)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	var (
		out any
		err error
	)
	if builtin != nil {
		out, err = builtin(m, args)
	} else {
		out, err = fn(m.ctx, args)
	}
	if err != nil {
		if cerr := m.ctx.Err(); cerr != nil {
			return nil, m.ctxErr(cerr)
		}
		return nil, m.wrap(n, err)
	}
	return normalize(out), nil
}

func listIndex(idx any, n int) (int, error) {
	i, ok := idx.(int64)
	if !ok {
		return 0, fmt.Errorf("index must be int, got %s", typeName(idx))
	}
	if i < 0 || i >= int64(n) {
		return 0, fmt.Errorf("index %d out of range [0:%d]", i, n)
	}
	return int(i), nil
}

func (m *machine) index(n *ast.IndexExpr) (any, error) {
	x, err := m.eval(n.X)
	if err != nil {
		return nil, err
	}
	idx, err := m.eval(n.Index)
	if err != nil {
		return nil, err
	}
	switch c := x.(type) {
	case []any:
		i, err := listIndex(idx, len(c))
		if err != nil {
			return nil, m.wrap(n, err)
		}
		return c[i], nil
	case string:
		i, err := listIndex(idx, len(c))
		if err != nil {
			return nil, m.wrap(n, err)
		}
		return int64(c[i]), nil
	case map[string]any:
		key, ok := idx.(string)
		if !ok {
			return nil, m.wrap(n, fmt.Errorf("map key must be string, got %s", typeName(idx)))
		}
		return c[key], nil
	}
	return nil, m.wrap(n, fmt.Errorf("cannot index %s", typeName(x)))
}

func (m *machine) slice(n *ast.SliceExpr) (any, error) {
	x, err := m.eval(n.X)
	if err != nil {
		return nil, err
	}
	var length int
	switch c := x.(type) {
	case []any:
		length = len(c)
	case string:
		length = len(c)
	default:
		return nil, m.wrap(n, fmt.Errorf("cannot slice %s", typeName(x)))
	}

	bound := func(e ast.Expr, def int) (int, error) {
		if e == nil {
			return def, nil
		}
		v, err := m.eval(e)
		if err != nil {
			return 0, err
		}
		i, ok := v.(int64)
		if !ok || i < 0 || i > int64(length) {
			return 0, m.wrap(e, fmt.Errorf("slice bound out of range"))
		}
		return int(i), nil
	}
	lo, err := bound(n.Low, 0)
	if err != nil {
		return nil, err
	}
	hi, err := bound(n.High, length)
	if err != nil {
		return nil, err
	}
	if lo > hi {
		return nil, m.wrap(n, fmt.Errorf("invalid slice indices %d > %d", lo, hi))
	}
	if s, ok := x.(string); ok {
		return s[lo:hi], nil
	}
	return x.([]any)[lo:hi], nil
}

func (m *machine) composite(n *ast.CompositeLit) (any, error) {
	if len(n.Elts) > maxCollectionLen {
		return nil, m.wrap(n, errors.New("literal too large"))
	}
	if _, isMap := n.Type.(*ast.MapType); isMap {
		out := make(map[string]any, len(n.Elts))
		for _, el := range n.Elts {
			kv := el.(*ast.KeyValueExpr)
			k, err := m.eval(kv.Key)
			if err != nil {
				return nil, err
			}
			key, ok := k.(string)
			if !ok {
				return nil, m.wrap(kv, fmt.Errorf("map key must be string, got %s", typeName(k)))
			}
			v, err := m.eval(kv.Value)
			if err != nil {
				return nil, err
			}
			out[key] = v
		}
		return out, nil
	}
	out := make([]any, 0, len(n.Elts))
	for _, el := range n.Elts {
		v, err := m.eval(el)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
