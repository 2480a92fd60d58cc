package sandbox

import (
	"fmt"
	"go/ast"
	"go/token"
	"strconv"
	"strings"

	"github.com/machinefabric/gisgate-go/fault"
)

// nodeKind is the closed set of syntax a snippet may contain. classify maps
// every other AST node to kindInvalid.
type nodeKind int

const (
	kindInvalid nodeKind = iota
	kindBasicLit
	kindIdent
	kindBinary
	kindUnary
	kindParen
	kindCall
	kindSelector
	kindIndex
	kindSlice
	kindCompositeLit
	kindKeyValue
	kindAssign
	kindIncDec
	kindExprStmt
	kindIf
	kindFor
	kindRange
	kindBranch
	kindReturn
	kindBlock
	kindEmpty
)

func classify(n ast.Node) nodeKind {
	switch n.(type) {
	case *ast.BasicLit:
		return kindBasicLit
	case *ast.Ident:
		return kindIdent
	case *ast.BinaryExpr:
		return kindBinary
	case *ast.UnaryExpr:
		return kindUnary
	case *ast.ParenExpr:
		return kindParen
	case *ast.CallExpr:
		return kindCall
	case *ast.SelectorExpr:
		return kindSelector
	case *ast.IndexExpr:
		return kindIndex
	case *ast.SliceExpr:
		return kindSlice
	case *ast.CompositeLit:
		return kindCompositeLit
	case *ast.KeyValueExpr:
		return kindKeyValue
	case *ast.AssignStmt:
		return kindAssign
	case *ast.IncDecStmt:
		return kindIncDec
	case *ast.ExprStmt:
		return kindExprStmt
	case *ast.IfStmt:
		return kindIf
	case *ast.ForStmt:
		return kindFor
	case *ast.RangeStmt:
		return kindRange
	case *ast.BranchStmt:
		return kindBranch
	case *ast.ReturnStmt:
		return kindReturn
	case *ast.BlockStmt:
		return kindBlock
	case *ast.EmptyStmt:
		return kindEmpty
	default:
		return kindInvalid
	}
}

// describe names a rejected node without echoing source text.
func describe(n ast.Node) string {
	name := fmt.Sprintf("%T", n)
	name = strings.TrimPrefix(name, "*ast.")
	return name
}

var allowedBinary = map[token.Token]bool{
	token.ADD: true, token.SUB: true, token.MUL: true, token.QUO: true, token.REM: true,
	token.AND: true, token.OR: true, token.XOR: true, token.SHL: true, token.SHR: true, token.AND_NOT: true,
	token.LAND: true, token.LOR: true,
	token.EQL: true, token.NEQ: true, token.LSS: true, token.LEQ: true, token.GTR: true, token.GEQ: true,
}

var allowedUnary = map[token.Token]bool{
	token.SUB: true, token.ADD: true, token.NOT: true, token.XOR: true,
}

var allowedAssign = map[token.Token]bool{
	token.ASSIGN: true, token.DEFINE: true,
	token.ADD_ASSIGN: true, token.SUB_ASSIGN: true, token.MUL_ASSIGN: true,
	token.QUO_ASSIGN: true, token.REM_ASSIGN: true,
}

// element types accepted in composite literal types; all of them evaluate
// to the interpreter's generic list or map.
var literalElemTypes = map[string]bool{
	"any": true, "int": true, "int64": true, "float64": true, "string": true, "bool": true,
}

// checker walks a parsed snippet and rejects anything outside the policy.
type checker struct {
	prog     *program
	policy   *Policy
	modules  map[string]Module
	bindings map[string]bool
	imported map[string]bool
	locals   map[string]bool
}

func newChecker(prog *program, policy *Policy, modules map[string]Module, bindings map[string]bool) *checker {
	return &checker{
		prog:     prog,
		policy:   policy,
		modules:  modules,
		bindings: bindings,
		imported: make(map[string]bool),
		locals:   make(map[string]bool),
	}
}

func (c *checker) violation(n ast.Node, subtype, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if n != nil {
		msg = fmt.Sprintf("line %d: %s", c.prog.line(n), msg)
	}
	return fault.SandboxViolation(subtype, msg)
}

func (c *checker) run() error {
	for _, imp := range c.prog.file.Imports {
		if err := c.importSpec(imp); err != nil {
			return err
		}
	}
	return c.stmts(c.prog.body.List)
}

func (c *checker) importSpec(imp *ast.ImportSpec) error {
	if imp.Name != nil {
		return c.violation(imp, "import", "import aliases are not allowed")
	}
	path, err := strconv.Unquote(imp.Path.Value)
	if err != nil {
		return c.violation(imp, "import", "malformed import path")
	}
	if !c.policy.AllowsModule(path) {
		return c.violation(imp, "import", "import of %q is not allowed", path)
	}
	if _, ok := c.modules[path]; !ok {
		return c.violation(imp, "import", "module %q is not available", path)
	}
	c.imported[path] = true
	return nil
}

func (c *checker) stmts(list []ast.Stmt) error {
	for _, s := range list {
		if err := c.stmt(s); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) stmt(s ast.Stmt) error {
	if s == nil {
		return nil
	}
	switch classify(s) {
	case kindAssign:
		n := s.(*ast.AssignStmt)
		if !allowedAssign[n.Tok] {
			return c.violation(n, "node", "assignment operator %s is not allowed", n.Tok)
		}
		if len(n.Lhs) != len(n.Rhs) {
			return c.violation(n, "node", "assignment count mismatch")
		}
		for _, r := range n.Rhs {
			if err := c.expr(r); err != nil {
				return err
			}
		}
		for _, l := range n.Lhs {
			if err := c.target(l, n.Tok == token.DEFINE || n.Tok == token.ASSIGN); err != nil {
				return err
			}
		}
		return nil
	case kindIncDec:
		n := s.(*ast.IncDecStmt)
		return c.target(n.X, false)
	case kindExprStmt:
		return c.expr(s.(*ast.ExprStmt).X)
	case kindIf:
		n := s.(*ast.IfStmt)
		if err := c.stmt(n.Init); err != nil {
			return err
		}
		if err := c.expr(n.Cond); err != nil {
			return err
		}
		if err := c.stmts(n.Body.List); err != nil {
			return err
		}
		if n.Else != nil {
			return c.stmt(n.Else)
		}
		return nil
	case kindFor:
		n := s.(*ast.ForStmt)
		if err := c.stmt(n.Init); err != nil {
			return err
		}
		if n.Cond != nil {
			if err := c.expr(n.Cond); err != nil {
				return err
			}
		}
		if err := c.stmts(n.Body.List); err != nil {
			return err
		}
		return c.stmt(n.Post)
	case kindRange:
		n := s.(*ast.RangeStmt)
		if err := c.expr(n.X); err != nil {
			return err
		}
		for _, v := range []ast.Expr{n.Key, n.Value} {
			if v == nil {
				continue
			}
			if err := c.target(v, true); err != nil {
				return err
			}
		}
		return c.stmts(n.Body.List)
	case kindBranch:
		n := s.(*ast.BranchStmt)
		if n.Label != nil || (n.Tok != token.BREAK && n.Tok != token.CONTINUE) {
			return c.violation(n, "node", "%s is not allowed", n.Tok)
		}
		return nil
	case kindReturn:
		n := s.(*ast.ReturnStmt)
		if len(n.Results) > 1 {
			return c.violation(n, "node", "return takes at most one value")
		}
		for _, r := range n.Results {
			if err := c.expr(r); err != nil {
				return err
			}
		}
		return nil
	case kindBlock:
		return c.stmts(s.(*ast.BlockStmt).List)
	case kindEmpty:
		return nil
	default:
		return c.violation(s, "node", "%s is not allowed", describe(s))
	}
}

// target checks the left-hand side of an assignment. Plain identifiers
// become locals when declare is set.
func (c *checker) target(e ast.Expr, declare bool) error {
	switch classify(e) {
	case kindIdent:
		id := e.(*ast.Ident)
		if id.Name == "_" {
			return nil
		}
		if err := c.assignableName(id); err != nil {
			return err
		}
		if declare {
			c.locals[id.Name] = true
			return nil
		}
		if !c.locals[id.Name] {
			return c.violation(id, "name", "%q is not defined", id.Name)
		}
		return nil
	case kindIndex:
		n := e.(*ast.IndexExpr)
		if err := c.expr(n.X); err != nil {
			return err
		}
		return c.expr(n.Index)
	default:
		return c.violation(e, "node", "cannot assign to %s", describe(e))
	}
}

// assignableName refuses to shadow anything the namespace provides.
func (c *checker) assignableName(id *ast.Ident) error {
	switch {
	case strings.HasPrefix(id.Name, "_"):
		return c.violation(id, "name", "identifiers starting with an underscore are not allowed")
	case c.imported[id.Name], isConstName(id.Name), builtins[id.Name] != nil:
		return c.violation(id, "name", "cannot assign to %q", id.Name)
	case c.bindings[id.Name]:
		return c.violation(id, "name", "cannot assign to binding %q", id.Name)
	}
	return nil
}

func isConstName(name string) bool {
	return name == "true" || name == "false" || name == "nil"
}

func (c *checker) expr(e ast.Expr) error {
	switch classify(e) {
	case kindBasicLit:
		lit := e.(*ast.BasicLit)
		if lit.Kind == token.IMAG {
			return c.violation(lit, "node", "complex numbers are not allowed")
		}
		return nil
	case kindIdent:
		return c.valueName(e.(*ast.Ident))
	case kindBinary:
		n := e.(*ast.BinaryExpr)
		if !allowedBinary[n.Op] {
			return c.violation(n, "node", "operator %s is not allowed", n.Op)
		}
		if err := c.expr(n.X); err != nil {
			return err
		}
		return c.expr(n.Y)
	case kindUnary:
		n := e.(*ast.UnaryExpr)
		if !allowedUnary[n.Op] {
			return c.violation(n, "node", "operator %s is not allowed", n.Op)
		}
		return c.expr(n.X)
	case kindParen:
		return c.expr(e.(*ast.ParenExpr).X)
	case kindCall:
		return c.call(e.(*ast.CallExpr))
	case kindSelector:
		n := e.(*ast.SelectorExpr)
		if mod, ok := c.moduleOf(n); ok {
			v, exists := c.modules[mod][n.Sel.Name]
			if !exists {
				return c.violation(n, "attribute", "%s.%s is not defined", mod, n.Sel.Name)
			}
			if _, isFunc := v.(Callable); isFunc {
				return c.violation(n, "call", "%s.%s must be called", mod, n.Sel.Name)
			}
			return nil
		}
		if err := c.attribute(n); err != nil {
			return err
		}
		return c.expr(n.X)
	case kindIndex:
		n := e.(*ast.IndexExpr)
		if err := c.expr(n.X); err != nil {
			return err
		}
		return c.expr(n.Index)
	case kindSlice:
		n := e.(*ast.SliceExpr)
		if n.Slice3 {
			return c.violation(n, "node", "three-index slices are not allowed")
		}
		if err := c.expr(n.X); err != nil {
			return err
		}
		for _, x := range []ast.Expr{n.Low, n.High} {
			if x != nil {
				if err := c.expr(x); err != nil {
					return err
				}
			}
		}
		return nil
	case kindCompositeLit:
		return c.composite(e.(*ast.CompositeLit))
	default:
		return c.violation(e, "node", "%s is not allowed", describe(e))
	}
}

// valueName checks an identifier used as a value.
func (c *checker) valueName(id *ast.Ident) error {
	name := id.Name
	switch {
	case isConstName(name):
		return nil
	case c.locals[name], c.bindings[name]:
		return nil
	case c.imported[name]:
		return c.violation(id, "name", "module %q can only be used through its members", name)
	case builtins[name] != nil:
		return c.violation(id, "call", "%q must be called", name)
	}
	return c.violation(id, "name", "%q is not defined", name)
}

func (c *checker) attribute(n *ast.SelectorExpr) error {
	name := n.Sel.Name
	if strings.HasPrefix(name, "_") || !c.policy.AllowsAttribute(name) {
		return c.violation(n, "attribute", "attribute %q is not allowed", name)
	}
	return nil
}

// moduleOf reports whether sel is a member access on an imported module.
func (c *checker) moduleOf(sel *ast.SelectorExpr) (string, bool) {
	id, ok := sel.X.(*ast.Ident)
	if !ok || !c.imported[id.Name] || c.locals[id.Name] {
		return "", false
	}
	return id.Name, true
}

func (c *checker) call(n *ast.CallExpr) error {
	if n.Ellipsis.IsValid() {
		return c.violation(n, "call", "variadic expansion is not allowed")
	}
	switch fn := n.Fun.(type) {
	case *ast.Ident:
		if c.locals[fn.Name] || c.bindings[fn.Name] || builtins[fn.Name] == nil || !c.policy.AllowsCallable(fn.Name) {
			return c.violation(n, "call", "call to %q is not allowed", fn.Name)
		}
	case *ast.SelectorExpr:
		if mod, ok := c.moduleOf(fn); ok {
			qualified := mod + "." + fn.Sel.Name
			v, exists := c.modules[mod][fn.Sel.Name]
			if _, isFunc := v.(Callable); !exists || !isFunc || !c.policy.AllowsCallable(qualified) {
				return c.violation(n, "call", "call to %q is not allowed", qualified)
			}
			break
		}
		if err := c.attribute(fn); err != nil {
			return err
		}
		if !c.policy.AllowsCallable(fn.Sel.Name) {
			return c.violation(n, "call", "call to method %q is not allowed", fn.Sel.Name)
		}
		if err := c.expr(fn.X); err != nil {
			return err
		}
	default:
		return c.violation(n, "call", "calls must name a function directly")
	}
	for _, a := range n.Args {
		if err := c.expr(a); err != nil {
			return err
		}
	}
	return nil
}

func (c *checker) composite(n *ast.CompositeLit) error {
	switch t := n.Type.(type) {
	case *ast.ArrayType:
		if t.Len != nil || !c.elemType(t.Elt) {
			return c.violation(n, "node", "only slice literals of basic types are allowed")
		}
		for _, el := range n.Elts {
			if _, isKV := el.(*ast.KeyValueExpr); isKV {
				return c.violation(el, "node", "indexed slice literals are not allowed")
			}
			if err := c.expr(el); err != nil {
				return err
			}
		}
		return nil
	case *ast.MapType:
		key, ok := t.Key.(*ast.Ident)
		if !ok || key.Name != "string" || !c.elemType(t.Value) {
			return c.violation(n, "node", "only map[string]T literals of basic types are allowed")
		}
		for _, el := range n.Elts {
			kv, isKV := el.(*ast.KeyValueExpr)
			if !isKV {
				return c.violation(el, "node", "map literal entries need a key")
			}
			if err := c.expr(kv.Key); err != nil {
				return err
			}
			if err := c.expr(kv.Value); err != nil {
				return err
			}
		}
		return nil
	default:
		return c.violation(n, "node", "composite literal type is not allowed")
	}
}

func (c *checker) elemType(e ast.Expr) bool {
	switch t := e.(type) {
	case *ast.Ident:
		return literalElemTypes[t.Name]
	case *ast.InterfaceType:
		return t.Methods == nil || len(t.Methods.List) == 0
	}
	return false
}
