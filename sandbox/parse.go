package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"

	"github.com/machinefabric/gisgate-go/fault"
)

const snippetFile = "snippet"

// program is a parsed snippet: its import prologue and the statement body,
// wrapped as the body of a single function so go/parser accepts it.
type program struct {
	fset *token.FileSet
	file *ast.File
	body *ast.BlockStmt
}

// splitPrologue returns the offset where the leading import declarations
// end and the statements begin.
func splitPrologue(src string) int {
	fset := token.NewFileSet()
	file := fset.AddFile(snippetFile, -1, len(src))
	var s scanner.Scanner
	s.Init(file, []byte(src), nil, 0)

	for {
		pos, tok, _ := s.Scan()
		switch tok {
		case token.EOF:
			return len(src)
		case token.SEMICOLON:
			continue
		case token.IMPORT:
		default:
			return file.Offset(pos)
		}

		// consume one import declaration
		depth := 0
		for {
			_, tok, _ := s.Scan()
			switch tok {
			case token.EOF:
				return len(src)
			case token.LPAREN:
				depth++
			case token.RPAREN:
				depth--
			}
			if tok == token.SEMICOLON && depth == 0 {
				break
			}
		}
	}
}

func parseSnippet(src string) (*program, error) {
	split := splitPrologue(src)
	header, body := src[:split], src[split:]

	var b strings.Builder
	b.WriteString("package snippet\n//line " + snippetFile + ":1\n")
	b.WriteString(header)
	b.WriteString("\nfunc _() {\n//line " + snippetFile + ":" + strconv.Itoa(strings.Count(header, "\n")+1) + "\n")
	b.WriteString(body)
	b.WriteString("\n}\n")

	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, snippetFile+".go", b.String(), parser.SkipObjectResolution)
	if err != nil {
		msg := err.Error()
		if list, ok := err.(scanner.ErrorList); ok && len(list) > 0 {
			msg = fmt.Sprintf("line %d: %s", list[0].Pos.Line, list[0].Msg)
		}
		return nil, fault.SandboxViolation("syntax", "syntax error: "+msg)
	}

	var fn *ast.FuncDecl
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.GenDecl:
			if d.Tok != token.IMPORT || fn != nil {
				return nil, fault.SandboxViolation("node", fmt.Sprintf("line %d: declarations are not allowed", fset.Position(d.Pos()).Line))
			}
		case *ast.FuncDecl:
			if fn != nil {
				return nil, fault.SandboxViolation("node", fmt.Sprintf("line %d: function declarations are not allowed", fset.Position(d.Pos()).Line))
			}
			fn = d
		default:
			return nil, fault.SandboxViolation("node", "unexpected declaration")
		}
	}
	if fn == nil || fn.Body == nil || fn.Recv != nil || fn.Name.Name != "_" ||
		len(fn.Type.Params.List) != 0 || fn.Type.Results != nil || fn.Type.TypeParams != nil {
		return nil, fault.SandboxViolation("syntax", "malformed snippet")
	}
	return &program{fset: fset, file: file, body: fn.Body}, nil
}

func (p *program) line(n ast.Node) int {
	return p.fset.Position(n.Pos()).Line
}
