package validate

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"regexp"
	"strconv"
	"strings"

	"github.com/aretw0/scriptforge/pkg/codegen"
	"github.com/aretw0/scriptforge/pkg/sdk"
)

var (
	allowedImports = map[string]bool{
		"context": true, "errors": true, "fmt": true, "strconv": true, "strings": true, "time": true,
		sdk.ImportPath: true,
	}

	builtinFuncs = map[string]bool{
		"append": true, "cap": true, "clear": true, "copy": true, "delete": true, "len": true,
		"make": true, "max": true, "min": true, "new": true,
	}

	builtinTypes = map[string]bool{
		"any": true, "bool": true, "byte": true, "comparable": true, "complex64": true, "complex128": true,
		"error": true, "float32": true, "float64": true, "int": true, "int8": true, "int16": true,
		"int32": true, "int64": true, "rune": true, "string": true, "uint": true, "uint8": true,
		"uint16": true, "uint32": true, "uint64": true, "uintptr": true,
	}

	// template actions written outside string literals, e.g. Value: {{.email}}
	markupPattern = regexp.MustCompile(`\{\{-?\s*(?:\.[^{}]*|[A-Za-z_][A-Za-z0-9_]*\s*)-?\}\}`)

	// parameter references inside string literals
	stringRefPattern = regexp.MustCompile(`\{\{-?\s*\.([A-Za-z_][A-Za-z0-9_]*)`)
)

// source is one parsed block file plus the identifier tables the checks share.
type source struct {
	fset     *token.FileSet
	file     *ast.File
	src      []byte
	masked   []string // parameter keys found in masked template markup
	imports  map[string]string
	sdk      string
	declared map[string]bool
	funcs    map[string]bool
	types    map[string]bool
	page     map[string]bool
	rc       map[string]bool
	opts     map[string]string // variables holding sdk option structs, by type name
}

// parseSource parses src, retrying with template markup masked when the plain parse fails.
func parseSource(src []byte) (*source, error) {
	if len(bytes.TrimSpace(src)) == 0 {
		return nil, fmt.Errorf("empty source")
	}
	src = codegen.EnsurePackage(src)

	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "block.go", src, parser.ParseComments)
	var masked []string
	if err != nil {
		m, keys := maskMarkup(src)
		if len(keys) == 0 {
			return nil, err
		}
		fset = token.NewFileSet()
		var err2 error
		f, err2 = parser.ParseFile(fset, "block.go", m, parser.ParseComments)
		if err2 != nil {
			return nil, err
		}
		masked = keys
	}

	s := &source{
		fset:     fset,
		file:     f,
		src:      src,
		masked:   masked,
		imports:  make(map[string]string),
		declared: make(map[string]bool),
		funcs:    make(map[string]bool),
		types:    make(map[string]bool),
		page:     make(map[string]bool),
		rc:       make(map[string]bool),
		opts:     make(map[string]string),
	}
	s.index()
	s.propagate()
	return s, nil
}

func (s *source) index() {
	for _, imp := range s.file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		name := path[strings.LastIndex(path, "/")+1:]
		if imp.Name != nil {
			name = imp.Name.Name
		}
		s.imports[name] = path
		if path == sdk.ImportPath {
			s.sdk = name
		}
	}

	declare := func(idents ...*ast.Ident) {
		for _, id := range idents {
			if id != nil && id.Name != "_" {
				s.declared[id.Name] = true
			}
		}
	}

	ast.Inspect(s.file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncDecl:
			if n.Recv == nil {
				s.funcs[n.Name.Name] = true
			}
			declare(n.Name)
		case *ast.TypeSpec:
			s.types[n.Name.Name] = true
			declare(n.Name)
			if n.TypeParams != nil {
				for _, p := range n.TypeParams.List {
					for _, id := range p.Names {
						s.types[id.Name] = true
					}
				}
			}
		case *ast.ValueSpec:
			declare(n.Names...)
		case *ast.Field:
			declare(n.Names...)
			for _, id := range n.Names {
				if s.isSdk(n.Type, "Page") {
					s.page[id.Name] = true
				}
				if star, ok := n.Type.(*ast.StarExpr); ok && s.isSdk(star.X, "RunContext") {
					s.rc[id.Name] = true
				}
				if t, ok := s.optionType(n.Type); ok {
					s.opts[id.Name] = t
				}
			}
		case *ast.AssignStmt:
			if n.Tok == token.DEFINE {
				for _, lhs := range n.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						declare(id)
					}
				}
			}
		case *ast.RangeStmt:
			if n.Tok == token.DEFINE {
				for _, e := range []ast.Expr{n.Key, n.Value} {
					if id, ok := e.(*ast.Ident); ok {
						declare(id)
					}
				}
			}
		}
		return true
	})
}

// propagate follows assignments until every alias of a page, run context or option
// value is tracked under the same rules as the original.
func (s *source) propagate() {
	for changed := true; changed; {
		changed = false
		bind := func(lhs ast.Expr, rhs ast.Expr, typ ast.Expr) {
			id, ok := lhs.(*ast.Ident)
			if !ok || id.Name == "_" {
				return
			}
			if typ != nil {
				if s.isSdk(typ, "Page") && !s.page[id.Name] {
					s.page[id.Name], changed = true, true
				}
				if star, ok := typ.(*ast.StarExpr); ok && s.isSdk(star.X, "RunContext") && !s.rc[id.Name] {
					s.rc[id.Name], changed = true, true
				}
				if t, ok := s.optionType(typ); ok && s.opts[id.Name] == "" {
					s.opts[id.Name], changed = t, true
				}
			}
			if rhs == nil {
				return
			}
			if t, ok := s.optionValue(rhs); ok && s.opts[id.Name] == "" {
				s.opts[id.Name], changed = t, true
			}
			src, ok := ast.Unparen(rhs).(*ast.Ident)
			if !ok {
				return
			}
			if s.page[src.Name] && !s.page[id.Name] {
				s.page[id.Name], changed = true, true
			}
			if s.rc[src.Name] && !s.rc[id.Name] {
				s.rc[id.Name], changed = true, true
			}
		}

		ast.Inspect(s.file, func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.AssignStmt:
				if len(n.Lhs) == len(n.Rhs) {
					for i := range n.Lhs {
						bind(n.Lhs[i], n.Rhs[i], nil)
					}
				}
			case *ast.ValueSpec:
				for i, name := range n.Names {
					var rhs ast.Expr
					if len(n.Values) == len(n.Names) {
						rhs = n.Values[i]
					}
					bind(name, rhs, n.Type)
				}
			}
			return true
		})
	}
}

// optionType reports the primitive whose option struct typ names, through one pointer.
func (s *source) optionType(typ ast.Expr) (string, bool) {
	if star, ok := typ.(*ast.StarExpr); ok {
		typ = star.X
	}
	sel, ok := typ.(*ast.SelectorExpr)
	if !ok || !s.isSdk(sel, "") {
		return "", false
	}
	_, ok = primitives[sel.Sel.Name]
	return sel.Sel.Name, ok
}

// optionValue reports the option struct an expression evaluates to: a literal, its address,
// a dereference or a copy of another option variable.
func (s *source) optionValue(e ast.Expr) (string, bool) {
	switch e := ast.Unparen(e).(type) {
	case *ast.CompositeLit:
		if e.Type != nil {
			return s.optionType(e.Type)
		}
	case *ast.UnaryExpr:
		if e.Op == token.AND {
			return s.optionValue(e.X)
		}
	case *ast.StarExpr:
		return s.optionValue(e.X)
	case *ast.CallExpr:
		if id, ok := e.Fun.(*ast.Ident); ok && id.Name == "new" && len(e.Args) == 1 {
			return s.optionType(e.Args[0])
		}
	case *ast.Ident:
		t, ok := s.opts[e.Name]
		return t, ok
	}
	return "", false
}

func (s *source) isSdk(e ast.Expr, name string) bool {
	sel, ok := e.(*ast.SelectorExpr)
	if !ok || s.sdk == "" {
		return false
	}
	x, ok := sel.X.(*ast.Ident)
	return ok && x.Name == s.sdk && (name == "" || sel.Sel.Name == name)
}

// primitive returns the Page method a call invokes.
func (s *source) primitive(call *ast.CallExpr) (string, bool) {
	sel, ok := ast.Unparen(call.Fun).(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	x, ok := sel.X.(*ast.Ident)
	if !ok || !s.page[x.Name] {
		return "", false
	}
	return sel.Sel.Name, true
}

func (s *source) rcCall(call *ast.CallExpr) (string, bool) {
	sel, ok := ast.Unparen(call.Fun).(*ast.SelectorExpr)
	if !ok {
		return "", false
	}
	x, ok := sel.X.(*ast.Ident)
	if !ok || !s.rc[x.Name] {
		return "", false
	}
	return sel.Sel.Name, true
}

func (s *source) pos(n ast.Node) string {
	p := s.fset.Position(n.Pos())
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

func (s *source) offset(p token.Pos) int {
	return s.fset.Position(p).Offset
}

// blockFunc returns the function implementing label: the marked one, the conventionally named
// one, or the first top-level function.
func (s *source) blockFunc(label string) *ast.FuncDecl {
	var byName, first *ast.FuncDecl
	label = codegen.MarkerLabel(label)
	for _, d := range s.file.Decls {
		fd, ok := d.(*ast.FuncDecl)
		if !ok || fd.Recv != nil {
			continue
		}
		if l, ok := codegen.Marker(fd); ok && l == label {
			return fd
		}
		if fd.Name.Name == codegen.FuncName(label) {
			byName = fd
		}
		if first == nil {
			first = fd
		}
	}
	if byName != nil {
		return byName
	}
	return first
}

// maskMarkup blanks template actions that sit outside string literals and comments, keeping
// byte offsets stable, and returns the parameter keys they referenced.
func maskMarkup(src []byte) ([]byte, []string) {
	protected := literalRanges(src)
	out := bytes.Clone(src)
	var keys []string
	for _, m := range markupPattern.FindAllIndex(src, -1) {
		if within(m[0], protected) {
			continue
		}
		keys = append(keys, codegen.References(string(src[m[0]:m[1]]))...)
		out[m[0]] = '_'
		for i := m[0] + 1; i < m[1]; i++ {
			if out[i] != '\n' {
				out[i] = ' '
			}
		}
	}
	return out, keys
}

func literalRanges(src []byte) [][2]int {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))
	var sc scanner.Scanner
	sc.Init(file, src, nil, scanner.ScanComments)

	var ranges [][2]int
	for {
		pos, tok, lit := sc.Scan()
		if tok == token.EOF {
			break
		}
		switch tok {
		case token.STRING, token.CHAR, token.COMMENT:
			off := file.Offset(pos)
			ranges = append(ranges, [2]int{off, off + len(lit)})
		}
	}
	return ranges
}

func within(off int, ranges [][2]int) bool {
	for _, r := range ranges {
		if off >= r[0] && off < r[1] {
			return true
		}
	}
	return false
}
