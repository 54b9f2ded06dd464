package validate

import (
	"go/ast"
	"go/format"
	"sort"
	"strings"
)

// AutoRepair adds a default case returning sdk.ErrUnhandledBranch to every switch over a
// page.Classify result that lacks one. It reports whether anything changed.
func AutoRepair(src []byte) ([]byte, bool) {
	s, err := parseSource(src)
	if err != nil || s.sdk == "" {
		return src, false
	}

	type insertion struct {
		at   int
		text string
	}
	var edits []insertion

	forEachBody(s.file, func(body *ast.BlockStmt, typ *ast.FuncType) {
		ret, ok := s.fallbackReturn(typ)
		if !ok {
			return
		}
		for _, d := range s.decisions(body, nil) {
			for _, sw := range d.switches {
				if hasDefault(sw) {
					continue
				}
				edits = append(edits, insertion{
					at:   s.offset(sw.Body.Rbrace),
					text: "default:\n" + ret + "\n",
				})
			}
		}
	})
	if len(edits) == 0 {
		return src, false
	}

	sort.Slice(edits, func(i, j int) bool { return edits[i].at > edits[j].at })
	out := string(s.src)
	for _, e := range edits {
		out = out[:e.at] + e.text + out[e.at:]
	}

	if formatted, err := format.Source([]byte(out)); err == nil {
		return formatted, true
	}
	return []byte(out), true
}

// fallbackReturn builds the return statement of an unhandled branch for a function type.
func (s *source) fallbackReturn(typ *ast.FuncType) (string, bool) {
	errExpr := s.sdk + ".ErrUnhandledBranch"
	if typ.Results == nil {
		return "", false
	}

	var results []ast.Expr
	for _, f := range typ.Results.List {
		n := max(len(f.Names), 1)
		for range n {
			results = append(results, f.Type)
		}
	}
	if len(results) == 0 {
		return "", false
	}
	if id, ok := results[len(results)-1].(*ast.Ident); !ok || id.Name != "error" {
		return "", false
	}

	vals := make([]string, 0, len(results))
	for _, r := range results[:len(results)-1] {
		vals = append(vals, zeroValue(r))
	}
	vals = append(vals, errExpr)
	return "return " + strings.Join(vals, ", "), true
}

func zeroValue(e ast.Expr) string {
	switch t := e.(type) {
	case *ast.Ident:
		switch t.Name {
		case "string":
			return `""`
		case "bool":
			return "false"
		case "int", "int8", "int16", "int32", "int64", "uint", "uint8", "uint16", "uint32", "uint64",
			"uintptr", "float32", "float64", "byte", "rune", "complex64", "complex128":
			return "0"
		case "any", "error":
			return "nil"
		}
		return t.Name + "{}"
	case *ast.SelectorExpr:
		if x, ok := t.X.(*ast.Ident); ok {
			return x.Name + "." + t.Sel.Name + "{}"
		}
	}
	return "nil"
}
