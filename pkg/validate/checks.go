package validate

import (
	"go/ast"
	"go/token"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/aretw0/scriptforge/pkg/sdk"
)

var (
	primitives = sdk.Primitives()
	sdkExports = toSet(sdk.Exports)
	rcMethods  = toSet(sdk.RunContextMethods)
)

func toSet(items []string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, i := range items {
		m[i] = true
	}
	return m
}

func checkPrimitives(s *source, r *Report) {
	for _, imp := range s.file.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		if !allowedImports[path] {
			r.add(CheckPrimitives, s.pos(imp), "import %q is outside the primitive surface", path)
		}
		if imp.Name != nil && (imp.Name.Name == "." || imp.Name.Name == "_") {
			r.add(CheckPrimitives, s.pos(imp), "import %q must be named", path)
		}
	}

	called := make(map[*ast.SelectorExpr]bool)
	ast.Inspect(s.file, func(n ast.Node) bool {
		if call, ok := n.(*ast.CallExpr); ok {
			if sel, ok := ast.Unparen(call.Fun).(*ast.SelectorExpr); ok {
				called[sel] = true
			}
		}
		return true
	})

	ast.Inspect(s.file, func(n ast.Node) bool {
		if sel, ok := n.(*ast.SelectorExpr); ok && !called[sel] {
			if x, ok := sel.X.(*ast.Ident); ok && (s.page[x.Name] || s.rc[x.Name]) {
				r.add(CheckPrimitives, s.pos(sel), "method value %s.%s is not allowed; call it directly", x.Name, sel.Sel.Name)
			}
			return true
		}
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		switch fun := ast.Unparen(call.Fun).(type) {
		case *ast.SelectorExpr:
			x, ok := fun.X.(*ast.Ident)
			if !ok {
				return true
			}
			switch {
			case s.page[x.Name]:
				if _, ok := primitives[fun.Sel.Name]; !ok {
					r.add(CheckPrimitives, s.pos(call), "%s.%s is not a page primitive (allowed: %s)",
						x.Name, fun.Sel.Name, strings.Join(sdk.PrimitiveNames(), ", "))
				}
			case s.rc[x.Name]:
				if !rcMethods[fun.Sel.Name] {
					r.add(CheckPrimitives, s.pos(call), "%s.%s is not a run-context method (allowed: %s)",
						x.Name, fun.Sel.Name, strings.Join(sdk.RunContextMethods, ", "))
				}
			}
		case *ast.Ident:
			name := fun.Name
			if !builtinFuncs[name] && !builtinTypes[name] && !s.declared[name] {
				r.add(CheckPrimitives, s.pos(call), "call to undeclared function %s", name)
			}
		}
		return true
	})
}

func checkKeywords(s *source, r *Report) {
	ast.Inspect(s.file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.CompositeLit:
			sel, ok := n.Type.(*ast.SelectorExpr)
			if !ok || !s.isSdk(sel, "") {
				return true
			}
			allowed, ok := primitives[sel.Sel.Name]
			if !ok {
				return true
			}
			for _, elt := range n.Elts {
				kv, ok := elt.(*ast.KeyValueExpr)
				if !ok {
					r.add(CheckKeywords, s.pos(elt), "sdk.%s must use keyed fields", sel.Sel.Name)
					continue
				}
				key, ok := kv.Key.(*ast.Ident)
				if !ok || !slices.Contains(allowed, key.Name) {
					r.add(CheckKeywords, s.pos(kv), "sdk.%s has no keyword %s (allowed: %s)",
						sel.Sel.Name, exprString(kv.Key), strings.Join(allowed, ", "))
				}
			}
		case *ast.SelectorExpr:
			x, ok := n.X.(*ast.Ident)
			if !ok {
				return true
			}
			if t, ok := s.opts[x.Name]; ok && !slices.Contains(primitives[t], n.Sel.Name) {
				r.add(CheckKeywords, s.pos(n), "sdk.%s has no keyword %s (allowed: %s)",
					t, n.Sel.Name, strings.Join(primitives[t], ", "))
			}
		case *ast.CallExpr:
			method, ok := s.primitive(n)
			if !ok {
				return true
			}
			if _, known := primitives[method]; !known {
				return true
			}
			if len(n.Args) != 2 {
				r.add(CheckKeywords, s.pos(n), "page.%s takes (ctx, sdk.%s{...})", method, method)
				return true
			}
			if t, ok := s.optionValue(n.Args[1]); ok && t != method {
				r.add(CheckKeywords, s.pos(n.Args[1]), "page.%s expects sdk.%s, got sdk.%s", method, method, t)
			}
		}
		return true
	})
}

func checkTypes(s *source, label string, r *Report) {
	var walk func(e ast.Expr)
	walk = func(e ast.Expr) {
		switch t := e.(type) {
		case *ast.Ident:
			if !builtinTypes[t.Name] && !s.types[t.Name] {
				r.add(CheckTypes, s.pos(t), "undefined type %s", t.Name)
			}
		case *ast.StarExpr:
			walk(t.X)
		case *ast.ArrayType:
			walk(t.Elt)
		case *ast.MapType:
			walk(t.Key)
			walk(t.Value)
		case *ast.ChanType:
			walk(t.Value)
		case *ast.Ellipsis:
			walk(t.Elt)
		case *ast.ParenExpr:
			walk(t.X)
		case *ast.IndexExpr:
			walk(t.X)
			walk(t.Index)
		}
	}

	ast.Inspect(s.file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.Field:
			walk(n.Type)
		case *ast.ValueSpec:
			if n.Type != nil {
				walk(n.Type)
			}
		case *ast.CompositeLit:
			if n.Type != nil {
				walk(n.Type)
			}
		case *ast.TypeAssertExpr:
			if n.Type != nil {
				walk(n.Type)
			}
		case *ast.TypeSpec:
			walk(n.Type)
		case *ast.SelectorExpr:
			x, ok := n.X.(*ast.Ident)
			if !ok || s.declared[x.Name] {
				return true
			}
			path, imported := s.imports[x.Name]
			switch {
			case !imported:
				r.add(CheckTypes, s.pos(n), "undefined: %s (not imported)", x.Name)
			case path == sdk.ImportPath && !sdkExports[n.Sel.Name]:
				r.add(CheckTypes, s.pos(n), "%s.%s is not part of the sdk surface", x.Name, n.Sel.Name)
			}
		}
		return true
	})

	if label != "" && s.blockFunc(label) == nil {
		r.add(CheckTypes, "", "no function implements block %q", label)
	}
}

// decision is a page.Classify result bound to a variable.
type decision struct {
	name     string
	pos      string
	switches []*ast.SwitchStmt
}

func checkBranches(s *source, r *Report) {
	forEachBody(s.file, func(body *ast.BlockStmt, _ *ast.FuncType) {
		for _, d := range s.decisions(body, r) {
			if len(d.switches) == 0 {
				r.add(CheckBranches, d.pos, "decision %s is not dispatched by a switch with a default case", d.name)
				continue
			}
			for _, sw := range d.switches {
				if !hasDefault(sw) {
					r.Issues = append(r.Issues, Issue{
						Check:      CheckBranches,
						Pos:        s.pos(sw),
						Message:    "switch on decision " + d.name + " has no default case",
						Repairable: true,
					})
				}
			}
		}
	})
}

// forEachBody visits every function body once, without descending into nested literals.
func forEachBody(f *ast.File, visit func(body *ast.BlockStmt, typ *ast.FuncType)) {
	ast.Inspect(f, func(n ast.Node) bool {
		switch fn := n.(type) {
		case *ast.FuncDecl:
			if fn.Body != nil {
				visit(fn.Body, fn.Type)
			}
		case *ast.FuncLit:
			visit(fn.Body, fn.Type)
		}
		return true
	})
}

func (s *source) decisions(body *ast.BlockStmt, r *Report) []*decision {
	var out []*decision
	byName := make(map[string]*decision)
	var switches []*ast.SwitchStmt

	bind := func(id *ast.Ident, at ast.Node) {
		if id.Name == "_" {
			if r != nil {
				r.add(CheckBranches, s.pos(at), "result of page.Classify is discarded")
			}
			return
		}
		d := &decision{name: id.Name, pos: s.pos(at)}
		byName[id.Name] = d
		out = append(out, d)
	}

	ast.Inspect(body, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.AssignStmt:
			if len(n.Rhs) == 1 && s.isClassify(n.Rhs[0]) && len(n.Lhs) > 0 {
				if id, ok := n.Lhs[0].(*ast.Ident); ok {
					bind(id, n)
				}
			}
		case *ast.ValueSpec:
			if len(n.Values) == 1 && s.isClassify(n.Values[0]) && len(n.Names) > 0 {
				bind(n.Names[0], n)
			}
		case *ast.ExprStmt:
			if s.isClassify(n.X) && r != nil {
				r.add(CheckBranches, s.pos(n), "result of page.Classify is discarded")
			}
		case *ast.SwitchStmt:
			switches = append(switches, n)
		}
		return true
	})

	for _, sw := range switches {
		if id, ok := sw.Tag.(*ast.Ident); ok {
			if d, ok := byName[id.Name]; ok {
				d.switches = append(d.switches, sw)
			}
		}
	}
	return out
}

func (s *source) isClassify(e ast.Expr) bool {
	call, ok := e.(*ast.CallExpr)
	if !ok {
		return false
	}
	m, ok := s.primitive(call)
	return ok && m == "Classify"
}

func hasDefault(sw *ast.SwitchStmt) bool {
	for _, stmt := range sw.Body.List {
		if cc, ok := stmt.(*ast.CaseClause); ok && cc.List == nil {
			return true
		}
	}
	return false
}

func checkParams(s *source, keys []string, r *Report) {
	declared := toSet(keys)

	for _, k := range s.masked {
		if !declared[k] {
			r.add(CheckParams, "", "template reference to undeclared parameter %q", k)
		}
	}

	ast.Inspect(s.file, func(n ast.Node) bool {
		switch n := n.(type) {
		case *ast.CallExpr:
			method, ok := s.rcCall(n)
			if !ok || (method != "Param" && method != "Value") || len(n.Args) != 1 {
				return true
			}
			lit, ok := n.Args[0].(*ast.BasicLit)
			if !ok || lit.Kind != token.STRING {
				r.add(CheckParams, s.pos(n), "parameter key of %s must be a string literal", method)
				return true
			}
			key, _ := strconv.Unquote(lit.Value)
			if !declared[key] {
				r.add(CheckParams, s.pos(n), "undeclared parameter %q (declared: %s)", key, strings.Join(keys, ", "))
			}
			return false
		case *ast.BasicLit:
			if n.Kind != token.STRING {
				return true
			}
			text, err := strconv.Unquote(n.Value)
			if err != nil {
				return true
			}
			for _, m := range stringRefPattern.FindAllStringSubmatch(text, -1) {
				if !declared[m[1]] {
					r.add(CheckParams, s.pos(n), "template reference to undeclared parameter %q", m[1])
				}
			}
		}
		return true
	})
}

func checkRegression(prev, cur *source, label string, maxShrink float64, r *Report) {
	prevLen, curLen := len(trimmed(prev.src)), len(trimmed(cur.src))
	if prevLen > 0 && float64(curLen) < float64(prevLen)*(1-maxShrink) {
		r.add(CheckRegression, "", "source shrank from %d to %d bytes; repairs must be additive", prevLen, curLen)
	}

	if before, after := callCount(prev), callCount(cur); after < before {
		r.add(CheckRegression, "", "primitive call count decreased from %d to %d", before, after)
	}

	if pf, cf := prev.blockFunc(label), cur.blockFunc(label); pf != nil && cf != nil && pf.Name.Name != cf.Name.Name {
		r.add(CheckRegression, cur.pos(cf), "block function renamed from %s to %s", pf.Name.Name, cf.Name.Name)
	}

	kept := toSet(branchLabels(cur))
	var lost []string
	for _, l := range branchLabels(prev) {
		if !kept[l] {
			lost = append(lost, l)
		}
	}
	if len(lost) > 0 {
		r.add(CheckRegression, "", "branch labels removed: %s", strings.Join(lost, ", "))
	}
}

func trimmed(b []byte) string {
	return strings.TrimSpace(string(b))
}

func callCount(s *source) int {
	n := 0
	ast.Inspect(s.file, func(node ast.Node) bool {
		if call, ok := node.(*ast.CallExpr); ok {
			if _, ok := s.primitive(call); ok {
				n++
			}
		}
		return true
	})
	return n
}

// branchLabels returns the string case labels of switches over decisions plus the options
// offered to page.Classify, sorted and deduplicated.
func branchLabels(s *source) []string {
	set := make(map[string]bool)
	forEachBody(s.file, func(body *ast.BlockStmt, _ *ast.FuncType) {
		for _, d := range s.decisions(body, nil) {
			for _, sw := range d.switches {
				for _, stmt := range sw.Body.List {
					cc, ok := stmt.(*ast.CaseClause)
					if !ok {
						continue
					}
					for _, e := range cc.List {
						if lit, ok := e.(*ast.BasicLit); ok && lit.Kind == token.STRING {
							v, _ := strconv.Unquote(lit.Value)
							set[v] = true
						}
					}
				}
			}
		}
	})

	ast.Inspect(s.file, func(n ast.Node) bool {
		lit, ok := n.(*ast.CompositeLit)
		if !ok || !s.isSdk(lit.Type, "Classify") {
			return true
		}
		for _, elt := range lit.Elts {
			kv, ok := elt.(*ast.KeyValueExpr)
			if !ok {
				continue
			}
			if key, ok := kv.Key.(*ast.Ident); !ok || key.Name != "Options" {
				continue
			}
			if opts, ok := kv.Value.(*ast.CompositeLit); ok {
				for _, o := range opts.Elts {
					if l, ok := o.(*ast.BasicLit); ok && l.Kind == token.STRING {
						v, _ := strconv.Unquote(l.Value)
						set[v] = true
					}
				}
			}
		}
		return true
	})

	out := make([]string, 0, len(set))
	for l := range set {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

func exprString(e ast.Expr) string {
	switch e := e.(type) {
	case *ast.Ident:
		return e.Name
	case *ast.BasicLit:
		return e.Value
	}
	return "?"
}
