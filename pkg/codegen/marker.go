package codegen

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/aretw0/scriptforge/pkg/sdk"
)

const (
	// BlockMarker precedes every compiled block function, followed by the block label.
	BlockMarker = "//scriptforge:block"
	// RunnerMarker precedes the generated Run function.
	RunnerMarker = "//scriptforge:runner"
)

// Marker returns the label of a marked block function.
func Marker(fd *ast.FuncDecl) (string, bool) {
	if fd.Doc == nil {
		return "", false
	}
	for _, c := range fd.Doc.List {
		if rest, ok := strings.CutPrefix(c.Text, BlockMarker+" "); ok {
			return MarkerLabel(rest), true
		}
	}
	return "", false
}

// MarkerLabel is the form a label takes on its marker line, with whitespace runs collapsed.
// Labels are compared in this form.
func MarkerLabel(label string) string {
	return strings.Join(strings.Fields(label), " ")
}

// IsRunner reports whether fd is the generated Run function.
func IsRunner(fd *ast.FuncDecl) bool {
	if fd.Doc == nil {
		return false
	}
	for _, c := range fd.Doc.List {
		if strings.TrimSpace(c.Text) == RunnerMarker {
			return true
		}
	}
	return false
}

// Decl is one top-level declaration of a source file with its byte span.
// The span includes the doc comment.
type Decl struct {
	Label  string
	Runner bool
	Name   string
	Import bool
	Start  int
	End    int
	Node   ast.Decl
}

// Index is a parsed source file with its top-level declarations indexed by marker.
type Index struct {
	Fset  *token.FileSet
	File  *ast.File
	Src   []byte
	Decls []Decl
}

// ParseIndex parses src once and indexes its declarations.
func ParseIndex(src []byte) (*Index, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "program.go", src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("failed to parse program: %w", err)
	}

	ix := &Index{Fset: fset, File: f, Src: src}
	for _, d := range f.Decls {
		start := d.Pos()
		decl := Decl{Node: d}
		switch n := d.(type) {
		case *ast.FuncDecl:
			decl.Name = n.Name.Name
			if n.Doc != nil {
				start = n.Doc.Pos()
			}
			decl.Label, _ = Marker(n)
			decl.Runner = IsRunner(n)
		case *ast.GenDecl:
			decl.Import = n.Tok == token.IMPORT
			if n.Doc != nil {
				start = n.Doc.Pos()
			}
		}
		decl.Start = fset.Position(start).Offset
		decl.End = fset.Position(d.End()).Offset
		ix.Decls = append(ix.Decls, decl)
	}
	return ix, nil
}

// Block returns the declaration marked with label.
func (ix *Index) Block(label string) (Decl, bool) {
	label = MarkerLabel(label)
	for _, d := range ix.Decls {
		if d.Label == label {
			return d, true
		}
	}
	return Decl{}, false
}

// Labels returns the marked block labels in file order.
func (ix *Index) Labels() []string {
	var out []string
	for _, d := range ix.Decls {
		if d.Label != "" {
			out = append(out, d.Label)
		}
	}
	return out
}

// Text returns the source of a declaration.
func (ix *Index) Text(d Decl) string {
	return string(ix.Src[d.Start:d.End])
}

// Imports returns the (name, path) pairs the file imports. Name is empty for default names.
func (ix *Index) Imports() [][2]string {
	var out [][2]string
	for _, imp := range ix.File.Imports {
		path, _ := strconv.Unquote(imp.Path.Value)
		name := ""
		if imp.Name != nil && imp.Name.Name != defaultName(path) {
			name = imp.Name.Name
		}
		out = append(out, [2]string{name, path})
	}
	return out
}

func defaultName(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// EnsurePackage turns a bare function into a block file by adding the package clause and
// the imports every block needs. Sources that already have a package clause are returned as is.
func EnsurePackage(src []byte) []byte {
	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "", src, parser.PackageClauseOnly); err == nil {
		return src
	}
	header := "package blocks\n\nimport (\n\t\"context\"\n\n\t" + strconv.Quote(sdk.ImportPath) + "\n)\n\n"
	return append([]byte(header), src...)
}
