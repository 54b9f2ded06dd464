package codegen

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strings"

	"github.com/aretw0/scriptforge/pkg/sdk"
	"golang.org/x/tools/go/ast/astutil"
)

// Patch replaces (or adds) the block with Label. Source is a block file or a bare function.
type Patch struct {
	Label  string
	Source []byte
}

type patchDecls struct {
	block   string
	helpers map[string]string // func name -> source
	order   []string
	imports [][2]string
}

// ExtractBlock locates the function of label inside a patch source and returns it with its
// marker directive, together with any helper functions and the imports the source declares.
func ExtractBlock(label string, src []byte) (block string, helpers []string, imports [][2]string, err error) {
	pd, err := extract(label, src)
	if err != nil {
		return "", nil, nil, err
	}
	for _, name := range pd.order {
		helpers = append(helpers, pd.helpers[name])
	}
	return pd.block, helpers, pd.imports, nil
}

func extract(label string, src []byte) (*patchDecls, error) {
	ix, err := ParseIndex(EnsurePackage(src))
	if err != nil {
		return nil, fmt.Errorf("block %q: %w", label, err)
	}

	var target *Decl
	marked := MarkerLabel(label)
	for i, d := range ix.Decls {
		if d.Label == marked {
			target = &ix.Decls[i]
			break
		}
	}
	if target == nil {
		want := FuncName(label)
		for i, d := range ix.Decls {
			if d.Name == want {
				target = &ix.Decls[i]
				break
			}
		}
	}
	if target == nil {
		for i, d := range ix.Decls {
			if fd, ok := d.Node.(*ast.FuncDecl); ok && fd.Recv == nil && d.Name != "" {
				target = &ix.Decls[i]
				break
			}
		}
	}
	if target == nil {
		return nil, fmt.Errorf("block %q: no function declaration in patch", label)
	}

	pd := &patchDecls{helpers: make(map[string]string), imports: ix.Imports()}
	pd.block = ix.Text(*target)
	if target.Label == "" {
		pd.block = BlockMarker + " " + MarkerLabel(label) + "\n" + pd.block
	}
	for _, d := range ix.Decls {
		if d.Start == target.Start || d.Import {
			continue
		}
		if _, ok := d.Node.(*ast.FuncDecl); !ok || d.Label != "" {
			continue
		}
		pd.helpers[d.Name] = ix.Text(d)
		pd.order = append(pd.order, d.Name)
	}
	return pd, nil
}

// Splice applies patches to a program. Marked blocks are replaced by declaration, blocks whose
// marker is missing are appended before the runner, helper functions replace same-named
// declarations, imports are hoisted without duplicates, and runner (when not empty) replaces
// the Run function. The result is gofmt-formatted.
func Splice(main []byte, patches []Patch, runner string) ([]byte, error) {
	ix, err := ParseIndex(main)
	if err != nil {
		return nil, err
	}

	replaced := make(map[string]string)
	helpers := make(map[string]string)
	var appended, helperOrder []string
	var imports [][2]string
	for _, p := range patches {
		pd, err := extract(p.Label, p.Source)
		if err != nil {
			return nil, err
		}
		if d, ok := ix.Block(p.Label); ok {
			replaced[d.Label] = pd.block
		} else {
			appended = append(appended, pd.block)
		}
		for _, name := range pd.order {
			if _, seen := helpers[name]; !seen {
				helperOrder = append(helperOrder, name)
			}
			helpers[name] = pd.helpers[name]
		}
		imports = append(imports, pd.imports...)
	}

	inMain := make(map[string]bool)
	for _, d := range ix.Decls {
		if d.Label == "" && d.Name != "" {
			inMain[d.Name] = true
		}
	}

	var out strings.Builder
	cursor := 0
	emittedTail := false
	writeTail := func() {
		for _, name := range helperOrder {
			if !inMain[name] {
				out.WriteString(helpers[name] + "\n\n")
			}
		}
		for _, decl := range appended {
			out.WriteString(decl + "\n\n")
		}
		emittedTail = true
	}

	for _, d := range ix.Decls {
		out.Write(ix.Src[cursor:d.Start])
		cursor = d.End
		switch {
		case d.Label != "" && replaced[d.Label] != "":
			out.WriteString(replaced[d.Label])
		case d.Runner:
			writeTail()
			if runner != "" {
				out.WriteString(strings.TrimRight(runner, "\n"))
			} else {
				out.WriteString(ix.Text(d))
			}
		case d.Label == "" && d.Name != "" && helpers[d.Name] != "":
			out.WriteString(helpers[d.Name])
		default:
			out.WriteString(ix.Text(d))
		}
	}
	if !emittedTail {
		out.WriteString("\n\n")
		writeTail()
		if runner != "" {
			out.WriteString(runner)
		}
	}
	out.Write(ix.Src[cursor:])

	return hoist([]byte(out.String()), imports)
}

func hoist(src []byte, imports [][2]string) ([]byte, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "program.go", src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("spliced program does not parse: %w", err)
	}

	have := make(map[string]bool)
	for _, imp := range f.Imports {
		have[strings.Trim(imp.Path.Value, `"`)] = true
	}
	for _, imp := range imports {
		name, path := imp[0], imp[1]
		if have[path] {
			continue
		}
		astutil.AddNamedImport(fset, f, name, path)
		have[path] = true
	}

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, f); err != nil {
		return nil, fmt.Errorf("failed to format spliced program: %w", err)
	}
	return buf.Bytes(), nil
}

// PatchFile normalizes a patch into a standalone block file: the marked block first, then its
// helpers, with the patch imports merged into the standard block imports.
func PatchFile(p Patch) ([]byte, error) {
	pd, err := extract(p.Label, p.Source)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	b.WriteString("package blocks\n\n")
	b.WriteString(pd.block + "\n")
	for _, name := range pd.order {
		b.WriteString("\n" + pd.helpers[name] + "\n")
	}

	imports := append([][2]string{{"", "context"}, {"", sdk.ImportPath}}, pd.imports...)
	return hoist([]byte(b.String()), imports)
}
