// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package declare

import (
	"fmt"
	"go/ast"
	"go/types"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// boundImport is a carried import and the hook that first needed it.
type boundImport struct {
	path string
	spec *ast.ImportSpec
	hook *Hook
}

// checkImports collects the imports the hook signatures need from the
// files the hooks are declared in. The generated file has a single import
// block, so every name must refer to one package across all of them.
func (c *compiler) checkImports(mod *Module) {
	bound := make(map[string]boundImport)
	reported := make(map[*ast.ImportSpec]bool)

	for _, h := range mod.Hooks {
		byName := make(map[string]*ast.ImportSpec)
		dot := false
		for _, is := range h.file.Imports {
			switch name := importName(is); name {
			case ".":
				dot = true
			case "_", "":
			default:
				byName[name] = is
			}
		}

		var visit func(n ast.Node) bool
		visit = func(n ast.Node) bool {
			switch n := n.(type) {
			case *ast.Field:
				// Parameter and field names are not type references.
				ast.Inspect(n.Type, visit)
				return false
			case *ast.SelectorExpr:
				id, ok := n.X.(*ast.Ident)
				if !ok {
					return true
				}
				is, ok := byName[id.Name]
				if !ok {
					return false
				}
				p := importPath(is)
				prev, seen := bound[id.Name]
				switch {
				case !seen:
					bound[id.Name] = boundImport{path: p, spec: is, hook: h}
				case prev.path != p && !reported[is]:
					reported[is] = true
					c.report(CodeNameCollision, is.Pos(),
						fmt.Sprintf("import name %s refers to %q here but to %q in the file declaring %s", id.Name, p, prev.path, prev.hook.Func),
						"alias one of the imports so each name used in a hooked signature refers to one package").
						note(c.fset, prev.spec.Pos(), fmt.Sprintf("%s first imported here", id.Name))
				}
				return false
			case *ast.Ident:
				if dot && !mod.declared[n.Name] && types.Universe.Lookup(n.Name) == nil {
					c.report(CodeUnsupportedParam, n.Pos(),
						fmt.Sprintf("type %s in the signature of %s comes from a dot-import", n.Name, h.Func),
						"import the package by name and qualify the type")
				}
			}
			return true
		}
		ast.Inspect(h.decl.Type.Params, visit)
		if h.decl.Type.Results != nil {
			ast.Inspect(h.decl.Type.Results, visit)
		}
	}

	specs := make(map[string]bool, len(bound))
	mod.importNames = make(map[string]bool, len(bound))
	for name, b := range bound {
		spec := b.spec.Path.Value
		if b.spec.Name != nil {
			spec = b.spec.Name.Name + " " + spec
		}
		specs[spec] = true
		mod.importNames[name] = true
	}
	mod.imports = make([]string, 0, len(specs))
	for s := range specs {
		mod.imports = append(mod.imports, s)
	}
	sort.Strings(mod.imports)
}

func importPath(is *ast.ImportSpec) string {
	p, err := strconv.Unquote(is.Path.Value)
	if err != nil {
		return ""
	}
	return p
}

// importName is the name an import binds in its file. Without an explicit
// name it is guessed from the path the way goimports does: a trailing
// major version element is skipped, then a "go-" prefix and anything from
// the first non-identifier rune are dropped.
func importName(is *ast.ImportSpec) string {
	if is.Name != nil {
		return is.Name.Name
	}
	return assumedName(importPath(is))
}

func assumedName(p string) string {
	if p == "" {
		return ""
	}
	base := path.Base(p)
	if isMajorVersion(base) {
		if dir := path.Dir(p); dir != "." {
			base = path.Base(dir)
		}
	}
	base = strings.TrimPrefix(base, "go-")
	if i := strings.IndexFunc(base, func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}); i >= 0 {
		base = base[:i]
	}
	return base
}

func isMajorVersion(elem string) bool {
	if len(elem) < 2 || elem[0] != 'v' {
		return false
	}
	n, err := strconv.Atoi(elem[1:])
	return err == nil && n >= 2
}

// runtimeName picks the name the generated file uses for the runtime
// package, avoiding the carried imports and the package's own names.
func runtimeName(mod *Module, runtimeImport string) (name, spec string) {
	name = "detour"
	if mod.importNames[name] || mod.declared[name] {
		name = "detourrt"
	}
	spec = strconv.Quote(runtimeImport)
	if name != assumedName(runtimeImport) {
		spec = name + " " + spec
	}
	return name, spec
}
