// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package declare is the declaration compiler behind detourgen. It reads a
// Go package whose functions carry //detour:hook directives, validates
// them, and emits a companion file with one detour.Slot and trampoline per
// hook plus the package's InitDetours activation function.
//
// A declaration package looks like:
//
//	//detour:module "lua52.dll"
//	package lua
//
//	//detour:hook unsafe extern "C" PushInteger, symbol = "lua_pushinteger"
//	func pushInteger(state uintptr, n int64) {
//		PushInteger.Original()(state, n*2)
//	}
//
// Everything that is not a hook is left exactly as written.
package declare

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/parser"
	"go/printer"
	"go/token"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mbeema/detour/pkg/detour"
	"go.uber.org/zap"
)

const (
	// DefaultRuntimeImport is the import path of the runtime package the
	// generated code builds on.
	DefaultRuntimeImport = "github.com/mbeema/detour/pkg/detour"
	// DefaultOutput is the name of the generated file.
	DefaultOutput = "detours_gen.go"
)

// Options controls compilation and emission.
type Options struct {
	// RuntimeImport overrides DefaultRuntimeImport.
	RuntimeImport string
	// ImportPath of the declaration package, named in the generated header
	// when set.
	ImportPath string
	// Output overrides DefaultOutput. CompileDir never reads this file.
	Output string
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.RuntimeImport == "" {
		o.RuntimeImport = DefaultRuntimeImport
	}
	if o.Output == "" {
		o.Output = DefaultOutput
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// Unit is the result of compiling one package.
type Unit struct {
	Module    *Module
	Output    string // file name of the generated code
	Generated []byte
}

// CompileDir compiles the package in dir. Test files, the output file and
// other generated files are skipped.
func CompileDir(dir string, opts Options) (*Unit, error) {
	opts = opts.withDefaults()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read package dir: %w", err)
	}

	var files []Source
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") || name == opts.Output {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		files = append(files, Source{Name: path, Data: data})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no Go files in %s", dir)
	}

	return Compile(files, opts)
}

// Compile validates the declarations in files and emits the generated
// code. Declaration problems are returned together as Diagnostics; other
// errors (unparsable Go, mixed packages) are returned as plain errors.
func Compile(files []Source, opts Options) (*Unit, error) {
	opts = opts.withDefaults()

	c := &compiler{
		fset:   token.NewFileSet(),
		logger: opts.Logger,
	}

	sorted := append([]Source(nil), files...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	for _, src := range sorted {
		f, err := parser.ParseFile(c.fset, src.Name, src.Data, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", src.Name, err)
		}
		if ast.IsGenerated(f) {
			continue
		}
		if c.pkg == "" {
			c.pkg = f.Name.Name
		} else if f.Name.Name != c.pkg {
			return nil, fmt.Errorf("%s: package %s, expected %s", src.Name, f.Name.Name, c.pkg)
		}
		c.files = append(c.files, parsedFile{ast: f, src: src.Data})
	}
	if len(c.files) == 0 {
		return nil, fmt.Errorf("no declaration files")
	}

	mod := c.check()
	if err := c.diags.Err(); err != nil {
		return nil, err
	}

	gen, err := emit(mod, opts)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("compiled declarations",
		zap.String("package", mod.Package),
		zap.String("library", mod.Library),
		zap.Int("hooks", len(mod.Hooks)),
		zap.Int("items", len(mod.Items)),
	)

	return &Unit{Module: mod, Output: opts.Output, Generated: gen}, nil
}

type parsedFile struct {
	ast *ast.File
	src []byte
}

type compiler struct {
	fset   *token.FileSet
	logger *zap.Logger
	pkg    string
	files  []parsedFile
	diags  Diagnostics
}

func (c *compiler) report(code Code, pos token.Pos, msg, suggestion string) *Diagnostic {
	d := &Diagnostic{
		Code:       code,
		Labels:     []Label{{Pos: c.fset.Position(pos), Message: msg}},
		Suggestion: suggestion,
	}
	c.diags = append(c.diags, d)
	return d
}

func (d *Diagnostic) note(fset *token.FileSet, pos token.Pos, msg string) *Diagnostic {
	d.Labels = append(d.Labels, Label{Pos: fset.Position(pos), Message: msg})
	return d
}

// check runs every validation and builds the module. Diagnostics are
// collected on c; the returned module is only meaningful when there are
// none.
func (c *compiler) check() *Module {
	mod := &Module{Package: c.pkg}

	c.checkModule(mod)

	slots := make(map[string]*Hook)
	for _, pf := range c.files {
		funcDocs := make(map[*ast.CommentGroup]bool)
		for _, decl := range pf.ast.Decls {
			if fn, ok := decl.(*ast.FuncDecl); ok && fn.Doc != nil {
				funcDocs[fn.Doc] = true
			}
		}
		c.checkStrayDirectives(pf.ast, funcDocs)

		for _, decl := range pf.ast.Decls {
			item := c.item(pf, decl)
			fn, ok := decl.(*ast.FuncDecl)
			if !ok {
				mod.Items = append(mod.Items, item)
				continue
			}
			item.Kind = ItemFunc
			if h := c.checkFunc(pf.ast, fn, mod.Library); h != nil {
				item.Kind = ItemHook
				if prev, dup := slots[h.Slot]; dup {
					c.report(CodeDuplicateSlot, h.decl.Pos(),
						fmt.Sprintf("slot %s is already declared", h.Slot),
						"give every hook its own slot identifier").
						note(c.fset, prev.decl.Pos(), fmt.Sprintf("slot %s first declared here", h.Slot))
				} else {
					slots[h.Slot] = h
					mod.Hooks = append(mod.Hooks, h)
				}
			}
			mod.Items = append(mod.Items, item)
		}
	}

	c.checkCollisions(mod)
	c.checkImports(mod)
	return mod
}

// checkModule finds the single //detour:module directive. It must precede
// a package clause; placement elsewhere is reported by
// checkStrayDirectives.
func (c *compiler) checkModule(mod *Module) {
	var first token.Pos
	for _, pf := range c.files {
		for _, cg := range pf.ast.Comments {
			if cg.Pos() >= pf.ast.Package {
				break
			}
			for _, cm := range cg.List {
				d, ok := parseDirective(cm)
				if !ok || d.name != dirModule {
					continue
				}
				if first.IsValid() {
					c.report(CodeDuplicateModule, d.pos, "package declares its module more than once",
						"keep a single //detour:module directive").
						note(c.fset, first, "module first declared here")
					continue
				}
				first = d.pos
				if name, ok := c.parseModule(d); ok {
					mod.Library = name
				}
			}
		}
	}
	if !first.IsValid() {
		c.report(CodeMissingModule, c.files[0].ast.Package, "package has no //detour:module directive",
			`add //detour:module "<library name>" above the package clause, e.g. //detour:module "lua52.dll"`)
	}
}

// checkStrayDirectives reports directives that are attached to nothing
// they can apply to, and directive names nobody understands.
func (c *compiler) checkStrayDirectives(f *ast.File, funcDocs map[*ast.CommentGroup]bool) {
	for _, cg := range f.Comments {
		for _, cm := range cg.List {
			d, ok := parseDirective(cm)
			if !ok {
				continue
			}
			switch d.name {
			case dirModule:
				if cg.Pos() >= f.Package {
					c.report(CodeMisplacedDirective, d.pos, "//detour:module must precede the package clause", "")
				}
			case dirHook, dirUnsafe:
				if !funcDocs[cg] {
					c.report(CodeMisplacedDirective, d.pos,
						fmt.Sprintf("//detour:%s only applies to function declarations", d.name),
						"place the directive in the doc comment of a top-level function")
				}
			default:
				c.report(CodeUnknownDirective, d.pos, fmt.Sprintf("unknown directive //detour:%s", d.name),
					"known directives are //detour:module, //detour:hook")
			}
		}
	}
}

// checkFunc validates the hook declaration on fn, if any.
func (c *compiler) checkFunc(f *ast.File, fn *ast.FuncDecl, library string) *Hook {
	if fn.Doc == nil {
		return nil
	}

	var hooks, unsafes []directive
	for _, cm := range fn.Doc.List {
		d, ok := parseDirective(cm)
		if !ok {
			continue
		}
		switch d.name {
		case dirHook:
			hooks = append(hooks, d)
		case dirUnsafe:
			unsafes = append(unsafes, d)
		}
	}
	if len(hooks) == 0 {
		for _, u := range unsafes {
			c.report(CodeMisplacedDirective, u.pos, "//detour:unsafe without a //detour:hook directive",
				"mark the hooked target unsafe with //detour:hook unsafe <Slot>, ...")
		}
		return nil
	}

	valid := true
	for _, dup := range hooks[1:] {
		c.report(CodeDuplicateHook, dup.pos,
			fmt.Sprintf("function %s has more than one //detour:hook directive", fn.Name.Name),
			"a function can be hooked once; remove the extra directive").
			note(c.fset, hooks[0].pos, "first //detour:hook directive is here")
		valid = false
	}

	spec := c.parseHook(hooks[0])
	if spec == nil {
		valid = false
	}

	for _, u := range unsafes {
		slot := "Slot"
		if spec != nil {
			slot = spec.slot
		}
		c.report(CodeConflictingUnsafe, u.pos,
			fmt.Sprintf("hooked function %s is declared unsafe directly", fn.Name.Name),
			fmt.Sprintf("the function is the detour, not the target; remove //detour:unsafe and write //detour:hook unsafe %s, ...", slot)).
			note(c.fset, hooks[0].pos, "declare the target's unsafety on this hook directive instead")
		valid = false
	}

	if fn.Recv != nil {
		c.report(CodeUnsupportedReceiver, fn.Recv.Pos(),
			fmt.Sprintf("method %s cannot be a hook", fn.Name.Name),
			"hook a package-level function and call the method from it")
		valid = false
	}
	if fn.Type.TypeParams != nil && len(fn.Type.TypeParams.List) > 0 {
		c.report(CodeGenericHook, fn.Type.TypeParams.Pos(),
			fmt.Sprintf("generic function %s cannot be a hook", fn.Name.Name),
			"hooks need a concrete call shape; remove the type parameters")
		valid = false
	}

	var params []Param
	variadic := false
	for _, field := range fn.Type.Params.List {
		typ := c.exprString(field.Type)
		if _, ok := field.Type.(*ast.Ellipsis); ok {
			variadic = true
		}
		if len(field.Names) == 0 {
			c.report(CodeUnsupportedParam, field.Type.Pos(),
				fmt.Sprintf("parameter of type %s has no name", typ),
				"name every parameter; the trampoline forwards arguments by name")
			valid = false
			continue
		}
		for _, name := range field.Names {
			if name.Name == "_" {
				c.report(CodeUnsupportedParam, name.Pos(), "blank parameter cannot be forwarded",
					"give the parameter a name; the trampoline forwards arguments by name")
				valid = false
				continue
			}
			params = append(params, Param{Name: name.Name, Type: typ})
		}
	}

	var results []string
	if fn.Type.Results != nil {
		for _, field := range fn.Type.Results.List {
			typ := c.exprString(field.Type)
			n := len(field.Names)
			if n == 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				results = append(results, typ)
			}
		}
	}

	if !valid {
		return nil
	}

	h := &Hook{
		Func:     fn.Name.Name,
		Slot:     spec.slot,
		Lookup:   lookupFor(library, spec),
		ABI:      spec.abi,
		Unsafe:   spec.unsafe,
		Params:   params,
		Results:  results,
		Variadic: variadic,
		Pos:      c.fset.Position(spec.pos),
		decl:     fn,
		file:     f,
	}
	return h
}

// checkCollisions makes sure the generated identifiers do not clash with
// the package's own declarations.
func (c *compiler) checkCollisions(mod *Module) {
	declared := make(map[string]token.Pos)
	for _, pf := range c.files {
		for _, decl := range pf.ast.Decls {
			switch d := decl.(type) {
			case *ast.FuncDecl:
				if d.Recv == nil {
					declared[d.Name.Name] = d.Name.Pos()
				}
			case *ast.GenDecl:
				for _, spec := range d.Specs {
					switch s := spec.(type) {
					case *ast.ValueSpec:
						for _, n := range s.Names {
							declared[n.Name] = n.Pos()
						}
					case *ast.TypeSpec:
						declared[s.Name.Name] = s.Name.Pos()
					}
				}
			}
		}
	}

	check := func(name, what string) {
		if pos, ok := declared[name]; ok {
			c.report(CodeNameCollision, pos,
				fmt.Sprintf("%s collides with the generated %s", name, what),
				"rename the declaration")
		}
	}
	mod.declared = make(map[string]bool, len(declared))
	for name := range declared {
		mod.declared[name] = true
	}

	check("ModuleName", "module name constant")
	check("InitDetours", "activation function")
	for _, h := range mod.Hooks {
		check(h.Slot, "slot for "+h.Func)
		check(h.Trampoline(), "trampoline for "+h.Func)
		for _, p := range h.Params {
			if p.Name == h.Slot {
				c.report(CodeNameCollision, h.decl.Pos(),
					fmt.Sprintf("parameter %s of %s shadows its slot", p.Name, h.Func),
					"rename the parameter or the slot")
			}
		}
	}
}

// item captures a declaration verbatim, doc comment included.
func (c *compiler) item(pf parsedFile, decl ast.Decl) Item {
	start := decl.Pos()
	var name string
	switch d := decl.(type) {
	case *ast.FuncDecl:
		if d.Doc != nil {
			start = d.Doc.Pos()
		}
		name = d.Name.Name
	case *ast.GenDecl:
		if d.Doc != nil {
			start = d.Doc.Pos()
		}
		name = genDeclName(d)
	}
	tf := c.fset.File(start)
	return Item{
		Kind:   ItemPlain,
		Name:   name,
		File:   tf.Name(),
		Pos:    c.fset.Position(decl.Pos()),
		Source: pf.src[tf.Offset(start):tf.Offset(decl.End())],
	}
}

func genDeclName(d *ast.GenDecl) string {
	for _, spec := range d.Specs {
		switch s := spec.(type) {
		case *ast.ValueSpec:
			if len(s.Names) > 0 {
				return s.Names[0].Name
			}
		case *ast.TypeSpec:
			return s.Name.Name
		}
	}
	return ""
}

func (c *compiler) exprString(e ast.Expr) string {
	var buf bytes.Buffer
	if err := printer.Fprint(&buf, c.fset, e); err != nil {
		return fmt.Sprintf("<%T>", e)
	}
	return buf.String()
}

// lookupFor builds the runtime lookup of a validated hook spec.
func lookupFor(library string, spec *hookSpec) detour.Lookup {
	if spec.kind == detour.LookupOffset {
		return detour.FromOffset(library, spec.offset)
	}
	return detour.FromSymbol(library, spec.symbol)
}
