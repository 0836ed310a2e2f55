// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package declare

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"golang.org/x/tools/imports"
)

var genTemplate = template.Must(template.New("detours").Parse(`// Code generated by detourgen{{if .ImportPath}} from {{.ImportPath}}{{end}}. DO NOT EDIT.

package {{.Package}}

import (
{{- range .Imports}}
	{{.}}
{{- end}}
)

// ModuleName is the library the hooks in this package target.
const ModuleName = {{printf "%q" .Library}}
{{range .Hooks}}
{{if .Exported}}// {{.Slot}} detours {{.Target}} to {{.Func}}.
{{end -}}
var {{.Slot}} = {{$.RT}}.NewSlot[{{.Shape}}]({{printf "%q" .Slot}}, {{$.RT}}.Shape{
	Signature: {{printf "%q" .Shape}},
{{- if .ABI}}
	ABI: {{printf "%q" .ABI}},
{{- end}}
{{- if .Unsafe}}
	Unsafe: true,
{{- end}}
})

func {{.Trampoline}}({{.ParamList}}){{.ResultList}} {
	{{if .Results}}return {{end}}{{.Slot}}.Detour()({{.ArgList}})
}
{{end}}
// InitDetours resolves and enables every hook declared in this package, in
// declaration order. It stops at the first hook that fails.
func InitDetours(reg *{{.RT}}.Registry) error {
{{- if .Hooks}}
	return reg.Activate({{range .Hooks}}
		{{$.RT}}.Bind({{.Slot}}, {{.LookupExpr}}, {{.Trampoline}}, {{.Func}}),{{end}}
	)
{{- else}}
	return reg.Activate()
{{- end}}
}
`))

type genFile struct {
	ImportPath string
	Package    string
	Library    string
	RT         string
	Imports    []string
	Hooks      []genHook
}

type genHook struct {
	*Hook
	RT string
}

func (g genHook) Target() string {
	if sym, ok := g.Lookup.Symbol(); ok {
		return sym
	}
	off, _ := g.Lookup.Offset()
	return fmt.Sprintf("offset 0x%X", off)
}

func (g genHook) ParamList() string {
	parts := make([]string, len(g.Params))
	for i, p := range g.Params {
		parts[i] = p.Name + " " + p.Type
	}
	return strings.Join(parts, ", ")
}

func (g genHook) ResultList() string {
	return g.resultList()
}

func (g genHook) ArgList() string {
	parts := make([]string, len(g.Params))
	for i, p := range g.Params {
		parts[i] = p.Name
	}
	list := strings.Join(parts, ", ")
	if g.Variadic {
		list += "..."
	}
	return list
}

func (g genHook) LookupExpr() string {
	if sym, ok := g.Lookup.Symbol(); ok {
		return fmt.Sprintf("%s.FromSymbol(ModuleName, %s)", g.RT, strconv.Quote(sym))
	}
	off, _ := g.Lookup.Offset()
	return fmt.Sprintf("%s.FromOffset(ModuleName, 0x%X)", g.RT, off)
}

// emit renders the companion file for mod.
func emit(mod *Module, opts Options) ([]byte, error) {
	rt, rtSpec := runtimeName(mod, opts.RuntimeImport)

	g := genFile{
		ImportPath: opts.ImportPath,
		Package:    mod.Package,
		Library:    mod.Library,
		RT:         rt,
		Imports:    append([]string{rtSpec}, mod.imports...),
	}
	for _, h := range mod.Hooks {
		g.Hooks = append(g.Hooks, genHook{Hook: h, RT: rt})
	}

	var buf bytes.Buffer
	if err := genTemplate.Execute(&buf, g); err != nil {
		return nil, fmt.Errorf("render %s: %w", opts.Output, err)
	}

	out, err := imports.Process(opts.Output, buf.Bytes(), &imports.Options{
		Comments:   true,
		TabIndent:  true,
		TabWidth:   8,
		FormatOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("format %s: %w\n%s", opts.Output, err, buf.Bytes())
	}
	return out, nil
}
