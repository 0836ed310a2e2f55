// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package declare

import (
	"go/ast"
	"go/token"
	"strings"

	"github.com/mbeema/detour/pkg/detour"
)

// Source is one Go file of a declaration package.
type Source struct {
	Name string
	Data []byte
}

// ItemKind classifies a top-level declaration.
type ItemKind uint8

const (
	// ItemPlain is any non-function declaration: import, const, var, type.
	ItemPlain ItemKind = iota
	// ItemFunc is a function without a hook directive.
	ItemFunc
	// ItemHook is a function carrying a hook directive.
	ItemHook
)

func (k ItemKind) String() string {
	switch k {
	case ItemPlain:
		return "plain"
	case ItemFunc:
		return "func"
	case ItemHook:
		return "hook"
	default:
		return "unknown"
	}
}

// Item is a top-level declaration in source order. Source is the exact
// text of the declaration, doc comment included; the compiler never
// rewrites it.
type Item struct {
	Kind   ItemKind
	Name   string // first declared name, empty for imports and groups without one
	File   string
	Pos    token.Position
	Source []byte
}

// Param is one parameter of a hooked function. Type is printed as written,
// "...T" for a variadic parameter.
type Param struct {
	Name string
	Type string
}

// Hook is a validated hook declaration.
type Hook struct {
	Func     string // the hooked function, which becomes the slot's detour
	Slot     string
	Lookup   detour.Lookup
	ABI      string
	Unsafe   bool
	Params   []Param
	Results  []string
	Variadic bool
	Pos      token.Position // the //detour:hook directive

	decl *ast.FuncDecl
	file *ast.File
}

// Exported reports the slot's visibility.
func (h *Hook) Exported() bool {
	return token.IsExported(h.Slot)
}

// Trampoline is the name of the generated forwarding function.
func (h *Hook) Trampoline() string {
	return "detourTrampoline" + h.Slot
}

// Shape returns the call shape: the function type with every name
// stripped.
func (h *Hook) Shape() string {
	types := make([]string, len(h.Params))
	for i, p := range h.Params {
		types[i] = p.Type
	}
	return "func(" + strings.Join(types, ", ") + ")" + h.resultList()
}

func (h *Hook) resultList() string {
	switch len(h.Results) {
	case 0:
		return ""
	case 1:
		return " " + h.Results[0]
	default:
		return " (" + strings.Join(h.Results, ", ") + ")"
	}
}

// Module is a compiled declaration package.
type Module struct {
	Package string
	Library string
	Items   []Item
	Hooks   []*Hook

	declared    map[string]bool // package-level names
	imports     []string        // import specs the hook signatures need
	importNames map[string]bool
}

// Plain returns the items that pass through untouched: everything that is
// not a hook.
func (m *Module) Plain() []Item {
	var out []Item
	for _, it := range m.Items {
		if it.Kind != ItemHook {
			out = append(out, it)
		}
	}
	return out
}
