// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package declare

import (
	"fmt"
	"go/ast"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"

	"github.com/mbeema/detour/pkg/detour"
)

const directivePrefix = "//detour:"

const (
	dirModule = "module"
	dirHook   = "hook"
	dirUnsafe = "unsafe"
)

// knownABIs are the calling conventions a hook may declare with extern.
var knownABIs = map[string]bool{
	"C":          true,
	"cdecl":      true,
	"stdcall":    true,
	"fastcall":   true,
	"thiscall":   true,
	"vectorcall": true,
	"system":     true,
	"win64":      true,
	"sysv64":     true,
	"aapcs":      true,
	"efiapi":     true,
}

type directive struct {
	name    string
	args    string
	pos     token.Pos // the leading "//"
	argsPos token.Pos
}

func parseDirective(c *ast.Comment) (directive, bool) {
	if !strings.HasPrefix(c.Text, directivePrefix) {
		return directive{}, false
	}
	rest := c.Text[len(directivePrefix):]
	name, args := rest, ""
	if i := strings.IndexAny(rest, " \t"); i >= 0 {
		name, args = rest[:i], rest[i:]
	}
	return directive{
		name:    name,
		args:    args,
		pos:     c.Slash,
		argsPos: c.Slash + token.Pos(len(directivePrefix)+len(name)),
	}, true
}

type dtoken struct {
	pos token.Pos
	tok token.Token
	lit string
}

func (t dtoken) text() string {
	if t.lit != "" {
		return t.lit
	}
	return t.tok.String()
}

// scan tokenizes a directive's arguments with the Go scanner, mapping
// positions back into the enclosing file.
func (d directive) scan() []dtoken {
	src := []byte(d.args)
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))

	var s scanner.Scanner
	s.Init(file, src, nil, 0)

	var toks []dtoken
	for {
		p, t, lit := s.Scan()
		if t == token.EOF {
			break
		}
		if t == token.SEMICOLON && lit == "\n" {
			continue
		}
		toks = append(toks, dtoken{pos: d.argsPos + token.Pos(file.Offset(p)), tok: t, lit: lit})
	}
	return toks
}

// hookSpec is a parsed //detour:hook directive.
type hookSpec struct {
	pos     token.Pos
	slot    string
	slotPos token.Pos
	unsafe  bool
	abi     string
	kind    detour.LookupKind
	offset  uint64
	symbol  string
}

func lookupExample(slot string) string {
	if slot == "" {
		slot = "Slot"
	}
	return fmt.Sprintf("write //detour:hook %s, offset = 0xDEADBEEF or //detour:hook %s, symbol = \"exported_name\"", slot, slot)
}

// parseHook parses
//
//	[unsafe] [extern "<abi>"] <Slot>, offset = <int> | symbol = "<name>"
//
// reporting problems through c. It returns nil if the directive is
// unusable.
func (c *compiler) parseHook(d directive) *hookSpec {
	toks := d.scan()
	spec := &hookSpec{pos: d.pos}
	ok := true
	i := 0

modifiers:
	for i < len(toks) && toks[i].tok == token.IDENT {
		switch toks[i].lit {
		case "unsafe":
			if spec.unsafe {
				c.report(CodeMalformedHook, toks[i].pos, "unsafe given more than once", "")
				ok = false
			}
			spec.unsafe = true
			i++
		case "extern":
			if i+1 >= len(toks) || toks[i+1].tok != token.STRING {
				c.report(CodeMalformedHook, toks[i].pos, "extern must be followed by a calling convention string", `write extern "C"`)
				return nil
			}
			abi, err := strconv.Unquote(toks[i+1].lit)
			if err != nil || !knownABIs[abi] {
				c.report(CodeUnsupportedABI, toks[i+1].pos,
					fmt.Sprintf("unsupported calling convention %s", toks[i+1].lit),
					"use one of C, cdecl, stdcall, fastcall, thiscall, vectorcall, system, win64, sysv64, aapcs, efiapi")
				ok = false
			}
			spec.abi = abi
			i += 2
		default:
			break modifiers
		}
	}

	if i >= len(toks) || toks[i].tok != token.IDENT || toks[i].lit == "_" {
		pos := d.argsPos
		if i < len(toks) {
			pos = toks[i].pos
		}
		c.report(CodeMalformedHook, pos, "hook directive needs a slot identifier", lookupExample(""))
		return nil
	}
	spec.slot, spec.slotPos = toks[i].lit, toks[i].pos
	i++

	if i >= len(toks) {
		c.report(CodeMalformedLookup, spec.slotPos, "hook directive takes exactly one lookup argument, got 0", lookupExample(spec.slot))
		return nil
	}
	if toks[i].tok != token.COMMA {
		c.report(CodeMalformedHook, toks[i].pos,
			fmt.Sprintf("expected , after slot identifier, found %s", toks[i].text()), lookupExample(spec.slot))
		return nil
	}
	i++

	args := splitArgs(toks[i:])
	if len(args) != 1 {
		pos := spec.slotPos
		if len(args) > 0 && len(args[0]) > 0 {
			pos = args[0][0].pos
		}
		c.report(CodeMalformedLookup, pos,
			fmt.Sprintf("hook directive takes exactly one lookup argument, got %d", len(args)), lookupExample(spec.slot))
		return nil
	}
	if !c.parseLookupArg(spec, args[0]) {
		return nil
	}
	if !ok {
		return nil
	}
	return spec
}

func splitArgs(toks []dtoken) [][]dtoken {
	if len(toks) == 0 {
		return nil
	}
	var args [][]dtoken
	var cur []dtoken
	for _, t := range toks {
		if t.tok == token.COMMA {
			args = append(args, cur)
			cur = nil
			continue
		}
		cur = append(cur, t)
	}
	return append(args, cur)
}

func (c *compiler) parseLookupArg(spec *hookSpec, arg []dtoken) bool {
	if len(arg) < 3 || arg[0].tok != token.IDENT || arg[1].tok != token.ASSIGN {
		pos := spec.slotPos
		if len(arg) > 0 {
			pos = arg[0].pos
		}
		c.report(CodeMalformedLookup, pos, "lookup argument must be offset = <int> or symbol = \"<name>\"", lookupExample(spec.slot))
		return false
	}

	value := arg[2:]
	switch arg[0].lit {
	case "offset":
		lit := joinTokens(value)
		if len(value) != 1 || value[0].tok != token.INT {
			c.report(CodeInvalidOffset, value[0].pos,
				fmt.Sprintf("offset must be an integer literal, found %s", lit),
				"write the offset in decimal or 0x-prefixed hexadecimal, e.g. offset = 0x1F40")
			return false
		}
		off, err := detour.ParseOffset(lit)
		if err != nil {
			c.report(CodeInvalidOffset, value[0].pos,
				fmt.Sprintf("offset must be a valid integer: %v", err),
				"write the offset in decimal or 0x-prefixed hexadecimal, e.g. offset = 0x1F40")
			return false
		}
		spec.kind, spec.offset = detour.LookupOffset, off
		return true

	case "symbol":
		var sym string
		var err error
		if len(value) == 1 && value[0].tok == token.STRING {
			sym, err = strconv.Unquote(value[0].lit)
		}
		if len(value) != 1 || value[0].tok != token.STRING || err != nil || sym == "" {
			c.report(CodeMalformedLookup, value[0].pos,
				fmt.Sprintf("symbol must be a non-empty string literal, found %s", joinTokens(value)),
				lookupExample(spec.slot))
			return false
		}
		spec.kind, spec.symbol = detour.LookupSymbol, sym
		return true

	default:
		c.report(CodeMalformedLookup, arg[0].pos,
			fmt.Sprintf("unknown lookup key %q", arg[0].lit), lookupExample(spec.slot))
		return false
	}
}

func joinTokens(toks []dtoken) string {
	parts := make([]string, len(toks))
	for i, t := range toks {
		parts[i] = t.text()
	}
	return strings.Join(parts, "")
}

// parseModule parses the argument of //detour:module, which must be one
// non-empty string literal.
func (c *compiler) parseModule(d directive) (string, bool) {
	toks := d.scan()
	const example = `write //detour:module "<library name>", e.g. //detour:module "lua52.dll"`
	if len(toks) != 1 || toks[0].tok != token.STRING {
		pos := d.argsPos
		if len(toks) > 0 {
			pos = toks[0].pos
		}
		c.report(CodeInvalidModule, pos, "module name must be a string literal", example)
		return "", false
	}
	name, err := strconv.Unquote(toks[0].lit)
	if err != nil || strings.TrimSpace(name) == "" {
		c.report(CodeInvalidModule, toks[0].pos, "module name must be a non-empty string literal", example)
		return "", false
	}
	return name, true
}
