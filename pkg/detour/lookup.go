// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

import (
	"fmt"
	"strconv"
	"strings"
)

// LookupKind tells which variant of a Lookup is populated.
type LookupKind uint8

const (
	LookupOffset LookupKind = iota + 1
	LookupSymbol
)

func (k LookupKind) String() string {
	switch k {
	case LookupOffset:
		return "offset"
	case LookupSymbol:
		return "symbol"
	default:
		return "invalid"
	}
}

// Lookup describes where a target function lives inside a named module:
// either a byte offset from the module's load base or an exported symbol.
// The zero value is invalid; build one with FromOffset or FromSymbol.
type Lookup struct {
	kind   LookupKind
	module string
	offset uint64
	symbol string
}

// FromOffset returns a lookup for module base + offset.
func FromOffset(module string, offset uint64) Lookup {
	return Lookup{kind: LookupOffset, module: module, offset: offset}
}

// FromSymbol returns a lookup for an exported symbol of module.
func FromSymbol(module, symbol string) Lookup {
	return Lookup{kind: LookupSymbol, module: module, symbol: symbol}
}

func (l Lookup) Kind() LookupKind { return l.kind }
func (l Lookup) Module() string   { return l.module }

// Offset returns the byte offset of an offset lookup.
func (l Lookup) Offset() (uint64, bool) {
	return l.offset, l.kind == LookupOffset
}

// Symbol returns the export name of a symbol lookup.
func (l Lookup) Symbol() (string, bool) {
	return l.symbol, l.kind == LookupSymbol
}

// String renders the lookup as module+0xOFF or module!symbol.
func (l Lookup) String() string {
	switch l.kind {
	case LookupOffset:
		return fmt.Sprintf("%s+0x%x", l.module, l.offset)
	case LookupSymbol:
		return l.module + "!" + l.symbol
	default:
		return "<invalid lookup>"
	}
}

// ParseOffset parses an offset literal. Decimal and 0x/0X hexadecimal are
// accepted; digit separators (_) are ignored. A decimal literal with a
// leading zero is still read as decimal.
func ParseOffset(lit string) (uint64, error) {
	s := strings.ReplaceAll(strings.TrimSpace(lit), "_", "")
	if s == "" {
		return 0, fmt.Errorf("empty offset literal")
	}
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid hexadecimal offset %q", lit)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid decimal offset %q", lit)
	}
	return v, nil
}
