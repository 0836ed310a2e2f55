// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

import (
	"errors"
	"testing"

	"go.uber.org/zap"
)

type mapLoader struct {
	bases   map[string]uintptr
	exports map[uintptr]map[string]uintptr
}

func (l *mapLoader) ModuleHandle(name string) (uintptr, bool) {
	b, ok := l.bases[name]
	return b, ok
}

func (l *mapLoader) ExportAddress(base uintptr, symbol string) (uintptr, bool) {
	a, ok := l.exports[base][symbol]
	return a, ok
}

func TestParseOffset(t *testing.T) {
	tests := []struct {
		lit     string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"16", 16, false},
		{"0x10", 16, false},
		{"0X1f", 31, false},
		{"0xFFFF_FFFF", 0xFFFFFFFF, false},
		{"010", 10, false},
		{"18446744073709551615", 1<<64 - 1, false},
		{"", 0, true},
		{"0x", 0, true},
		{"0xg", 0, true},
		{"-1", 0, true},
		{"18446744073709551616", 0, true},
		{"1e3", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseOffset(tt.lit)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseOffset(%q) error = %v, wantErr %v", tt.lit, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseOffset(%q) = %d, want %d", tt.lit, got, tt.want)
		}
	}
}

func TestLookupAccessors(t *testing.T) {
	off := FromOffset("lua52.dll", 0x1F40)
	if v, ok := off.Offset(); !ok || v != 0x1F40 {
		t.Errorf("Offset = %d, %v", v, ok)
	}
	if _, ok := off.Symbol(); ok {
		t.Error("offset lookup reports a symbol")
	}
	if got := off.String(); got != "lua52.dll+0x1f40" {
		t.Errorf("String = %q", got)
	}

	sym := FromSymbol("libc.so.6", "write")
	if v, ok := sym.Symbol(); !ok || v != "write" {
		t.Errorf("Symbol = %q, %v", v, ok)
	}
	if _, ok := sym.Offset(); ok {
		t.Error("symbol lookup reports an offset")
	}
	if got := sym.String(); got != "libc.so.6!write" {
		t.Errorf("String = %q", got)
	}
	if sym.Kind().String() != "symbol" || off.Kind().String() != "offset" {
		t.Errorf("kinds = %s, %s", sym.Kind(), off.Kind())
	}
	if (Lookup{}).String() != "<invalid lookup>" {
		t.Errorf("zero Lookup String = %q", Lookup{}.String())
	}
}

func TestResolve(t *testing.T) {
	const base = 0x7ff600000000
	loader := &mapLoader{
		bases:   map[string]uintptr{"m": base},
		exports: map[uintptr]map[string]uintptr{base: {"run": base + 0x400}},
	}
	r := NewResolver(loader, zap.NewNop())

	addr, err := r.Resolve(FromOffset("m", 0x10))
	if err != nil || addr != base+16 {
		t.Errorf("Resolve(m+0x10) = 0x%x, %v; want 0x%x", addr, err, uintptr(base+16))
	}

	addr, err = r.Resolve(FromSymbol("m", "run"))
	if err != nil || addr != base+0x400 {
		t.Errorf("Resolve(m!run) = 0x%x, %v", addr, err)
	}

	_, err = r.Resolve(FromSymbol("m", "missing"))
	if !errors.Is(err, ErrSymbolNotFound) || !IsSymbolNotFound(err) {
		t.Errorf("Resolve(m!missing) = %v, want ErrSymbolNotFound", err)
	}
	var re *ResolveError
	if !errors.As(err, &re) || re.Lookup.String() != "m!missing" {
		t.Errorf("ResolveError = %+v", re)
	}

	_, err = r.Resolve(FromSymbol("other", "run"))
	if !IsModuleNotLoaded(err) {
		t.Errorf("Resolve(other!run) = %v, want ErrModuleNotLoaded", err)
	}
	_, err = r.Resolve(FromOffset("other", 0))
	if !IsModuleNotLoaded(err) {
		t.Errorf("Resolve(other+0) = %v, want ErrModuleNotLoaded", err)
	}

	if _, err := r.Resolve(Lookup{}); err == nil {
		t.Error("Resolve of the zero Lookup should fail")
	}
}

func TestResolveIsNotCached(t *testing.T) {
	loader := &mapLoader{bases: map[string]uintptr{"m": 0x1000}}
	r := NewResolver(loader, nil)

	if addr, _ := r.Resolve(FromOffset("m", 8)); addr != 0x1008 {
		t.Fatalf("addr = 0x%x", addr)
	}
	loader.bases["m"] = 0x9000
	if addr, _ := r.Resolve(FromOffset("m", 8)); addr != 0x9008 {
		t.Errorf("addr after reload = 0x%x, want 0x9008", addr)
	}
}

func TestErrorMessages(t *testing.T) {
	err := &ActivationError{
		Slot: "PushInteger",
		Err:  &ResolveError{Lookup: FromSymbol("lua52.dll", "lua_pushinteger"), Err: ErrModuleNotLoaded},
	}
	want := "activate PushInteger: resolve lua52.dll!lua_pushinteger: module not loaded"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
