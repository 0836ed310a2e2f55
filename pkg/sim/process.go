// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package sim is an in-memory process: modules loaded at chosen base
// addresses whose code is made of Go functions. It implements the loader
// and engine capabilities of package detour, so hook declarations can be
// activated and exercised without patching real machine code.
package sim

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mbeema/detour/pkg/detour"
)

var (
	ErrModuleLoaded  = errors.New("module already loaded")
	ErrModuleMissing = errors.New("module not loaded")
	ErrAddressInUse  = errors.New("address already holds code")
	ErrBaseInUse     = errors.New("base address already used by another module")
	ErrNoCode        = errors.New("no code at address")
)

// Export is one function placed in a simulated module. Functions with an
// empty Name are internal: reachable by offset only, like unexported code
// in a real library.
type Export struct {
	Name   string
	Offset uint64
	Func   any
}

// Module describes a loaded simulated module.
type Module struct {
	Name    string
	Base    uintptr
	exports map[string]uintptr
	addrs   []uintptr
}

// Symbols returns the module's export names, sorted.
func (m *Module) Symbols() []string {
	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// cell is the code resident at one address.
type cell struct {
	module   string
	original any
	patched  any
	hooked   bool
}

// Process is a simulated address space. It is safe for concurrent use.
type Process struct {
	mu      sync.RWMutex
	modules map[string]*Module
	code    map[uintptr]*cell
}

var _ detour.Loader = (*Process)(nil)

// NewProcess creates an empty process.
func NewProcess() *Process {
	return &Process{
		modules: make(map[string]*Module),
		code:    make(map[uintptr]*cell),
	}
}

// Load maps a module at base with the given functions.
func (p *Process) Load(name string, base uintptr, exports ...Export) (*Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.modules[name]; ok {
		return nil, fmt.Errorf("load %s: %w", name, ErrModuleLoaded)
	}
	for _, other := range p.modules {
		if other.Base == base {
			return nil, fmt.Errorf("load %s: 0x%x belongs to %s: %w", name, base, other.Name, ErrBaseInUse)
		}
	}

	m := &Module{Name: name, Base: base, exports: make(map[string]uintptr)}
	seen := make(map[uintptr]bool, len(exports))
	for _, e := range exports {
		addr := base + uintptr(e.Offset)
		if _, ok := p.code[addr]; ok || seen[addr] {
			return nil, fmt.Errorf("load %s: 0x%x: %w", name, addr, ErrAddressInUse)
		}
		seen[addr] = true
		if e.Func == nil {
			return nil, fmt.Errorf("load %s: export at offset 0x%x has no function", name, e.Offset)
		}
		m.addrs = append(m.addrs, addr)
		if e.Name != "" {
			m.exports[e.Name] = addr
		}
	}
	for i, e := range exports {
		p.code[m.addrs[i]] = &cell{module: name, original: e.Func}
	}
	p.modules[name] = m
	return m, nil
}

// Unload removes a module and all of its code, including any detours
// installed in it.
func (p *Process) Unload(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.modules[name]
	if !ok {
		return fmt.Errorf("unload %s: %w", name, ErrModuleMissing)
	}
	for _, addr := range m.addrs {
		delete(p.code, addr)
	}
	delete(p.modules, name)
	return nil
}

// Module returns a loaded module by name.
func (p *Process) Module(name string) (*Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.modules[name]
	return m, ok
}

// ModuleHandle implements detour.Loader.
func (p *Process) ModuleHandle(name string) (uintptr, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.modules[name]
	if !ok {
		return 0, false
	}
	return m.Base, true
}

// ExportAddress implements detour.Loader.
func (p *Process) ExportAddress(base uintptr, symbol string) (uintptr, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, m := range p.modules {
		if m.Base != base {
			continue
		}
		addr, ok := m.exports[symbol]
		return addr, ok
	}
	return 0, false
}

// Code returns what runs when addr is called: the installed detour if one
// is enabled, the original function otherwise.
func (p *Process) Code(addr uintptr) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.code[addr]
	if !ok {
		return nil, false
	}
	if c.patched != nil {
		return c.patched, true
	}
	return c.original, true
}

// FuncAt returns the code at addr as an F, the way a caller inside the
// process would reach it through a function pointer.
func FuncAt[F any](p *Process, addr uintptr) (F, error) {
	var zero F
	code, ok := p.Code(addr)
	if !ok {
		return zero, fmt.Errorf("call 0x%x: %w", addr, ErrNoCode)
	}
	f, ok := code.(F)
	if !ok {
		return zero, fmt.Errorf("call 0x%x: code is %T, not %T", addr, code, zero)
	}
	return f, nil
}

// Symbol resolves module!symbol and returns it as an F.
func Symbol[F any](p *Process, module, symbol string) (F, error) {
	var zero F
	base, ok := p.ModuleHandle(module)
	if !ok {
		return zero, fmt.Errorf("%s: %w", module, ErrModuleMissing)
	}
	addr, ok := p.ExportAddress(base, symbol)
	if !ok {
		return zero, fmt.Errorf("%s!%s: %w", module, symbol, detour.ErrSymbolNotFound)
	}
	return FuncAt[F](p, addr)
}
