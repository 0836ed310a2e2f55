// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sim

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/mbeema/detour/pkg/detour"
)

var (
	// ErrDoubleHook means the target already has a detour prepared.
	ErrDoubleHook = errors.New("double hook")
	// ErrTypeMismatch means the replacement's type differs from the code
	// at the target.
	ErrTypeMismatch = errors.New("replacement type differs from target")
	// ErrCodeChanged means the module under a handle was unloaded.
	ErrCodeChanged = errors.New("code under detour was unloaded")
)

// Engine patches a Process's code table.
type Engine struct {
	proc    *Process
	patches atomic.Int64
}

var _ detour.Engine = (*Engine)(nil)

// Engine returns the process's hooking engine.
func (p *Process) Engine() *Engine {
	return &Engine{proc: p}
}

// Patches counts how many times a detour was written into code.
func (e *Engine) Patches() int64 {
	return e.patches.Load()
}

// Initialize implements detour.Engine.
func (e *Engine) Initialize(target uintptr, replacement any, shape detour.Shape) (detour.Handle, error) {
	p := e.proc
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.code[target]
	if !ok {
		return nil, fmt.Errorf("0x%x: %w", target, ErrNoCode)
	}
	if c.hooked {
		return nil, fmt.Errorf("0x%x: %w", target, ErrDoubleHook)
	}
	if reflect.TypeOf(replacement) != reflect.TypeOf(c.original) {
		return nil, fmt.Errorf("0x%x: %w: %T vs %T (%s)", target, ErrTypeMismatch, replacement, c.original, shape.Signature)
	}

	c.hooked = true
	return &handle{engine: e, addr: target, cell: c, replacement: replacement}, nil
}

type handle struct {
	engine      *Engine
	addr        uintptr
	cell        *cell
	replacement any
}

// live returns the handle's cell if it is still mapped. Callers hold the
// process lock.
func (h *handle) live() (*cell, error) {
	c, ok := h.engine.proc.code[h.addr]
	if !ok || c != h.cell {
		return nil, fmt.Errorf("0x%x: %w", h.addr, ErrCodeChanged)
	}
	return c, nil
}

func (h *handle) Enable() error {
	p := h.engine.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	c, err := h.live()
	if err != nil {
		return err
	}
	c.patched = h.replacement
	h.engine.patches.Add(1)
	return nil
}

func (h *handle) Disable() error {
	p := h.engine.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	// Disabling after an unload is fine: the detour went with the code.
	if c, err := h.live(); err == nil {
		c.patched = nil
	}
	return nil
}

func (h *handle) Release() error {
	p := h.engine.proc
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, err := h.live(); err == nil {
		c.patched = nil
		c.hooked = false
	}
	return nil
}

func (h *handle) Original() any {
	return h.cell.original
}
