// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

import (
	"errors"
	"strings"
)

var (
	// ErrModuleNotLoaded means the lookup's module is not resident in the
	// process at resolution time.
	ErrModuleNotLoaded = errors.New("module not loaded")
	// ErrSymbolNotFound means the module is loaded but does not export the
	// requested symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrAlreadyInitialized is returned when a slot that already captured a
	// call-through path is initialized again.
	ErrAlreadyInitialized = errors.New("detour already initialized")
	// ErrNotInitialized is returned by Enable/Disable on a slot that was
	// never initialized.
	ErrNotInitialized = errors.New("detour not initialized")
	// ErrNoTrampoline is returned when a slot is initialized before a
	// trampoline was bound to it.
	ErrNoTrampoline = errors.New("detour has no trampoline")
	// ErrSlotConflict is returned when two different slots register under
	// the same identifier in one registry.
	ErrSlotConflict = errors.New("slot identifier already registered")
)

// ResolveError reports a lookup that could not be turned into an address.
// Err is ErrModuleNotLoaded or ErrSymbolNotFound.
type ResolveError struct {
	Lookup Lookup
	Err    error
}

func (e *ResolveError) Error() string {
	return "resolve " + e.Lookup.String() + ": " + e.Err.Error()
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// EngineError wraps a failure reported by the hooking engine, or a misuse
// of the slot lifecycle that the engine would otherwise have to absorb.
type EngineError struct {
	Slot string
	Op   string // "initialize", "enable", "disable", "release"
	Err  error
}

func (e *EngineError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Slot != "" {
		b.WriteString(" ")
		b.WriteString(e.Slot)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ActivationError is what the activation driver returns: the slot whose
// activation failed and the resolver or engine error behind it.
type ActivationError struct {
	Slot string
	Err  error
}

func (e *ActivationError) Error() string {
	return "activate " + e.Slot + ": " + e.Err.Error()
}

func (e *ActivationError) Unwrap() error {
	return e.Err
}

// IsModuleNotLoaded reports whether err, or anything it wraps, is a
// missing-module failure. Hosts use it to treat optional hooks as
// ignorable.
func IsModuleNotLoaded(err error) bool {
	return errors.Is(err, ErrModuleNotLoaded)
}

// IsSymbolNotFound reports whether err is a missing-export failure.
func IsSymbolNotFound(err error) bool {
	return errors.Is(err, ErrSymbolNotFound)
}

// IsEngineError reports whether err came from the hooking engine or slot
// lifecycle rather than from address resolution.
func IsEngineError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}
