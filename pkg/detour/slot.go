// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

import (
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
)

// State is the lifecycle state of a slot.
type State uint8

const (
	Uninitialized State = iota
	Initialized
	Enabled
	Disabled
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Initialized:
		return "initialized"
	case Enabled:
		return "enabled"
	case Disabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// AnySlot is the type-erased view of a Slot used by the registry and by
// hosts that control hooks manually.
type AnySlot interface {
	Name() string
	Shape() Shape
	State() State
	Target() uintptr
	Enable() error
	Disable() error
	Release() error
}

// Slot is one interception point. F is the call shape, a func type.
//
// Lifecycle transitions (Initialize, Enable, Disable, Release) are not
// synchronized; callers activating hooks from several goroutines must
// serialize them. Detour and Original may be called concurrently and
// reentrantly from any goroutine once the slot is enabled.
type Slot[F any] struct {
	name  string
	shape Shape

	trampoline F
	bound      bool

	detour atomic.Pointer[F]
	handle Handle
	target uintptr
	state  State
}

var _ AnySlot = (*Slot[func()])(nil)

// NewSlot creates an uninitialized slot. It panics if F is not a func type,
// which only happens with hand-written declarations.
func NewSlot[F any](name string, shape Shape) *Slot[F] {
	if t := reflect.TypeOf((*F)(nil)).Elem(); t.Kind() != reflect.Func {
		panic(fmt.Sprintf("detour: slot %s: call shape %s is not a func type", name, t))
	}
	return &Slot[F]{name: name, shape: shape}
}

func (s *Slot[F]) Name() string    { return s.name }
func (s *Slot[F]) Shape() Shape    { return s.shape }
func (s *Slot[F]) State() State    { return s.state }
func (s *Slot[F]) Target() uintptr { return s.target }

// IsEnabled reports whether the detour is currently installed.
func (s *Slot[F]) IsEnabled() bool { return s.state == Enabled }

// BindTrampoline sets the function the engine installs at the target. It
// only takes effect while the slot is uninitialized.
func (s *Slot[F]) BindTrampoline(trampoline F) {
	if s.state != Uninitialized {
		return
	}
	s.trampoline = trampoline
	s.bound = !isNilFunc(trampoline)
}

// Initialize prepares the detour of target and captures detour as the
// slot's call-through path. It is only valid on an uninitialized slot: a
// second call would leave the trampoline forwarding through a stale
// pointer, so it fails with ErrAlreadyInitialized instead.
func (s *Slot[F]) Initialize(engine Engine, target uintptr, detour F) error {
	if s.state != Uninitialized {
		return &EngineError{Slot: s.name, Op: "initialize", Err: ErrAlreadyInitialized}
	}
	if !s.bound {
		return &EngineError{Slot: s.name, Op: "initialize", Err: ErrNoTrampoline}
	}
	if isNilFunc(detour) {
		return &EngineError{Slot: s.name, Op: "initialize", Err: errors.New("nil detour function")}
	}

	h, err := engine.Initialize(target, any(s.trampoline), s.shape)
	if err != nil {
		return &EngineError{Slot: s.name, Op: "initialize", Err: err}
	}

	s.detour.Store(&detour)
	s.handle = h
	s.target = target
	s.state = Initialized
	return nil
}

// Enable installs the detour. Enabling an enabled slot is a no-op and does
// not reach the engine again.
func (s *Slot[F]) Enable() error {
	switch s.state {
	case Uninitialized:
		return &EngineError{Slot: s.name, Op: "enable", Err: ErrNotInitialized}
	case Enabled:
		return nil
	}
	if err := s.handle.Enable(); err != nil {
		return &EngineError{Slot: s.name, Op: "enable", Err: err}
	}
	s.state = Enabled
	return nil
}

// Disable removes the detour while keeping the slot initialized, so it can
// be enabled again. Disabling a slot that is not enabled is a no-op.
func (s *Slot[F]) Disable() error {
	switch s.state {
	case Uninitialized:
		return &EngineError{Slot: s.name, Op: "disable", Err: ErrNotInitialized}
	case Initialized, Disabled:
		return nil
	}
	if err := s.handle.Disable(); err != nil {
		return &EngineError{Slot: s.name, Op: "disable", Err: err}
	}
	s.state = Disabled
	return nil
}

// Release disables the detour if needed and returns the slot to
// Uninitialized, so it can be initialized against a new address after the
// target module was reloaded.
func (s *Slot[F]) Release() error {
	if s.state == Uninitialized {
		return nil
	}
	if err := s.Disable(); err != nil {
		return err
	}
	if err := s.handle.Release(); err != nil {
		return &EngineError{Slot: s.name, Op: "release", Err: err}
	}
	s.detour.Store(nil)
	s.handle = nil
	s.target = 0
	s.state = Uninitialized
	return nil
}

// Detour returns the function the slot was initialized with. Trampolines
// call it to reach the hook body; it only reads slot state.
func (s *Slot[F]) Detour() F {
	if p := s.detour.Load(); p != nil {
		return *p
	}
	var zero F
	return zero
}

// Original returns the call-through to the original code. It is the zero
// F until the slot is initialized.
func (s *Slot[F]) Original() F {
	var zero F
	if s.handle == nil {
		return zero
	}
	f, ok := s.handle.Original().(F)
	if !ok {
		return zero
	}
	return f
}

func isNilFunc(f any) bool {
	v := reflect.ValueOf(f)
	return !v.IsValid() || (v.Kind() == reflect.Func && v.IsNil())
}
