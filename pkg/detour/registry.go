// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Binding ties a slot to its lookup, trampoline and hook body. Generated
// InitDetours functions build one per declared hook with Bind.
type Binding interface {
	Slot() AnySlot
	Lookup() Lookup
	activate(engine Engine, target uintptr) error
}

type binding[F any] struct {
	slot       *Slot[F]
	lookup     Lookup
	trampoline F
	detour     F
}

// Bind describes one declared hook: slot is installed at lookup, the engine
// redirects the target to trampoline, and trampoline forwards to detour.
//
// trampoline and detour are only used when the slot is initialized.
// Activating a binding for a slot that is already initialized at the same
// target just enables it and keeps the functions it was initialized with,
// even when this binding carries different ones. Release the slot first to
// install a different detour.
func Bind[F any](slot *Slot[F], lookup Lookup, trampoline, detour F) Binding {
	return &binding[F]{slot: slot, lookup: lookup, trampoline: trampoline, detour: detour}
}

func (b *binding[F]) Slot() AnySlot  { return b.slot }
func (b *binding[F]) Lookup() Lookup { return b.lookup }

func (b *binding[F]) activate(engine Engine, target uintptr) error {
	s := b.slot
	switch {
	case s.State() == Uninitialized:
		s.BindTrampoline(b.trampoline)
		if err := s.Initialize(engine, target, b.detour); err != nil {
			return err
		}
	case s.Target() != target:
		// The module moved since the slot was initialized. The host has to
		// Release the slot before it can be pointed somewhere else.
		return &EngineError{
			Slot: s.Name(),
			Op:   "initialize",
			Err:  fmt.Errorf("%w at 0x%x, resolved 0x%x", ErrAlreadyInitialized, s.Target(), target),
		}
	}
	return s.Enable()
}

// Registry is the host-owned table of slots, keyed by slot identifier. It
// holds the loader and engine the activation driver works with.
//
// A Registry is not safe for concurrent activation; hosts that activate
// from several goroutines must serialize the calls.
type Registry struct {
	resolver *Resolver
	engine   Engine
	logger   *zap.Logger

	slots map[string]AnySlot
	order []string
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(loader Loader, engine Engine, opts ...Option) *Registry {
	r := &Registry{
		engine: engine,
		logger: zap.NewNop(),
		slots:  make(map[string]AnySlot),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.resolver = NewResolver(loader, r.logger)
	return r
}

// Resolver returns the registry's address resolver.
func (r *Registry) Resolver() *Resolver { return r.resolver }

// Register adds slots to the table without activating them. Registering
// the same slot twice is fine; a different slot under a taken identifier
// fails with ErrSlotConflict.
func (r *Registry) Register(bindings ...Binding) error {
	for _, b := range bindings {
		if err := r.register(b.Slot()); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) register(s AnySlot) error {
	existing, ok := r.slots[s.Name()]
	if ok {
		if existing != s {
			return fmt.Errorf("register %s: %w", s.Name(), ErrSlotConflict)
		}
		return nil
	}
	r.slots[s.Name()] = s
	r.order = append(r.order, s.Name())
	return nil
}

// Activate is the activation driver. For each binding, in order, it
// registers the slot, resolves its lookup, initializes the slot and
// enables it. The first failure is returned as an *ActivationError and
// the remaining bindings are left alone; slots enabled before the failure
// stay enabled.
//
// Activating again is safe: slots already initialized at the resolved
// address are only re-enabled.
func (r *Registry) Activate(bindings ...Binding) error {
	for _, b := range bindings {
		s := b.Slot()
		if err := r.register(s); err != nil {
			return &ActivationError{Slot: s.Name(), Err: err}
		}

		addr, err := r.resolver.Resolve(b.Lookup())
		if err != nil {
			r.logger.Warn("detour target not resolved",
				zap.String("slot", s.Name()),
				zap.String("lookup", b.Lookup().String()),
				zap.Error(err),
			)
			return &ActivationError{Slot: s.Name(), Err: err}
		}

		if err := b.activate(r.engine, addr); err != nil {
			r.logger.Warn("detour activation failed",
				zap.String("slot", s.Name()),
				zap.Uintptr("addr", addr),
				zap.Error(err),
			)
			return &ActivationError{Slot: s.Name(), Err: err}
		}

		r.logger.Info("detour enabled",
			zap.String("slot", s.Name()),
			zap.String("lookup", b.Lookup().String()),
			zap.Uintptr("addr", addr),
		)
	}
	return nil
}

// Lookup returns the slot registered under name.
func (r *Registry) Lookup(name string) (AnySlot, bool) {
	s, ok := r.slots[name]
	return s, ok
}

// Slots returns every registered slot in registration order.
func (r *Registry) Slots() []AnySlot {
	out := make([]AnySlot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.slots[name])
	}
	return out
}

// DisableAll disables every enabled slot, newest first. It keeps going
// after a failure and returns all failures joined.
func (r *Registry) DisableAll() error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		s := r.slots[r.order[i]]
		if s.State() != Enabled {
			continue
		}
		if err := s.Disable(); err != nil {
			errs = append(errs, err)
			continue
		}
		r.logger.Debug("detour disabled", zap.String("slot", s.Name()))
	}
	return errors.Join(errs...)
}

// ReleaseAll returns every slot to Uninitialized, newest first, so the
// next Activate resolves and initializes from scratch. Use it after the
// target modules were reloaded.
func (r *Registry) ReleaseAll() error {
	var errs []error
	for i := len(r.order) - 1; i >= 0; i-- {
		if err := r.slots[r.order[i]].Release(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
