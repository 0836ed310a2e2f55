// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/mbeema/detour/pkg/detour"
	"github.com/mbeema/detour/pkg/sim"
	"go.uber.org/zap"
)

type pushFunc func(state uintptr, n int64) int64

// hookSet mirrors what detourgen emits for two hooks in two modules.
type hookSet struct {
	push  *detour.Slot[pushFunc]
	write *detour.Slot[pushFunc]
}

func newHookSet() *hookSet {
	return &hookSet{
		push:  detour.NewSlot[pushFunc]("PushInteger", detour.Shape{Signature: "func(uintptr, int64) int64", ABI: "C", Unsafe: true}),
		write: detour.NewSlot[pushFunc]("Write", detour.Shape{Signature: "func(uintptr, int64) int64"}),
	}
}

func (h *hookSet) bindings() []detour.Binding {
	return []detour.Binding{
		detour.Bind(h.push, detour.FromSymbol("lua52.dll", "lua_pushinteger"),
			func(state uintptr, n int64) int64 { return h.push.Detour()(state, n) },
			func(state uintptr, n int64) int64 { return h.push.Original()(state, n*2) },
		),
		detour.Bind(h.write, detour.FromOffset("liblog.so", 0x20),
			func(state uintptr, n int64) int64 { return h.write.Detour()(state, n) },
			func(state uintptr, n int64) int64 { return -h.write.Original()(state, n) },
		),
	}
}

func identity(state uintptr, n int64) int64 { return n }

func loadLua(t *testing.T, p *sim.Process, base uintptr) {
	t.Helper()
	if _, err := p.Load("lua52.dll", base,
		sim.Export{Name: "lua_pushinteger", Offset: 0x100, Func: pushFunc(identity)},
	); err != nil {
		t.Fatal(err)
	}
}

func loadLog(t *testing.T, p *sim.Process) {
	t.Helper()
	if _, err := p.Load("liblog.so", 0x7000, sim.Export{Offset: 0x20, Func: pushFunc(identity)}); err != nil {
		t.Fatal(err)
	}
}

func call(t *testing.T, p *sim.Process, module, symbol string, n int64) int64 {
	t.Helper()
	f, err := sim.Symbol[pushFunc](p, module, symbol)
	if err != nil {
		t.Fatal(err)
	}
	return f(0, n)
}

func TestActivateEndToEnd(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)
	loadLog(t, p)

	hs := newHookSet()
	reg := detour.NewRegistry(p, p.Engine(), detour.WithLogger(zap.NewNop()))
	if err := reg.Activate(hs.bindings()...); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if got := call(t, p, "lua52.dll", "lua_pushinteger", 21); got != 42 {
		t.Errorf("lua_pushinteger(21) = %d, want 42", got)
	}
	f, err := sim.FuncAt[pushFunc](p, 0x7020)
	if err != nil {
		t.Fatal(err)
	}
	if got := f(0, 5); got != -5 {
		t.Errorf("liblog+0x20(5) = %d, want -5", got)
	}

	if hs.push.Target() != 0x4100 || hs.write.Target() != 0x7020 {
		t.Errorf("targets = 0x%x, 0x%x", hs.push.Target(), hs.write.Target())
	}
	if len(reg.Slots()) != 2 {
		t.Errorf("len(Slots) = %d, want 2", len(reg.Slots()))
	}
	if s, ok := reg.Lookup("PushInteger"); !ok || s.State() != detour.Enabled {
		t.Errorf("Lookup(PushInteger) = %v, %v", s, ok)
	}
}

func TestActivateStopsAtMissingModule(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)

	hs := newHookSet()
	reg := detour.NewRegistry(p, p.Engine())
	err := reg.Activate(hs.bindings()...)

	var ae *detour.ActivationError
	if !errors.As(err, &ae) || ae.Slot != "Write" {
		t.Fatalf("Activate = %v, want ActivationError for Write", err)
	}
	if !detour.IsModuleNotLoaded(err) {
		t.Errorf("Activate = %v, want ErrModuleNotLoaded", err)
	}

	// No rollback: the first hook stays installed.
	if hs.push.State() != detour.Enabled {
		t.Errorf("PushInteger state = %v, want enabled", hs.push.State())
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 1); got != 2 {
		t.Errorf("lua_pushinteger(1) = %d, want 2", got)
	}
	if hs.write.State() != detour.Uninitialized {
		t.Errorf("Write state = %v, want uninitialized", hs.write.State())
	}

	// Loading the module later and activating again finishes the job
	// without touching the hook that is already enabled.
	loadLog(t, p)
	eng := p.Engine()
	reg2 := detour.NewRegistry(p, eng)
	if err := reg2.Activate(hs.bindings()...); err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if hs.write.State() != detour.Enabled {
		t.Errorf("Write state = %v, want enabled", hs.write.State())
	}
	if got := eng.Patches(); got != 1 {
		t.Errorf("patches on second activation = %d, want 1", got)
	}
}

func TestActivateSymbolNotFound(t *testing.T) {
	p := sim.NewProcess()
	if _, err := p.Load("lua52.dll", 0x4000, sim.Export{Name: "lua_pushnumber", Offset: 0x10, Func: pushFunc(identity)}); err != nil {
		t.Fatal(err)
	}
	loadLog(t, p)

	hs := newHookSet()
	err := detour.NewRegistry(p, p.Engine()).Activate(hs.bindings()...)
	if !detour.IsSymbolNotFound(err) {
		t.Fatalf("Activate = %v, want ErrSymbolNotFound", err)
	}
	if detour.IsModuleNotLoaded(err) {
		t.Error("missing export should not look like a missing module")
	}
	if hs.write.State() != detour.Uninitialized {
		t.Error("activation should stop at the first failure")
	}
}

func TestActivateTwiceIsIdempotent(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)
	loadLog(t, p)

	hs := newHookSet()
	eng := p.Engine()
	reg := detour.NewRegistry(p, eng)
	for i := 0; i < 3; i++ {
		if err := reg.Activate(hs.bindings()...); err != nil {
			t.Fatalf("Activate #%d: %v", i, err)
		}
	}
	if got := eng.Patches(); got != 2 {
		t.Errorf("patches = %d, want 2", got)
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 3); got != 6 {
		t.Errorf("lua_pushinteger(3) = %d, want 6 (detour applied once)", got)
	}
}

func TestActivateEngineFailure(t *testing.T) {
	p := sim.NewProcess()
	type other func(int) int
	if _, err := p.Load("lua52.dll", 0x4000,
		sim.Export{Name: "lua_pushinteger", Offset: 0x100, Func: other(func(n int) int { return n })},
	); err != nil {
		t.Fatal(err)
	}

	hs := newHookSet()
	err := detour.NewRegistry(p, p.Engine()).Activate(hs.bindings()...)
	if !detour.IsEngineError(err) || !errors.Is(err, sim.ErrTypeMismatch) {
		t.Fatalf("Activate = %v, want engine type mismatch", err)
	}
	if hs.push.State() != detour.Uninitialized {
		t.Errorf("state = %v, want uninitialized", hs.push.State())
	}
}

func TestReactivateAfterReload(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)
	loadLog(t, p)

	hs := newHookSet()
	reg := detour.NewRegistry(p, p.Engine())
	if err := reg.Activate(hs.bindings()...); err != nil {
		t.Fatal(err)
	}

	if err := p.Unload("lua52.dll"); err != nil {
		t.Fatal(err)
	}
	loadLua(t, p, 0x9000)

	err := reg.Activate(hs.bindings()...)
	if !errors.Is(err, detour.ErrAlreadyInitialized) {
		t.Fatalf("Activate after reload = %v, want ErrAlreadyInitialized", err)
	}

	if err := reg.ReleaseAll(); err != nil {
		t.Fatalf("ReleaseAll: %v", err)
	}
	if err := reg.Activate(hs.bindings()...); err != nil {
		t.Fatalf("Activate after release: %v", err)
	}
	if hs.push.Target() != 0x9100 {
		t.Errorf("Target = 0x%x, want 0x9100", hs.push.Target())
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 4); got != 8 {
		t.Errorf("lua_pushinteger(4) = %d, want 8", got)
	}
}

func TestReactivateKeepsInitialDetour(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)

	slot := detour.NewSlot[pushFunc]("Push", detour.Shape{})
	trampoline := func(state uintptr, n int64) int64 { return slot.Detour()(state, n) }
	bind := func(detourFn pushFunc) detour.Binding {
		return detour.Bind(slot, detour.FromSymbol("lua52.dll", "lua_pushinteger"), trampoline, detourFn)
	}
	plusOne := func(_ uintptr, n int64) int64 { return n + 1 }
	plusTen := func(_ uintptr, n int64) int64 { return n + 10 }

	reg := detour.NewRegistry(p, p.Engine())
	if err := reg.Activate(bind(plusOne)); err != nil {
		t.Fatal(err)
	}
	if err := slot.Disable(); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(bind(plusTen)); err != nil {
		t.Fatalf("second Activate: %v", err)
	}
	if slot.State() != detour.Enabled {
		t.Errorf("state = %v, want enabled", slot.State())
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 1); got != 2 {
		t.Errorf("lua_pushinteger(1) = %d, want 2 from the initial detour", got)
	}

	if err := reg.ReleaseAll(); err != nil {
		t.Fatal(err)
	}
	if err := reg.Activate(bind(plusTen)); err != nil {
		t.Fatalf("Activate after release: %v", err)
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 1); got != 11 {
		t.Errorf("lua_pushinteger(1) = %d, want 11 after release", got)
	}
}

func TestDisableAll(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)
	loadLog(t, p)

	hs := newHookSet()
	reg := detour.NewRegistry(p, p.Engine())
	if err := reg.Activate(hs.bindings()...); err != nil {
		t.Fatal(err)
	}
	if err := reg.DisableAll(); err != nil {
		t.Fatalf("DisableAll: %v", err)
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 4); got != 4 {
		t.Errorf("lua_pushinteger(4) = %d, want 4 after disable", got)
	}
	if hs.push.State() != detour.Disabled || hs.write.State() != detour.Disabled {
		t.Errorf("states = %v, %v", hs.push.State(), hs.write.State())
	}
	if err := reg.Activate(hs.bindings()...); err != nil {
		t.Fatalf("re-Activate: %v", err)
	}
	if got := call(t, p, "lua52.dll", "lua_pushinteger", 4); got != 8 {
		t.Errorf("lua_pushinteger(4) = %d, want 8 after re-enable", got)
	}
}

func TestRegisterConflict(t *testing.T) {
	p := sim.NewProcess()
	reg := detour.NewRegistry(p, p.Engine())
	a := detour.NewSlot[pushFunc]("Same", detour.Shape{})
	b := detour.NewSlot[pushFunc]("Same", detour.Shape{})
	noop := func(uintptr, int64) int64 { return 0 }

	if err := reg.Register(detour.Bind(a, detour.FromOffset("m", 0), noop, noop)); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(detour.Bind(a, detour.FromOffset("m", 0), noop, noop)); err != nil {
		t.Errorf("re-registering the same slot = %v", err)
	}
	err := reg.Register(detour.Bind(b, detour.FromOffset("m", 0), noop, noop))
	if !errors.Is(err, detour.ErrSlotConflict) {
		t.Errorf("Register = %v, want ErrSlotConflict", err)
	}
}

func TestTrampolineIsReentrant(t *testing.T) {
	p := sim.NewProcess()
	loadLua(t, p, 0x4000)

	var slot *detour.Slot[pushFunc]
	slot = detour.NewSlot[pushFunc]("Fact", detour.Shape{})
	fact := func(state uintptr, n int64) int64 {
		if n <= 1 {
			return 1
		}
		self, err := sim.Symbol[pushFunc](p, "lua52.dll", "lua_pushinteger")
		if err != nil {
			return -1
		}
		return n * self(state, n-1)
	}
	err := detour.NewRegistry(p, p.Engine()).Activate(detour.Bind(slot,
		detour.FromSymbol("lua52.dll", "lua_pushinteger"),
		func(state uintptr, n int64) int64 { return slot.Detour()(state, n) },
		fact,
	))
	if err != nil {
		t.Fatal(err)
	}

	f, err := sim.Symbol[pushFunc](p, "lua52.dll", "lua_pushinteger")
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := f(0, 5); got != 120 {
				t.Errorf("fact(5) = %d, want 120", got)
			}
		}()
	}
	wg.Wait()
}
