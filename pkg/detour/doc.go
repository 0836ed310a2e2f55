// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package detour is the runtime half of declarative function hooks.
//
// detourgen compiles //detour:hook directives into one Slot per hooked
// function, a trampoline with the target's call shape, and an InitDetours
// function. At run time the host creates a Registry around a Loader (how
// modules and exports are found) and an Engine (how code is patched) and
// passes it to InitDetours, which resolves every declared Lookup and
// drives each slot through Initialize and Enable in declaration order:
//
//	reg := detour.NewRegistry(loader.New(logger), engine, detour.WithLogger(logger))
//	if err := luahooks.InitDetours(reg); err != nil {
//		if detour.IsModuleNotLoaded(err) {
//			// optional module, carry on
//		}
//	}
//
// Activation stops at the first error. Slots enabled before it stay
// enabled.
package detour
