// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

// Shape is the call shape of a hooked function: its Go signature with
// parameter names stripped, plus the target's calling convention and
// unsafety exactly as declared on the hook.
type Shape struct {
	Signature string // e.g. "func(uintptr, int64) int32"
	ABI       string // empty for the engine's default convention
	Unsafe    bool
}

// Engine is the code patching capability. It is opaque to this package:
// nothing here knows how control flow is redirected.
type Engine interface {
	// Initialize prepares a detour of the code at target to replacement,
	// which has the Go type described by shape. The detour is not active
	// until the returned handle is enabled.
	Initialize(target uintptr, replacement any, shape Shape) (Handle, error)
}

// Handle controls one prepared detour.
type Handle interface {
	Enable() error
	Disable() error
	// Release undoes Initialize. The handle must not be used afterwards.
	Release() error
	// Original returns a function value with the hooked function's type
	// that runs the original code, bypassing the detour.
	Original() any
}
