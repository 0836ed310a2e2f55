// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package detour

import (
	"fmt"

	"go.uber.org/zap"
)

// Loader is the operating system's module loader as seen by the resolver.
// Implementations live in pkg/loader (real processes) and pkg/sim
// (simulated ones).
type Loader interface {
	// ModuleHandle returns the load base of the named module, or false if
	// it is not currently loaded.
	ModuleHandle(name string) (base uintptr, ok bool)
	// ExportAddress looks symbol up in the export table of the module
	// loaded at base.
	ExportAddress(base uintptr, symbol string) (addr uintptr, ok bool)
}

// Resolver turns lookups into addresses. It keeps no cache: every call
// reflects the module table at that moment, so a module reloaded at a new
// base resolves to the new address.
type Resolver struct {
	loader Loader
	logger *zap.Logger
}

// NewResolver creates a resolver backed by loader.
func NewResolver(loader Loader, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{loader: loader, logger: logger}
}

// Resolve returns the address lookup designates. Offsets are not bounds
// checked; an offset past the end of the module surfaces later as an
// engine error or a fault.
func (r *Resolver) Resolve(lookup Lookup) (uintptr, error) {
	if lookup.Kind() != LookupOffset && lookup.Kind() != LookupSymbol {
		return 0, fmt.Errorf("resolve: %s", lookup)
	}

	base, ok := r.loader.ModuleHandle(lookup.Module())
	if !ok {
		return 0, &ResolveError{Lookup: lookup, Err: ErrModuleNotLoaded}
	}

	switch lookup.Kind() {
	case LookupOffset:
		off, _ := lookup.Offset()
		addr := base + uintptr(off)
		r.logger.Debug("resolved offset",
			zap.String("lookup", lookup.String()),
			zap.Uintptr("base", base),
			zap.Uintptr("addr", addr),
		)
		return addr, nil

	default:
		sym, _ := lookup.Symbol()
		addr, ok := r.loader.ExportAddress(base, sym)
		if !ok {
			return 0, &ResolveError{Lookup: lookup, Err: ErrSymbolNotFound}
		}
		r.logger.Debug("resolved symbol",
			zap.String("lookup", lookup.String()),
			zap.Uintptr("addr", addr),
		)
		return addr, nil
	}
}
