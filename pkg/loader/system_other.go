// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux && !windows

package loader

import "go.uber.org/zap"

// System reports every module as not loaded on platforms without a
// loader implementation.
type System struct {
	logger *zap.Logger
}

// New returns the loader of the current process.
func New(logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Warn("module lookup is not supported on this platform")
	return &System{logger: logger}
}

// ModuleHandle implements detour.Loader.
func (s *System) ModuleHandle(name string) (uintptr, bool) {
	return 0, false
}

// ExportAddress implements detour.Loader.
func (s *System) ExportAddress(base uintptr, symbol string) (uintptr, bool) {
	return 0, false
}
