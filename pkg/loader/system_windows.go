// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build windows

package loader

import (
	"go.uber.org/zap"
	"golang.org/x/sys/windows"
)

// System is the Windows loader of the current process. Handles are taken
// without bumping the module's reference count, so a hook never keeps a
// library alive.
type System struct {
	logger *zap.Logger
}

// New returns the loader of the current process.
func New(logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{logger: logger}
}

// ModuleHandle implements detour.Loader.
func (s *System) ModuleHandle(name string) (uintptr, bool) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return 0, false
	}
	var h windows.Handle
	if err := windows.GetModuleHandleEx(windows.GET_MODULE_HANDLE_EX_FLAG_UNCHANGED_REFCOUNT, p, &h); err != nil {
		s.logger.Debug("module not loaded", zap.String("module", name), zap.Error(err))
		return 0, false
	}
	return uintptr(h), true
}

// ExportAddress implements detour.Loader.
func (s *System) ExportAddress(base uintptr, symbol string) (uintptr, bool) {
	addr, err := windows.GetProcAddress(windows.Handle(base), symbol)
	if err != nil {
		return 0, false
	}
	return addr, true
}
