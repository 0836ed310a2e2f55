// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build linux

package loader

import (
	"os"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// System is the dynamic loader of the current process. On Linux modules
// are found in /proc/self/maps and exports are read from the ELF dynamic
// symbol table of the mapped file. The maps file is read on every call,
// so a library loaded or moved since the last lookup is seen immediately.
type System struct {
	mapsPath string
	exports  *exportCache
	logger   *zap.Logger
}

// New returns the loader of the current process.
func New(logger *zap.Logger) *System {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &System{
		mapsPath: "/proc/self/maps",
		exports:  newExportCache(uint64(unix.Getpagesize()), logger),
		logger:   logger,
	}
}

func (s *System) maps() []Mapping {
	f, err := os.Open(s.mapsPath)
	if err != nil {
		s.logger.Debug("cannot read maps", zap.String("path", s.mapsPath), zap.Error(err))
		return nil
	}
	defer f.Close()

	maps, err := ReadMaps(f)
	if err != nil {
		s.logger.Debug("maps read incomplete", zap.Error(err))
	}
	return maps
}

// ModuleHandle implements detour.Loader.
func (s *System) ModuleHandle(name string) (uintptr, bool) {
	base, _, ok := FindModule(s.maps(), name)
	return uintptr(base), ok
}

// ExportAddress implements detour.Loader.
func (s *System) ExportAddress(base uintptr, symbol string) (uintptr, bool) {
	path, ok := ModuleAt(s.maps(), uint64(base))
	if !ok {
		return 0, false
	}
	t, err := s.exports.get(path)
	if err != nil {
		s.logger.Debug("cannot read exports", zap.String("path", path), zap.Error(err))
		return 0, false
	}
	addr, ok := t.address(uint64(base), symbol)
	return uintptr(addr), ok
}
