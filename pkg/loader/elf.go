// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package loader

import (
	"debug/elf"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxELFCacheSize = 256

// exportTable is the dynamic symbol table of one ELF file.
type exportTable struct {
	bias    uint64 // lowest PT_LOAD vaddr, page aligned
	symbols map[string]uint64
	modTime time.Time
	loaded  time.Time
}

// address returns where symbol lives when the file is loaded at base.
func (t *exportTable) address(base uint64, symbol string) (uint64, bool) {
	v, ok := t.symbols[symbol]
	if !ok {
		return 0, false
	}
	return base - t.bias + v, true
}

// readExports loads the exported functions of the ELF file at path.
func readExports(path string, pageSize uint64) (*exportTable, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t := &exportTable{symbols: make(map[string]uint64), loaded: time.Now()}

	first := true
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if first || p.Vaddr < t.bias {
			t.bias = p.Vaddr
			first = false
		}
	}
	if first {
		return nil, fmt.Errorf("%s: no loadable segments", path)
	}
	t.bias &^= pageSize - 1

	syms, err := f.DynamicSymbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("%s: read dynamic symbols: %w", path, err)
	}
	for _, s := range syms {
		if s.Value == 0 || s.Name == "" || s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_LOOS: // STT_LOOS is STT_GNU_IFUNC
		default:
			continue
		}
		switch elf.ST_BIND(s.Info) {
		case elf.STB_GLOBAL, elf.STB_WEAK:
		default:
			continue
		}
		// Versioned duplicates (memcpy@GLIBC_2.2.5 vs memcpy@@GLIBC_2.14)
		// share a name in debug/elf; keep the first, the default version.
		if _, dup := t.symbols[s.Name]; !dup {
			t.symbols[s.Name] = s.Value
		}
	}
	return t, nil
}

// exportCache holds parsed export tables keyed by file path. Entries are
// dropped when the file on disk changes.
type exportCache struct {
	mu       sync.RWMutex
	tables   map[string]*exportTable
	pageSize uint64
	logger   *zap.Logger
}

func newExportCache(pageSize uint64, logger *zap.Logger) *exportCache {
	return &exportCache{
		tables:   make(map[string]*exportTable),
		pageSize: pageSize,
		logger:   logger,
	}
}

func (c *exportCache) get(path string) (*exportTable, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	t, ok := c.tables[path]
	c.mu.RUnlock()
	if ok && t.modTime.Equal(st.ModTime()) {
		return t, nil
	}

	t, err = readExports(path, c.pageSize)
	if err != nil {
		return nil, err
	}
	t.modTime = st.ModTime()

	c.mu.Lock()
	// Evict oldest if cache is full
	if len(c.tables) >= maxELFCacheSize {
		var oldestKey string
		var oldestTime time.Time
		for k, v := range c.tables {
			if oldestKey == "" || v.loaded.Before(oldestTime) {
				oldestKey = k
				oldestTime = v.loaded
			}
		}
		if oldestKey != "" {
			delete(c.tables, oldestKey)
		}
	}
	c.tables[path] = t
	c.mu.Unlock()

	c.logger.Debug("loaded export table",
		zap.String("path", path),
		zap.Int("symbols", len(t.symbols)),
		zap.Uint64("bias", t.bias),
	)
	return t, nil
}
