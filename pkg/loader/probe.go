// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package loader finds modules and their exports in real processes. System
// is the detour.Loader of the current process; Probe inspects other
// processes to check whether hook targets are resident before activation.
package loader

import (
	"fmt"
	"sort"

	"github.com/mbeema/detour/pkg/detour"
	"github.com/shirou/gopsutil/v3/process"
)

var _ detour.Loader = (*System)(nil)

// ProbeResult says whether one module is mapped into a process.
type ProbeResult struct {
	Module string
	Paths  []string // every mapped file matching Module
	RSS    uint64   // resident bytes across those mappings
}

// Loaded reports whether the module was found.
func (r ProbeResult) Loaded() bool { return len(r.Paths) > 0 }

// Probe reports, for each module name, whether it is mapped into the
// process pid. Names are matched the way System.ModuleHandle matches them.
func Probe(pid int32, modules ...string) (string, []ProbeResult, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return "", nil, fmt.Errorf("open process %d: %w", pid, err)
	}
	name, _ := proc.Name()

	maps, err := proc.MemoryMaps(false)
	if err != nil {
		return name, nil, fmt.Errorf("read memory maps of %d: %w", pid, err)
	}

	results := make([]ProbeResult, len(modules))
	for i, mod := range modules {
		res := ProbeResult{Module: mod}
		seen := make(map[string]bool)
		if maps != nil {
			for _, m := range *maps {
				if !MatchName(m.Path, mod) {
					continue
				}
				res.RSS += m.Rss * 1024
				if !seen[m.Path] {
					seen[m.Path] = true
					res.Paths = append(res.Paths, m.Path)
				}
			}
		}
		sort.Strings(res.Paths)
		results[i] = res
	}
	return name, results, nil
}
