// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package loader

import (
	"bufio"
	"io"
	"path/filepath"
	"strconv"
	"strings"
)

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  uint64
	End    uint64
	Perms  string
	Offset uint64
	Path   string
}

// Executable reports whether the mapping is mapped executable.
func (m Mapping) Executable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// ParseMapsLine parses a line from /proc/pid/maps.
// Format: start-end perms offset dev inode pathname
func ParseMapsLine(line string) (Mapping, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Mapping{}, false
	}

	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Mapping{}, false
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Mapping{}, false
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return Mapping{}, false
	}

	// Paths may contain spaces; everything after the inode is the path.
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}

	return Mapping{
		Start:  start,
		End:    end,
		Perms:  fields[1],
		Offset: offset,
		Path:   path,
	}, true
}

// ReadMaps parses every well-formed line of a maps file.
func ReadMaps(r io.Reader) ([]Mapping, error) {
	var out []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if m, ok := ParseMapsLine(scanner.Text()); ok {
			out = append(out, m)
		}
	}
	return out, scanner.Err()
}

// MatchName reports whether the file at path is the module called name.
// A name with a directory must match the path exactly. A bare name
// matches the file's base name, case-insensitively for names ending in
// .dll, and also matches versioned shared objects: libssl.so matches
// libssl.so.3 and libssl.so.1.1.
func MatchName(path, name string) bool {
	if path == "" || name == "" || strings.HasPrefix(path, "[") {
		return false
	}
	if strings.ContainsRune(name, '/') {
		return path == name
	}

	base := filepath.Base(path)
	if base == name {
		return true
	}
	if strings.HasSuffix(strings.ToLower(name), ".dll") {
		return strings.EqualFold(base, name)
	}
	if strings.HasSuffix(name, ".so") && strings.HasPrefix(base, name+".") {
		rest := base[len(name)+1:]
		for _, part := range strings.Split(rest, ".") {
			if _, err := strconv.Atoi(part); err != nil {
				return false
			}
		}
		return true
	}
	return false
}

// FindModule returns the load base and path of the module called name:
// the start of the file's first mapping, adjusted by that mapping's file
// offset.
func FindModule(maps []Mapping, name string) (base uint64, path string, ok bool) {
	for _, m := range maps {
		if !MatchName(m.Path, name) {
			continue
		}
		if ok && m.Path != path {
			continue
		}
		b := m.Start - m.Offset
		if !ok || b < base {
			base, path, ok = b, m.Path, true
		}
	}
	return base, path, ok
}

// ModuleAt returns the path of the module whose load base is base.
func ModuleAt(maps []Mapping, base uint64) (string, bool) {
	for _, m := range maps {
		if m.Path == "" || strings.HasPrefix(m.Path, "[") {
			continue
		}
		if m.Start-m.Offset == base {
			return m.Path, true
		}
	}
	return "", false
}
