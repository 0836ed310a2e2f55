// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gen

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"
)

// moduleInfo is what detourgen needs from the go.mod enclosing a
// declaration package.
type moduleInfo struct {
	Root     string // directory holding go.mod
	Path     string // module path
	requires []string
}

// findModule walks up from dir to the nearest go.mod.
func findModule(dir string) (*moduleInfo, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	for d := abs; ; d = filepath.Dir(d) {
		gomod := filepath.Join(d, "go.mod")
		data, err := os.ReadFile(gomod)
		if err == nil {
			f, err := modfile.ParseLax(gomod, data, nil)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", gomod, err)
			}
			if f.Module == nil {
				return nil, fmt.Errorf("%s has no module directive", gomod)
			}
			info := &moduleInfo{Root: d, Path: f.Module.Mod.Path}
			for _, r := range f.Require {
				info.requires = append(info.requires, r.Mod.Path)
			}
			return info, nil
		}
		if !os.IsNotExist(err) {
			return nil, err
		}
		if parent := filepath.Dir(d); parent == d {
			return nil, fmt.Errorf("no go.mod above %s", abs)
		}
	}
}

// importPath returns the import path of the package in dir.
func (m *moduleInfo) importPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(m.Root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside module %s", dir, m.Path)
	}
	if rel == "." {
		return m.Path, nil
	}
	return path.Join(m.Path, filepath.ToSlash(rel)), nil
}

// provides reports whether importPath can be satisfied by this module or
// one of its requirements.
func (m *moduleInfo) provides(importPath string) bool {
	within := func(mod string) bool {
		return importPath == mod || strings.HasPrefix(importPath, mod+"/")
	}
	if within(m.Path) {
		return true
	}
	for _, r := range m.requires {
		if within(r) {
			return true
		}
	}
	return false
}
