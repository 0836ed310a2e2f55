// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package gen drives the declaration compiler over the packages named in
// detourgen.yaml: it generates or checks their companion files, watches
// them for changes and reports diagnostics.
package gen

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/mbeema/detour/pkg/config"
	"github.com/mbeema/detour/pkg/declare"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Result is the outcome of generating one package.
type Result struct {
	Dir        string
	Output     string // path of the generated file
	ImportPath string
	Hooks      int
	// Changed is true when the generated code differs from what is on
	// disk. In check mode that means the file is stale.
	Changed bool
	Err     error
}

// Diagnostics returns the declaration problems behind Err, if that is
// what Err is.
func (r Result) Diagnostics() declare.Diagnostics {
	var diags declare.Diagnostics
	if errors.As(r.Err, &diags) {
		return diags
	}
	return nil
}

// Generator compiles declaration packages and writes their generated
// files.
type Generator struct {
	runtimeImport string
	logger        *zap.Logger

	mu     sync.Mutex
	warned map[string]bool // module roots already warned about
}

// NewGenerator creates a generator emitting code against runtimeImport.
func NewGenerator(runtimeImport string, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if runtimeImport == "" {
		runtimeImport = declare.DefaultRuntimeImport
	}
	return &Generator{
		runtimeImport: runtimeImport,
		logger:        logger,
		warned:        make(map[string]bool),
	}
}

// Generate compiles pkg. With write set the generated file is written
// when it changed; otherwise the package is only checked.
func (g *Generator) Generate(ctx context.Context, pkg config.PackageConfig, write bool) Result {
	res := Result{Dir: pkg.Dir}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	output := pkg.Output
	if output == "" {
		output = declare.DefaultOutput
	}
	res.Output = filepath.Join(pkg.Dir, output)

	if mod, err := findModule(pkg.Dir); err != nil {
		g.logger.Debug("no module information", zap.String("dir", pkg.Dir), zap.Error(err))
	} else {
		if ip, err := mod.importPath(pkg.Dir); err == nil {
			res.ImportPath = ip
		}
		g.checkRequire(mod)
	}

	unit, err := declare.CompileDir(pkg.Dir, declare.Options{
		RuntimeImport: g.runtimeImport,
		ImportPath:    res.ImportPath,
		Output:        output,
		Logger:        g.logger,
	})
	if err != nil {
		res.Err = err
		return res
	}
	res.Hooks = len(unit.Module.Hooks)

	existing, err := os.ReadFile(res.Output)
	if err != nil && !os.IsNotExist(err) {
		res.Err = fmt.Errorf("read %s: %w", res.Output, err)
		return res
	}
	res.Changed = !bytes.Equal(existing, unit.Generated)

	if write && res.Changed {
		if err := os.WriteFile(res.Output, unit.Generated, 0o644); err != nil {
			res.Err = fmt.Errorf("write %s: %w", res.Output, err)
			return res
		}
		g.logger.Info("generated",
			zap.String("file", res.Output),
			zap.String("module", unit.Module.Library),
			zap.Int("hooks", res.Hooks),
		)
	}
	return res
}

// Run generates every package in parallel. Results are in the order of
// pkgs; the error joins every failed package's error.
func (g *Generator) Run(ctx context.Context, pkgs []config.PackageConfig, write bool) ([]Result, error) {
	results := make([]Result, len(pkgs))

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(runtime.NumCPU())
	for i, pkg := range pkgs {
		i, pkg := i, pkg
		eg.Go(func() error {
			results[i] = g.Generate(ctx, pkg, write)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return results, err
	}

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", r.Dir, r.Err))
		}
	}
	return results, errors.Join(errs...)
}

func (g *Generator) checkRequire(mod *moduleInfo) {
	if mod.provides(g.runtimeImport) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.warned[mod.Root] {
		return
	}
	g.warned[mod.Root] = true
	g.logger.Warn("module does not require the detour runtime; generated code will not build",
		zap.String("module", mod.Path),
		zap.String("runtime", g.runtimeImport),
	)
}
