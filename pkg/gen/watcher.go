// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gen

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mbeema/detour/pkg/config"
	"github.com/mbeema/detour/pkg/declare"
	"go.uber.org/zap"
)

// Watcher monitors declaration packages for Go source changes and calls
// onChange, debounced per package. Edits to the generated file and to
// tests are ignored.
type Watcher struct {
	pkgs     map[string]config.PackageConfig // cleaned dir -> package
	debounce time.Duration
	onChange func(config.PackageConfig, string)
	logger   *zap.Logger

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopCh  chan struct{}
	once    sync.Once
}

// NewWatcher creates a package watcher.
// onChange is called with the package and the name of the changed file.
func NewWatcher(pkgs []config.PackageConfig, debounce time.Duration, onChange func(config.PackageConfig, string), logger *zap.Logger) *Watcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]config.PackageConfig, len(pkgs))
	for _, p := range pkgs {
		m[filepath.Clean(p.Dir)] = p
	}
	return &Watcher{
		pkgs:     m,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}
}

// Start begins watching the package directories.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fsw

	for dir := range w.pkgs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return err
		}
	}

	go w.loop(ctx)
	w.logger.Info("package watcher started", zap.Int("packages", len(w.pkgs)))
	return nil
}

// Stop shuts down the watcher. Pending debounced changes are dropped.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stopCh)
		if w.watcher != nil {
			w.watcher.Close()
		}
		w.stopTimers()
	})
}

// relevant returns the package an event belongs to, if the event is a
// source change detourgen cares about.
func (w *Watcher) relevant(event fsnotify.Event) (config.PackageConfig, bool) {
	name := filepath.Base(event.Name)
	if !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
		return config.PackageConfig{}, false
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return config.PackageConfig{}, false
	}
	pkg, ok := w.pkgs[filepath.Clean(filepath.Dir(event.Name))]
	if !ok {
		return config.PackageConfig{}, false
	}
	output := pkg.Output
	if output == "" {
		output = declare.DefaultOutput
	}
	if name == output {
		return config.PackageConfig{}, false
	}
	return pkg, true
}

func (w *Watcher) loop(ctx context.Context) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			pkg, ok := w.relevant(event)
			if !ok {
				continue
			}
			file := filepath.Base(event.Name)
			w.logger.Debug("source changed", zap.String("dir", pkg.Dir), zap.String("file", file))
			w.schedule(pkg, file)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("package watcher error", zap.Error(err))

		case <-ctx.Done():
			w.stopTimers()
			return

		case <-w.stopCh:
			return
		}
	}
}

// schedule (re)starts the debounce timer of pkg.
func (w *Watcher) schedule(pkg config.PackageConfig, file string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	key := filepath.Clean(pkg.Dir)
	if t, ok := w.timers[key]; ok {
		t.Stop()
	}
	w.timers[key] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, key)
		w.mu.Unlock()
		w.onChange(pkg, file)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, t := range w.timers {
		t.Stop()
		delete(w.timers, k)
	}
}
