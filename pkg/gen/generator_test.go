// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package gen

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mbeema/detour/pkg/config"
	"github.com/mbeema/detour/pkg/declare"
	"go.uber.org/zap"
)

const hooksSource = `//detour:module "lua52.dll"
package luahooks

//detour:hook PushInteger, symbol = "lua_pushinteger"
func pushInteger(state uintptr, n int64) {
	PushInteger.Original()(state, n)
}
`

const badSource = `package broken

//detour:hook Bad, offset = nope
func bad() {}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// newWorkspace lays out a module with one good and one broken package.
func newWorkspace(t *testing.T, requireRuntime bool) string {
	t.Helper()
	root := t.TempDir()
	gomod := "module example.com/game\n\ngo 1.24\n"
	if requireRuntime {
		gomod += "\nrequire github.com/mbeema/detour v0.1.0\n"
	}
	writeFile(t, filepath.Join(root, "go.mod"), gomod)
	writeFile(t, filepath.Join(root, "hooks", "lua", "hooks.go"), hooksSource)
	writeFile(t, filepath.Join(root, "broken", "broken.go"), badSource)
	return root
}

func TestGenerateWritesAndIsStable(t *testing.T) {
	root := newWorkspace(t, true)
	g := NewGenerator("", zap.NewNop())
	pkg := config.PackageConfig{Dir: filepath.Join(root, "hooks", "lua")}

	res := g.Generate(context.Background(), pkg, true)
	if res.Err != nil {
		t.Fatalf("Generate: %v", res.Err)
	}
	if !res.Changed || res.Hooks != 1 {
		t.Errorf("Changed = %v Hooks = %d", res.Changed, res.Hooks)
	}
	if res.ImportPath != "example.com/game/hooks/lua" {
		t.Errorf("ImportPath = %q", res.ImportPath)
	}
	if res.Output != filepath.Join(pkg.Dir, declare.DefaultOutput) {
		t.Errorf("Output = %q", res.Output)
	}

	data, err := os.ReadFile(res.Output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(data, []byte("// Code generated by detourgen from example.com/game/hooks/lua. DO NOT EDIT.")) {
		t.Errorf("header = %q", strings.SplitN(string(data), "\n", 2)[0])
	}

	again := g.Generate(context.Background(), pkg, true)
	if again.Err != nil || again.Changed {
		t.Errorf("second Generate: Changed = %v, err = %v", again.Changed, again.Err)
	}
}

func TestCheckModeDoesNotWrite(t *testing.T) {
	root := newWorkspace(t, true)
	g := NewGenerator("", nil)
	pkg := config.PackageConfig{Dir: filepath.Join(root, "hooks", "lua"), Output: "lua_gen.go"}

	res := g.Generate(context.Background(), pkg, false)
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	if !res.Changed {
		t.Error("missing generated file should be reported as stale")
	}
	if _, err := os.Stat(filepath.Join(pkg.Dir, "lua_gen.go")); !os.IsNotExist(err) {
		t.Errorf("check mode wrote the file: %v", err)
	}
}

func TestRunReportsEveryPackage(t *testing.T) {
	root := newWorkspace(t, true)
	pkgs := []config.PackageConfig{
		{Dir: filepath.Join(root, "broken")},
		{Dir: filepath.Join(root, "hooks", "lua")},
	}

	results, err := NewGenerator("", zap.NewNop()).Run(context.Background(), pkgs, true)
	if err == nil {
		t.Fatal("Run should fail for the broken package")
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d", len(results))
	}
	diags := results[0].Diagnostics()
	if !diags.Has(declare.CodeMissingModule) || !diags.Has(declare.CodeInvalidOffset) {
		t.Errorf("broken diagnostics = %v", diags)
	}
	if results[1].Err != nil || !results[1].Changed {
		t.Errorf("good package = %+v", results[1])
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("error should name the failing package: %v", err)
	}
}

func TestRunCancelled(t *testing.T) {
	root := newWorkspace(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := NewGenerator("", nil).Run(ctx, []config.PackageConfig{{Dir: filepath.Join(root, "hooks", "lua")}}, true)
	if err == nil || results[0].Err == nil {
		t.Error("Run with a cancelled context should fail")
	}
}

func TestModuleInfo(t *testing.T) {
	root := newWorkspace(t, false)
	mod, err := findModule(filepath.Join(root, "hooks", "lua"))
	if err != nil {
		t.Fatalf("findModule: %v", err)
	}
	if mod.Path != "example.com/game" {
		t.Errorf("Path = %q", mod.Path)
	}
	ip, err := mod.importPath(root)
	if err != nil || ip != "example.com/game" {
		t.Errorf("importPath(root) = %q, %v", ip, err)
	}
	if _, err := mod.importPath(t.TempDir()); err == nil {
		t.Error("importPath outside the module should fail")
	}

	if mod.provides("github.com/mbeema/detour/pkg/detour") {
		t.Error("module without the requirement should not provide the runtime")
	}
	if !mod.provides("example.com/game/rt") {
		t.Error("module should provide its own packages")
	}
	if mod.provides("example.com/gamex") {
		t.Error("path prefix is not a module prefix")
	}

	withReq, _ := findModule(newWorkspace(t, true))
	if !withReq.provides("github.com/mbeema/detour/pkg/detour") {
		t.Error("required module should provide the runtime")
	}
}

func TestWatcherRegeneratesOnChange(t *testing.T) {
	root := newWorkspace(t, true)
	dir := filepath.Join(root, "hooks", "lua")
	pkg := config.PackageConfig{Dir: dir}

	changed := make(chan string, 8)
	w := NewWatcher([]config.PackageConfig{pkg}, 20*time.Millisecond, func(p config.PackageConfig, file string) {
		changed <- file
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	// The generated file and tests do not trigger regeneration.
	writeFile(t, filepath.Join(dir, declare.DefaultOutput), "package luahooks\n")
	writeFile(t, filepath.Join(dir, "hooks_test.go"), "package luahooks\n")
	writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	writeFile(t, filepath.Join(dir, "extra.go"), "package luahooks\n")

	select {
	case file := <-changed:
		if file != "extra.go" {
			t.Errorf("changed file = %q, want extra.go", file)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}
}

func TestWatcherRelevant(t *testing.T) {
	w := NewWatcher([]config.PackageConfig{{Dir: "/src/hooks", Output: "gen.go"}}, time.Second, nil, nil)
	tests := []struct {
		name string
		op   fsnotify.Op
		want bool
	}{
		{"/src/hooks/a.go", fsnotify.Write, true},
		{"/src/hooks/a.go", fsnotify.Chmod, false},
		{"/src/hooks/gen.go", fsnotify.Write, false},
		{"/src/hooks/detours_gen.go", fsnotify.Create, true},
		{"/src/hooks/a_test.go", fsnotify.Write, false},
		{"/src/other/a.go", fsnotify.Write, false},
		{"/src/hooks/a.go", fsnotify.Remove, true},
	}
	for _, tt := range tests {
		_, got := w.relevant(fsnotify.Event{Name: tt.name, Op: tt.op})
		if got != tt.want {
			t.Errorf("relevant(%s, %v) = %v, want %v", tt.name, tt.op, got, tt.want)
		}
	}
}
