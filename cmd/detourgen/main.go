// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Command detourgen compiles hook declaration packages into their
// companion detours_gen.go files.
//
// Usage:
//
//	detourgen [flags] [gen|check|watch|probe] [args]
//
// gen (the default) writes stale generated files and check only reports
// them. watch regenerates on every source change. probe lists which of the
// given modules a running process has mapped.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mbeema/detour/pkg/config"
	"github.com/mbeema/detour/pkg/gen"
	"github.com/mbeema/detour/pkg/loader"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		configPath  string
		dir         string
		output      string
		logLevel    string
		pid         int
		showVersion bool
	)

	flag.StringVar(&configPath, "config", config.FileName, "path to configuration file")
	flag.StringVar(&dir, "dir", "", "generate this package directory instead of the configured ones")
	flag.StringVar(&output, "output", "", "generated file name for -dir (default detours_gen.go)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.IntVar(&pid, "pid", os.Getpid(), "process to inspect with probe")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("detourgen %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return 0
	}

	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// Override from CLI
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	pkgs := cfg.PackageDirs()
	if dir != "" {
		pkgs = []config.PackageConfig{{Dir: dir, Output: output}}
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		return 1
	}
	defer logger.Sync()

	cmd := "gen"
	if flag.NArg() > 0 {
		cmd = flag.Arg(0)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reporter := gen.NewReporter(os.Stdout, cfg.Diagnostics.Color)
	g := gen.NewGenerator(cfg.RuntimeImport, logger)

	switch cmd {
	case "gen", "check":
		return runGenerate(ctx, g, reporter, pkgs, cmd == "check", logger)
	case "watch":
		return runWatch(ctx, g, reporter, pkgs, cfg.Watch, logger)
	case "probe":
		return runProbe(reporter, int32(pid), flag.Args()[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		flag.Usage()
		return 2
	}
}

func runGenerate(ctx context.Context, g *gen.Generator, reporter *gen.Reporter, pkgs []config.PackageConfig, check bool, logger *zap.Logger) int {
	if len(pkgs) == 0 {
		logger.Warn("no packages configured", zap.String("hint", "add packages to "+config.FileName+" or pass -dir"))
		return 0
	}

	results, err := g.Run(ctx, pkgs, !check)
	for _, res := range results {
		reporter.Result(res, check)
	}
	if err != nil {
		return 1
	}
	if check {
		for _, res := range results {
			if res.Changed {
				return 1
			}
		}
	}
	return 0
}

func runWatch(ctx context.Context, g *gen.Generator, reporter *gen.Reporter, pkgs []config.PackageConfig, wc config.WatchConfig, logger *zap.Logger) int {
	if len(pkgs) == 0 {
		logger.Error("no packages to watch")
		return 1
	}

	// Results from the watcher's timers arrive concurrently.
	results := make(chan gen.Result, len(pkgs))
	regenerate := func(pkg config.PackageConfig, file string) {
		logger.Info("regenerating", zap.String("dir", pkg.Dir), zap.String("changed", file))
		select {
		case results <- g.Generate(ctx, pkg, true):
		case <-ctx.Done():
		}
	}

	initial, _ := g.Run(ctx, pkgs, true)
	for _, res := range initial {
		reporter.Result(res, false)
	}

	w := gen.NewWatcher(pkgs, wc.Debounce, regenerate, logger)
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start watcher", zap.Error(err))
		return 1
	}
	defer w.Stop()

	// SIGHUP regenerates everything
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	for {
		select {
		case res := <-results:
			reporter.Result(res, false)

		case <-hupCh:
			logger.Info("received SIGHUP, regenerating all packages")
			all, _ := g.Run(ctx, pkgs, true)
			for _, res := range all {
				reporter.Result(res, false)
			}

		case <-ctx.Done():
			logger.Info("watcher stopped")
			return 0
		}
	}
}

func runProbe(reporter *gen.Reporter, pid int32, modules []string) int {
	if len(modules) == 0 {
		fmt.Fprintln(os.Stderr, "probe needs at least one module name")
		return 2
	}
	name, results, err := loader.Probe(pid, modules...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "probe: %v\n", err)
		return 1
	}

	fmt.Printf("process %d (%s)\n", pid, name)
	missing := 0
	for _, r := range results {
		reporter.Probe(r)
		if !r.Loaded() {
			missing++
		}
	}
	if missing > 0 {
		return 1
	}
	return 0
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
