// Copyright 2026 The Strata Authors
// SPDX-License-Identifier: Apache-2.0

// stratafs mounts archives and directories as a read-only union
// filesystem. Compressed archives are made randomly seekable through
// persisted checkpoint indexes, so a cold mount of a previously
// indexed source is instant.
//
// Usage:
//
//	stratafs [flags] <source>... <mountpoint>
//	stratafs --config strata.yaml
//
// With positional arguments, one namespace is mounted from the named
// sources in precedence order (first wins). With only a config file,
// every mount it declares is served until the process is signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fuse"
	"github.com/spf13/pflag"

	"github.com/stratafs/strata/lib/config"
	"github.com/stratafs/strata/lib/fuse"
	"github.com/stratafs/strata/lib/mount"
	"github.com/stratafs/strata/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath   string
		indexDB      string
		recurse      bool
		maxDepth     int
		spacing      int64
		compactFloor int64
		digest       bool
		allowOther   bool
		logLevel     string
	)

	flagSet := pflag.NewFlagSet("stratafs", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to strata.yaml (default: $STRATA_CONFIG)")
	flagSet.StringVar(&indexDB, "index-db", "", "catalog database path (empty: rescan on every mount)")
	flagSet.BoolVar(&recurse, "recurse", false, "expand nested archives into subtrees")
	flagSet.IntVar(&maxDepth, "max-depth", 0, "nested archive expansion bound")
	flagSet.Int64Var(&spacing, "spacing", 0, "checkpoint spacing in decompressed bytes")
	flagSet.Int64Var(&compactFloor, "compact-floor", 0, "inflate-whole threshold for small archive members, in bytes")
	flagSet.BoolVar(&digest, "digest", false, "validate cached indexes by content digest, not just mtime")
	flagSet.BoolVar(&allowOther, "allow-other", false, "permit other users to access the mount")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn, or error")
	flagSet.BoolP("help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("stratafs")
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags override the config file.
	if indexDB != "" {
		cfg.IndexDB = indexDB
	}
	if recurse {
		cfg.Index.Recurse = true
	}
	if maxDepth > 0 {
		cfg.Index.MaxDepth = maxDepth
	}
	if spacing > 0 {
		cfg.Index.Spacing = spacing
	}
	if compactFloor > 0 {
		cfg.Index.CompactFloor = compactFloor
	}
	if digest {
		cfg.Index.Digest = true
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	args := flagSet.Args()
	if len(args) > 0 {
		if len(args) < 2 {
			return fmt.Errorf("need at least one source and a mountpoint; see --help")
		}
		cfg.Mounts = []config.MountSpec{{
			Mountpoint: args[len(args)-1],
			Sources:    args[:len(args)-1],
			AllowOther: allowOther,
		}}
	}
	if len(cfg.Mounts) == 0 {
		return fmt.Errorf("nothing to mount: give sources and a mountpoint, or a config file with mounts")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, logger)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	if os.Getenv("STRATA_CONFIG") != "" {
		return config.Load()
	}
	return config.Default(), nil
}

// serve mounts every configured namespace and blocks until the
// context is cancelled or all servers exit.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	type served struct {
		spec   config.MountSpec
		engine *mount.Mount
		server *gofuse.Server
	}

	var mounts []served
	defer func() {
		for i := len(mounts) - 1; i >= 0; i-- {
			s := mounts[i]
			if err := s.server.Unmount(); err != nil {
				logger.Warn("unmount failed", "mountpoint", s.spec.Mountpoint, "error", err)
			}
			s.server.Wait()
			if err := s.engine.Close(); err != nil {
				logger.Warn("engine close failed", "mountpoint", s.spec.Mountpoint, "error", err)
			}
		}
	}()

	for _, spec := range cfg.Mounts {
		engine, err := mount.Open(ctx, mount.Config{
			Sources:      spec.Sources,
			IndexDB:      cfg.IndexDB,
			Recurse:      cfg.Index.Recurse,
			MaxDepth:     cfg.Index.MaxDepth,
			Spacing:      cfg.Index.Spacing,
			CompactFloor: cfg.Index.CompactFloor,
			Digest:       cfg.Index.Digest,
			FDPoolSize:   cfg.Cache.FDPoolSize,
			ContextCache: cfg.Cache.ContextCache,
			Logger:       logger,
		})
		if err != nil {
			return fmt.Errorf("opening %s: %w", spec.Mountpoint, err)
		}

		server, err := fuse.Mount(fuse.Options{
			Mountpoint: spec.Mountpoint,
			Engine:     engine,
			AllowOther: spec.AllowOther,
			Logger:     logger,
		})
		if err != nil {
			engine.Close()
			return fmt.Errorf("mounting %s: %w", spec.Mountpoint, err)
		}
		mounts = append(mounts, served{spec: spec, engine: engine, server: server})
	}

	// Block until a signal arrives or every server exits on its own
	// (for example via fusermount -u).
	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, s := range mounts {
			wg.Add(1)
			go func(s served) {
				defer wg.Done()
				s.server.Wait()
			}(s)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case <-done:
	}
	return nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `stratafs — mount archives as a read-only union filesystem.

Sources are layered in precedence order: the first source wins for
regular files, directories merge across layers, and .wh.<name>
whiteout entries hide lower-layer names. Compressed archives
(tar.gz, tar.zst, tar.lz4, tar.xz, tar.bz2, zip, 7z, squashfs) are
served with random access through checkpoint indexes; with
--index-db the indexes persist across mounts.

Usage:
  stratafs [flags] <source>... <mountpoint>
  stratafs --config strata.yaml
  stratafs --version

Flags:
%s`, flagSet.FlagUsages())
}
