package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/soundshell/pluginmgr/internal/api"
	"github.com/soundshell/pluginmgr/internal/catalog"
	"github.com/soundshell/pluginmgr/internal/config"
	"github.com/soundshell/pluginmgr/internal/installer"
	"github.com/soundshell/pluginmgr/internal/log"
	"github.com/soundshell/pluginmgr/internal/manager"
	"github.com/soundshell/pluginmgr/internal/ports"
	"github.com/soundshell/pluginmgr/internal/registry"
	"github.com/soundshell/pluginmgr/internal/supervisor"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "serve":
		os.Exit(runServe(args))
	case "checksum":
		os.Exit(runChecksum(args))
	case "version":
		fmt.Printf("pluginmgr version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`pluginmgr - plugin service lifecycle manager

Usage:
  pluginmgr <command> [flags]

Commands:
  serve        Run the manager in the foreground
  checksum     Print the BLAKE3 checksum of a file (for catalog entries)
  version      Show version information
  help         Show this help message
`)
}

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "pluginmgr.yaml", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel, cfg.Service.LogFormat)
	logger := log.WithComponent("main")
	logger.Info("pluginmgr starting", "version", version, "config", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := registry.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open registry database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()

	store, err := registry.Open(ctx, db)
	if err != nil {
		logger.Error("failed to load registry", "error", err)
		return 1
	}
	logger.Info("registry loaded", "plugins", store.Count())

	alloc, err := ports.NewAllocator(cfg.Ports.Min, cfg.Ports.Max)
	if err != nil {
		logger.Error("invalid port range", "error", err)
		return 1
	}

	if err := os.MkdirAll(cfg.PluginsDir, 0o755); err != nil {
		logger.Error("failed to create plugins dir", "dir", cfg.PluginsDir, "error", err)
		return 1
	}

	sup := supervisor.New(
		supervisor.WithHealthInterval(cfg.Supervisor.HealthInterval),
	)
	cat := catalog.NewFile(cfg.Catalog.Path)
	inst := installer.NewFS(cfg.PluginsDir)

	mgr := manager.New(manager.Options{
		PluginsDir:    cfg.PluginsDir,
		HealthTimeout: cfg.Supervisor.HealthTimeout,
		GracePeriod:   cfg.Supervisor.GracePeriod,
	}, store, alloc, sup, cat, inst)

	if res, err := mgr.RefreshRegistry(ctx); err != nil {
		logger.Warn("initial registry refresh failed", "error", err)
	} else {
		logger.Info("initial registry refresh complete", "added", res.Added, "updated", res.Updated)
	}

	if cfg.Catalog.WatchPluginsDir {
		stopWatch, err := mgr.WatchPluginsDir(ctx, cfg.Catalog.WatchDebounce)
		if err != nil {
			logger.Error("failed to watch plugins dir", "dir", cfg.PluginsDir, "error", err)
			return 1
		}
		defer func() { _ = stopWatch() }()
		logger.Info("watching plugins dir", "dir", cfg.PluginsDir)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer := api.New(api.Config{Listen: cfg.API.Listen}, mgr, log.WithComponent("api"))
		go func() {
			if err := apiServer.Start(ctx); err != nil && err != context.Canceled {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	logger.Info("pluginmgr running (press Ctrl+C to stop)")

	exitCode := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		exitCode = 1
	}
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*cfg.Supervisor.GracePeriod)
	defer stopCancel()
	if err := mgr.StopAll(stopCtx); err != nil {
		logger.Error("failed to stop plugin services", "error", err)
		exitCode = 1
	}
	if err := sup.Close(); err != nil {
		logger.Warn("supervisor close", "error", err)
	}

	logger.Info("pluginmgr stopped")
	return exitCode
}

func runChecksum(args []string) int {
	fs := flag.NewFlagSet("checksum", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: pluginmgr checksum <file>\n")
		return 1
	}

	sum, err := installer.Checksum(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Checksum failed: %v\n", err)
		return 1
	}
	fmt.Println(sum)
	return 0
}
