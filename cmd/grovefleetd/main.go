// Command grovefleetd is the fleet daemon: it wires the catalog, git
// executor, broadcaster, and lifecycle engine together, exposes them over
// the reference HTTP+WebSocket transport, and runs the periodic refresh
// scheduler until signalled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nrazumov/grove-fleet/internal/broadcaster"
	"github.com/nrazumov/grove-fleet/internal/catalog"
	"github.com/nrazumov/grove-fleet/internal/config"
	"github.com/nrazumov/grove-fleet/internal/engine"
	"github.com/nrazumov/grove-fleet/internal/fleetui"
	"github.com/nrazumov/grove-fleet/internal/gitexec"
	"github.com/nrazumov/grove-fleet/internal/obslog"
	"github.com/nrazumov/grove-fleet/internal/scheduler"
	"github.com/nrazumov/grove-fleet/internal/transporthttp"
)

func main() {
	cfgPath := os.Getenv("GROVE_CONFIG")
	dashboard := false
	for i, arg := range os.Args[1:] {
		switch arg {
		case "-h", "--help":
			fmt.Println("grovefleetd [--config <path>] [--dashboard]")
			return
		case "--config":
			if i+2 < len(os.Args) {
				cfgPath = os.Args[i+2]
			}
		case "--dashboard":
			dashboard = true
		}
	}

	if err := run(cfgPath, dashboard); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cfgPath string, dashboard bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := obslog.Init(cfg.Logging); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	log := obslog.WithComponent("daemon")

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	if err := os.MkdirAll(cfg.CodeRoot, 0o755); err != nil {
		return fmt.Errorf("create code root: %w", err)
	}

	store, err := catalog.Open(cfg.DataRoot)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer store.Close()

	git := gitexec.New()
	bc := broadcaster.New(store, cfg.DebounceInterval)
	defer bc.Close()

	eng := engine.New(store, git, bc, cfg.CodeRoot, engine.Options{
		Cooldown:        cfg.Cooldown,
		DefaultWorktree: cfg.DefaultWorktree,
	})

	sched := scheduler.New(store, eng, scheduler.DefaultConfig())
	if err := sched.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	if dashboard {
		obslog.Suppress()
		return fleetui.Run(eng)
	}

	server := transporthttp.New(eng, cfg.HTTP.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	log.Info("grovefleetd starting", "addr", cfg.HTTP.Addr, "data_root", cfg.DataRoot, "code_root", cfg.CodeRoot)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	log.Info("grovefleetd stopped")
	return nil
}
