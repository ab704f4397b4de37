// Command marionette is the main entry point for the marionette avatar
// runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/MrWong99/marionette/internal/app"
	"github.com/MrWong99/marionette/internal/config"
	"github.com/MrWong99/marionette/internal/observe"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "marionette: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "marionette: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("marionette starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		SampleRatio:    cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, app.WithLevelVar(&level))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	stopWatching := func() {}
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(ctx, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		var wg sync.WaitGroup
		watchCtx, stopWatch := context.WithCancel(ctx)
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		stopWatching = func() {
			signal.Stop(hup)
			stopWatch()
			wg.Wait()
		}

		wg.Go(func() { _ = watcher.Run(watchCtx) })
		wg.Go(func() {
			for {
				select {
				case <-watchCtx.Done():
					return
				case <-hup:
					if changed, err := watcher.Reload(); err == nil && !changed {
						slog.Info("config unchanged on SIGHUP")
					}
				}
			}
		})
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}
	// No config may be applied while the application shuts down.
	stopWatching()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	b := cfg.Scene.Bounds
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       marionette: startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Scene", cfg.Scene.ID)
	printRow("Tick rate", fmt.Sprintf("%d Hz", cfg.Scene.TickHz))
	printRow("Bounds", fmt.Sprintf("%gx%g m", b.MaxX-b.MinX, b.MaxZ-b.MinZ))
	printRow("Obstacles", fmt.Sprint(len(cfg.Scene.Obstacles)))
	printRow("Avatars", fmt.Sprintf("%d configured", len(cfg.Avatars)))
	printRow("Store", string(cfg.Store.Driver))
	printRow("Feed", cfg.Feed.Path)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}
