// Whereabouts is a daemon that tracks which country this device is in and
// keeps the resulting visit history consistent across all devices of one
// account via a shared backend.
//
// Usage:
//
//	whereabouts daemon [--config <path>]      # periodic checks + sync
//	whereabouts check-once [--force]          # single location check then exit
//	whereabouts sync-now [--config <path>]    # single full sync pass then exit
//	whereabouts status                        # show tracking & config state
//	whereabouts version                       # print version
//
// In daemon mode SIGUSR1 triggers an out-of-cadence location check.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/whereabouts-app/whereabouts/internal/config"
	"github.com/whereabouts-app/whereabouts/internal/locate"
	"github.com/whereabouts-app/whereabouts/internal/lock"
	"github.com/whereabouts-app/whereabouts/internal/netwatch"
	"github.com/whereabouts-app/whereabouts/internal/remote"
	"github.com/whereabouts-app/whereabouts/internal/state"
	syncp "github.com/whereabouts-app/whereabouts/internal/sync"
	"github.com/whereabouts-app/whereabouts/internal/telemetry"
	"github.com/whereabouts-app/whereabouts/internal/tracker"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// run dispatches to the appropriate subcommand.
func run() error {
	if len(os.Args) < 2 {
		return printUsage()
	}

	switch cmd := os.Args[1]; cmd {
	case "daemon":
		return runApp(os.Args[2:], modeDaemon)
	case "check-once":
		return runApp(os.Args[2:], modeCheckOnce)
	case "sync-now":
		return runApp(os.Args[2:], modeSyncNow)
	case "status":
		return runStatus(os.Args[2:])
	case "version":
		fmt.Println("whereabouts", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q — run 'whereabouts' for usage", cmd)
	}
}

func printUsage() error {
	fmt.Fprintln(os.Stderr, "Whereabouts — country-level travel tracking across devices")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  whereabouts daemon [--config ...]       Run periodic checks + sync")
	fmt.Fprintln(os.Stderr, "  whereabouts check-once [--force]        Single location check then exit")
	fmt.Fprintln(os.Stderr, "  whereabouts sync-now [--config ...]     Single full sync pass then exit")
	fmt.Fprintln(os.Stderr, "  whereabouts status                      Show tracking & config state")
	fmt.Fprintln(os.Stderr, "  whereabouts version                     Print version")
	fmt.Fprintln(os.Stderr, "")

	os.Exit(1)
	return nil // unreachable
}

type runMode int

const (
	modeDaemon runMode = iota
	modeCheckOnce
	modeSyncNow
)

// runApp handles the daemon, check-once, and sync-now subcommands, which
// share the same wiring and differ only in what they run once built.
func runApp(args []string, mode runMode) error {
	fs := flag.NewFlagSet("whereabouts", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	force := fs.Bool("force", false, "bypass debounce and commit a detected change immediately (check-once only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// --- Logger --------------------------------------------------------------

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	// --- Config --------------------------------------------------------------

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("loading config from %q: %w", *cfgPath, err)
	}
	logger.Info("config loaded",
		"account", cfg.AccountID,
		"device", cfg.DeviceID,
		"check_interval", cfg.CheckInterval,
		"sync_interval", cfg.SyncInterval,
	)

	// --- Telemetry (optional) ------------------------------------------------

	if cfg.Telemetry != nil {
		telCfg := telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		}
		shutdownTel, err := telemetry.Setup(context.Background(), telCfg)
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			defer func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTel(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- State DB ------------------------------------------------------------

	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, err = state.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolving state DB path: %w", err)
		}
	}
	store, err := state.Open(ctx, dbPath)
	if err != nil {
		return fmt.Errorf("opening state DB at %q: %w", dbPath, err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("closing state DB", "error", closeErr)
		}
	}()
	logger.Info("state DB opened", "path", dbPath)

	// --- Collaborators -------------------------------------------------------

	resolver := locate.NewBridgeResolver(cfg.Bridge.URL, cfg.Bridge.Token, logger)
	backend := remote.NewClient(cfg.Backend.URL, cfg.Backend.Token, cfg.AccountID, logger)

	trackingBox := store.Box(state.BoxTracking)
	queue := syncp.NewQueue(store, store.Box(state.BoxSyncQueue), logger)
	reconciler := syncp.NewReconciler(store, backend, queue, store.Box(state.BoxSyncSettings), logger)

	taskLock := lock.New(trackingBox)
	controller := tracker.NewController(store, trackingBox, taskLock, resolver, cfg.DeviceID, logger)

	// A committed change syncs immediately instead of waiting for the next
	// tick; this auto-triggered path swallows errors and relies on the dirty
	// state to retry.
	afterCommit := func(ctx context.Context) {
		if _, err := reconciler.Sync(ctx); err != nil {
			logger.Warn("post-commit sync failed, changes stay queued", "error", err)
		}
	}
	runner := tracker.NewRunner(controller, cfg.CheckInterval, afterCommit, logger)

	// --- Dispatch mode -------------------------------------------------------

	switch mode {
	case modeCheckOnce:
		result := runner.Check(ctx, *force)
		logger.Info("check complete", "result", result)
		if result == tracker.ResultFailed {
			return fmt.Errorf("location check failed — see the last error in 'whereabouts status'")
		}
		return nil

	case modeSyncNow:
		stats, err := reconciler.Sync(ctx)
		logger.Info("sync complete",
			"uploaded", stats.Uploaded,
			"downloaded", stats.Downloaded,
			"deleted", stats.Deleted,
			"conflicts", stats.Conflicts,
			"errors", stats.Errors,
		)
		return err
	}

	// --- Daemon mode ---------------------------------------------------------

	// Subscribe before the first probe fires so the queue sees the initial
	// status instead of racing it.
	watcher := netwatch.New(backendDialAddr(cfg.Backend.URL), cfg.ProbeInterval, logger)
	events := watcher.Subscribe()
	go watcher.Run(ctx)
	go queue.Watch(ctx, events)

	// SIGUSR1 requests an out-of-cadence check without restarting the daemon.
	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)
	go func() {
		for range usr1 {
			runner.Trigger(false)
		}
	}()

	// Periodic full sync, independent of the check cadence.
	go func() {
		ticker := time.NewTicker(cfg.SyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := reconciler.Sync(ctx); err != nil {
					logger.Warn("periodic sync failed, changes stay queued", "error", err)
				}
			}
		}
	}()

	logger.Info("daemon starting", "check_interval", cfg.CheckInterval)
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("tracker: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

// runStatus prints the current tracking and configuration state.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	defaultCfg, _ := config.DefaultPath()
	cfgPath := fs.String("config", defaultCfg, "path to config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Println("Whereabouts Status")
	fmt.Println("──────────────────")

	// Config state.
	cfg, loadErr := config.Load(*cfgPath)
	if loadErr != nil {
		fmt.Printf("  Config:     %s (unusable: %v)\n", *cfgPath, loadErr)
		return nil
	}
	fmt.Printf("  Config:     %s ✓\n", *cfgPath)
	fmt.Printf("  Account:    %s\n", cfg.AccountID)
	fmt.Printf("  Device:     %s\n", cfg.DeviceID)

	// State DB + tracking diagnostics.
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath, _ = state.DefaultDBPath()
	}
	info, err := os.Stat(dbPath)
	if err != nil {
		fmt.Printf("  State DB:   not found (%s)\n", dbPath)
		return nil
	}
	fmt.Printf("  State DB:   %s (%s)\n", dbPath, humanSize(info.Size()))

	ctx := context.Background()
	store, err := state.Open(ctx, dbPath)
	if err != nil {
		fmt.Printf("  State DB:   unreadable: %v\n", err)
		return nil
	}
	defer store.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	trackingBox := store.Box(state.BoxTracking)
	controller := tracker.NewController(store, trackingBox, lock.New(trackingBox), nil, cfg.DeviceID, logger)

	d, err := controller.Diagnostics(ctx)
	if err != nil {
		fmt.Printf("  Tracking:   unreadable: %v\n", err)
		return nil
	}
	if d.LastCheck.IsZero() {
		fmt.Println("  Tracking:   no check has run yet")
	} else {
		fmt.Printf("  Last check: %s (%s)\n", d.LastCheck.Local().Format(time.RFC822), d.Source)
		if d.CurrentCode != "" {
			fmt.Printf("  Country:    %s\n", d.CurrentCode)
		}
		if d.PendingCode != "" {
			fmt.Printf("  Pending:    %s (%d sample(s))\n", d.PendingCode, d.PendingCount)
		}
		if d.LastError != "" {
			fmt.Printf("  Last error: %s\n", d.LastError)
		}
	}

	if held, age, err := lock.New(trackingBox).Status(ctx); err == nil && held {
		fmt.Printf("  Check lock: held for %s\n", age.Round(time.Second))
	}

	// Sync state.
	queue := syncp.NewQueue(store, store.Box(state.BoxSyncQueue), logger)
	if uploads, err := queue.PendingUploads(ctx); err == nil {
		fmt.Printf("  Unsynced:   %d visit(s)\n", len(uploads))
	}
	if deletions, err := queue.PendingDeletions(ctx); err == nil && len(deletions) > 0 {
		fmt.Printf("  Deletions:  %d pending\n", len(deletions))
	}

	return nil
}

// backendDialAddr converts the backend base URL into a host:port string for
// the connectivity probe's TCP dial.
func backendDialAddr(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		switch u.Scheme {
		case "http":
			host = net.JoinHostPort(host, "80")
		default:
			host = net.JoinHostPort(host, "443")
		}
	}
	return host
}

// humanSize returns a human-readable file size string.
func humanSize(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
