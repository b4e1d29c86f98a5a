// Command vaultsync is the vault replication daemon.
//
// Usage:
//
//	vaultsync -config vaultsync.yaml        # replicate per YAML config
//	vaultsync -remote http://host:5984/db   # quick start against a store URI
//	vaultsync -once -remote <uri>           # one sync cycle, then exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	_ "modernc.org/sqlite"

	"github.com/vaultsync/vaultsync/docsync"
	"github.com/vaultsync/vaultsync/entrydb"
	"github.com/vaultsync/vaultsync/hub"
	"github.com/vaultsync/vaultsync/reach"
	"github.com/vaultsync/vaultsync/remote"
	"github.com/vaultsync/vaultsync/syncer"
	"github.com/vaultsync/vaultsync/vault"
)

func main() {
	configPath := flag.String("config", "", "path to vaultsync.yaml config file")
	remoteURI := flag.String("remote", "", "remote store URI (overrides config)")
	vaultPath := flag.String("vault", "", "local vault directory (overrides config)")
	once := flag.Bool("once", false, "run a single sync cycle and exit")
	logLevel := flag.String("log-level", env("LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *remoteURI, *vaultPath, *once); err != nil {
		logger.Error("vaultsync: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, remoteURI, vaultPath string, once bool) error {
	cfg := &Config{}
	if configPath != "" {
		loaded, err := LoadConfigFile(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.defaults()
	if remoteURI != "" {
		cfg.Remote.URI = remoteURI
	}
	if vaultPath != "" {
		cfg.VaultPath = vaultPath
	}

	dir, err := vault.NewDir(cfg.VaultPath)
	if err != nil {
		return fmt.Errorf("open vault: %w", err)
	}

	db, err := entrydb.Open(cfg.DBPath, entrydb.WithMkdirAll())
	if err != nil {
		return fmt.Errorf("open entry db: %w", err)
	}
	defer db.Close()

	h := hub.New(hub.WithLogger(logger))
	if err := syncer.DefineHooks(h); err != nil {
		return fmt.Errorf("define hooks: %w", err)
	}
	tracker := reach.New(reach.WithLogger(logger))
	pipeline := docsync.NewPipeline(dir, db, docsync.WithLogger(logger))

	remoteOpts := []remote.Option{
		remote.WithLogger(logger),
		remote.WithTimeout(cfg.Remote.Timeout),
	}
	if cfg.Remote.SkipInfo {
		remoteOpts = append(remoteOpts, remote.WithSkipInfo())
	}
	if len(cfg.Remote.Headers) > 0 {
		remoteOpts = append(remoteOpts, remote.WithHeaders(cfg.Remote.Headers))
	}
	creds := remote.Credentials{
		Username: cfg.Remote.Username,
		Password: cfg.Remote.Password,
	}

	syncOpts := []syncer.Option{
		syncer.WithRemote(cfg.Remote.URI, creds, remoteOpts...),
		syncer.WithLogger(logger),
		syncer.WithInterval(cfg.Sync.Interval),
		syncer.WithBatchLimit(cfg.Sync.BatchLimit),
		syncer.WithMaxAttempts(cfg.Sync.MaxAttempts),
		syncer.WithBackoff(syncer.Backoff{
			Base: cfg.Sync.BackoffBase,
			Cap:  cfg.Sync.BackoffCap,
		}),
	}

	if cfg.Sync.Push {
		watchOpts := []vault.WatcherOption{
			vault.WithDebounce(cfg.Watch.Debounce),
			vault.WithWatcherLogger(logger),
		}
		if len(cfg.Watch.IgnorePrefixes) > 0 {
			watchOpts = append(watchOpts, vault.WithIgnorePrefixes(cfg.Watch.IgnorePrefixes...))
		}
		watcher := vault.NewWatcher(dir, watchOpts...)
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Error("vault watcher failed", "error", err)
			}
		}()
		syncOpts = append(syncOpts, syncer.WithPush(dir, watcher))
	}

	s := syncer.New(h, tracker, pipeline, syncOpts...)
	defer s.Close()

	if once {
		if err := s.Sync(ctx); err != nil {
			return err
		}
		s.Close()
		return nil
	}

	r := chi.NewRouter()
	r.Mount("/", syncer.StatusHandler(s, h, tracker, pipeline, db))
	srv := &http.Server{
		Addr:              cfg.StatusAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info("status server starting", "addr", cfg.StatusAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("status server error", "error", err)
		}
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	var cause error
	select {
	case <-ctx.Done():
	case cause = <-runErr:
	}
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("status server shutdown", "error", err)
	}
	if err := s.Close(); err != nil {
		logger.Error("syncer close", "error", err)
	}

	if cause != nil && ctx.Err() == nil {
		return cause
	}
	logger.Info("vaultsync stopped")
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
