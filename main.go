// Package main runs the Too Good To Go favorites notifier.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tgtg-notifier/config"
	"tgtg-notifier/login"
	"tgtg-notifier/notify"
	"tgtg-notifier/poll"
	"tgtg-notifier/retention"
	"tgtg-notifier/schedule"
	"tgtg-notifier/server"
	"tgtg-notifier/session"
	"tgtg-notifier/storage"
	"tgtg-notifier/upstream"
)

const shutdownGrace = 30 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("TGTG_CONFIG"), "path to a YAML or JSON config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, os.Stdout); err != nil {
		slog.Error("Notifier exited with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel()}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func newProvider(cfg *config.Config, logger *slog.Logger) (notify.Provider, error) {
	if cfg.Telegram.Token == "" {
		logger.Info("Mock message mode enabled (no TELEGRAM_TOKEN)")
		return notify.NewMockProvider(logger), nil
	}
	return notify.NewTelegramProvider(cfg.Telegram.Token, cfg.Telegram.MessagesPerSecond, logger)
}

// sdNotify reports state to systemd when running under it; elsewhere it is a no-op.
func sdNotify(logger *slog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug("Failed to notify systemd", "state", state, "error", err)
	}
}

func run(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := newLogger(out, cfg)
	slog.SetDefault(logger)
	logger.Info("Starting notifier",
		"config", configPath,
		"storage_driver", cfg.Storage.Driver,
		"timezone", cfg.Location().String(),
		"interval_s", cfg.Scan.IntervalSeconds)

	backend, err := storage.Open(ctx, cfg.StorageOptions(), logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close storage", "error", err)
		}
	}()

	creds := storage.NewCredentialStore(backend, logger)
	prefs := storage.NewPreferenceStore(backend, logger)
	snaps := storage.NewSnapshotStore(backend, logger)
	for name, load := range map[string]func(context.Context) error{
		storage.CredentialsDocument: creds.Load,
		storage.PreferencesDocument: prefs.Load,
		storage.SnapshotsDocument:   snaps.Load,
	} {
		if err := load(ctx); err != nil {
			return fmt.Errorf("load %s: %w", name, err)
		}
	}
	logger.Info("State loaded", "users", creds.Len(), "snapshots", snaps.Len())

	client := upstream.New(
		&http.Client{Timeout: time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second},
		cfg.UpstreamConfig(),
		logger)

	provider, err := newProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("create notifier: %w", err)
	}
	sender := notify.New(provider, notify.Config{Location: cfg.Location(), DateFormat: cfg.DateFormat}, logger)

	sessions := session.New(client, creds, session.Config{
		Settle:        cfg.Settle(),
		TokenLifetime: time.Duration(cfg.Upstream.TokenLifetimeMinutes) * time.Minute,
	}, logger)

	scheduler := schedule.New(cfg.Policy())

	monitor := poll.New(poll.Config{
		Sessions:    sessions,
		Users:       creds,
		Preferences: prefs,
		Snapshots:   snaps,
		Notifier:    sender,
		Scheduler:   scheduler,
		OnPass: func(poll.Report) {
			sdNotify(logger, daemon.SdNotifyWatchdog)
		},
	}, logger)

	registrar := login.New(ctx, login.Config{
		Upstream:    client,
		Sessions:    sessions,
		Preferences: prefs,
		Notifier:    sender,
		Timeout:     cfg.LoginTimeout(),
	}, logger)

	sweeper, err := retention.New(snaps, cfg.RetentionConfig(), logger)
	if err != nil {
		return err
	}

	srv := server.New(&server.Config{
		Poller:      monitor,
		Registrar:   registrar,
		Preferences: prefs,
		Sessions:    sessions,
		Notifier:    sender,
		Logger:      logger,
		Token:       cfg.HTTP.Token,
		TrustProxy:  cfg.HTTP.TrustProxy,
	})

	var wg sync.WaitGroup
	wg.Go(func() { monitor.Run(ctx) })
	wg.Go(func() { sweeper.Run(ctx) })
	wg.Go(func() {
		err := config.Watch(ctx, configPath, cfg, logger, func(next *config.Config) {
			scheduler.Apply(next.Policy())
			logger.Info("Scan policy updated",
				"interval_s", next.Scan.IntervalSeconds,
				"low_hours_interval_s", next.Scan.LowHoursIntervalSeconds,
				"low_hours_start", next.Scan.LowHoursStart,
				"low_hours_end", next.Scan.LowHoursEnd)
		})
		if err != nil {
			logger.Warn("Config watcher stopped", "error", err)
		}
	})

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe(ctx, cfg.HTTP.Port) }()

	sdNotify(logger, daemon.SdNotifyReady)

	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
		err = nil
	case err = <-serveErr:
		logger.Error("HTTP server failed", "error", err)
	}
	sdNotify(logger, daemon.SdNotifyStopping)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		registrar.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		logger.Warn("Timed out waiting for background work to stop")
	}

	if err == nil {
		if serr := <-serveErr; serr != nil {
			logger.Warn("HTTP server shutdown error", "error", serr)
		}
	}
	logger.Info("Notifier stopped")
	return err
}
