package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/config"
	"github.com/alexjbarnes/fieldsync/internal/conflict"
	"github.com/alexjbarnes/fieldsync/internal/eventbus"
	"github.com/alexjbarnes/fieldsync/internal/logging"
	"github.com/alexjbarnes/fieldsync/internal/notify"
	"github.com/alexjbarnes/fieldsync/internal/remote"
	"github.com/alexjbarnes/fieldsync/internal/server"
	"github.com/alexjbarnes/fieldsync/internal/state"
	"github.com/alexjbarnes/fieldsync/internal/syncer"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle keygen subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		fmt.Println(auth.GenerateAPIKey())
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("fieldsync starting",
		slog.String("version", Version),
		slog.String("device", cfg.DeviceName),
		slog.String("state", cfg.StatePath),
		slog.Bool("http", cfg.ListenAddr != ""),
	)

	store, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer store.Close()

	bus := eventbus.New(cfg.EventBuffer, cfg.EventHistory, logging.Component(logger, "eventbus"))

	resolver := conflict.NewResolver(nil, logging.Component(logger, "conflict"))
	for _, t := range cfg.MergeTypes {
		resolver.Register(t, conflict.FieldMerge(conflict.WithTextFields(cfg.MergeTextFields...)))
	}

	// The client's connection callbacks drive the adapter, which needs
	// the coordinator, which needs the client as its transport.
	var adapter *syncer.Adapter

	client := remote.NewClient(remote.Config{
		URL:     cfg.RemoteURL,
		Token:   cfg.RemoteToken,
		Device:  cfg.DeviceName,
		Types:   cfg.EntityTypes,
		Timeout: cfg.RemoteTimeout,
		OnConnect: func() {
			adapter.OnConnect()
		},
		OnDisconnect: func() {
			adapter.OnDisconnect()
		},
	}, logging.Component(logger, "remote"))

	coord, err := syncer.New(syncer.Config{
		EntityTypes:   cfg.EntityTypes,
		BatchSize:     cfg.SyncBatchSize,
		Interval:      cfg.SyncInterval,
		BackoffMin:    cfg.BackoffMin,
		BackoffMax:    cfg.BackoffMax,
		RemoteTimeout: cfg.RemoteTimeout,
		MaxRebase:     cfg.MaxRebase,
		PurgeAfter:    cfg.PurgeAfter,
	}, store, client, resolver, bus, logging.Component(logger, "syncer"))
	if err != nil {
		return fmt.Errorf("creating coordinator: %w", err)
	}

	// Stay parked until the remote channel reports a connection.
	coord.SetOnline(false)

	adapter = syncer.NewAdapter(coord, client, logging.Component(logger, "adapter"))

	var (
		prefs     notify.PreferenceStore = store
		filePrefs *notify.FilePreferences
	)

	if cfg.PreferencesFile != "" {
		filePrefs, err = notify.LoadPreferences(cfg.PreferencesFile, logging.Component(logger, "preferences"))
		if err != nil {
			return fmt.Errorf("loading preferences: %w", err)
		}

		prefs = filePrefs
	}

	var deliverer notify.Deliverer

	if cfg.NotifyWebhookURL != "" {
		deliverer = notify.NewWebhookDeliverer(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken, logging.Component(logger, "webhook"))
	} else {
		deliverer = notify.NewLogDeliverer(logging.Component(logger, "notify"))
	}

	dispatcher := notify.NewDispatcher(notify.Config{
		MaxAttempts: cfg.NotifyMaxAttempts,
		RetryBase:   cfg.NotifyRetryBase,
		RetryMax:    cfg.NotifyRetryMax,
		Workers:     cfg.NotifyWorkers,
	}, bus, store, prefs, notify.NewFieldRouter(cfg.NotifyUserField), deliverer, logging.Component(logger, "dispatcher"))

	var srv *server.Server

	if cfg.ListenAddr != "" {
		keys, err := loadKeys(cfg)
		if err != nil {
			return err
		}

		srv = server.New(coord, store, dispatcher, bus, keys, logging.Component(logger, "server"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return coord.Run(gctx) })
	g.Go(func() error { return adapter.Run(gctx) })
	g.Go(func() error { return dispatcher.Run(gctx) })

	g.Go(func() error {
		err := client.Listen(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}

		return err
	})

	if filePrefs != nil {
		g.Go(func() error { return filePrefs.Watch(gctx) })
	}

	if srv != nil {
		g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })
	}

	// Closing the bus ends open event streams so the server can drain.
	g.Go(func() error {
		<-gctx.Done()
		bus.Close()

		return nil
	})

	err = g.Wait()

	logger.Info("fieldsync stopped")

	return err
}

func loadKeys(cfg *config.Config) (*auth.Keys, error) {
	entries, err := cfg.ParseAPIKeys()
	if err != nil {
		return nil, fmt.Errorf("parsing API keys: %w", err)
	}

	keys := auth.NewKeys()

	for _, e := range entries {
		if err := keys.Add(e.UserID, e.Key); err != nil {
			return nil, fmt.Errorf("adding API key for %s: %w", e.UserID, err)
		}
	}

	return keys, nil
}
