package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dentdesk/dentdesk/internal/config"
	"github.com/dentdesk/dentdesk/internal/connectivity"
	"github.com/dentdesk/dentdesk/internal/logging"
	"github.com/dentdesk/dentdesk/internal/remote"
	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/state"
	"github.com/dentdesk/dentdesk/internal/store"
	dsync "github.com/dentdesk/dentdesk/internal/sync"
)

// app is the wired stack shared by every command.
type app struct {
	loader  *config.Loader
	logger  *logrus.Logger
	logFile io.Closer

	store   *store.Store
	mirror  remote.Mirror
	monitor *connectivity.Monitor
	engine  *dsync.Engine
	state   *state.State
}

// loadConfig reads configuration, applying command-line overrides.
func loadConfig() (*config.Loader, error) {
	return config.Load(config.Options{File: configFile, DataDir: dataDir})
}

// newApp opens the local store and mirror and starts the engine. notifier
// receives sync events in addition to the log.
func newApp(ctx context.Context, notifier dsync.Notifier) (*app, error) {
	loader, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg := loader.Config()

	logger, logFile, err := logging.New(cfg.Log, nil)
	if err != nil {
		return nil, err
	}

	a := &app{loader: loader, logger: logger, logFile: logFile}

	a.store, err = store.New(cfg.DatabasePath(), schema.DefaultRegistry(), logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if _, err := a.store.Open(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}

	// A broken mirror configuration must not block local work; writes are
	// queued until it is fixed.
	a.mirror, err = remote.New(ctx, cfg.Remote)
	if err != nil {
		logger.WithError(err).Warn("cloud backup disabled")
		a.mirror = nil
	}

	opts := dsync.DefaultOptions()
	opts.Logger = logger
	opts.Notifier = dsync.Fanout(logNotifier(logger), notifier)
	opts.AutoSync = cfg.AutoSync
	if cfg.Sync.RemoteTimeout > 0 {
		opts.RemoteTimeout = cfg.Sync.RemoteTimeout
	}
	if cfg.Sync.BatchSize > 0 {
		opts.BatchSize = cfg.Sync.BatchSize
	}

	// Start offline; the first probe brings the engine online, which also
	// flushes anything queued by earlier runs.
	a.monitor = connectivity.New(false, logger)
	a.engine = dsync.New(a.store, a.mirror, a.monitor, opts)

	a.state = state.New(a.store, a.engine, a.store.Registry(), state.Options{Logger: logger})
	if err := a.state.Load(ctx); err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// probe checks the mirror once and updates the connectivity monitor.
func (a *app) probe(ctx context.Context) bool {
	if a.mirror == nil {
		return false
	}
	timeout := a.loader.Config().Sync.RemoteTimeout
	if timeout <= 0 {
		timeout = dsync.DefaultOptions().RemoteTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.mirror.Ping(probeCtx)
	if err != nil {
		a.logger.WithError(err).Debug("cloud backup unreachable")
	}
	a.monitor.Set(err == nil)
	return err == nil
}

// close waits for in-flight remote writes, then releases everything in
// reverse order of creation.
func (a *app) close() {
	if a.engine != nil {
		a.engine.Wait()
		if err := a.engine.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to stop sync engine")
		}
	}
	if a.mirror != nil {
		if err := a.mirror.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close mirror")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close local database")
		}
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// withApp runs fn against a freshly built app, probing the mirror first when
// probe is set.
func withApp(probe bool, fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx, nil)
		if err != nil {
			return err
		}
		defer a.close()

		if probe {
			a.probe(ctx)
		}
		return fn(ctx, a, args)
	}
}

// logNotifier logs sync events at debug level, and local failures as errors.
func logNotifier(logger logrus.FieldLogger) dsync.Notifier {
	return dsync.NotifierFunc(func(ev dsync.Event) {
		entry := logger.WithFields(logrus.Fields{
			"component": "sync",
			"event":     string(ev.Kind),
		})
		if ev.Table != "" {
			entry = entry.WithField("table", ev.Table)
		}
		if ev.Key != "" {
			entry = entry.WithField("key", ev.Key)
		}
		if ev.Err != nil {
			entry.WithError(ev.Err).Error("sync event")
			return
		}
		entry.WithField("count", ev.Count).Debug("sync event")
	})
}
