package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dentdesk/dentdesk/internal/connectivity"
	"github.com/dentdesk/dentdesk/internal/state"
	dsync "github.com/dentdesk/dentdesk/internal/sync"
)

// Syncer is the part of the sync engine the daemon drives.
type Syncer interface {
	Flush(ctx context.Context) (dsync.FlushResult, error)
	AutoSync() bool
	Online() bool
}

// Importer loads a backup file into a table.
type Importer interface {
	Import(ctx context.Context, table, path string) (*state.ImportResult, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// ProbeInterval is how often the mirror is probed for reachability
	ProbeInterval time.Duration

	// FlushInterval is how often the sync queue is retried while online.
	// Zero disables the periodic flush.
	FlushInterval time.Duration

	// InboxDir, when set, is watched for backup files to import.
	InboxDir string

	// DebounceInterval is how long an inbox file must be quiet before it is
	// imported. This batches the events of a single copy together.
	DebounceInterval time.Duration

	Logger logrus.FieldLogger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ProbeInterval:    30 * time.Second,
		FlushInterval:    time.Minute,
		DebounceInterval: 500 * time.Millisecond,
		Logger:           logrus.StandardLogger(),
	}
}

// Daemon runs the background work of a long-lived process: connectivity
// probing, periodic queue flushes and inbox imports.
type Daemon struct {
	syncer   Syncer
	monitor  *connectivity.Monitor
	probe    connectivity.Probe
	importer Importer
	config   *Config
	logger   logrus.FieldLogger

	inbox *Inbox

	mu      sync.Mutex
	running bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Daemon.
//
// The daemon requires:
//   - syncer: the sync engine to flush
//   - monitor: the connectivity monitor the probe results are written to
//
// probe may be nil when there is no mirror to probe; importer may be nil when
// no inbox is configured. Use Start() to begin.
func New(syncer Syncer, monitor *connectivity.Monitor, probe connectivity.Probe, importer Importer, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	if config.InboxDir != "" && importer == nil {
		return nil, fmt.Errorf("inbox %s configured without an importer", config.InboxDir)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		syncer:   syncer,
		monitor:  monitor,
		probe:    probe,
		importer: importer,
		config:   config,
		logger:   config.Logger.WithField("component", "daemon"),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
//  1. Probe the mirror and keep the connectivity monitor current
//  2. Flush the sync queue periodically while online with auto-sync on
//  3. Import backup files dropped into the inbox
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	d.logger.Info("starting daemon")

	if d.config.InboxDir != "" {
		inbox, err := NewInbox(d.config.InboxDir, d.config.DebounceInterval, d.importFile, d.logger)
		if err != nil {
			return err
		}
		if err := inbox.Start(d.ctx); err != nil {
			return err
		}
		d.inbox = inbox
		d.logger.WithField("dir", d.config.InboxDir).Info("watching inbox")
	}

	if d.probe != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.monitor.Run(d.ctx, d.probe, d.config.ProbeInterval)
		}()
	}

	if d.config.FlushInterval > 0 {
		d.wg.Add(1)
		go d.flushLoop()
	}

	// Wait for shutdown
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon. It is safe to call more than once.
func (d *Daemon) Stop() error {
	var err error
	d.stopOnce.Do(func() {
		d.logger.Info("stopping daemon")

		d.cancel()

		if d.inbox != nil {
			if cerr := d.inbox.Stop(); cerr != nil {
				d.logger.WithError(cerr).Warn("error closing inbox watcher")
				err = cerr
			}
		}

		d.wg.Wait()
		d.logger.Info("daemon stopped")
	})
	return err
}

// flushLoop periodically retries the sync queue.
func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.FlushOnce()
		}
	}
}

// FlushOnce flushes the queue if auto-sync is on and the mirror is reachable.
// It reports whether a flush was attempted.
func (d *Daemon) FlushOnce() bool {
	if !d.syncer.AutoSync() || !d.syncer.Online() {
		return false
	}

	res, err := d.syncer.Flush(d.ctx)
	switch {
	case err == nil:
		if res.Pushed > 0 {
			d.logger.WithField("pushed", res.Pushed).Debug("periodic flush")
		}
	case errors.Is(err, dsync.ErrOffline), errors.Is(err, dsync.ErrNoMirror), errors.Is(err, context.Canceled):
		// nothing to do until the next tick
	default:
		d.logger.WithError(err).WithField("remaining", res.Remaining).Warn("periodic flush failed")
	}
	return true
}

// importFile hands an inbox file to the importer.
func (d *Daemon) importFile(ctx context.Context, table, path string) error {
	res, err := d.importer.Import(ctx, table, path)
	if err != nil {
		return err
	}
	d.logger.WithFields(logrus.Fields{
		"table":    table,
		"imported": res.Imported,
		"skipped":  res.Skipped,
	}).Info("inbox file imported")
	return nil
}
