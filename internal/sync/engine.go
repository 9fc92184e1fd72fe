package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/dentdesk/dentdesk/internal/connectivity"
	"github.com/dentdesk/dentdesk/internal/remote"
	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/store"
)

var (
	// ErrOffline is returned by operations that need the mirror while offline.
	ErrOffline = errors.New("offline")

	// ErrNoMirror is returned by operations that need a mirror when none is configured.
	ErrNoMirror = errors.New("no remote mirror configured")
)

// Options configures an Engine.
type Options struct {
	// Logger for engine activity
	Logger logrus.FieldLogger

	// Notifier receives sync status events (optional)
	Notifier Notifier

	// RemoteTimeout bounds every remote call. A call that times out also
	// flips the connectivity monitor offline.
	RemoteTimeout time.Duration

	// AutoSync is the initial state of the auto-sync toggle
	AutoSync bool

	// BatchSize is how many queue entries a flush reads at a time
	BatchSize int

	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		Logger:        logrus.StandardLogger(),
		RemoteTimeout: 10 * time.Second,
		AutoSync:      true,
		BatchSize:     50,
		Clock:         time.Now,
	}
}

// pushJob is a remote leg handed off to the background pusher.
type pushJob struct {
	table string
	key   string
	op    store.Op
	rec   schema.Record
}

// Engine implements Syncer.
type Engine struct {
	store   LocalStore
	mirror  remote.Mirror
	monitor *connectivity.Monitor
	opts    Options
	logger  logrus.FieldLogger

	autoSync atomic.Bool

	// remoteMu serializes remote writes so that a record's writes reach the
	// mirror in the order they were made.
	remoteMu gosync.Mutex

	// jobsMu guards the fields below. idle is signalled whenever handed and
	// flushes both drop to zero.
	jobsMu   gosync.Mutex
	idle     *gosync.Cond
	jobs     []pushJob
	handed   int // jobs given to the pusher and not yet settled
	flushes  int // background flushes still running
	closed   bool
	wake     chan struct{}
	done     chan struct{}
	loopDone chan struct{}

	flights singleflight.Group

	unsubscribe func()
}

var _ Syncer = (*Engine)(nil)

// New creates an Engine and starts its background pusher.
//
// A nil mirror runs the engine local-only: writes are queued until a mirror
// is configured. A nil monitor starts online when a mirror is given.
// If opts is nil, DefaultOptions is used.
//
// Call Close to stop the pusher; it doesn't close the store or the mirror.
//
// Example:
//
//	st, _ := store.New(".dentdesk/dentdesk.db", schema.DefaultRegistry(), logger)
//	engine := sync.New(st, remote.NewMemory(), connectivity.New(true, logger), nil)
//	defer engine.Close()
func New(st LocalStore, mirror remote.Mirror, monitor *connectivity.Monitor, opts *Options) *Engine {
	defaults := DefaultOptions()
	if opts == nil {
		opts = defaults
	}
	o := *opts
	if o.Logger == nil {
		o.Logger = defaults.Logger
	}
	if o.RemoteTimeout <= 0 {
		o.RemoteTimeout = defaults.RemoteTimeout
	}
	if o.BatchSize <= 0 {
		o.BatchSize = defaults.BatchSize
	}
	if o.Clock == nil {
		o.Clock = defaults.Clock
	}
	if monitor == nil {
		monitor = connectivity.New(mirror != nil, o.Logger)
	}

	e := &Engine{
		store:    st,
		mirror:   mirror,
		monitor:  monitor,
		opts:     o,
		logger:   o.Logger.WithField("component", "sync"),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	e.idle = gosync.NewCond(&e.jobsMu)
	e.autoSync.Store(o.AutoSync)

	e.unsubscribe = monitor.Subscribe(e.onConnectivity)
	go e.pushLoop()

	return e
}

func (e *Engine) now() time.Time {
	return e.opts.Clock()
}

func (e *Engine) notify(ev Event) {
	if e.opts.Notifier == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.opts.Notifier.Notify(ev)
}

// SmartSync implements Syncer.SmartSync.
func (e *Engine) SmartSync(ctx context.Context, table string, rec schema.Record) (string, error) {
	key, err := e.store.Put(ctx, table, rec)
	if err != nil {
		e.logger.WithField("table", table).WithError(err).Error("local write failed")
		e.notify(Event{Kind: EventLocalError, Table: table, Err: err})
		return "", fmt.Errorf("failed to save %s record: %w", table, err)
	}

	if !e.autoSync.Load() {
		return key, nil
	}

	e.route(ctx, pushJob{table: table, key: key, op: store.OpPut, rec: rec.Clone()})
	return key, nil
}

// Delete implements Syncer.Delete.
func (e *Engine) Delete(ctx context.Context, table, key string) error {
	if err := e.store.Delete(ctx, table, key); err != nil {
		e.logger.WithFields(logrus.Fields{"table": table, "key": key}).WithError(err).Error("local delete failed")
		e.notify(Event{Kind: EventLocalError, Table: table, Key: key, Err: err})
		return fmt.Errorf("failed to delete %s record: %w", table, err)
	}

	if _, ok := e.store.Registry().Lookup(table); !ok {
		// Nothing was stored locally, so nothing is owed remotely.
		return nil
	}
	if !e.autoSync.Load() {
		return nil
	}

	e.route(ctx, pushJob{table: table, key: key, op: store.OpDelete})
	return nil
}

// route queues the remote leg when it can't be attempted now and hands it to
// the pusher otherwise.
//
// While the pusher still holds unsettled jobs, an offline write is handed to
// it as well, so it reaches the queue behind them. Queueing it directly could
// put it ahead of an older write for the same record.
func (e *Engine) route(ctx context.Context, job pushJob) {
	if e.mirror == nil {
		e.enqueue(ctx, job, nil)
		return
	}
	online := e.monitor.Online()

	e.jobsMu.Lock()
	if e.closed || (!online && e.handed == 0) {
		e.jobsMu.Unlock()
		e.enqueue(ctx, job, nil)
		return
	}
	e.handed++
	e.jobs = append(e.jobs, job)
	e.jobsMu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// enqueue appends a queue entry for job. cause is the remote failure that
// sent it to the queue, if any.
func (e *Engine) enqueue(ctx context.Context, job pushJob, cause error) {
	fields := logrus.Fields{"table": job.table, "key": job.key, "op": job.op}

	entry, err := e.store.Enqueue(ctx, job.table, job.key, job.op, job.rec)
	if err != nil {
		// The local write already succeeded; only the remote leg is lost.
		e.logger.WithFields(fields).WithError(err).Error("failed to queue remote write")
		e.notify(Event{Kind: EventLocalError, Table: job.table, Key: job.key, Err: err})
		return
	}

	fields["queue_id"] = entry.ID
	if cause != nil {
		e.logger.WithFields(fields).WithError(cause).Warn("remote write failed, queued")
	} else {
		e.logger.WithFields(fields).Debug("queued remote write")
	}

	n, err := e.store.QueueLen(ctx)
	if err != nil {
		n = 0
	}
	e.notify(Event{Kind: EventQueued, Table: job.table, Key: job.key, Count: n, Err: cause})
}

func (e *Engine) nextJob() (pushJob, bool) {
	e.jobsMu.Lock()
	defer e.jobsMu.Unlock()
	if len(e.jobs) == 0 {
		return pushJob{}, false
	}
	job := e.jobs[0]
	e.jobs[0] = pushJob{}
	e.jobs = e.jobs[1:]
	return job, true
}

// pushLoop performs handed-off remote legs one at a time, in order.
func (e *Engine) pushLoop() {
	defer close(e.loopDone)

	for {
		select {
		case <-e.wake:
		case <-e.done:
			e.queueRemaining()
			return
		}

		for {
			select {
			case <-e.done:
				e.queueRemaining()
				return
			default:
			}

			job, ok := e.nextJob()
			if !ok {
				break
			}
			e.push(job)
			e.settle(&e.handed)
		}
	}
}

// queueRemaining moves jobs that were never attempted into the durable queue.
func (e *Engine) queueRemaining() {
	for {
		job, ok := e.nextJob()
		if !ok {
			return
		}
		e.enqueue(context.Background(), job, nil)
		e.settle(&e.handed)
	}
}

// settle decrements a counter guarded by jobsMu and wakes Wait callers once
// nothing is left in flight.
func (e *Engine) settle(counter *int) {
	e.jobsMu.Lock()
	*counter--
	if e.handed == 0 && e.flushes == 0 {
		e.idle.Broadcast()
	}
	e.jobsMu.Unlock()
}

// push performs one remote leg, queueing it on failure. A record with
// entries already waiting in the queue is queued behind them.
func (e *Engine) push(job pushJob) {
	ctx := context.Background()

	e.remoteMu.Lock()
	defer e.remoteMu.Unlock()

	pending, err := e.store.HasPending(ctx, job.table, job.key)
	if err != nil {
		e.logger.WithError(err).Warn("failed to check sync queue")
		pending = true
	}
	if pending || !e.monitor.Online() {
		e.enqueue(ctx, job, nil)
		return
	}

	if err := e.remoteWrite(ctx, job.table, job.key, job.op, job.rec); err != nil {
		e.enqueue(ctx, job, err)
		return
	}

	e.logger.WithFields(logrus.Fields{"table": job.table, "key": job.key, "op": job.op}).Debug("mirrored")
	e.notify(Event{Kind: EventSynced, Table: job.table, Key: job.key})
}

// remoteWrite performs a single bounded remote call. Callers hold remoteMu.
func (e *Engine) remoteWrite(ctx context.Context, table, key string, op store.Op, rec schema.Record) error {
	ctx, cancel := context.WithTimeout(ctx, e.opts.RemoteTimeout)
	defer cancel()

	var err error
	switch op {
	case store.OpPut:
		err = e.mirror.Upsert(ctx, table, key, rec)
	case store.OpDelete:
		err = e.mirror.Delete(ctx, table, key)
	default:
		return fmt.Errorf("unknown op %q", op)
	}

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// A stuck remote decays to offline.
		e.monitor.Set(false)
	}
	return err
}

// Wait blocks until every handed-off remote leg and background flush has
// settled. Writes made while Wait blocks are waited for too.
func (e *Engine) Wait() {
	e.jobsMu.Lock()
	for e.handed > 0 || e.flushes > 0 {
		e.idle.Wait()
	}
	e.jobsMu.Unlock()
}

// onConnectivity reacts to monitor transitions.
func (e *Engine) onConnectivity(online bool) {
	if !online {
		e.notify(Event{Kind: EventOffline})
		return
	}

	e.notify(Event{Kind: EventOnline})
	if e.autoSync.Load() {
		e.flushInBackground()
	}
}

// flushInBackground starts a best-effort flush unless the engine is closed.
func (e *Engine) flushInBackground() {
	e.jobsMu.Lock()
	if e.closed || e.mirror == nil {
		e.jobsMu.Unlock()
		return
	}
	e.flushes++
	e.jobsMu.Unlock()

	go func() {
		defer e.settle(&e.flushes)
		if _, err := e.Flush(context.Background()); err != nil && !errors.Is(err, ErrOffline) {
			e.logger.WithError(err).Warn("background flush incomplete")
		}
	}()
}

// SetAutoSync implements Syncer.SetAutoSync. Enabling auto-sync while online
// starts a flush of anything queued earlier.
func (e *Engine) SetAutoSync(enabled bool) {
	if e.autoSync.Swap(enabled) == enabled {
		return
	}
	e.logger.WithField("auto_sync", enabled).Info("auto-sync changed")
	if enabled && e.monitor.Online() {
		e.flushInBackground()
	}
}

// AutoSync implements Syncer.AutoSync.
func (e *Engine) AutoSync() bool {
	return e.autoSync.Load()
}

// Online implements Syncer.Online.
func (e *Engine) Online() bool {
	return e.monitor.Online()
}

// Monitor returns the connectivity monitor the engine follows.
func (e *Engine) Monitor() *connectivity.Monitor {
	return e.monitor
}

// HasMirror reports whether a remote mirror is configured.
func (e *Engine) HasMirror() bool {
	return e.mirror != nil
}

// QueueLen implements Syncer.QueueLen.
func (e *Engine) QueueLen(ctx context.Context) (int, error) {
	return e.store.QueueLen(ctx)
}

// Close stops the pusher. Remote legs not yet attempted are moved to the
// durable queue. Close is idempotent.
func (e *Engine) Close() error {
	e.jobsMu.Lock()
	if e.closed {
		e.jobsMu.Unlock()
		return nil
	}
	e.closed = true
	e.jobsMu.Unlock()

	e.unsubscribe()
	close(e.done)
	<-e.loopDone
	e.Wait()
	return nil
}
