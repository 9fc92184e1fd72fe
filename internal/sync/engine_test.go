package sync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dentdesk/dentdesk/internal/connectivity"
	"github.com/dentdesk/dentdesk/internal/remote"
	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/store"
)

// recorder collects engine events.
type recorder struct {
	mu     gosync.Mutex
	events []Event
}

func (r *recorder) Notify(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) last(kind EventKind) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Kind == kind {
			return r.events[i], true
		}
	}
	return Event{}, false
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type testEnv struct {
	store   *store.Store
	mirror  *remote.Memory
	monitor *connectivity.Monitor
	engine  *Engine
	events  *recorder
}

// setupEngine creates an engine over a temp database and an in-memory mirror.
func setupEngine(t *testing.T, online bool, tweak func(*Options)) *testEnv {
	t.Helper()

	logger := quietLogger()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), schema.DefaultRegistry(), logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	env := &testEnv{
		store:   st,
		mirror:  remote.NewMemory(),
		monitor: connectivity.New(online, logger),
		events:  &recorder{},
	}

	opts := DefaultOptions()
	opts.Logger = logger
	opts.Notifier = env.events
	opts.RemoteTimeout = time.Second
	if tweak != nil {
		tweak(opts)
	}

	env.engine = New(st, env.mirror, env.monitor, opts)
	t.Cleanup(func() {
		env.engine.Close()
		st.Close()
	})
	return env
}

func (env *testEnv) queueLen(t *testing.T) int {
	t.Helper()
	n, err := env.engine.QueueLen(context.Background())
	if err != nil {
		t.Fatalf("QueueLen() failed: %v", err)
	}
	return n
}

func TestSmartSync_OfflineQueues(t *testing.T) {
	env := setupEngine(t, false, nil)
	ctx := context.Background()

	before := env.queueLen(t)

	key, err := env.engine.SmartSync(ctx, "expenses", schema.Record{"id": "e1", "amount": 500})
	if err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if key != "e1" {
		t.Errorf("SmartSync() key = %q, want e1", key)
	}

	got, ok, err := env.store.Get(ctx, "expenses", "e1")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if got["amount"] != float64(500) {
		t.Errorf("amount = %v, want 500", got["amount"])
	}

	if after := env.queueLen(t); after != before+1 {
		t.Errorf("queue length = %d, want %d", after, before+1)
	}
	env.engine.Wait()
	if calls := env.mirror.Calls(); calls != 0 {
		t.Errorf("mirror received %d calls while offline", calls)
	}

	ev, ok := env.events.last(EventQueued)
	if !ok {
		t.Fatal("no queued event")
	}
	if ev.Table != "expenses" || ev.Key != "e1" || ev.Count != 1 || ev.Err != nil {
		t.Errorf("queued event = %+v", ev)
	}
}

func TestSmartSync_OnlineMirrors(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	rec := schema.Record{"id": "p1", "name": "Ali"}
	if _, err := env.engine.SmartSync(ctx, "patients", rec); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	env.engine.Wait()

	if _, ok, _ := env.store.Get(ctx, "patients", "p1"); !ok {
		t.Error("record missing locally")
	}
	doc, ok := env.mirror.Get("patients", "p1")
	if !ok {
		t.Fatal("record missing remotely")
	}
	if doc["name"] != "Ali" {
		t.Errorf("remote name = %v", doc["name"])
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if _, ok := env.events.last(EventSynced); !ok {
		t.Error("no synced event")
	}
}

func TestSmartSync_RemoteFailureQueues(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	env.mirror.SetFailure(errors.New("permission denied"))

	key, err := env.engine.SmartSync(ctx, "bills", schema.Record{"id": "b1", "total": 1200})
	if err != nil {
		t.Fatalf("SmartSync() returned remote failure to caller: %v", err)
	}
	if key != "b1" {
		t.Errorf("key = %q", key)
	}
	env.engine.Wait()

	if _, ok, _ := env.store.Get(ctx, "bills", "b1"); !ok {
		t.Error("record missing locally")
	}
	entries, err := env.store.PendingEntries(ctx, 0)
	if err != nil {
		t.Fatalf("PendingEntries() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("queue length = %d, want 1", len(entries))
	}
	if entries[0].Table != "bills" || entries[0].Key != "b1" || entries[0].Op != store.OpPut {
		t.Errorf("entry = %+v", entries[0])
	}
	if entries[0].Payload["total"] != float64(1200) {
		t.Errorf("entry payload = %v", entries[0].Payload)
	}

	ev, ok := env.events.last(EventQueued)
	if !ok || !errors.Is(ev.Err, remote.ErrUnavailable) {
		t.Errorf("queued event = %+v, want remote error attached", ev)
	}
	// A non-timeout failure says nothing about connectivity.
	if !env.engine.Online() {
		t.Error("engine went offline on a non-timeout failure")
	}
}

func TestSmartSync_RemoteTimeoutGoesOffline(t *testing.T) {
	env := setupEngine(t, true, func(o *Options) {
		o.RemoteTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	env.mirror.SetLatency(time.Second)

	start := time.Now()
	if _, err := env.engine.SmartSync(ctx, "queue", schema.Record{"id": "q1"}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("SmartSync() waited %v on the remote leg", elapsed)
	}
	env.engine.Wait()

	if env.engine.Online() {
		t.Error("engine still online after remote timeout")
	}
	if n := env.queueLen(t); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if _, ok := env.events.last(EventOffline); !ok {
		t.Error("no offline event")
	}
}

func TestSmartSync_LocalFailureIsFatal(t *testing.T) {
	env := setupEngine(t, false, nil)
	ctx := context.Background()

	_, err := env.engine.SmartSync(ctx, "unicorns", schema.Record{"id": "u1"})
	if !errors.Is(err, store.ErrUnknownTable) {
		t.Errorf("SmartSync(unknown table) error = %v, want ErrUnknownTable", err)
	}

	_, err = env.engine.SmartSync(ctx, "patients", schema.Record{"name": "no id"})
	var mk *store.MissingKeyError
	if !errors.As(err, &mk) {
		t.Errorf("SmartSync(no key) error = %v, want *MissingKeyError", err)
	}

	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0 after local failures", n)
	}
	if _, ok := env.events.last(EventLocalError); !ok {
		t.Error("no local_error event")
	}
}

func TestSmartSync_AutoSyncOff(t *testing.T) {
	for _, online := range []bool{true, false} {
		env := setupEngine(t, online, nil)
		ctx := context.Background()

		env.engine.SetAutoSync(false)
		if env.engine.AutoSync() {
			t.Fatal("AutoSync() = true after SetAutoSync(false)")
		}

		if _, err := env.engine.SmartSync(ctx, "staff", schema.Record{"id": "s1"}); err != nil {
			t.Fatalf("SmartSync() failed: %v", err)
		}
		if err := env.engine.Delete(ctx, "staff", "s0"); err != nil {
			t.Fatalf("Delete() failed: %v", err)
		}
		env.engine.Wait()

		if _, ok, _ := env.store.Get(ctx, "staff", "s1"); !ok {
			t.Errorf("online=%v: record missing locally", online)
		}
		if n := env.queueLen(t); n != 0 {
			t.Errorf("online=%v: queue length = %d, want 0", online, n)
		}
		if calls := env.mirror.Calls(); calls != 0 {
			t.Errorf("online=%v: mirror received %d calls", online, calls)
		}
	}
}

func TestSmartSync_QueuesBehindPendingEntries(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	// An older write for p1 is still waiting in the queue.
	if _, err := env.store.Enqueue(ctx, "patients", "p1", store.OpPut, schema.Record{"id": "p1", "name": "old"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	if _, err := env.engine.SmartSync(ctx, "patients", schema.Record{"id": "p1", "name": "new"}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if _, err := env.engine.SmartSync(ctx, "patients", schema.Record{"id": "p2", "name": "other"}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	env.engine.Wait()

	if _, ok := env.mirror.Get("patients", "p1"); ok {
		t.Error("newer write overtook the queued one")
	}
	if _, ok := env.mirror.Get("patients", "p2"); !ok {
		t.Error("unrelated record was not mirrored")
	}
	if n := env.queueLen(t); n != 2 {
		t.Fatalf("queue length = %d, want 2", n)
	}

	if _, err := env.engine.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	doc, _ := env.mirror.Get("patients", "p1")
	if doc["name"] != "new" {
		t.Errorf("remote name = %v, want new", doc["name"])
	}
}

func TestSmartSync_OfflineWriteStaysBehindHandedOffWrite(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	// A slow remote call keeps the pusher busy while p1's first write waits
	// behind it.
	env.mirror.SetLatency(200 * time.Millisecond)
	if _, err := env.engine.SmartSync(ctx, "queue", schema.Record{"id": "slow"}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if _, err := env.engine.SmartSync(ctx, "patients", schema.Record{"id": "p1", "name": "old"}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}

	env.monitor.Set(false)
	if _, err := env.engine.SmartSync(ctx, "patients", schema.Record{"id": "p1", "name": "new"}); err != nil {
		t.Fatalf("SmartSync() offline failed: %v", err)
	}
	env.engine.Wait()

	entries, err := env.store.PendingEntries(ctx, 0)
	if err != nil {
		t.Fatalf("PendingEntries() failed: %v", err)
	}
	var names []any
	for _, e := range entries {
		if e.Key == "p1" {
			names = append(names, e.Payload["name"])
		}
	}
	if len(names) != 2 || names[0] != "old" || names[1] != "new" {
		t.Fatalf("queued p1 writes = %v, want [old new]", names)
	}

	env.mirror.SetLatency(0)
	env.monitor.Set(true)
	env.engine.Wait()

	local, _, _ := env.store.Get(ctx, "patients", "p1")
	doc, ok := env.mirror.Get("patients", "p1")
	if !ok || doc["name"] != "new" || local["name"] != "new" {
		t.Errorf("local name = %v, remote name = %v, want new for both", local["name"], doc["name"])
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestWait_ConcurrentWithWrites(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	env.mirror.SetLatency(time.Millisecond)

	var wg gosync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				key := fmt.Sprintf("w%d-%d", w, i)
				if _, err := env.engine.SmartSync(ctx, "inventory", schema.Record{"id": key}); err != nil {
					t.Errorf("SmartSync() failed: %v", err)
				}
			}
		}(w)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				env.engine.Wait()
			}
		}()
	}
	wg.Wait()
	env.engine.Wait()

	if got := env.mirror.Len("inventory") + env.queueLen(t); got != 40 {
		t.Errorf("mirrored + queued = %d, want 40", got)
	}
}

func TestDelete(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	if _, err := env.engine.SmartSync(ctx, "inventory", schema.Record{"id": "i1", "qty": 3}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if err := env.engine.Delete(ctx, "inventory", "i1"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	env.engine.Wait()

	if _, ok, _ := env.store.Get(ctx, "inventory", "i1"); ok {
		t.Error("record still present locally")
	}
	if _, ok := env.mirror.Get("inventory", "i1"); ok {
		t.Error("record still present remotely")
	}

	// Offline deletes are queued
	env.monitor.Set(false)
	if err := env.engine.Delete(ctx, "inventory", "i2"); err != nil {
		t.Fatalf("Delete() offline failed: %v", err)
	}
	entries, _ := env.store.PendingEntries(ctx, 0)
	if len(entries) != 1 || entries[0].Op != store.OpDelete || entries[0].Key != "i2" {
		t.Errorf("entries = %+v, want one delete of i2", entries)
	}

	// Unknown tables are a local no-op with nothing owed remotely
	if err := env.engine.Delete(ctx, "unicorns", "x"); err != nil {
		t.Errorf("Delete(unknown table) failed: %v", err)
	}
	if n := env.queueLen(t); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
}

func TestClose_QueuesUnattemptedWrites(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	env.mirror.SetLatency(50 * time.Millisecond)

	const n = 5
	for i := 0; i < n; i++ {
		key := string(rune('a' + i))
		if _, err := env.engine.SmartSync(ctx, "queue", schema.Record{"id": key}); err != nil {
			t.Fatalf("SmartSync() failed: %v", err)
		}
	}

	if err := env.engine.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := env.engine.Close(); err != nil {
		t.Errorf("second Close() failed: %v", err)
	}

	mirrored := env.mirror.Len("queue")
	queued := env.queueLen(t)
	if mirrored+queued != n {
		t.Errorf("mirrored %d + queued %d != %d written", mirrored, queued, n)
	}

	// Writes after Close are queued, never lost
	if _, err := env.engine.SmartSync(ctx, "queue", schema.Record{"id": "z"}); err != nil {
		t.Fatalf("SmartSync() after Close failed: %v", err)
	}
	if got := env.queueLen(t); got != queued+1 {
		t.Errorf("queue length = %d, want %d", got, queued+1)
	}
}

func TestNew_NoMirror(t *testing.T) {
	logger := quietLogger()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"), schema.DefaultRegistry(), logger)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	engine := New(st, nil, nil, &Options{Logger: logger, AutoSync: true})
	defer engine.Close()

	if engine.Online() {
		t.Error("engine without mirror reports online")
	}
	if engine.HasMirror() {
		t.Error("HasMirror() = true")
	}

	ctx := context.Background()
	if _, err := engine.SmartSync(ctx, "patients", schema.Record{"id": "p1"}); err != nil {
		t.Fatalf("SmartSync() failed: %v", err)
	}
	if n, _ := engine.QueueLen(ctx); n != 1 {
		t.Errorf("queue length = %d, want 1", n)
	}
	if _, err := engine.Flush(ctx); !errors.Is(err, ErrNoMirror) {
		t.Errorf("Flush() error = %v, want ErrNoMirror", err)
	}
	if _, err := engine.ManualCloudRestore(ctx); !errors.Is(err, ErrNoMirror) {
		t.Errorf("ManualCloudRestore() error = %v, want ErrNoMirror", err)
	}
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	n := Fanout(a, nil, b)
	n.Notify(Event{Kind: EventOnline})

	if len(a.kinds()) != 1 || len(b.kinds()) != 1 {
		t.Errorf("fanout delivered %v and %v", a.kinds(), b.kinds())
	}
}
