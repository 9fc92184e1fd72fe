package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"
	"testing"

	"github.com/dentdesk/dentdesk/internal/remote"
	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/store"
)

func TestFlush_OnReconnectInInsertionOrder(t *testing.T) {
	env := setupEngine(t, false, nil)
	ctx := context.Background()

	writes := []struct {
		table string
		rec   schema.Record
	}{
		{"patients", schema.Record{"id": "p1", "name": "Ali", "phone": "0300"}},
		{"patients", schema.Record{"id": "p2", "name": "Sara"}},
		{"patients", schema.Record{"id": "p1", "name": "Ali Khan"}},
		{"bills", schema.Record{"id": "b1", "total": 900}},
	}
	for _, w := range writes {
		if _, err := env.engine.SmartSync(ctx, w.table, w.rec); err != nil {
			t.Fatalf("SmartSync() failed: %v", err)
		}
	}
	if err := env.engine.Delete(ctx, "patients", "p2"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if n := env.queueLen(t); n != 5 {
		t.Fatalf("queue length = %d, want 5", n)
	}

	// offline → online triggers a background flush
	env.monitor.Set(true)
	env.engine.Wait()

	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue length after reconnect = %d, want 0", n)
	}

	p1, ok := env.mirror.Get("patients", "p1")
	if !ok {
		t.Fatal("p1 missing remotely")
	}
	if p1["name"] != "Ali Khan" || p1["phone"] != "0300" {
		t.Errorf("p1 = %v, want merged latest", p1)
	}
	if _, ok := env.mirror.Get("patients", "p2"); ok {
		t.Error("p2 should have been deleted remotely")
	}
	if _, ok := env.mirror.Get("bills", "b1"); !ok {
		t.Error("b1 missing remotely")
	}

	ev, ok := env.events.last(EventFlushed)
	if !ok || ev.Count != 5 {
		t.Errorf("flushed event = %+v, want count 5", ev)
	}
	kinds := env.events.kinds()
	sawOnline := false
	for _, k := range kinds {
		if k == EventOnline {
			sawOnline = true
		}
	}
	if !sawOnline {
		t.Errorf("events = %v, want an online event", kinds)
	}
}

func TestFlush_StopsAtFirstFailure(t *testing.T) {
	env := setupEngine(t, false, func(o *Options) { o.BatchSize = 2 })
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := env.engine.SmartSync(ctx, "attendance", schema.Record{"id": fmt.Sprintf("a%d", i)}); err != nil {
			t.Fatalf("SmartSync() failed: %v", err)
		}
	}

	env.mirror.SetFailure(errors.New("service unavailable"))
	env.monitor.Set(true)
	env.engine.Wait()

	entries, err := env.store.PendingEntries(ctx, 0)
	if err != nil {
		t.Fatalf("PendingEntries() failed: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("queue length = %d, want 5", len(entries))
	}
	if entries[0].Attempts != 1 || entries[0].LastError == "" || entries[0].AttemptedAt == nil {
		t.Errorf("head entry = %+v, want one recorded attempt", entries[0])
	}
	for _, e := range entries[1:] {
		if e.Attempts != 0 {
			t.Errorf("entry %s attempted after the head failed", e.Key)
		}
	}

	res, err := env.engine.Flush(ctx)
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Fatalf("Flush() with failing mirror error = %v", err)
	}
	if res.Failed == nil || res.Failed.Key != "a0" || res.Pushed != 0 || res.Remaining != 5 {
		t.Errorf("Flush() result = %+v", res)
	}

	env.mirror.SetFailure(nil)
	res, err = env.engine.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	if res.Pushed != 5 || res.Remaining != 0 || res.Failed != nil {
		t.Errorf("Flush() result = %+v, want 5 pushed across batches", res)
	}
	if env.mirror.Len("attendance") != 5 {
		t.Errorf("mirror has %d records, want 5", env.mirror.Len("attendance"))
	}
}

func TestFlush_Offline(t *testing.T) {
	env := setupEngine(t, false, nil)
	if _, err := env.engine.Flush(context.Background()); !errors.Is(err, ErrOffline) {
		t.Errorf("Flush() error = %v, want ErrOffline", err)
	}
}

func TestFlush_ReplayIsIdempotent(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	rec := schema.Record{"id": "e1", "amount": 500}
	for i := 0; i < 3; i++ {
		if _, err := env.store.Enqueue(ctx, "expenses", "e1", store.OpPut, rec); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}
	env.store.Enqueue(ctx, "expenses", "gone", store.OpDelete, nil)
	env.store.Enqueue(ctx, "expenses", "gone", store.OpDelete, nil)

	if _, err := env.engine.Flush(ctx); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}
	doc, _ := env.mirror.Get("expenses", "e1")
	if doc["amount"] != float64(500) || env.mirror.Len("expenses") != 1 {
		t.Errorf("mirror = %v (%d docs)", doc, env.mirror.Len("expenses"))
	}
}

func TestFlush_ConcurrentCallsCollapse(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("q%02d", i)
		if _, err := env.store.Enqueue(ctx, "queue", key, store.OpPut, schema.Record{"id": key}); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
	}

	var wg gosync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.engine.Flush(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Flush() failed: %v", err)
	}
	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if env.mirror.Len("queue") != 20 {
		t.Errorf("mirror has %d records, want 20", env.mirror.Len("queue"))
	}
}

func TestSetAutoSync_FlushesBacklog(t *testing.T) {
	env := setupEngine(t, true, nil)
	ctx := context.Background()

	env.engine.SetAutoSync(false)
	if _, err := env.store.Enqueue(ctx, "salaries", "s1", store.OpPut, schema.Record{"id": "s1"}); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}

	env.engine.SetAutoSync(true)
	env.engine.Wait()

	if n := env.queueLen(t); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
	if _, ok := env.mirror.Get("salaries", "s1"); !ok {
		t.Error("backlog not flushed")
	}
}
