package remote

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// Memory is an in-process Mirror. Useful for testing and single-machine demos.
//
// Failures and latency can be injected to simulate an unreachable or slow
// mirror.
type Memory struct {
	mu      sync.Mutex
	tables  map[string]map[string]schema.Record
	failure error
	latency time.Duration
	calls   int
}

// NewMemory creates an empty in-memory mirror.
func NewMemory() *Memory {
	return &Memory{tables: make(map[string]map[string]schema.Record)}
}

// SetFailure makes every subsequent call fail with err wrapped in
// ErrUnavailable. A nil err restores normal operation.
func (m *Memory) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// SetLatency delays every subsequent call by d, or until its context ends.
func (m *Memory) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// Calls returns the number of calls made against the mirror.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Get returns a copy of the document stored under key.
func (m *Memory) Get(table, key string) (schema.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[table][key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Len returns the number of documents in table.
func (m *Memory) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// enter counts the call and applies injected latency and failure.
func (m *Memory) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls++
	latency, failure := m.latency, m.failure
	m.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return unavailable(op, ctx.Err())
		}
	}
	if failure != nil {
		return unavailable(op, failure)
	}
	return nil
}

func (m *Memory) Upsert(ctx context.Context, table, key string, rec schema.Record) error {
	if err := m.enter(ctx, "upsert"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs, ok := m.tables[table]
	if !ok {
		docs = make(map[string]schema.Record)
		m.tables[table] = docs
	}
	docs[key] = schema.Merge(docs[key], rec.Clone())
	return nil
}

func (m *Memory) Delete(ctx context.Context, table, key string) error {
	if err := m.enter(ctx, "delete"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables[table], key)
	return nil
}

// List returns the documents of table ordered by key.
func (m *Memory) List(ctx context.Context, table string) ([]schema.Record, error) {
	if err := m.enter(ctx, "list"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	docs := m.tables[table]
	keys := make([]string, 0, len(docs))
	for k := range docs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]schema.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, docs[k].Clone())
	}
	return out, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return m.enter(ctx, "ping")
}

func (m *Memory) Close() error {
	return nil
}
