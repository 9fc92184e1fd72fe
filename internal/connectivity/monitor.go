// Package connectivity tracks whether the remote mirror is reachable.
package connectivity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Probe checks reachability. A nil error means online.
type Probe func(ctx context.Context) error

// Monitor holds the online/offline signal and notifies subscribers of
// transitions. The zero value is not usable; use New.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	nextID    int
	listeners map[int]func(bool)

	// notifyMu serializes transitions so listeners observe them in order.
	notifyMu sync.Mutex

	logger logrus.FieldLogger
}

// New creates a monitor starting in the given state.
func New(online bool, logger logrus.FieldLogger) *Monitor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Monitor{
		online:    online,
		listeners: make(map[int]func(bool)),
		logger:    logger.WithField("component", "connectivity"),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set updates the state and reports whether it changed. Subscribers are
// called synchronously, in subscription order, only on a transition; they
// must not call Set themselves.
func (m *Monitor) Set(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online

	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	m.logger.WithField("online", online).Info("connectivity changed")

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Subscribe registers fn for transitions and returns a function removing it.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners, id)
		})
	}
}

// Run probes immediately and then every interval until ctx is done, setting
// the state from each result. Each probe is bounded by the interval.
func (m *Monitor) Run(ctx context.Context, probe Probe, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		m.probeOnce(ctx, probe, interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) probeOnce(ctx context.Context, probe Probe, timeout time.Duration) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := probe(probeCtx)
	if ctx.Err() != nil {
		// Shutting down; a cancelled probe says nothing about the network.
		return
	}
	if err != nil {
		m.logger.WithError(err).Debug("probe failed")
	}
	m.Set(err == nil)
}
