package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dentdesk/dentdesk/internal/store"
)

// FlushResult summarizes a flush.
type FlushResult struct {
	// Pushed is the number of entries confirmed by the mirror and removed.
	Pushed int
	// Remaining is the queue length when the flush ended.
	Remaining int
	// Failed is the entry the flush stopped at, if any.
	Failed *store.QueueEntry
}

// Flush implements Syncer.Flush.
func (e *Engine) Flush(ctx context.Context) (FlushResult, error) {
	if e.mirror == nil {
		return FlushResult{}, ErrNoMirror
	}
	if !e.monitor.Online() {
		return FlushResult{}, ErrOffline
	}

	v, err, shared := e.flights.Do("flush", func() (any, error) {
		return e.flush(ctx)
	})
	if shared {
		e.logger.Debug("joined in-progress flush")
	}
	res, _ := v.(FlushResult)
	return res, err
}

func (e *Engine) flush(ctx context.Context) (res FlushResult, err error) {
	defer func() {
		if n, err := e.store.QueueLen(ctx); err == nil {
			res.Remaining = n
		}
	}()

	for {
		entries, err := e.store.PendingEntries(ctx, e.opts.BatchSize)
		if err != nil {
			return res, fmt.Errorf("failed to read sync queue: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		for i := range entries {
			if err := ctx.Err(); err != nil {
				return res, err
			}

			entry := entries[i]
			if err := e.deliver(ctx, entry); err != nil {
				res.Failed = &entry
				e.finishFlush(ctx, res.Pushed)
				return res, fmt.Errorf("flush stopped at %s %s/%s: %w", entry.Op, entry.Table, entry.Key, err)
			}
			res.Pushed++
		}
	}

	e.finishFlush(ctx, res.Pushed)
	return res, nil
}

func (e *Engine) finishFlush(ctx context.Context, pushed int) {
	if pushed == 0 {
		return
	}
	e.logger.WithField("count", pushed).Info("flushed sync queue")
	e.notify(Event{Kind: EventFlushed, Count: pushed})
}

// deliver replays one queue entry and removes it once the mirror confirms.
// Replays are idempotent: upserts merge and deletes of missing documents
// succeed.
func (e *Engine) deliver(ctx context.Context, entry store.QueueEntry) error {
	e.remoteMu.Lock()
	defer e.remoteMu.Unlock()

	fields := logrus.Fields{"queue_id": entry.ID, "table": entry.Table, "key": entry.Key, "op": entry.Op}

	if err := e.remoteWrite(ctx, entry.Table, entry.Key, entry.Op, entry.Payload); err != nil {
		if mErr := e.store.MarkAttempt(ctx, entry.ID, e.now(), err); mErr != nil && !errors.Is(mErr, store.ErrNotFound) {
			e.logger.WithFields(fields).WithError(mErr).Warn("failed to record attempt")
		}
		e.logger.WithFields(fields).WithError(err).Warn("queued write failed")
		return err
	}

	if err := e.store.RemoveEntry(ctx, entry.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		// Left in place; the next flush replays it harmlessly.
		return fmt.Errorf("failed to remove queue entry: %w", err)
	}

	e.logger.WithFields(fields).Debug("flushed entry")
	return nil
}
