package sync

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// RestoreResult summarizes a manual cloud restore.
type RestoreResult struct {
	// Tables maps each restored table to the number of records written.
	Tables map[string]int
	// Skipped counts remote documents without a usable key.
	Skipped int
	// Discarded counts queue entries dropped for the restored tables.
	Discarded int
}

// Total returns the number of records restored across all tables.
func (r RestoreResult) Total() int {
	total := 0
	for _, n := range r.Tables {
		total += n
	}
	return total
}

// ManualCloudRestore implements Syncer.ManualCloudRestore.
//
// Every table is pulled before any is replaced, so an unreachable mirror
// leaves the local store untouched.
func (e *Engine) ManualCloudRestore(ctx context.Context) (RestoreResult, error) {
	if e.mirror == nil {
		return RestoreResult{}, ErrNoMirror
	}
	if !e.monitor.Online() {
		return RestoreResult{}, ErrOffline
	}

	registry := e.store.Registry()
	tables := e.store.Tables()

	e.logger.WithField("tables", len(tables)).Info("starting cloud restore")

	pulled := make([][]schema.Record, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	for i, table := range tables {
		g.Go(func() error {
			records, err := e.mirror.List(gctx, table)
			if err != nil {
				return fmt.Errorf("failed to pull %s: %w", table, err)
			}
			pulled[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RestoreResult{}, err
	}

	// Hold remote writes back while the local tables are swapped, so nothing
	// queued mid-restore is discarded below.
	e.remoteMu.Lock()
	defer e.remoteMu.Unlock()

	res := RestoreResult{Tables: make(map[string]int, len(tables))}
	for i, table := range tables {
		tbl, _ := registry.Lookup(table)

		valid := make([]schema.Record, 0, len(pulled[i]))
		for _, rec := range pulled[i] {
			if _, err := tbl.KeyOf(rec); err != nil {
				e.logger.WithField("table", table).WithError(err).Warn("skipping remote document without key")
				res.Skipped++
				continue
			}
			valid = append(valid, rec)
		}

		n, err := e.store.ReplaceTable(ctx, table, valid)
		if err != nil {
			return res, fmt.Errorf("failed to restore %s: %w", table, err)
		}
		res.Tables[table] = n
	}

	discarded, err := e.store.DiscardEntries(ctx, tables...)
	if err != nil {
		return res, fmt.Errorf("failed to discard queued writes: %w", err)
	}
	res.Discarded = discarded

	e.logger.WithFields(logrus.Fields{
		"records":   res.Total(),
		"skipped":   res.Skipped,
		"discarded": res.Discarded,
	}).Info("cloud restore complete")
	e.notify(Event{Kind: EventRestored, Count: res.Total()})

	return res, nil
}
