// Package state keeps the in-memory view of every table that the front desk
// reads from, and serializes every mutation through the sync engine.
package state

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dentdesk/dentdesk/internal/backup"
	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/store"
	dsync "github.com/dentdesk/dentdesk/internal/sync"
)

// Store is the subset of the local store the state reads and wipes directly.
type Store interface {
	List(ctx context.Context, table string) ([]schema.Record, error)
	Clear(ctx context.Context, table string) error
	DiscardEntries(ctx context.Context, tables ...string) (int, error)
}

// Options configures a State.
type Options struct {
	Logger logrus.FieldLogger
	// Clock returns the current time (default: time.Now)
	Clock func() time.Time
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Imported int
	Skipped  int
	Errors   []string
}

// State is the application state façade.
type State struct {
	store    Store
	engine   dsync.Syncer
	registry schema.Registry
	logger   logrus.FieldLogger
	now      func() time.Time

	// writeMu keeps the cache in the same order as the local store.
	writeMu sync.Mutex

	mu    sync.RWMutex
	cache map[string]map[string]schema.Record
}

// New creates a State. Call Load before serving reads.
func New(st Store, engine dsync.Syncer, registry schema.Registry, opts Options) *State {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &State{
		store:    st,
		engine:   engine,
		registry: registry,
		logger:   opts.Logger.WithField("component", "state"),
		now:      opts.Clock,
		cache:    make(map[string]map[string]schema.Record),
	}
}

// Load reads every table from the local store into memory, replacing the
// current cache.
func (s *State) Load(ctx context.Context) error {
	cache := make(map[string]map[string]schema.Record, len(s.registry.Tables))

	for _, tbl := range s.registry.Tables {
		records, err := s.store.List(ctx, tbl.Name)
		if err != nil {
			return fmt.Errorf("failed to load %s: %w", tbl.Name, err)
		}

		rows := make(map[string]schema.Record, len(records))
		for _, rec := range records {
			key, err := tbl.KeyOf(rec)
			if err != nil {
				s.logger.WithField("table", tbl.Name).WithError(err).Warn("skipping record without key")
				continue
			}
			rows[key] = rec
		}
		cache[tbl.Name] = rows
	}

	s.mu.Lock()
	s.cache = cache
	s.mu.Unlock()

	return nil
}

// Items returns copies of every cached record of table, ordered by key.
// Unknown tables yield an empty slice.
func (s *State) Items(table string) []schema.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := s.cache[table]
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]schema.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, rows[k].Clone())
	}
	return out
}

// Item returns a copy of the cached record stored under key.
func (s *State) Item(table, key string) (schema.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.cache[table][key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// Count returns the number of cached records of table.
func (s *State) Count(table string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache[table])
}

func (s *State) apply(table, key string, rec schema.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, ok := s.cache[table]
	if !ok {
		rows = make(map[string]schema.Record)
		s.cache[table] = rows
	}
	rows[key] = rec
}

func (s *State) remove(table, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache[table], key)
}

// AddItem creates a record. Tables keyed by id get a generated id when rec
// has none. createdAt (if absent) and updatedAt are stamped.
//
// The cache changes only after the local write succeeds; on failure it is
// left untouched and the error returned. Returns the stored record.
func (s *State) AddItem(ctx context.Context, table string, rec schema.Record) (schema.Record, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return nil, &store.UnknownTableError{Table: table}
	}

	now := s.now()
	rec = rec.Clone()
	if rec == nil {
		rec = schema.Record{}
	}
	if _, err := tbl.KeyOf(rec); err != nil && tbl.GeneratesIDs() {
		rec[tbl.Key()] = schema.NewID(tbl.IDPrefix, now)
	}
	rec.Touch(now)

	return s.write(ctx, tbl, rec)
}

// UpdateLocal replaces an existing or new record, which must carry its key.
// updatedAt is stamped; createdAt is carried over from the cached record when
// rec omits it.
func (s *State) UpdateLocal(ctx context.Context, table string, rec schema.Record) (schema.Record, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return nil, &store.UnknownTableError{Table: table}
	}

	rec = rec.Clone()
	key, err := tbl.KeyOf(rec)
	if err != nil {
		return nil, &store.MissingKeyError{Table: table, KeyField: tbl.Key(), Err: err}
	}

	if _, ok := rec[schema.FieldCreatedAt]; !ok {
		if prev, found := s.Item(table, key); found {
			if created, ok := prev[schema.FieldCreatedAt]; ok {
				rec[schema.FieldCreatedAt] = created
			}
		}
	}
	rec.Touch(s.now())

	return s.write(ctx, tbl, rec)
}

// write persists rec through the engine and then caches it.
func (s *State) write(ctx context.Context, tbl schema.Table, rec schema.Record) (schema.Record, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	key, err := s.engine.SmartSync(ctx, tbl.Name, rec)
	if err != nil {
		return nil, err
	}

	// Cache what a reload from the store would yield.
	stored := rec.Clone()
	s.apply(tbl.Name, key, stored)
	return stored.Clone(), nil
}

// DeleteLocal removes a record locally; its remote deletion is best-effort.
func (s *State) DeleteLocal(ctx context.Context, table, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.engine.Delete(ctx, table, key); err != nil {
		return err
	}
	s.remove(table, key)
	return nil
}

// Reset wipes every local table and the sync queue, and disables auto-sync so
// the wipe isn't undone by the next sync. The remote mirror is not touched.
func (s *State) Reset(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.engine.SetAutoSync(false)
	// A remote leg still in flight could fail and queue pre-wipe data.
	s.engine.Wait()

	for _, name := range s.registry.Names() {
		if err := s.store.Clear(ctx, name); err != nil {
			return fmt.Errorf("failed to clear %s: %w", name, err)
		}
	}
	if _, err := s.store.DiscardEntries(ctx); err != nil {
		return fmt.Errorf("failed to clear sync queue: %w", err)
	}

	s.mu.Lock()
	s.cache = make(map[string]map[string]schema.Record)
	s.mu.Unlock()

	s.logger.Warn("local data reset, auto-sync disabled")
	return nil
}

// Restore replaces local data with the mirror's copy and reloads the cache.
func (s *State) Restore(ctx context.Context) (dsync.RestoreResult, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.engine.Wait()
	res, err := s.engine.ManualCloudRestore(ctx)
	if err != nil {
		return res, err
	}
	if err := s.Load(ctx); err != nil {
		return res, fmt.Errorf("restore succeeded but reload failed: %w", err)
	}
	return res, nil
}

// Export writes the cached records of table to a backup file.
func (s *State) Export(table, path string) (int, error) {
	if _, ok := s.registry.Lookup(table); !ok {
		return 0, &store.UnknownTableError{Table: table}
	}

	records := s.Items(table)
	if err := backup.WriteFile(path, records); err != nil {
		return 0, fmt.Errorf("failed to export %s: %w", table, err)
	}

	s.logger.WithFields(logrus.Fields{"table": table, "count": len(records), "path": path}).Info("exported")
	return len(records), nil
}

// ExportAll writes one backup file per table into dir and returns the paths
// written.
func (s *State) ExportAll(dir string, format backup.Format) ([]string, error) {
	var paths []string
	for _, name := range s.registry.Names() {
		path := filepath.Join(dir, backup.FileName(name, format))
		if _, err := s.Export(name, path); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// Import upserts every record of a backup file into table through the sync
// engine. Records are stored as they appear in the file. Records without a
// usable key are skipped and reported; no network access is needed.
func (s *State) Import(ctx context.Context, table, path string) (*ImportResult, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return nil, &store.UnknownTableError{Table: table}
	}

	records, err := backup.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup: %w", err)
	}

	result := &ImportResult{}
	for i, rec := range records {
		if _, err := tbl.KeyOf(rec); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("record %d: %v", i, err))
			continue
		}

		if _, err := s.write(ctx, tbl, rec); err != nil {
			// A local failure affects every following record too.
			return result, fmt.Errorf("import stopped at record %d: %w", i, err)
		}
		result.Imported++
	}

	s.logger.WithFields(logrus.Fields{
		"table":    table,
		"imported": result.Imported,
		"skipped":  result.Skipped,
	}).Info("imported")

	return result, nil
}
