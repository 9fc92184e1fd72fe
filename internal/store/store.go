// Package store provides the on-device SQLite store backing the clinic front desk.
//
// This package implements the Local Store of the local-first architecture: every
// mutation lands here first, and the running application reads exclusively from
// it (through the in-memory state built on top).
//
// Architecture:
//   - Database file: <data_dir>/dentdesk.db
//   - WAL mode: concurrent readers during writes
//   - One SQL table per declared entity table (t_<name>), records stored as JSON
//   - _meta: schema version and declared table list
//   - _sync_queue: pending writes still owed to the remote mirror
//
// Schema versioning:
//  1. The registry passed to New carries a version and the full table list
//  2. Open compares it with the version recorded on disk
//  3. Missing tables are created; existing tables and rows are never altered
//  4. Opening with an older registry than the one on disk fails
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// Store is the local table store. The underlying connection is opened lazily
// and shared by every caller.
type Store struct {
	path     string
	registry schema.Registry
	logger   logrus.FieldLogger

	mu   sync.Mutex
	conn *sql.DB
}

// New creates a Store for the database file at path using the given registry.
// No I/O happens until Open (or the first operation) is called.
//
// If logger is nil, the logrus standard logger is used.
//
// Example:
//
//	st, err := store.New(".dentdesk/dentdesk.db", schema.DefaultRegistry(), nil)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func New(path string, registry schema.Registry, logger logrus.FieldLogger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Store{
		path:     path,
		registry: registry,
		logger:   logger.WithField("component", "store"),
	}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Registry returns the table registry the store was created with.
func (s *Store) Registry() schema.Registry {
	return s.registry
}

// Tables returns the declared table names in sorted order.
func (s *Store) Tables() []string {
	return s.registry.Names()
}

// Open opens the database, creating it and upgrading its schema as needed.
//
// Open is idempotent: the first successful call memoizes the connection and
// later calls return it. Callers that arrive while an open/upgrade is in
// flight wait for it and share its result. A failed open is not memoized, so
// a later call retries.
func (s *Store) Open(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := s.openConn(ctx)
	if err != nil {
		return nil, err
	}

	if err := s.upgrade(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.conn = conn
	return conn, nil
}

// openConn opens the SQLite file with WAL and a busy timeout.
func (s *Store) openConn(ctx context.Context) (*sql.DB, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas are applied per connection by the driver
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=synchronous(normal)", s.path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return conn, nil
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.WithError(err).Warn("failed to checkpoint WAL")
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// db returns the memoized connection, opening it on first use.
func (s *Store) db(ctx context.Context) (*sql.DB, error) {
	return s.Open(ctx)
}

// sqlTable returns the quoted SQL table name for an entity table.
func sqlTable(name string) string {
	return `"t_` + name + `"`
}

// isMissingTable reports whether err is SQLite's "no such table" error. Reads
// treat it as an empty table so callers stay resilient while an upgrade is
// still catching up.
func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// Put upserts rec into table and returns its key once the write is durable.
//
// Returns an *UnknownTableError if the table is not declared and a
// *MissingKeyError if rec lacks the table's key field.
func (s *Store) Put(ctx context.Context, table string, rec schema.Record) (string, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return "", &UnknownTableError{Table: table}
	}

	key, err := tbl.KeyOf(rec)
	if err != nil {
		return "", &MissingKeyError{Table: table, KeyField: tbl.Key(), Err: err}
	}

	data, err := rec.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s/%s: %w", table, key, err)
	}

	conn, err := s.db(ctx)
	if err != nil {
		return "", err
	}

	query := `
	INSERT INTO ` + sqlTable(table) + ` (key, data, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`
	if _, err := conn.ExecContext(ctx, query, key, string(data), time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return "", fmt.Errorf("failed to put %s/%s: %w", table, key, err)
	}

	return key, nil
}

// Get returns the record stored under key. A missing key, or an unknown
// table, yields (nil, false, nil).
func (s *Store) Get(ctx context.Context, table, key string) (schema.Record, bool, error) {
	if _, ok := s.registry.Lookup(table); !ok {
		return nil, false, nil
	}

	conn, err := s.db(ctx)
	if err != nil {
		return nil, false, err
	}

	var data string
	query := `SELECT data FROM ` + sqlTable(table) + ` WHERE key = ?`
	err = conn.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows || isMissingTable(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", table, key, err)
	}

	rec, err := schema.Unmarshal([]byte(data))
	if err != nil {
		return nil, false, fmt.Errorf("corrupt record %s/%s: %w", table, key, err)
	}
	return rec, true, nil
}

// List returns every record of table ordered by key. Unknown and empty tables
// yield an empty, non-nil slice.
func (s *Store) List(ctx context.Context, table string) ([]schema.Record, error) {
	records := []schema.Record{}
	if _, ok := s.registry.Lookup(table); !ok {
		return records, nil
	}

	conn, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryContext(ctx, `SELECT key, data FROM `+sqlTable(table)+` ORDER BY key ASC`)
	if isMissingTable(err) {
		return records, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			return nil, fmt.Errorf("failed to scan %s record: %w", table, err)
		}
		rec, err := schema.Unmarshal([]byte(data))
		if err != nil {
			s.logger.WithFields(logrus.Fields{"table": table, "key": key}).WithError(err).Warn("skipping corrupt record")
			continue
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return records, nil
}

// Delete removes the record stored under key.
// Returns nil if the record or the table doesn't exist (idempotent).
func (s *Store) Delete(ctx context.Context, table, key string) error {
	if _, ok := s.registry.Lookup(table); !ok {
		return nil
	}

	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `DELETE FROM `+sqlTable(table)+` WHERE key = ?`, key)
	if err != nil && !isMissingTable(err) {
		return fmt.Errorf("failed to delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Clear removes every record of table. Unknown tables are a no-op.
func (s *Store) Clear(ctx context.Context, table string) error {
	if _, ok := s.registry.Lookup(table); !ok {
		return nil
	}

	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	_, err = conn.ExecContext(ctx, `DELETE FROM `+sqlTable(table))
	if err != nil && !isMissingTable(err) {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// Count returns the number of records in table. Unknown tables, and any
// failure to count, yield 0 so diagnostic screens never break.
func (s *Store) Count(ctx context.Context, table string) int {
	if _, ok := s.registry.Lookup(table); !ok {
		return 0
	}

	conn, err := s.db(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("count: database unavailable")
		return 0
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+sqlTable(table)).Scan(&count); err != nil {
		if !isMissingTable(err) {
			s.logger.WithField("table", table).WithError(err).Warn("count failed")
		}
		return 0
	}
	return count
}

// ReplaceTable atomically replaces the contents of table with records.
//
// Either every record is written or the table is left as it was. Returns the
// number of records written.
func (s *Store) ReplaceTable(ctx context.Context, table string, records []schema.Record) (int, error) {
	tbl, ok := s.registry.Lookup(table)
	if !ok {
		return 0, &UnknownTableError{Table: table}
	}

	conn, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+sqlTable(table)); err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO `+sqlTable(table)+` (key, data, updated_at)
	VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		data = excluded.data,
		updated_at = excluded.updated_at
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range records {
		key, err := tbl.KeyOf(rec)
		if err != nil {
			return 0, &MissingKeyError{Table: table, KeyField: tbl.Key(), Err: err}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal %s/%s: %w", table, key, err)
		}
		if _, err := stmt.ExecContext(ctx, key, string(data), now); err != nil {
			return 0, fmt.Errorf("failed to write %s/%s: %w", table, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return len(records), nil
}
