package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

const (
	metaVersionKey = "schema_version"
	metaTablesKey  = "tables"
)

// upgrade brings the database schema up to the registry version.
//
// Every declared table is ensured with CREATE TABLE IF NOT EXISTS inside one
// transaction, so a crash mid-upgrade leaves the previous schema intact and a
// re-open finishes the job. Tables already on disk, including ones no longer
// declared, are never dropped or altered.
func (s *Store) upgrade(ctx context.Context, conn *sql.DB) error {
	if _, err := conn.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS _meta (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create meta table: %w", err)
	}

	current, err := readVersion(ctx, conn)
	if err != nil {
		return err
	}

	target := s.registry.Version
	if current > target {
		return fmt.Errorf("%w: database is at version %d, registry is at version %d", ErrVersionDowngrade, current, target)
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upgrade transaction: %w", err)
	}
	defer tx.Rollback()

	for _, tbl := range s.registry.Tables {
		ddl := `
		CREATE TABLE IF NOT EXISTS ` + sqlTable(tbl.Name) + ` (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to create table %s: %w", tbl.Name, err)
		}
	}

	if _, err := tx.ExecContext(ctx, queueSchema); err != nil {
		return fmt.Errorf("failed to create sync queue: %w", err)
	}

	tablesJSON, err := json.Marshal(s.registry.Names())
	if err != nil {
		return fmt.Errorf("failed to marshal table list: %w", err)
	}

	upsertMeta := `
	INSERT INTO _meta (name, value) VALUES (?, ?)
	ON CONFLICT(name) DO UPDATE SET value = excluded.value
	`
	if _, err := tx.ExecContext(ctx, upsertMeta, metaVersionKey, strconv.Itoa(target)); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	if _, err := tx.ExecContext(ctx, upsertMeta, metaTablesKey, string(tablesJSON)); err != nil {
		return fmt.Errorf("failed to record table list: %w", err)
	}

	// PRAGMA doesn't take bound parameters; target is an int.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", target)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upgrade: %w", err)
	}

	if current < target {
		s.logger.WithFields(logrus.Fields{
			"from":   current,
			"to":     target,
			"tables": len(s.registry.Tables),
		}).Info("schema upgraded")
	}

	return nil
}

// readVersion returns the schema version recorded in _meta, or 0 for a fresh
// database.
func readVersion(ctx context.Context, conn *sql.DB) (int, error) {
	var value string
	err := conn.QueryRowContext(ctx, `SELECT value FROM _meta WHERE name = ?`, metaVersionKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}

	version, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid schema version %q: %w", value, err)
	}
	return version, nil
}

// Version returns the schema version recorded on disk.
func (s *Store) Version(ctx context.Context) (int, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return 0, err
	}
	return readVersion(ctx, conn)
}

// TableExists reports whether the SQL table backing an entity table exists on
// disk, whether or not the registry still declares it.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return false, err
	}

	var count int
	query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
	if err := conn.QueryRowContext(ctx, query, "t_"+table).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to query sqlite_master: %w", err)
	}
	return count == 1, nil
}
