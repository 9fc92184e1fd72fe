package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dentdesk/dentdesk/internal/schema"
)

// Op is the kind of remote write a queue entry stands for.
type Op string

const (
	OpPut    Op = "put"
	OpDelete Op = "delete"
)

// QueueEntry is a remote write still owed to the mirror.
type QueueEntry struct {
	Seq         int64
	ID          string
	Table       string
	Key         string
	Op          Op
	Payload     schema.Record // nil for deletes
	CreatedAt   time.Time
	AttemptedAt *time.Time
	Attempts    int
	LastError   string
}

const queueSchema = `
CREATE TABLE IF NOT EXISTS _sync_queue (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	table_name TEXT NOT NULL,
	record_key TEXT NOT NULL,
	op TEXT NOT NULL CHECK(op IN ('put', 'delete')),
	payload TEXT,
	created_at TEXT NOT NULL,
	attempted_at TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_record ON _sync_queue(table_name, record_key);
`

// Enqueue appends an entry to the sync queue and returns it with its id and
// sequence number filled in. Entries are never merged or reordered.
func (s *Store) Enqueue(ctx context.Context, table, key string, op Op, payload schema.Record) (QueueEntry, error) {
	if op != OpPut && op != OpDelete {
		return QueueEntry{}, fmt.Errorf("invalid queue op %q", op)
	}

	var payloadText sql.NullString
	if op == OpPut {
		data, err := payload.Marshal()
		if err != nil {
			return QueueEntry{}, fmt.Errorf("failed to marshal queue payload: %w", err)
		}
		payloadText = sql.NullString{String: string(data), Valid: true}
	}

	conn, err := s.db(ctx)
	if err != nil {
		return QueueEntry{}, err
	}

	entry := QueueEntry{
		ID:        uuid.NewString(),
		Table:     table,
		Key:       key,
		Op:        op,
		CreatedAt: time.Now().UTC(),
	}
	if op == OpPut {
		entry.Payload = payload.Clone()
	}

	res, err := conn.ExecContext(ctx, `
	INSERT INTO _sync_queue (id, table_name, record_key, op, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, table, key, string(op), payloadText, entry.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return QueueEntry{}, fmt.Errorf("failed to enqueue %s %s/%s: %w", op, table, key, err)
	}

	entry.Seq, err = res.LastInsertId()
	if err != nil {
		return QueueEntry{}, fmt.Errorf("failed to read queue sequence: %w", err)
	}

	return entry, nil
}

// PendingEntries returns up to limit queue entries in insertion order.
// A limit <= 0 returns every entry.
func (s *Store) PendingEntries(ctx context.Context, limit int) ([]QueueEntry, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	query := `
	SELECT seq, id, table_name, record_key, op, payload, created_at, attempted_at, attempts, last_error
	FROM _sync_queue
	ORDER BY seq ASC
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync queue: %w", err)
	}
	defer rows.Close()

	entries := []QueueEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync queue: %w", err)
	}

	return entries, nil
}

func scanEntry(rows *sql.Rows) (QueueEntry, error) {
	var (
		entry       QueueEntry
		op          string
		payload     sql.NullString
		createdAt   string
		attemptedAt sql.NullString
	)
	if err := rows.Scan(&entry.Seq, &entry.ID, &entry.Table, &entry.Key, &op, &payload,
		&createdAt, &attemptedAt, &entry.Attempts, &entry.LastError); err != nil {
		return QueueEntry{}, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	entry.Op = Op(op)
	if payload.Valid {
		rec, err := schema.Unmarshal([]byte(payload.String))
		if err != nil {
			return QueueEntry{}, fmt.Errorf("corrupt payload in queue entry %s: %w", entry.ID, err)
		}
		entry.Payload = rec
	}

	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		entry.CreatedAt = t
	}
	if attemptedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, attemptedAt.String); err == nil {
			entry.AttemptedAt = &t
		}
	}

	return entry, nil
}

// RemoveEntry deletes a queue entry after its remote write was confirmed.
// Returns ErrNotFound if the entry is already gone.
func (s *Store) RemoveEntry(ctx context.Context, id string) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	res, err := conn.ExecContext(ctx, `DELETE FROM _sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue entry %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// MarkAttempt records a failed delivery attempt on a queue entry. The entry
// keeps its position in the queue.
func (s *Store) MarkAttempt(ctx context.Context, id string, at time.Time, cause error) error {
	conn, err := s.db(ctx)
	if err != nil {
		return err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	res, err := conn.ExecContext(ctx, `
	UPDATE _sync_queue
	SET attempts = attempts + 1, attempted_at = ?, last_error = ?
	WHERE id = ?
	`, at.UTC().Format(time.RFC3339Nano), msg, id)
	if err != nil {
		return fmt.Errorf("failed to mark attempt on %s: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("queue entry %s: %w", id, ErrNotFound)
	}
	return nil
}

// QueueLen returns the number of pending queue entries.
func (s *Store) QueueLen(ctx context.Context) (int, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_queue`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count sync queue: %w", err)
	}
	return count, nil
}

// HasPending reports whether any queue entry targets the given record.
func (s *Store) HasPending(ctx context.Context, table, key string) (bool, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return false, err
	}

	var exists int
	err = conn.QueryRowContext(ctx, `
	SELECT EXISTS(SELECT 1 FROM _sync_queue WHERE table_name = ? AND record_key = ?)
	`, table, key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pending entries: %w", err)
	}
	return exists == 1, nil
}

// DiscardEntries removes every queue entry for the given tables, or the whole
// queue when no table is named. Returns the number of entries removed.
func (s *Store) DiscardEntries(ctx context.Context, tables ...string) (int, error) {
	conn, err := s.db(ctx)
	if err != nil {
		return 0, err
	}

	query := `DELETE FROM _sync_queue`
	args := make([]any, 0, len(tables))
	if len(tables) > 0 {
		placeholders := make([]string, len(tables))
		for i, t := range tables {
			placeholders[i] = "?"
			args = append(args, t)
		}
		query += ` WHERE table_name IN (` + strings.Join(placeholders, ",") + `)`
	}

	res, err := conn.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to discard queue entries: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return int(n), nil
}
