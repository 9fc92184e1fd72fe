package sync

import (
	"context"
	"time"

	"github.com/dentdesk/dentdesk/internal/schema"
	"github.com/dentdesk/dentdesk/internal/store"
)

// Syncer is the only bridge between the local store and the remote mirror.
//
// Every mutation lands in the local store first. The remote leg is advisory:
// its failures are logged and queued, never returned to the caller.
type Syncer interface {
	// SmartSync writes rec to the local store and mirrors it remotely when
	// possible.
	//
	// The local write completes before SmartSync returns; its failure is the
	// only error SmartSync reports. When online, the remote upsert happens in
	// the background. When offline, or when the remote upsert fails, a queue
	// entry is appended instead, behind any earlier write still held by the
	// background pusher.
	//
	// With auto-sync disabled, only the local write happens.
	//
	// Example:
	//   key, err := syncer.SmartSync(ctx, "expenses", schema.Record{"id": "e1", "amount": 500})
	SmartSync(ctx context.Context, table string, rec schema.Record) (string, error)

	// Delete removes a record locally and mirrors the deletion like SmartSync.
	// Deleting a missing record is not an error.
	Delete(ctx context.Context, table, key string) error

	// Flush drains the sync queue in insertion order.
	//
	// Each entry is removed only after the mirror confirms it. The flush
	// stops at the first failing entry, which keeps its position and records
	// the attempt. Concurrent calls share one flush.
	//
	// Returns ErrNoMirror or ErrOffline when there is nothing to flush to.
	Flush(ctx context.Context) (FlushResult, error)

	// ManualCloudRestore replaces every local table with the mirror's copy.
	//
	// This is destructive: local edits that never reached the mirror are
	// lost, and queue entries of the restored tables are discarded. It must
	// only run on explicit operator request.
	//
	// Returns ErrNoMirror or ErrOffline when the mirror can't be reached.
	ManualCloudRestore(ctx context.Context) (RestoreResult, error)

	// SetAutoSync enables or disables the remote leg of SmartSync and Delete.
	SetAutoSync(enabled bool)

	// AutoSync reports whether auto-sync is enabled.
	AutoSync() bool

	// Online reports the current connectivity state.
	Online() bool

	// QueueLen returns the number of pending queue entries.
	QueueLen(ctx context.Context) (int, error)

	// Wait blocks until every remote leg already handed to the background
	// pusher, and every background flush, has settled.
	Wait()
}

// LocalStore is the subset of the local store the engine drives.
type LocalStore interface {
	Registry() schema.Registry
	Tables() []string

	Put(ctx context.Context, table string, rec schema.Record) (string, error)
	Delete(ctx context.Context, table, key string) error
	ReplaceTable(ctx context.Context, table string, records []schema.Record) (int, error)

	Enqueue(ctx context.Context, table, key string, op store.Op, payload schema.Record) (store.QueueEntry, error)
	PendingEntries(ctx context.Context, limit int) ([]store.QueueEntry, error)
	RemoveEntry(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string, at time.Time, cause error) error
	QueueLen(ctx context.Context) (int, error)
	HasPending(ctx context.Context, table, key string) (bool, error)
	DiscardEntries(ctx context.Context, tables ...string) (int, error)
}

var _ LocalStore = (*store.Store)(nil)
