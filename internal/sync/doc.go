// Package sync provides the engine bridging the local store and the remote mirror.
//
// Overview
//
// Every mutation of the clinic state goes through the engine. The local store
// is written first and is the durability guarantee the front desk relies on;
// the remote mirror is a backstop that is written on a best-effort basis.
//
// Architecture
//
//	SmartSync / Delete
//	     │
//	     ├── Local Store (synchronous, fatal on failure)
//	     │
//	     ├── online  → pusher goroutine → Remote Mirror
//	     │                 └── failure → Sync Queue
//	     └── offline → Sync Queue
//
//	Sync Queue ── Flush (on reconnect, periodic, manual) ──→ Remote Mirror
//	Remote Mirror ── ManualCloudRestore (operator only) ──→ Local Store
//
// Usage
//
// Basic usage:
//
//	st, err := store.New(".dentdesk/dentdesk.db", schema.DefaultRegistry(), logger)
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
//
//	engine := sync.New(st, mirror, connectivity.New(true, logger), nil)
//	defer engine.Close()
//
//	key, err := engine.SmartSync(ctx, "expenses", schema.Record{"id": "e1", "amount": 500})
//	if err != nil {
//	    // Only local failures reach here
//	    return err
//	}
//
// Ordering
//
// Remote writes are performed one at a time by a single pusher goroutine, in
// call order. A write for a record that still has queue entries is queued
// behind them rather than pushed, so a record's writes reach the mirror in
// the order they were made. Writes to different records carry no ordering
// guarantee beyond that.
//
// Error Handling
//
//   - Local store errors are returned to the caller
//   - Remote errors are logged, queued and reported to the Notifier
//   - A remote call that times out flips the connectivity monitor offline
//
// Conflicts
//
// There is no conflict detection. Upserts merge field by field and the last
// write to reach the mirror wins.
package sync
