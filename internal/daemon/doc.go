// Package daemon runs the background work of a long-lived dentdesk process.
//
// # Architecture
//
// The daemon consists of three loops sharing one lifetime:
//
//   - Probe loop: pings the remote mirror on an interval and writes the result
//     into the connectivity monitor, which in turn drives the sync engine's
//     reconnect flush
//   - Flush loop: retries the sync queue on an interval while online with
//     auto-sync enabled, covering entries that failed after a reconnect
//   - Inbox: watches a directory with fsnotify and imports backup files dropped
//     into it, named after their table (patients.json, bills.yaml)
//
// # Usage
//
//	config := daemon.DefaultConfig()
//	config.InboxDir = filepath.Join(dataDir, "inbox")
//
//	d, err := daemon.New(engine, monitor, mirror.Ping, appState, config)
//	if err != nil {
//	    return err
//	}
//	return d.Start(ctx) // blocks until ctx is cancelled
//
// Imported inbox files are moved to inbox/processed, rejected ones to
// inbox/failed.
package daemon
