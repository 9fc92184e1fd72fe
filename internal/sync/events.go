package sync

import "time"

// EventKind names a sync status change surfaced to the operator.
type EventKind string

const (
	EventQueued     EventKind = "queued"      // a write is waiting in the sync queue
	EventSynced     EventKind = "synced"      // a write reached the mirror directly
	EventOnline     EventKind = "online"      // connectivity regained
	EventOffline    EventKind = "offline"     // connectivity lost
	EventFlushed    EventKind = "flushed"     // queued writes reached the mirror
	EventRestored   EventKind = "restored"    // local tables replaced from the mirror
	EventLocalError EventKind = "local_error" // a local write failed
)

// Event is a sync status notification.
type Event struct {
	Kind  EventKind
	Table string
	Key   string
	// Count is the queue length for queued events and the number of records
	// or entries handled for flushed and restored events.
	Count int
	Err   error
	At    time.Time
}

// Notifier receives sync events. Notify is called from engine goroutines and
// must not block.
type Notifier interface {
	Notify(Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Fanout returns a Notifier delivering every event to each of ns in order.
// Nil notifiers are skipped.
func Fanout(ns ...Notifier) Notifier {
	return NotifierFunc(func(ev Event) {
		for _, n := range ns {
			if n != nil {
				n.Notify(ev)
			}
		}
	})
}
