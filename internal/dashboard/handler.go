package dashboard

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	dsync "github.com/dentdesk/dentdesk/internal/sync"
)

// Handler turns sync engine events into dashboard messages. It implements
// sync.Notifier and never blocks the engine.
type Handler struct {
	server *Server
	logger logrus.FieldLogger
}

var _ dsync.Notifier = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger logrus.FieldLogger) *Handler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Handler{
		server: server,
		logger: logger.WithField("component", "dashboard"),
	}
}

// Notify implements sync.Notifier.
func (h *Handler) Notify(ev dsync.Event) {
	msg, ok := h.format(ev)
	if !ok {
		return
	}
	h.server.Broadcast(msg)

	// Queue length and connectivity changes affect the status line. The
	// snapshot reads the store, so it is taken off the engine's goroutine.
	switch ev.Kind {
	case dsync.EventOnline, dsync.EventOffline, dsync.EventFlushed, dsync.EventRestored:
		go h.BroadcastStatus()
	}
}

// BroadcastStatus sends a fresh status snapshot to every client.
func (h *Handler) BroadcastStatus() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	msg, err := newMessage(MessageTypeStatus, h.server.status(ctx))
	if err != nil {
		h.logger.WithError(err).Error("failed to format status")
		return
	}
	h.server.Broadcast(msg)
}

// format maps an event to its message. Unknown kinds are dropped.
func (h *Handler) format(ev dsync.Event) (Message, bool) {
	var (
		typ  MessageType
		data any
	)

	switch ev.Kind {
	case dsync.EventSynced:
		typ, data = MessageTypeRecord, RecordData{Table: ev.Table, Key: ev.Key, Synced: true}
	case dsync.EventQueued:
		typ, data = MessageTypeRecord, RecordData{Table: ev.Table, Key: ev.Key, Queued: ev.Count}
	case dsync.EventOnline:
		typ, data = MessageTypeConnectivity, ConnectivityData{Online: true}
	case dsync.EventOffline:
		typ, data = MessageTypeConnectivity, ConnectivityData{Online: false}
	case dsync.EventFlushed:
		typ, data = MessageTypeFlush, CountData{Count: ev.Count}
	case dsync.EventRestored:
		typ, data = MessageTypeRestore, CountData{Count: ev.Count}
	case dsync.EventLocalError:
		errText := ""
		if ev.Err != nil {
			errText = ev.Err.Error()
		}
		typ, data = MessageTypeError, ErrorData{Table: ev.Table, Key: ev.Key, Error: errText}
	default:
		h.logger.WithField("kind", string(ev.Kind)).Debug("ignoring event")
		return Message{}, false
	}

	msg, err := newMessage(typ, data)
	if err != nil {
		h.logger.WithError(err).Error("failed to format event")
		return Message{}, false
	}
	if !ev.At.IsZero() {
		msg.Timestamp = ev.At
	}
	return msg, true
}
