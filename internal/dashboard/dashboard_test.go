package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/sirupsen/logrus"

	dsync "github.com/dentdesk/dentdesk/internal/sync"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startServer(t *testing.T, status StatusFunc) *Server {
	t.Helper()

	server := NewServer(&Config{
		Host:   "127.0.0.1",
		Port:   0, // Use random available port
		Status: status,
		Logger: quietLogger(),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

// dial connects a client and consumes the welcome status message.
func dial(t *testing.T, ctx context.Context, server *Server) (*websocket.Conn, StatusData) {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStatus {
		t.Fatalf("first message type = %s, want status", msg.Type)
	}
	var status StatusData
	if err := json.Unmarshal(msg.Data, &status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}

	waitForClients(t, server, 1)
	return conn, status
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Host: "127.0.0.1", Port: 0, Logger: quietLogger()})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Failed to stop server: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("second Stop() failed: %v", err)
	}
}

func TestWebSocket_WelcomeStatus(t *testing.T) {
	want := StatusData{Online: true, AutoSync: true, Queued: 3, Mirror: true}
	server := startServer(t, func(context.Context) StatusData { return want })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, got := dial(t, ctx, server)
	if got != want {
		t.Errorf("welcome status = %+v, want %+v", got, want)
	}
}

func TestHandler_BroadcastsEvents(t *testing.T) {
	server := startServer(t, func(context.Context) StatusData { return StatusData{Queued: 7} })
	handler := NewHandler(server, quietLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _ := dial(t, ctx, server)

	at := time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)
	handler.Notify(dsync.Event{Kind: dsync.EventQueued, Table: "bills", Key: "b1", Count: 7, At: at})

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeRecord || !msg.Timestamp.Equal(at) {
		t.Fatalf("message = %+v", msg)
	}
	var rec RecordData
	json.Unmarshal(msg.Data, &rec)
	if rec != (RecordData{Table: "bills", Key: "b1", Queued: 7}) {
		t.Errorf("record data = %+v", rec)
	}

	// Connectivity changes are followed by a status snapshot
	handler.Notify(dsync.Event{Kind: dsync.EventOffline})
	msg = readMessage(t, ctx, conn)
	if msg.Type != MessageTypeConnectivity {
		t.Fatalf("message type = %s, want connectivity", msg.Type)
	}
	var conn1 ConnectivityData
	json.Unmarshal(msg.Data, &conn1)
	if conn1.Online {
		t.Error("connectivity data should report offline")
	}
	if msg := readMessage(t, ctx, conn); msg.Type != MessageTypeStatus {
		t.Errorf("message type = %s, want status", msg.Type)
	}

	handler.Notify(dsync.Event{Kind: dsync.EventLocalError, Table: "patients", Err: errors.New("disk full")})
	msg = readMessage(t, ctx, conn)
	var errData ErrorData
	json.Unmarshal(msg.Data, &errData)
	if msg.Type != MessageTypeError || errData.Error != "disk full" {
		t.Errorf("error message = %+v / %+v", msg, errData)
	}
}

func TestHandler_Format(t *testing.T) {
	handler := NewHandler(NewServer(&Config{Logger: quietLogger()}), quietLogger())

	tests := []struct {
		kind dsync.EventKind
		want MessageType
		ok   bool
	}{
		{dsync.EventSynced, MessageTypeRecord, true},
		{dsync.EventQueued, MessageTypeRecord, true},
		{dsync.EventOnline, MessageTypeConnectivity, true},
		{dsync.EventOffline, MessageTypeConnectivity, true},
		{dsync.EventFlushed, MessageTypeFlush, true},
		{dsync.EventRestored, MessageTypeRestore, true},
		{dsync.EventLocalError, MessageTypeError, true},
		{dsync.EventKind("mystery"), "", false},
	}
	for _, tt := range tests {
		msg, ok := handler.format(dsync.Event{Kind: tt.kind, Count: 2})
		if ok != tt.ok || msg.Type != tt.want {
			t.Errorf("format(%s) = %s, %v, want %s, %v", tt.kind, msg.Type, ok, tt.want, tt.ok)
		}
	}
}

func TestClientDisconnect(t *testing.T) {
	server := startServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _ := dial(t, ctx, server)
	conn.Close(websocket.StatusNormalClosure, "bye")

	waitForClients(t, server, 0)
}

func TestHealthAndStatusEndpoints(t *testing.T) {
	server := startServer(t, func(context.Context) StatusData { return StatusData{Online: true, Queued: 2} })

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	var health map[string]any
	json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if health["status"] != "ok" {
		t.Errorf("health = %v", health)
	}

	resp, err = http.Get("http://" + server.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status failed: %v", err)
	}
	defer resp.Body.Close()
	var status StatusData
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode /status: %v", err)
	}
	if !status.Online || status.Queued != 2 {
		t.Errorf("status = %+v", status)
	}
}
