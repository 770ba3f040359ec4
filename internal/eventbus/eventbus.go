// Package eventbus pushes live sync-status events to connected UI clients
// over WebSocket: a buffered broadcast channel drained by one goroutine,
// a per-connection write mutex serializing data writes against the
// keepalive pump, and failed clients pruned from the registry.
package eventbus

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait            = 10 * time.Second
	pongWait             = 60 * time.Second
	maxMessageSize       = 4096
	broadcastChannelSize = 256
)

// EventKind classifies an Event so clients can route without parsing Data.
type EventKind string

const (
	EventStateChanged    EventKind = "state_changed"
	EventTransferUpdate  EventKind = "transfer_update"
	EventSafetyRefusal   EventKind = "safety_refusal"
	EventCycleCompleted  EventKind = "cycle_completed"
	EventFullScanProgress EventKind = "full_scan_progress"
)

// Event is one message broadcast to every connected client.
type Event struct {
	Kind EventKind   `json:"kind"`
	Data interface{} `json:"data,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(_ *http.Request) bool { return true },
	EnableCompression: true,
}

// Bus fans one stream of Events out to every connected WebSocket client.
// Safe for concurrent use: Publish may be called from the orchestrator's
// cycle goroutine while client goroutines register/unregister concurrently.
type Bus struct {
	logger *slog.Logger

	clientsMu sync.RWMutex
	clients   map[*websocket.Conn]*sync.Mutex

	broadcast chan Event

	lastMu sync.Mutex
	last   *Event // most recent event, replayed to new clients (sendInitialState-equivalent)

	done chan struct{}
	wg   sync.WaitGroup
}

// New builds a Bus and starts its broadcast loop.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:    logger,
		clients:   make(map[*websocket.Conn]*sync.Mutex),
		broadcast: make(chan Event, broadcastChannelSize),
		done:      make(chan struct{}),
	}
	b.wg.Add(1)
	go b.loop()
	return b
}

// Close stops the broadcast loop and closes every connected client.
func (b *Bus) Close() {
	close(b.done)
	b.wg.Wait()

	b.clientsMu.Lock()
	for conn := range b.clients {
		_ = conn.Close()
	}
	b.clients = make(map[*websocket.Conn]*sync.Mutex)
	b.clientsMu.Unlock()
}

func (b *Bus) loop() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case ev := <-b.broadcast:
			b.sendToAll(ev)
		}
	}
}

// Publish queues ev for every connected client. Non-blocking: if the
// broadcast channel is full (slow or stalled clients), the event is
// dropped rather than blocking the orchestrator's cycle.
func (b *Bus) Publish(ev Event) {
	b.lastMu.Lock()
	cp := ev
	b.last = &cp
	b.lastMu.Unlock()

	select {
	case b.broadcast <- ev:
	default:
		b.logger.Warn("eventbus: broadcast channel full, dropping event", "kind", ev.Kind)
	}
}

func (b *Bus) sendToAll(ev Event) {
	b.clientsMu.RLock()
	snapshot := make(map[*websocket.Conn]*sync.Mutex, len(b.clients))
	for conn, mu := range b.clients {
		snapshot[conn] = mu
	}
	b.clientsMu.RUnlock()

	var failed []*websocket.Conn
	for conn, mu := range snapshot {
		mu.Lock()
		err1 := conn.SetWriteDeadline(time.Now().Add(writeWait))
		var err2 error
		if err1 == nil {
			err2 = conn.WriteJSON(ev)
		}
		mu.Unlock()
		if err1 != nil || err2 != nil {
			failed = append(failed, conn)
		}
	}

	if len(failed) > 0 {
		b.clientsMu.Lock()
		for _, conn := range failed {
			delete(b.clients, conn)
			_ = conn.Close()
		}
		b.clientsMu.Unlock()
	}
}

// ServeHTTP upgrades the request to a WebSocket connection and registers it
// to receive future broadcasts, sending the most recent event immediately
// (if any) so a newly connected client has a baseline.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Error("eventbus: upgrade failed", "err", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	writeMu := &sync.Mutex{}

	b.lastMu.Lock()
	last := b.last
	b.lastMu.Unlock()
	if last != nil {
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteJSON(*last)
		writeMu.Unlock()
	}

	b.clientsMu.Lock()
	b.clients[conn] = writeMu
	b.clientsMu.Unlock()

	b.logger.Info("eventbus: client connected", "addr", conn.RemoteAddr())

	go b.readPump(conn)
}

// readPump drains (and discards) incoming frames purely to detect
// disconnects and service pong keepalives; clients never send commands
// over this channel.
func (b *Bus) readPump(conn *websocket.Conn) {
	defer func() {
		b.clientsMu.Lock()
		delete(b.clients, conn)
		b.clientsMu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
