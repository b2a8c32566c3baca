package flingserver

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DebugServer broadcasts Scheduler.DebugEvent frame-state transitions
// to connected WebSocket clients behind the `--debug-ws` introspection
// endpoint. It upgrades and fans out over plain JSON rather than a
// bespoke binary stream, since this is an operator-facing inspector,
// not a client video stream.
type DebugServer struct {
	log zerolog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewDebugServer constructs a DebugServer; call Handler to obtain the
// http.Handler and Observe to feed it Scheduler events.
func NewDebugServer(log zerolog.Logger) *DebugServer {
	return &DebugServer{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler upgrades inbound requests to WebSocket connections and
// registers them to receive subsequent Observe broadcasts.
func (d *DebugServer) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Warn().Err(err).Msg("flingserver: debug-ws upgrade failed")
		return
	}

	d.mu.Lock()
	d.clients[conn] = struct{}{}
	d.mu.Unlock()

	go d.drainUntilClosed(conn)
}

// drainUntilClosed discards inbound traffic (this endpoint is
// broadcast-only) and unregisters conn once the client disconnects.
func (d *DebugServer) drainUntilClosed(conn *websocket.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.clients, conn)
		d.mu.Unlock()
		conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Observe is a Scheduler.SetObserver callback: it marshals ev as JSON
// and fans it out to every connected client, dropping any connection
// that can't keep up.
func (d *DebugServer) Observe(ev DebugEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for conn := range d.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			delete(d.clients, conn)
			conn.Close()
		}
	}
}
