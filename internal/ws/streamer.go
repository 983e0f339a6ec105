// Package ws streams run logs over WebSocket for dashboards that prefer a
// bidirectional socket to SSE. Each client subscribes to a single run.
package ws

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/aegisgate/backend/internal/events"
)

// RunLogStreamer manages WebSocket connections for live run-log updates.
type RunLogStreamer struct {
	clients    map[*websocket.Conn]string
	broadcast  chan *events.Event
	register   chan registration
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

type registration struct {
	conn  *websocket.Conn
	runID string
}

// NewRunLogStreamer creates a streamer hub. Run must be started before
// handling connections.
func NewRunLogStreamer() *RunLogStreamer {
	return &RunLogStreamer{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan *events.Event, 256),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log.New(log.Writer(), "[WS] ", log.LstdFlags),
	}
}

// Run starts the hub loop.
func (s *RunLogStreamer) Run() {
	for {
		select {
		case reg := <-s.register:
			s.mu.Lock()
			s.clients[reg.conn] = reg.runID
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client connected run=%s (total: %d)", reg.runID, total)

		case conn := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[conn]; ok {
				delete(s.clients, conn)
				conn.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Printf("client disconnected (total: %d)", total)

		case event := <-s.broadcast:
			s.mu.Lock()
			for conn, runID := range s.clients {
				if runID != event.RunID {
					continue
				}
				if err := conn.WriteJSON(event); err != nil {
					s.logger.Printf("write error: %v", err)
					conn.Close()
					delete(s.clients, conn)
				}
			}
			s.mu.Unlock()
		}
	}
}

// ConsumeBus forwards bus events with a run ID into the hub until the
// channel closes.
func (s *RunLogStreamer) ConsumeBus(ch chan *events.Event) {
	for e := range ch {
		if e.RunID == "" {
			continue
		}
		select {
		case s.broadcast <- e:
		default:
		}
	}
}

// HandleRunLogs upgrades the connection and subscribes it to runID.
func (s *RunLogStreamer) HandleRunLogs(w http.ResponseWriter, r *http.Request, runID string) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("upgrade error: %v", err)
		return
	}

	s.register <- registration{conn: conn, runID: runID}

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// Statistics reports hub counters for the debug surface.
func (s *RunLogStreamer) Statistics() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]interface{}{
		"connected_clients": len(s.clients),
		"broadcast_queue":   len(s.broadcast),
	}
}
