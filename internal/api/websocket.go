package api

import (
	"encoding/json"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sk-tech/sysmonitor/internal/logx"
)

// Hub fans out fleet ingest events to every connected dashboard client,
// following the teacher's DashboardClients map + broadcast-loop pattern in
// websocket.go, but push-driven off ingest instead of a polling ticker.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Broadcast writes message to every connected client, dropping (and
// closing) any connection whose write fails. Writes are synchronous, under
// the hub lock and with no deadline, so a slow reader delays the caller.
func (h *Hub) Broadcast(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

type hostEvent struct {
	Type      string `json:"type"`
	Hostname  string `json:"hostname"`
	Timestamp int64  `json:"timestamp"`
}

func hostEventJSON(hostname string, now int64) []byte {
	b, _ := json.Marshal(hostEvent{Type: "metrics", Hostname: hostname, Timestamp: now})
	return b
}

// ServeFleetWebsocket upgrades GET /ws/fleet to a push channel that emits
// one event per ingested batch; supplemental to spec.md's documented
// polling endpoints, grounded on the teacher's dashboard websocket.
func (s *State) ServeFleetWebsocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logx.Warn("websocket upgrade failed: %v", err)
		return
	}
	s.Hub.add(conn)
	defer func() {
		s.Hub.remove(conn)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
