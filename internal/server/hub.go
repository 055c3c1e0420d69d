package server

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/scrollward/scrollward/internal/intervention"
	"github.com/scrollward/scrollward/internal/logging"
)

// interventionMessage is the push payload delivered to connected page
// contexts when an intervention triggers.
type interventionMessage struct {
	Type      string   `json:"type"`
	Domain    string   `json:"domain"`
	Level     int      `json:"level"`
	LevelName string   `json:"level_name"`
	CalmSites []string `json:"calm_sites"`
}

// Hub fans intervention notifications out to every connected websocket. It
// implements session.Notifier.
type Hub struct {
	logger logging.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// NewHub returns an empty hub.
func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		logger: logger.With(logging.Field{Key: "component", Value: "hub"}),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

func (h *Hub) register(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = struct{}{}
}

func (h *Hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// ShowIntervention implements session.Notifier by broadcasting the
// intervention to every connected client. Writes happen under the hub lock;
// a failed write drops the connection.
func (h *Hub) ShowIntervention(domain string, level intervention.Level, calmSites []string) {
	msg := interventionMessage{
		Type:      "intervention",
		Domain:    domain,
		Level:     int(level),
		LevelName: level.String(),
		CalmSites: calmSites,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Debug("dropping websocket client", logging.Field{Key: "error", Value: err.Error()})
			conn.Close()
			delete(h.conns, conn)
		}
	}
}

// ClientCount reports the number of connected page contexts.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
