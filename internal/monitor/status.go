package monitor

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/hfrick/nexus/internal/core"
)

// Status is one snapshot of a server's health, pushed to every websocket
// subscriber each time the server publishes.
type Status struct {
	Server    string    `json:"server"`
	Players   int       `json:"players"`
	Entities  int       `json:"entities"`
	Chunks    int       `json:"chunks"`
	Clients   int       `json:"clients"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans Status snapshots out to websocket subscribers. Publish never
// blocks the caller; a subscriber that cannot keep up misses snapshots.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Status]bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Status]bool)}
}

// Publish delivers a snapshot to all current subscribers. Safe to call from
// the server event loop.
func (h *Hub) Publish(s Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub <- s:
		default:
		}
	}
}

func (h *Hub) subscribe() chan Status {
	sub := make(chan Status, 8)
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

func (h *Hub) unsubscribe(sub chan Status) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Start serves the metrics and status endpoints until the process exits.
// Call it on its own goroutine.
func Start(cfg *core.Config, logger *logrus.Logger, hub *Hub) {
	if !cfg.Monitor.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warnf("monitor: websocket upgrade failed: %v", err)
			return
		}
		go streamStatus(conn, hub, logger)
	})

	addr := fmt.Sprintf(":%d", cfg.Monitor.Port)
	logger.Infof("monitor listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Errorf("monitor server exited: %v", err)
	}
}

func streamStatus(conn *websocket.Conn, hub *Hub, logger *logrus.Logger) {
	sub := hub.subscribe()
	defer func() {
		hub.unsubscribe(sub)
		_ = conn.Close()
	}()

	for status := range sub {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			logger.Debugf("monitor: dropping status subscriber: %v", err)
			return
		}
	}
}
