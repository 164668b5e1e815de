package websocket

import (
	"context"
	"log/slog"
	"sync"

	"gator-threads/internal/logging"
)

// Hub keeps track of the live websocket clients of every thread.
type Hub struct {
	// Registered clients. Maps thread ID to a set of active client connections.
	clients map[string]map[*Client]bool

	// Register requests from the handlers.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	log *slog.Logger

	// Mutex to protect concurrent access to the clients map.
	mu sync.RWMutex
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		clients:    make(map[string]map[*Client]bool),
		log:        logger,
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// remaining client.
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket hub started")
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.clients[client.ThreadID]; !ok {
				h.clients[client.ThreadID] = make(map[*Client]bool)
			}
			h.clients[client.ThreadID][client] = true
			h.log.Debug("WebSocket client registered", "thread", client.ThreadID, "viewer", client.ViewerID,
				"connections", len(h.clients[client.ThreadID]))
			h.mu.Unlock()

		case client := <-h.Unregister:
			h.remove(client)

		case <-ctx.Done():
			h.mu.Lock()
			for threadID, threadClients := range h.clients {
				for client := range threadClients {
					client.close()
				}
				delete(h.clients, threadID)
			}
			h.mu.Unlock()
			h.log.Info("WebSocket hub stopped")
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	threadClients, ok := h.clients[client.ThreadID]
	if !ok || !threadClients[client] {
		return
	}
	delete(threadClients, client)
	client.close()
	if len(threadClients) == 0 {
		delete(h.clients, client.ThreadID)
	}
	h.log.Debug("WebSocket client unregistered", "thread", client.ThreadID, "viewer", client.ViewerID,
		"remaining", len(threadClients))
}

// Connections returns how many clients are watching threadID.
func (h *Hub) Connections(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[threadID])
}
