package web

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/Camifryou/whatsappcrm/internal/logger"
)

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	clients  map[*Client]bool
	queue    chan outbound
	mu       sync.RWMutex
	done     chan struct{}
	stopOnce sync.Once
	log      *logger.Logger
}

// NewHub creates a new hub. Broadcast blocks until Run is started.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Global()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		queue:   make(chan outbound, 256),
		done:    make(chan struct{}),
		log:     log.WithPrefix("hub"),
	}
}

// Run serves the hub until ctx is done or Stop is called
func (h *Hub) Run(ctx context.Context) {
	h.log.Info("WebSocket hub started")
	defer h.log.Info("WebSocket hub stopped")
	defer h.drain()
	defer h.Stop()

	for {
		select {
		case out := <-h.queue:
			switch {
			case out.join != nil:
				h.mu.Lock()
				h.clients[out.join] = true
				n := len(h.clients)
				h.mu.Unlock()
				h.log.Debug("Client registered: %s (total: %d)", out.join.ID, n)
				continue
			case out.leave != nil:
				h.mu.Lock()
				if _, ok := h.clients[out.leave]; ok {
					delete(h.clients, out.leave)
					out.leave.closeSend()
				}
				h.mu.Unlock()
				h.log.Debug("Client unregistered: %s", out.leave.ID)
				continue
			}
			h.mu.Lock()
			for client := range h.clients {
				if !client.enqueue(out.data) {
					// Slow observers are dropped rather than waited for
					h.log.Warn("Client %s too slow, disconnecting", client.ID)
					delete(h.clients, client)
					client.closeSend()
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			return

		case <-h.done:
			return
		}
	}
}

// Stop stops the hub and disconnects every client
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			delete(h.clients, client)
			client.closeSend()
		}
		h.mu.Unlock()
	})
}

// outbound is a queued broadcast, or a client joining or leaving
type outbound struct {
	data  []byte
	join  *Client
	leave *Client
}

// drain closes clients whose registration was still queued at shutdown
func (h *Hub) drain() {
	for {
		select {
		case out := <-h.queue:
			if out.join != nil {
				out.join.closeSend()
			}
		default:
			return
		}
	}
}

func (h *Hub) stopped() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Register registers a new client. Registration shares the broadcast
// queue: the client receives only broadcasts queued after it.
// After Stop the client is closed instead.
func (h *Hub) Register(client *Client) {
	if h.stopped() {
		client.closeSend()
		return
	}
	select {
	case h.queue <- outbound{join: client}:
	case <-h.done:
		client.closeSend()
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	if h.stopped() {
		return
	}
	select {
	case h.queue <- outbound{leave: client}:
	case <-h.done:
	}
}

// Broadcast sends an event to every client. The payload is encoded once.
func (h *Hub) Broadcast(event string, data any) {
	if h.stopped() {
		return
	}
	payload, err := json.Marshal(NewEvent(event, data))
	if err != nil {
		h.log.Error("Failed to marshal %s: %v", event, err)
		return
	}
	select {
	case h.queue <- outbound{data: payload}:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
