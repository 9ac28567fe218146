package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/0xmhha/pingpong-go/internal/constants"
	"github.com/0xmhha/pingpong-go/pkg/eventbus"
	"go.uber.org/zap"
)

// Hub tracks connected clients and fans outcomes out to them.
// It implements eventbus.Publisher so the processor can publish to it directly.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *eventbus.Outcome

	done     chan struct{}
	stopOnce sync.Once

	maxClients int
	logger     *zap.Logger
}

// NewHub creates a hub accepting at most maxClients connections
func NewHub(maxClients int, logger *zap.Logger) *Hub {
	if maxClients <= 0 {
		maxClients = constants.DefaultMaxWebSocketClients
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *eventbus.Outcome, 256),
		done:       make(chan struct{}),
		maxClients: maxClients,
		logger:     logger,
	}
}

// Run runs the hub event loop until Stop is called
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.maxClients {
				h.mu.Unlock()
				h.logger.Warn("max clients reached, rejecting connection",
					zap.Int("max_clients", h.maxClients))
				client.closeSend()
				continue
			}
			h.clients[client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.Int("total_clients", total))

		case client := <-h.unregister:
			h.remove(client)

		case outcome := <-h.broadcast:
			h.broadcastOutcome(outcome)
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
}

func (h *Hub) broadcastOutcome(outcome *eventbus.Outcome) {
	payload, err := outcome.Marshal()
	if err != nil {
		h.logger.Error("failed to marshal outcome", zap.Error(err))
		return
	}
	message, err := json.Marshal(Message{Type: MsgOutcome, Payload: payload})
	if err != nil {
		h.logger.Error("failed to marshal message", zap.Error(err))
		return
	}

	var slow []*Client
	sent := 0

	h.mu.RLock()
	for client := range h.clients {
		if !client.Wants(outcome) {
			continue
		}
		if client.deliver(message) {
			sent++
		} else {
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.logger.Warn("client buffer full, closing connection")
		h.remove(client)
	}

	h.logger.Debug("outcome broadcast",
		zap.String("type", string(outcome.Type)),
		zap.Int("recipients", sent))
}

// Publish queues the outcome for broadcast. It never blocks: when the
// broadcast buffer is full the outcome is dropped for websocket clients.
func (h *Hub) Publish(_ context.Context, outcome *eventbus.Outcome) error {
	select {
	case <-h.done:
		return eventbus.ErrClosed
	default:
	}

	select {
	case h.broadcast <- outcome:
	default:
		h.logger.Warn("broadcast channel full, dropping outcome",
			zap.String("type", string(outcome.Type)))
	}
	return nil
}

// Close stops the hub
func (h *Hub) Close() error {
	h.Stop()
	return nil
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stop ends Run and disconnects every client. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for client := range h.clients {
			client.closeSend()
			delete(h.clients, client)
		}
		h.mu.Unlock()

		h.logger.Info("hub stopped")
	})
}

var _ eventbus.Publisher = (*Hub)(nil)
