package hub

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"turnos/internal/metrics"
)

// Client is one push connection. BusinessID is fixed at connect time by
// authentication; Active toggles with subscribe/unsubscribe messages.
type Client struct {
	ID         string
	Send       chan []byte
	BusinessID string
	Active     bool
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action string `json:"action"`
}

func New(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	metrics.RealtimeClients.Inc()
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	metrics.RealtimeClients.Dec()
}

func (h *Hub) SetActive(client *Client, active bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Active = active
}

// Broadcast queues payload for every active client of businessID and returns
// how many received it. Full send buffers drop the message.
func (h *Hub) Broadcast(businessID string, payload []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, client := range h.clients {
		if !client.Active || client.BusinessID != businessID {
			continue
		}
		select {
		case client.Send <- payload:
			delivered++
		default:
			h.logger.Warn("drop message for slow client", zap.String("client_id", client.ID), zap.String("business_id", businessID))
		}
	}
	return delivered
}

// Businesses lists the businesses with at least one active client.
func (h *Hub) Businesses() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []string
	for _, client := range h.clients {
		if !client.Active {
			continue
		}
		if _, ok := seen[client.BusinessID]; ok {
			continue
		}
		seen[client.BusinessID] = struct{}{}
		out = append(out, client.BusinessID)
	}
	return out
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
