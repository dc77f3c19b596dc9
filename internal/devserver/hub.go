package devserver

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// envelope is the real-time frame in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encode(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Event: event, Data: data})
}

// Hub tracks the connected clients of every user and fans frames out to
// them.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
	logger  *zap.Logger
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		logger:  logger.Named("hub"),
	}
}

// register adds c and reports whether it is the user's first connection.
func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.logger.Info("client connected", zap.String("user_id", c.userID), zap.Int("connections", len(set)))
	return !ok
}

// unregister removes c and reports whether it was the user's last
// connection.
func (h *Hub) unregister(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.clients[c.userID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	c.close()
	h.logger.Info("client disconnected", zap.String("user_id", c.userID), zap.Int("connections", len(set)))
	if len(set) == 0 {
		delete(h.clients, c.userID)
		return true
	}
	return false
}

// Online reports whether a user has at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// SendToUser delivers an event to every connection of a user. Connections
// whose buffer is full are dropped.
func (h *Hub) SendToUser(userID, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	h.sendFrame(userID, frame)
}

// SendToUsers delivers an event to every listed user except skip.
func (h *Hub) SendToUsers(userIDs []string, skip, event string, payload any) {
	frame, err := encode(event, payload)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("event", event), zap.Error(err))
		return
	}
	for _, id := range userIDs {
		if id != skip {
			h.sendFrame(id, frame)
		}
	}
}

// Broadcast delivers an event to every connected user except skip.
func (h *Hub) Broadcast(skip, event string, payload any) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	h.SendToUsers(ids, skip, event, payload)
}

func (h *Hub) sendFrame(userID string, frame []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[userID] {
		select {
		case c.send <- frame:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.logger.Warn("client send buffer full, dropping connection", zap.String("user_id", c.userID))
		h.unregister(c)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, set := range h.clients {
		for c := range set {
			c.close()
		}
		delete(h.clients, id)
	}
}
