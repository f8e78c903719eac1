package realtime

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"qms/sector-queue/internal/metrics"
	"qms/sector-queue/internal/notify"

	"go.uber.org/zap"
)

type Client struct {
	ID     string
	Send   chan []byte
	topics map[string]bool
}

func NewClient(id string, buffer int) *Client {
	return &Client{ID: id, Send: make(chan []byte, buffer), topics: make(map[string]bool)}
}

// Hub fans events out to the observers connected to this instance.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  *zap.Logger
}

type SubscribeMessage struct {
	Action   string `json:"action"`
	Topic    string `json:"topic"`
	SectorID int64  `json:"sector_id"`
	TicketID int64  `json:"ticket_id"`
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{clients: make(map[string]*Client), logger: logger.Named("hub")}
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

func (h *Hub) Subscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.topics[topic] = true
}

func (h *Hub) Unsubscribe(client *Client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topic == "" {
		client.topics = make(map[string]bool)
		return
	}
	delete(client.topics, topic)
}

// Publish delivers the event to every client subscribed to its topic. Slow
// clients whose buffer is full miss the event rather than block the caller.
func (h *Hub) Publish(ctx context.Context, event notify.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !client.topics[event.Topic] {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			h.logger.Warn("drop message for client", zap.String("client", client.ID), zap.String("type", event.Type))
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ParseSubscribe accepts {"action":"subscribe","sector_id":1},
// {"action":"subscribe","ticket_id":7} or an explicit topic.
func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	switch {
	case msg.Topic != "":
		if !validTopic(msg.Topic) {
			return SubscribeMessage{}, false
		}
	case msg.SectorID > 0:
		msg.Topic = notify.SectorTopic(msg.SectorID)
	case msg.TicketID > 0:
		msg.Topic = notify.TicketTopic(msg.TicketID)
	case msg.Action == "subscribe":
		return SubscribeMessage{}, false
	}
	return msg, true
}

func validTopic(topic string) bool {
	kind, id, ok := strings.Cut(topic, ":")
	if !ok || (kind != "sector" && kind != "ticket") {
		return false
	}
	n, err := strconv.ParseInt(id, 10, 64)
	return err == nil && n > 0
}
