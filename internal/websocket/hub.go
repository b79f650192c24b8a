package websocket

import (
	"context"
	"sort"
	"sync"
	"time"

	"binspire-simulator/internal/models"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"
)

// StatusEvent is what dashboards receive for every status message seen on the broker
type StatusEvent struct {
	Type       string               `json:"type"`
	BinID      string               `json:"binId"`
	ReceivedAt int64                `json:"receivedAt"`
	Data       models.StatusMessage `json:"data"`
}

// Hub maintains active WebSocket connections and fans status events out to them
type Hub struct {
	// Registered clients (client id -> Client)
	clients map[string]*Client

	// Encoded events waiting to be sent to every client
	broadcast chan []byte

	register   chan *Client
	unregister chan *Client

	// Closed when Run returns
	done chan struct{}

	// Latest event per bin, replayed to new clients
	latest map[string]StatusEvent

	mu  sync.RWMutex
	log *zap.SugaredLogger
	now func() time.Time
}

// NewHub creates a new Hub instance
func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		latest:     make(map[string]StatusEvent),
		log:        log.Named("websocket"),
		now:        time.Now,
	}
}

// Run starts the hub's main loop; it returns when ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Infow("Client connected", "client_id", client.ID, "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
				h.log.Infow("Client disconnected", "client_id", client.ID, "clients", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Client buffer full, disconnect
					close(client.send)
					delete(h.clients, id)
					h.log.Warnw("Client buffer full, disconnecting", "client_id", id)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) registerClient(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// HandleStatus is the broker subscription callback for trashbin/+/status
func (h *Hub) HandleStatus(topic string, payload []byte) {
	binID, ok := models.BinIDFromTopic(topic)
	if !ok {
		h.log.Debugw("Ignoring message on unexpected topic", "topic", topic)
		return
	}

	msg, err := models.DecodeStatusMessage(payload)
	if err != nil {
		h.log.Warnw("Dropping malformed status message", "topic", topic, "error", err)
		return
	}

	event := StatusEvent{
		Type:       "trashbin_status",
		BinID:      binID,
		ReceivedAt: h.now().Unix(),
		Data:       msg,
	}

	h.mu.Lock()
	h.latest[binID] = event
	h.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		h.log.Errorw("Failed to marshal status event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.log.Warnw("Broadcast queue full, dropping status event", "bin_id", binID)
	}
}

// Latest returns the most recent event of every bin, sorted by bin id
func (h *Hub) Latest() []StatusEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()

	events := make([]StatusEvent, 0, len(h.latest))
	for _, e := range h.latest {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i].BinID < events[j].BinID })
	return events
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
