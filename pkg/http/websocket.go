package http

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"sipkit-server/pkg/events"
)

// EventMessage is the wire form of one event pushed to WebSocket clients.
type EventMessage struct {
	Event     string       `json:"event"`
	Timestamp time.Time    `json:"timestamp"`
	Payload   events.Event `json:"payload"`
}

// Client represents a connected WebSocket client
type Client struct {
	hub    *EventHub
	conn   *websocket.Conn
	send   chan []byte
	logger *logrus.Logger
	// eventName filters delivery to one event type, empty means all.
	eventName string
}

// EventHub manages WebSocket clients and broadcasts domain events
type EventHub struct {
	logger           *logrus.Logger
	clients          map[*Client]bool
	eventSubscribers map[string]map[*Client]bool
	broadcast        chan *EventMessage
	register         chan *Client
	unregister       chan *Client
	mutex            sync.RWMutex
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all connections
		return true
	},
}

// NewEventHub creates a new event hub
func NewEventHub(logger *logrus.Logger) *EventHub {
	return &EventHub{
		logger:           logger,
		clients:          make(map[*Client]bool),
		eventSubscribers: make(map[string]map[*Client]bool),
		broadcast:        make(chan *EventMessage),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
	}
}

// Run starts the event hub
func (h *EventHub) Run(ctx context.Context) {
	h.logger.Info("Starting WebSocket event hub")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Shutting down WebSocket event hub")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true

			if client.eventName != "" {
				if _, exists := h.eventSubscribers[client.eventName]; !exists {
					h.eventSubscribers[client.eventName] = make(map[*Client]bool)
				}
				h.eventSubscribers[client.eventName][client] = true
				h.logger.WithField("event", client.eventName).Info("Client subscribed to specific event")
			}

			h.mutex.Unlock()
			h.logger.Info("Client connected to WebSocket")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)

				if client.eventName != "" {
					if subscribers, exists := h.eventSubscribers[client.eventName]; exists {
						delete(subscribers, client)
						if len(subscribers) == 0 {
							delete(h.eventSubscribers, client.eventName)
						}
					}
				}

				h.logger.Info("Client disconnected from WebSocket")
			}
			h.mutex.Unlock()

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.WithError(err).Error("Failed to marshal event message")
				continue
			}

			h.mutex.Lock()

			if subscribers, exists := h.eventSubscribers[message.Event]; exists {
				for client := range subscribers {
					select {
					case client.send <- data:
					default:
						close(client.send)
						delete(h.clients, client)
						delete(subscribers, client)
					}
				}
			}

			for client := range h.clients {
				if client.eventName != "" {
					continue
				}

				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}

			h.mutex.Unlock()
		}
	}
}

// BroadcastEvent pushes one domain event to all relevant clients.
func (h *EventHub) BroadcastEvent(ev events.Event) {
	h.broadcast <- &EventMessage{
		Event:     ev.EventName(),
		Timestamp: time.Now().UTC(),
		Payload:   ev,
	}
}

// Pump drains a dispatcher subscription into the hub until the context
// is cancelled or the channel closes.
func (h *EventHub) Pump(ctx context.Context, eventsCh <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventsCh:
			if !ok {
				return
			}
			h.BroadcastEvent(ev)
		}
	}
}

// ServeWs handles WebSocket requests from clients
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	// Optional per-event filter, e.g. /ws/events?event=call-closed
	eventName := r.URL.Query().Get("event")

	client := &Client{
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		logger:    h.logger,
		eventName: eventName,
	}

	client.hub.register <- client

	go client.writePump()
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(60 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		// Hand the client back to the hub so its slot is reclaimed; the
		// hub ignores clients it has already dropped.
		c.hub.unregister <- c
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
