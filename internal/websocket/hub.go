package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/bimefy/slam-worker/internal/model"
)

const (
	sendBuffer   = 64
	pingInterval = 30 * time.Second
)

// Client is one subscriber to the events of a single object key
type Client struct {
	ID        string
	ObjectKey string
	Conn      *websocket.Conn
	Send      chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// Done is closed when the hub drops the client
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub fans job lifecycle events out to websocket subscribers
type Hub struct {
	// Clients grouped by object key
	clients map[string]map[*Client]bool

	unregister chan *Client
	broadcast  chan *BroadcastMessage
	stopped    chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
	now    func() time.Time
}

// BroadcastMessage is an encoded event for the subscribers of one key
type BroadcastMessage struct {
	ObjectKey string
	Message   []byte
}

// NewHub creates a hub. Events are only delivered while Run is active.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		stopped:    make(chan struct{}),
		logger:     logger.With("component", "websocket_hub"),
		now:        time.Now,
	}
}

// Run is the hub's main loop. It returns when ctx is done and drops every client.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for key, clients := range h.clients {
				for client := range clients {
					client.close()
				}
				delete(h.clients, key)
			}
			close(h.stopped)
			h.mu.Unlock()
			return

		case client := <-h.unregister:
			h.remove(client)
			h.logger.Debug("client unregistered", "client_id", client.ID, "object_key", client.ObjectKey)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.ObjectKey] {
				select {
				case client.Send <- msg.Message:
				default:
					h.logger.Warn("dropping slow client", "client_id", client.ID)
					client.close()
					delete(h.clients[msg.ObjectKey], client)
				}
			}
			if len(h.clients[msg.ObjectKey]) == 0 {
				delete(h.clients, msg.ObjectKey)
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.clients[client.ObjectKey]; ok {
		if _, ok := clients[client]; ok {
			delete(clients, client)
			client.close()
			if len(clients) == 0 {
				delete(h.clients, client.ObjectKey)
			}
		}
	}
}

// Subscribe registers a client for objectKey. conn may be nil for in-process listeners.
func (h *Hub) Subscribe(objectKey string, conn *websocket.Conn) *Client {
	client := &Client{
		ID:        uuid.NewString(),
		ObjectKey: objectKey,
		Conn:      conn,
		Send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.stopped:
		client.close()
		return client
	default:
	}
	if h.clients[objectKey] == nil {
		h.clients[objectKey] = make(map[*Client]bool)
	}
	h.clients[objectKey][client] = true
	h.logger.Debug("client registered", "client_id", client.ID, "object_key", objectKey)
	return client
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// SubscriberCount returns the number of clients listening on objectKey
func (h *Hub) SubscriberCount(objectKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[objectKey])
}

// BroadcastStatus sends a status change to the subscribers of objectKey.
// It never blocks; events are dropped when the hub is saturated.
func (h *Hub) BroadcastStatus(objectKey string, status model.ProcessingStatus) {
	h.publish(objectKey, model.WSStatusMessage{
		Type:      model.WSMessageTypeStatus,
		ObjectKey: objectKey,
		Status:    status,
		Timestamp: h.now().UTC(),
	})
}

// BroadcastError sends an error event to the subscribers of objectKey
func (h *Hub) BroadcastError(objectKey, code, message string) {
	h.publish(objectKey, model.WSErrorMessage{
		Type:      model.WSMessageTypeError,
		ObjectKey: objectKey,
		Error: model.WSError{
			Code:    code,
			Message: message,
		},
	})
}

func (h *Hub) publish(objectKey string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal websocket message", "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{ObjectKey: objectKey, Message: data}:
	default:
		h.logger.Warn("broadcast queue full, dropping event", "object_key", objectKey)
	}
}

// HandleConnection serves one websocket connection until it closes
func (h *Hub) HandleConnection(c *websocket.Conn, objectKey string) {
	client := h.Subscribe(objectKey, c)
	defer h.Unregister(client)

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()

		for {
			select {
			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-client.done:
				_ = c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket error", "client_id", client.ID, "error", err)
			}
			return
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			case <-client.done:
			default:
			}
		}
	}
}
