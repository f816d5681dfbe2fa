package notify

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/autorev/paddock/pkg/types"
)

// aggregateMessage is the wire envelope pushed to websocket clients.
type aggregateMessage struct {
	Type       string                  `json:"type"`
	Trigger    string                  `json:"trigger"`
	Aggregates []types.AggregatedEvent `json:"aggregates"`
}

// Hub fans flushed aggregates out to connected websocket clients. Slow
// clients are disconnected rather than allowed to stall the flush path.
type Hub struct {
	clients    map[hubClient]bool
	broadcast  chan aggregateMessage
	register   chan hubClient
	unregister chan hubClient
	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
}

// hubClient allows for both real connections and mock clients in tests.
type hubClient interface {
	sendChannel() chan []byte
	closeConn()
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
}

func (c *wsClient) sendChannel() chan []byte { return c.send }

func (c *wsClient) closeConn() {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck
	}
}

// NewHub creates a Hub; callers must start Run in a goroutine.
func NewHub() *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[hubClient]bool),
		broadcast:  make(chan aggregateMessage, 256),
		register:   make(chan hubClient),
		unregister: make(chan hubClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NotifyAggregates queues the aggregates for broadcast. Never blocks:
// if the broadcast buffer is full the message is dropped with a warning.
func (h *Hub) NotifyAggregates(_ context.Context, trigger string, aggs []types.AggregatedEvent) {
	msg := aggregateMessage{Type: "aggregate_flush", Trigger: trigger, Aggregates: aggs}
	select {
	case h.broadcast <- msg:
	default:
		log.Println("notify: websocket broadcast buffer full, dropping flush")
	}
}

// Run processes register/unregister/broadcast until Stop is called.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("notify: websocket client connected (total: %d)", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.sendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Printf("notify: websocket client disconnected (total: %d)", count)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("notify: failed to marshal aggregate message: %v", err)
				continue
			}

			// Full lock: slow clients get evicted from the map below.
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.sendChannel() <- data:
				default:
					close(client.sendChannel())
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			log.Println("notify: websocket hub stopping")
			return
		}
	}
}

// drop unregisters a client, giving up once the hub has stopped so pump
// goroutines never block on a channel nothing receives from.
func (h *Hub) drop(c hubClient) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// Stop shuts the hub down and closes every connection.
func (h *Hub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.sendChannel())
		client.closeConn()
	}
	h.clients = make(map[hubClient]bool)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil) //nolint:staticcheck
	if err != nil {
		log.Printf("notify: websocket upgrade failed: %v", err)
		return
	}

	client := &wsClient{hub: h, conn: conn, send: make(chan []byte, 256)}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// writePump delivers queued messages to the connection.
func (c *wsClient) writePump() {
	defer func() {
		c.hub.drop(c)
		c.closeConn()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck
		cancel()
		if err != nil {
			log.Printf("notify: websocket write failed: %v", err)
			return
		}
	}
}

// readPump drains incoming frames to detect disconnection. Clients send
// nothing we act on yet.
func (c *wsClient) readPump() {
	defer func() {
		c.hub.drop(c)
		c.closeConn()
	}()

	for {
		if _, _, err := c.conn.Read(context.Background()); err != nil { //nolint:staticcheck
			return
		}
	}
}
