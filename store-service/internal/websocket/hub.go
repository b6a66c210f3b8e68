package websocket

import (
	"context"
	"encoding/json"
)

type OrderUpdate struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

type Client struct {
	hub     *Hub
	conn    *Conn
	send    chan []byte
	orderID string
	// initial is queued ahead of any broadcast when the client registers.
	initial []byte
}

// Hub fans order status updates out to the sockets watching each order.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan OrderUpdate
	done       chan struct{}
	clients    map[string]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan OrderUpdate, 64),
		done:       make(chan struct{}),
		clients:    make(map[string]map[*Client]bool),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			set, ok := h.clients[c.orderID]
			if !ok {
				set = make(map[*Client]bool)
				h.clients[c.orderID] = set
			}
			set[c] = true
			if c.initial != nil {
				c.send <- c.initial
			}
		case c := <-h.unregister:
			h.drop(c)
		case upd := <-h.broadcast:
			msg, err := json.Marshal(upd)
			if err != nil {
				continue
			}
			for c := range h.clients[upd.OrderID] {
				select {
				case c.send <- msg:
				default:
					h.drop(c)
				}
			}
		case <-ctx.Done():
			for _, set := range h.clients {
				for c := range set {
					close(c.send)
				}
			}
			h.clients = map[string]map[*Client]bool{}
			return
		}
	}
}

func (h *Hub) drop(c *Client) {
	set, ok := h.clients[c.orderID]
	if !ok {
		return
	}
	if _, exists := set[c]; exists {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.orderID)
	}
}

// Broadcast queues an update. It returns immediately once the hub has stopped.
func (h *Hub) Broadcast(u OrderUpdate) {
	select {
	case h.broadcast <- u:
	case <-h.done:
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
