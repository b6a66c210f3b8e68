package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"intershop/store-service/internal/order"

	"github.com/google/uuid"
	gw "github.com/gorilla/websocket"
)

type Conn = gw.Conn

var upgrader = gw.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type OrderReader interface {
	Get(ctx context.Context, userID, orderID uuid.UUID) (*order.Order, error)
}

type Handler struct {
	hub    *Hub
	orders OrderReader
	logger *slog.Logger
}

func NewHandler(hub *Hub, orders OrderReader, logger *slog.Logger) *Handler {
	return &Handler{hub: hub, orders: orders, logger: logger}
}

// ServeWS streams status updates of one order. The first message is the
// order's current status.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request, userID, orderID uuid.UUID) {
	o, err := h.orders.Get(r.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			http.Error(w, "order not found", http.StatusNotFound)
			return
		}
		h.logger.Error("load order for websocket", "order_id", orderID, "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	initial, err := json.Marshal(OrderUpdate{
		OrderID: orderID.String(),
		Status:  string(o.Status),
		Reason:  o.FailureReason,
	})
	if err != nil {
		_ = conn.Close()
		return
	}

	client := &Client{
		hub:     h.hub,
		conn:    conn,
		send:    make(chan []byte, 16),
		orderID: orderID.String(),
		initial: initial,
	}
	if !h.hub.add(client) {
		_ = conn.Close()
		return
	}
	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()
	for msg := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(gw.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteControl(gw.CloseMessage, gw.FormatCloseMessage(gw.CloseNormalClosure, ""), time.Now().Add(time.Second))
}
