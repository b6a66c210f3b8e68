package websocket

import (
	"context"
	"encoding/json"
	"log/slog"

	"intershop/pkg/contracts"
	"intershop/pkg/messaging"

	"github.com/rabbitmq/amqp091-go"
)

// Relay forwards orders.status_changed events from the broker to the hub, so
// a socket sees updates made by any store replica.
func Relay(hub *Hub, logger *slog.Logger) messaging.Handler {
	return func(_ context.Context, msg amqp091.Delivery) {
		if msg.Type != "" && msg.Type != contracts.EventOrderStatusChanged {
			_ = msg.Ack(false)
			return
		}

		var evt contracts.OrderStatusChangedEvent
		if err := json.Unmarshal(msg.Body, &evt); err != nil {
			logger.Error("invalid order event", "err", err)
			_ = msg.Nack(false, false)
			return
		}

		hub.Broadcast(OrderUpdate{OrderID: evt.OrderID, Status: evt.Status, Reason: evt.Reason})
		_ = msg.Ack(false)
	}
}
