package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Outbox tables written by the services.
const (
	PaymentOutboxTable = "payment_outbox"
	OrderOutboxTable   = "order_outbox"
)

type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Enqueue stores an event in the outbox table. Call it with the transaction
// that performs the state change the event describes.
func Enqueue(ctx context.Context, db Execer, table, eventID, eventType string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (event_id, event_type, payload)
		VALUES ($1, $2, $3)`, table)
	if _, err := db.Exec(ctx, query, eventID, eventType, payload); err != nil {
		return fmt.Errorf("insert outbox: %w", err)
	}
	return nil
}
