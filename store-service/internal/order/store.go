package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"intershop/pkg/contracts"
	"intershop/pkg/messaging"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
)

type DB interface {
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists orders. Every status it writes is also queued as an
// orders.status_changed event in the same transaction.
type Store struct {
	db  DB
	now func() time.Time
}

func NewStore(db DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

const orderColumns = `id::text, user_id::text, status, total::text, failure_reason, transaction_id, created_at, updated_at`

func (s *Store) Create(ctx context.Context, o *Order) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, status, total, failure_reason, transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7, $8)`,
		o.ID, o.UserID, string(o.Status), o.Total.StringFixed(2), o.FailureReason, o.TransactionID, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for _, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (order_id, item_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4::text::numeric)`,
			o.ID, it.ItemID, it.Quantity, it.UnitPrice.StringFixed(2),
		)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", it.ItemID, err)
		}
	}

	if err := enqueueStatus(ctx, tx, o.ID, o.UserID, o.Status, o.FailureReason, o.Total, o.CreatedAt); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Transition moves an order to status to if its current status allows it.
// The check and the write are one conditional UPDATE.
func (s *Store) Transition(ctx context.Context, orderID uuid.UUID, to Status, st Settlement) error {
	from := allowedFrom(to)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing moves to %s", ErrInvalidTransition, to)
	}
	fromText := make([]string, len(from))
	for i, f := range from {
		fromText[i] = string(f)
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	now := s.now()
	var userID, total string
	err = tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, failure_reason = $3, transaction_id = $4, updated_at = $5
		WHERE id = $1 AND status = ANY($6)
		RETURNING user_id::text, total::text`,
		orderID, string(to), st.Reason, st.TransactionID, now, fromText,
	).Scan(&userID, &total)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.explainMiss(ctx, tx, orderID, to)
	}
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	uid, err := uuid.Parse(userID)
	if err != nil {
		return fmt.Errorf("parse user id: %w", err)
	}
	amount, err := decimal.NewFromString(total)
	if err != nil {
		return fmt.Errorf("parse total: %w", err)
	}

	if err := enqueueStatus(ctx, tx, orderID, uid, to, st.Reason, amount, now); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (s *Store) explainMiss(ctx context.Context, tx pgx.Tx, orderID uuid.UUID, to Status) error {
	var current string
	err := tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("select order status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func enqueueStatus(ctx context.Context, db messaging.Execer, orderID, userID uuid.UUID, status Status, reason string, total decimal.Decimal, at time.Time) error {
	evt := contracts.OrderStatusChangedEvent{
		EventID:   uuid.NewString(),
		OrderID:   orderID.String(),
		UserID:    userID.String(),
		Status:    string(status),
		Reason:    reason,
		Total:     total,
		ChangedAt: at,
	}
	return messaging.Enqueue(ctx, db, messaging.OrderOutboxTable, evt.EventID, contracts.EventOrderStatusChanged, evt)
}

func (s *Store) Get(ctx context.Context, userID, orderID uuid.UUID) (*Order, error) {
	o, err := scanOrder(s.db.QueryRow(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1 AND user_id = $2`,
		orderID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := s.items(ctx, []uuid.UUID{o.ID})
	if err != nil {
		return nil, err
	}
	if its, ok := items[o.ID]; ok {
		o.Items = its
	}
	return o, nil
}

func (s *Store) List(ctx context.Context, userID uuid.UUID) ([]*Order, error) {
	orders, err := s.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID,
	)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]uuid.UUID, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
	}
	items, err := s.items(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, o := range orders {
		if its, ok := items[o.ID]; ok {
			o.Items = its
		}
	}
	return orders, nil
}

// ListStale returns PENDING orders created before olderThan, oldest first.
// Items are not loaded.
func (s *Store) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]*Order, error) {
	return s.query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3`,
		string(StatusPending), olderThan, limit,
	)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) ([]*Order, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	result := []*Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

func (s *Store) items(ctx context.Context, orderIDs []uuid.UUID) (map[uuid.UUID][]Item, error) {
	ids := make([]string, len(orderIDs))
	for i, id := range orderIDs {
		ids[i] = id.String()
	}

	rows, err := s.db.Query(ctx, `
		SELECT order_id::text, item_id, quantity, unit_price::text
		FROM order_items
		WHERE order_id = ANY($1::uuid[])
		ORDER BY order_id, item_id`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	result := make(map[uuid.UUID][]Item, len(orderIDs))
	for rows.Next() {
		var (
			orderID, price string
			it             Item
		)
		if err := rows.Scan(&orderID, &it.ItemID, &it.Quantity, &price); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(orderID)
		if err != nil {
			return nil, fmt.Errorf("parse order id: %w", err)
		}
		if it.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse unit price: %w", err)
		}
		result[id] = append(result[id], it)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (*Order, error) {
	var (
		o             Order
		id, userID    string
		status, total string
	)
	if err := row.Scan(&id, &userID, &status, &total, &o.FailureReason, &o.TransactionID, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse order id: %w", err)
	}
	if o.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	if o.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("parse total: %w", err)
	}
	o.Status = Status(status)
	o.Items = []Item{}
	return &o, nil
}
