// Package catalog reads current item prices. Prices are consulted only when
// an order is created.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var ErrItemNotFound = errors.New("item not found")

type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Item struct {
	ID          int64           `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
}

type Catalog struct {
	db Querier
}

func New(db Querier) *Catalog {
	return &Catalog{db: db}
}

// Prices returns the price of every requested item. A missing item fails the
// whole lookup with ErrItemNotFound.
func (c *Catalog) Prices(ctx context.Context, ids []int64) (map[int64]decimal.Decimal, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, price::text
		FROM items
		WHERE id = ANY($1)`, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query prices: %w", err)
	}
	defer rows.Close()

	prices := make(map[int64]decimal.Decimal, len(ids))
	for rows.Next() {
		var (
			id  int64
			raw string
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("parse price of item %d: %w", id, err)
		}
		prices[id] = price
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, ok := prices[id]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrItemNotFound, id)
		}
	}
	return prices, nil
}

func (c *Catalog) List(ctx context.Context) ([]Item, error) {
	rows, err := c.db.Query(ctx, `
		SELECT id, title, description, price::text
		FROM items
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var (
			it  Item
			raw string
		)
		if err := rows.Scan(&it.ID, &it.Title, &it.Description, &raw); err != nil {
			return nil, err
		}
		if it.Price, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("parse price of item %d: %w", it.ID, err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}
