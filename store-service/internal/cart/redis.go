// Package cart keeps each user's cart as a Redis hash of item id to quantity.
package cart

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
)

var ErrInvalidQuantity = errors.New("quantity must be positive")

type Line struct {
	ItemID   int64 `json:"item_id"`
	Quantity int   `json:"quantity"`
}

type Store struct {
	rdb *rd.Client
}

func NewStore(rdb *rd.Client) *Store {
	return &Store{rdb: rdb}
}

func Key(userID uuid.UUID) string {
	return "cart:" + userID.String()
}

// Items returns the cart sorted by item id. Lines with an unparsable or
// non-positive quantity are skipped.
func (s *Store) Items(ctx context.Context, userID uuid.UUID) ([]Line, error) {
	m, err := s.rdb.HGetAll(ctx, Key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}

	lines := make([]Line, 0, len(m))
	for field, value := range m {
		itemID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.Atoi(value)
		if err != nil || qty <= 0 {
			continue
		}
		lines = append(lines, Line{ItemID: itemID, Quantity: qty})
	}
	sort.Slice(lines, func(i, j int) bool { return lines[i].ItemID < lines[j].ItemID })
	return lines, nil
}

// Add increments the quantity of an item and returns the new quantity.
func (s *Store) Add(ctx context.Context, userID uuid.UUID, itemID int64, qty int) (int, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	n, err := s.rdb.HIncrBy(ctx, Key(userID), strconv.FormatInt(itemID, 10), int64(qty)).Result()
	if err != nil {
		return 0, fmt.Errorf("update cart: %w", err)
	}
	return int(n), nil
}

// Remove drops an item from the cart.
func (s *Store) Remove(ctx context.Context, userID uuid.UUID, itemID int64) error {
	if err := s.rdb.HDel(ctx, Key(userID), strconv.FormatInt(itemID, 10)).Err(); err != nil {
		return fmt.Errorf("update cart: %w", err)
	}
	return nil
}

// discardScript takes (item id, -quantity) pairs and drops fields that reach
// zero.
var discardScript = rd.NewScript(`
for i = 1, #ARGV, 2 do
	local left = redis.call('HINCRBY', KEYS[1], ARGV[i], ARGV[i + 1])
	if left <= 0 then
		redis.call('HDEL', KEYS[1], ARGV[i])
	end
end
return 0
`)

// Discard takes the given lines out of the cart. Quantities added after the
// lines were read stay in the cart.
func (s *Store) Discard(ctx context.Context, userID uuid.UUID, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	args := make([]any, 0, 2*len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return ErrInvalidQuantity
		}
		args = append(args, strconv.FormatInt(l.ItemID, 10), strconv.Itoa(-l.Quantity))
	}
	if err := discardScript.Run(ctx, s.rdb, []string{Key(userID)}, args...).Err(); err != nil {
		return fmt.Errorf("discard cart lines: %w", err)
	}
	return nil
}
