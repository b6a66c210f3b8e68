package cart

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb), mr
}

func TestStore_AddAndItems(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.Add(ctx, userID, 7, 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, userID, 2, 3)
	require.NoError(t, err)
	n, err := s.Add(ctx, userID, 7, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	lines, err := s.Items(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []Line{{ItemID: 2, Quantity: 3}, {ItemID: 7, Quantity: 3}}, lines)

	_, err = s.Add(ctx, userID, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestStore_ItemsSkipsBadFields(t *testing.T) {
	s, mr := newTestStore(t)
	userID := uuid.New()
	mr.HSet(Key(userID), "3", "2", "junk", "1", "4", "0")

	lines, err := s.Items(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, []Line{{ItemID: 3, Quantity: 2}}, lines)
}

func TestStore_DiscardAndRemove(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.Add(ctx, userID, 1, 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, userID, 2, 1)
	require.NoError(t, err)

	require.NoError(t, s.Remove(ctx, userID, 1))
	lines, err := s.Items(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []Line{{ItemID: 2, Quantity: 1}}, lines)

	require.NoError(t, s.Discard(ctx, userID, lines))

	lines, err = s.Items(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestStore_DiscardKeepsLinesAddedLater(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.Add(ctx, userID, 1, 2)
	require.NoError(t, err)
	_, err = s.Add(ctx, userID, 2, 1)
	require.NoError(t, err)

	paid, err := s.Items(ctx, userID)
	require.NoError(t, err)

	_, err = s.Add(ctx, userID, 1, 1)
	require.NoError(t, err)
	_, err = s.Add(ctx, userID, 5, 4)
	require.NoError(t, err)

	require.NoError(t, s.Discard(ctx, userID, paid))

	lines, err := s.Items(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []Line{{ItemID: 1, Quantity: 1}, {ItemID: 5, Quantity: 4}}, lines)
}

func TestStore_DiscardLineRemovedMeanwhile(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.Add(ctx, userID, 3, 2)
	require.NoError(t, err)
	require.NoError(t, s.Remove(ctx, userID, 3))

	require.NoError(t, s.Discard(ctx, userID, []Line{{ItemID: 3, Quantity: 2}}))
	assert.Zero(t, s.rdb.HLen(ctx, Key(userID)).Val())

	assert.ErrorIs(t, s.Discard(ctx, userID, []Line{{ItemID: 3, Quantity: 0}}), ErrInvalidQuantity)
}

func TestStore_Unavailable(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	_, err := s.Items(context.Background(), uuid.New())
	assert.Error(t, err)
}
