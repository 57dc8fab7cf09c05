package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

func newTestStore(t *testing.T) (*CartStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCartStore(client, time.Hour), mr
}

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestCartStore_AddMergesAndKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	got, err := s.Add(ctx, 7, cart.Item{ProductID: 1, Quantity: 2, UnitPrice: d("25.00")})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Quantity)

	got, err = s.Add(ctx, 7, cart.Item{ProductID: 1, Quantity: 3, UnitPrice: d("30.00")})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Quantity)
	assert.True(t, got.UnitPrice.Equal(d("25.00")), "first snapshot wins")

	_, err = s.Add(ctx, 7, cart.Item{ProductID: 2, Quantity: 1, UnitPrice: d("7.50")})
	require.NoError(t, err)

	c, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Len(t, c.Items, 2)
	assert.Equal(t, int64(1), c.Items[0].ProductID)
	assert.Equal(t, int64(2), c.Items[1].ProductID)
	assert.True(t, c.Subtotal().Equal(d("132.50")))

	assert.Equal(t, time.Hour, mr.TTL("cart:7"))
}

func TestCartStore_SetQuantity(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	require.ErrorIs(t, s.SetQuantity(ctx, 7, 1, 4), cart.ErrItemNotFound)

	_, err := s.Add(ctx, 7, cart.Item{ProductID: 1, Quantity: 2, UnitPrice: d("25.00")})
	require.NoError(t, err)
	require.NoError(t, s.SetQuantity(ctx, 7, 1, 4))

	c, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, 4, c.Items[0].Quantity)
	assert.True(t, c.Items[0].UnitPrice.Equal(d("25.00")))
}

func TestCartStore_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	for _, id := range []int64{1, 2} {
		_, err := s.Add(ctx, 7, cart.Item{ProductID: id, Quantity: 1, UnitPrice: d("1.00")})
		require.NoError(t, err)
	}
	require.NoError(t, s.Remove(ctx, 7, 1))
	require.NoError(t, s.Remove(ctx, 7, 99))

	c, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, int64(2), c.Items[0].ProductID)

	require.NoError(t, s.Clear(ctx, 7))
	assert.False(t, mr.Exists("cart:7"))

	c, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestCartStore_Expires(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	_, err := s.Add(ctx, 7, cart.Item{ProductID: 1, Quantity: 1, UnitPrice: d("1.00")})
	require.NoError(t, err)

	mr.FastForward(59 * time.Minute)
	require.NoError(t, s.SetQuantity(ctx, 7, 1, 2))
	mr.FastForward(59 * time.Minute)

	c, err := s.Get(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, c.Items, 1, "writes refresh the expiry")

	mr.FastForward(2 * time.Hour)
	c, err = s.Get(ctx, 7)
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestCartStore_CartsAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Add(ctx, 7, cart.Item{ProductID: 1, Quantity: 1, UnitPrice: d("1.00")})
	require.NoError(t, err)

	c, err := s.Get(ctx, 8)
	require.NoError(t, err)
	assert.True(t, c.Empty())
}

func TestCartStore_Take(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	_, err := s.Add(ctx, 7, cart.Item{ProductID: 1, Quantity: 5, UnitPrice: d("2.50")})
	require.NoError(t, err)
	_, err = s.Add(ctx, 7, cart.Item{ProductID: 2, Quantity: 1, UnitPrice: d("4.00")})
	require.NoError(t, err)

	require.NoError(t, s.Take(ctx, 7, 1, 2))
	require.NoError(t, s.Take(ctx, 7, 2, 3))
	require.NoError(t, s.Take(ctx, 7, 99, 1))

	c, err := s.Get(ctx, 7)
	require.NoError(t, err)
	require.Len(t, c.Items, 1)
	assert.Equal(t, int64(1), c.Items[0].ProductID)
	assert.Equal(t, 3, c.Items[0].Quantity)
	assert.True(t, c.Items[0].UnitPrice.Equal(d("2.50")))
}
