// Package redis keeps shopper carts in Redis hashes.
//
// A cart is the hash cart:{user_id} mapping product id to "quantity|price".
// Every write refreshes the key's expiry. Read-modify-write operations run
// as Lua scripts so they are atomic per cart.
package redis

import (
	"cmp"
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/cart"
)

var addScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
local qty = tonumber(ARGV[2])
local price = ARGV[3]
if cur then
	local sep = string.find(cur, '|', 1, true)
	qty = qty + tonumber(string.sub(cur, 1, sep - 1))
	price = string.sub(cur, sep + 1)
end
local v = qty .. '|' .. price
redis.call('HSET', KEYS[1], ARGV[1], v)
redis.call('EXPIRE', KEYS[1], ARGV[4])
return v
`)

var setQuantityScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return 0
end
local sep = string.find(cur, '|', 1, true)
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2] .. string.sub(cur, sep))
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

var takeScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
	return 0
end
local sep = string.find(cur, '|', 1, true)
local qty = tonumber(string.sub(cur, 1, sep - 1)) - tonumber(ARGV[2])
if qty > 0 then
	redis.call('HSET', KEYS[1], ARGV[1], qty .. string.sub(cur, sep))
else
	redis.call('HDEL', KEYS[1], ARGV[1])
end
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

var _ cart.Store = (*CartStore)(nil)

// CartStore implements cart.Store. The client is owned by the caller.
type CartStore struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewCartStore creates a CartStore with the given rolling expiry. A zero ttl
// uses cart.TTL.
func NewCartStore(client goredis.UniversalClient, ttl time.Duration) *CartStore {
	if ttl <= 0 {
		ttl = cart.TTL
	}
	return &CartStore{client: client, ttl: ttl}
}

func cartKey(userID int64) string {
	return "cart:" + strconv.FormatInt(userID, 10)
}

func (s *CartStore) ttlSeconds() int64 {
	return int64(s.ttl / time.Second)
}

// Get returns the user's cart ordered by product id.
func (s *CartStore) Get(ctx context.Context, userID int64) (*cart.Cart, error) {
	fields, err := s.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "hgetall")
	}

	c := &cart.Cart{UserID: userID, Items: make([]cart.Item, 0, len(fields))}
	for field, value := range fields {
		it, err := decodeItem(field, value)
		if err != nil {
			return nil, errors.Wrapf(err, "decode cart %d item %q", userID, field)
		}
		c.Items = append(c.Items, it)
	}
	slices.SortFunc(c.Items, func(a, b cart.Item) int { return cmp.Compare(a.ProductID, b.ProductID) })
	return c, nil
}

// Add merges item into the cart. An existing line keeps its price snapshot.
func (s *CartStore) Add(ctx context.Context, userID int64, item cart.Item) (cart.Item, error) {
	field := strconv.FormatInt(item.ProductID, 10)
	v, err := addScript.Run(ctx, s.client, []string{cartKey(userID)},
		field, item.Quantity, item.UnitPrice.StringFixed(2), s.ttlSeconds(),
	).Text()
	if err != nil {
		return cart.Item{}, errors.Wrap(err, "add item")
	}
	return decodeItem(field, v)
}

// SetQuantity replaces the quantity of an existing line.
func (s *CartStore) SetQuantity(ctx context.Context, userID, productID int64, quantity int) error {
	n, err := setQuantityScript.Run(ctx, s.client, []string{cartKey(userID)},
		strconv.FormatInt(productID, 10), quantity, s.ttlSeconds(),
	).Int()
	if err != nil {
		return errors.Wrap(err, "set quantity")
	}
	if n == 0 {
		return cart.ErrItemNotFound
	}
	return nil
}

// Remove deletes a line. Removing a missing line is not an error.
func (s *CartStore) Remove(ctx context.Context, userID, productID int64) error {
	key := cartKey(userID)
	_, err := s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HDel(ctx, key, strconv.FormatInt(productID, 10))
		p.Expire(ctx, key, s.ttl)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "remove item")
	}
	return nil
}

// Take lowers a line's quantity, deleting the line when it reaches zero.
func (s *CartStore) Take(ctx context.Context, userID, productID int64, quantity int) error {
	err := takeScript.Run(ctx, s.client, []string{cartKey(userID)},
		strconv.FormatInt(productID, 10), quantity, s.ttlSeconds(),
	).Err()
	if err != nil {
		return errors.Wrap(err, "take item")
	}
	return nil
}

// Clear deletes the cart.
func (s *CartStore) Clear(ctx context.Context, userID int64) error {
	if err := s.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return errors.Wrap(err, "del")
	}
	return nil
}

func decodeItem(field, value string) (cart.Item, error) {
	id, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return cart.Item{}, errors.Wrap(err, "product id")
	}
	qty, price, ok := strings.Cut(value, "|")
	if !ok {
		return cart.Item{}, errors.Errorf("malformed value %q", value)
	}
	q, err := strconv.Atoi(qty)
	if err != nil {
		return cart.Item{}, errors.Wrap(err, "quantity")
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return cart.Item{}, errors.Wrap(err, "price")
	}
	return cart.Item{ProductID: id, Quantity: q, UnitPrice: p}, nil
}
