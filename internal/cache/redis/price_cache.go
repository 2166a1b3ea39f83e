package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/wickhunter/internal/domain"
	"github.com/redis/go-redis/v9"
)

// defaultPriceTTL drops a symbol's price once no engine has written it for
// a day.
const defaultPriceTTL = 24 * time.Hour

// PriceCache implements domain.PriceCache. The last trade of a symbol lives
// in the hash "price:{symbol}" with fields "price" and "ts" (Unix nanos).
type PriceCache struct {
	rdb *redis.Client
	ns  string
	ttl time.Duration
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.rdb, ns: c.prefix, ttl: defaultPriceTTL}
}

func priceKey(symbol string) string {
	return "price:" + symbol
}

// SetPrice stores price and ts and refreshes the key's TTL in one round
// trip.
func (pc *PriceCache) SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error {
	key := pc.ns + priceKey(symbol)
	_, err := pc.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key,
			"price", strconv.FormatFloat(price, 'f', -1, 64),
			"ts", strconv.FormatInt(ts.UnixNano(), 10),
		)
		p.Expire(ctx, key, pc.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the cached price of symbol, or domain.ErrNotFound when
// nothing (or only half a record) is cached.
func (pc *PriceCache) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	vals, err := pc.rdb.HMGet(ctx, pc.ns+priceKey(symbol), "price", "ts").Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: get price %s: %w", symbol, err)
	}
	return parsePriceFields(symbol, vals)
}

func parsePriceFields(symbol string, vals []any) (float64, time.Time, error) {
	if len(vals) != 2 {
		return 0, time.Time{}, domain.ErrNotFound
	}
	priceStr, ok1 := vals[0].(string)
	tsStr, ok2 := vals[1].(string)
	if !ok1 || !ok2 {
		return 0, time.Time{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse price %s: %w", symbol, err)
	}
	nanos, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis: parse ts %s: %w", symbol, err)
	}
	return price, time.Unix(0, nanos), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
