package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"paper-trader/internal/domain"

	"github.com/redis/go-redis/v9"
)

const priceKeyPrefix = "price:"

// RedisClient is the subset of *redis.Client the hot tier uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// PriceCache is the hot tier: the single most recent price per ticker, JSON
// encoded under a short TTL. It never stores history.
type PriceCache struct {
	client RedisClient
}

func NewPriceCache(client RedisClient) *PriceCache {
	return &PriceCache{client: client}
}

// Get returns the cached point for ticker, or nil on a miss. A miss is not an
// error; it is the normal "go check the warm tier" signal.
func (c *PriceCache) Get(ctx context.Context, ticker string) (*domain.PricePoint, error) {
	data, err := c.client.Get(ctx, priceKeyPrefix+ticker).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("hot cache get %s: %w", ticker, err)
	}

	var point domain.PricePoint
	if err := json.Unmarshal(data, &point); err != nil {
		return nil, fmt.Errorf("hot cache decode %s: %w", ticker, err)
	}
	return &point, nil
}

// Set stores point as the latest price for its ticker.
func (c *PriceCache) Set(ctx context.Context, point *domain.PricePoint, ttl time.Duration) error {
	data, err := json.Marshal(point)
	if err != nil {
		return fmt.Errorf("hot cache encode %s: %w", point.Ticker, err)
	}
	if err := c.client.Set(ctx, priceKeyPrefix+point.Ticker, data, ttl).Err(); err != nil {
		return fmt.Errorf("hot cache set %s: %w", point.Ticker, err)
	}
	return nil
}

// Delete evicts the ticker's cached price.
func (c *PriceCache) Delete(ctx context.Context, ticker string) error {
	if err := c.client.Del(ctx, priceKeyPrefix+ticker).Err(); err != nil {
		return fmt.Errorf("hot cache delete %s: %w", ticker, err)
	}
	return nil
}
