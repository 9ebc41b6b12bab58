package cache

import (
	"context"
	"testing"
	"time"

	"paper-trader/internal/domain"

	"github.com/redis/go-redis/v9"
)

type fakeRedisClient struct {
	data map[string][]byte
	ttls map[string]time.Duration
}

func newFakeRedisClient() *fakeRedisClient {
	return &fakeRedisClient{
		data: make(map[string][]byte),
		ttls: make(map[string]time.Duration),
	}
}

func (f *fakeRedisClient) Get(ctx context.Context, key string) *redis.StringCmd {
	b, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(b), nil)
}

func (f *fakeRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = value.([]byte)
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedisClient) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	var removed int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			removed++
		}
	}
	return redis.NewIntResult(removed, nil)
}

func testPoint(ticker string) *domain.PricePoint {
	return &domain.PricePoint{
		Ticker:    ticker,
		Price:     domain.USD("187.42"),
		Timestamp: time.Date(2026, 8, 28, 21, 0, 0, 0, time.UTC),
		Source:    domain.SourceLiveUpstream,
		Interval:  domain.IntervalRealtime,
	}
}

func TestPriceCacheRoundTrip(t *testing.T) {
	t.Parallel()

	fake := newFakeRedisClient()
	c := NewPriceCache(fake)

	point := testPoint("AAPL")
	if err := c.Set(context.Background(), point, time.Hour); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.ttls["price:AAPL"] != time.Hour {
		t.Fatalf("expected 1h TTL, got %v", fake.ttls["price:AAPL"])
	}

	got, err := c.Get(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got == nil || !got.Equal(point) {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if !got.Price.Amount.Equal(point.Price.Amount) {
		t.Fatalf("amount mismatch: %s", got.Price.Amount)
	}
}

func TestPriceCacheMissIsNotAnError(t *testing.T) {
	t.Parallel()

	c := NewPriceCache(newFakeRedisClient())
	got, err := c.Get(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("miss must not be an error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil on miss, got %+v", got)
	}
}

func TestPriceCacheDelete(t *testing.T) {
	t.Parallel()

	fake := newFakeRedisClient()
	c := NewPriceCache(fake)

	_ = c.Set(context.Background(), testPoint("AAPL"), time.Hour)
	if err := c.Delete(context.Background(), "AAPL"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, _ := c.Get(context.Background(), "AAPL"); got != nil {
		t.Fatalf("expected eviction, got %+v", got)
	}
}
