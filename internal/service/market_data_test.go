package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"paper-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

var testTracer = trace.NewNoopTracerProvider().Tracer("test")

// Friday during market hours.
var friday = time.Date(2026, 8, 28, 15, 0, 0, 0, time.UTC)

// Sunday: market closed.
var sunday = time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC)

type mockProvider struct {
	quote     *domain.PricePoint
	quoteErr  error
	series    []*domain.PricePoint
	seriesErr error

	quoteCalls  int
	seriesCalls int
}

func (m *mockProvider) FetchQuote(ctx context.Context, ticker string) (*domain.PricePoint, error) {
	m.quoteCalls++
	if m.quoteErr != nil {
		return nil, m.quoteErr
	}
	return m.quote, nil
}

func (m *mockProvider) FetchDailySeries(ctx context.Context, ticker string, start, end time.Time) ([]*domain.PricePoint, error) {
	m.seriesCalls++
	if m.seriesErr != nil {
		return nil, m.seriesErr
	}
	return m.series, nil
}

type mockStore struct {
	now    time.Time
	points []*domain.PricePoint

	upsertCalls int
	readCalls   int
}

func (m *mockStore) Upsert(ctx context.Context, points ...*domain.PricePoint) error {
	m.upsertCalls++
	for _, p := range points {
		replaced := false
		for i, existing := range m.points {
			if existing.Ticker == p.Ticker && existing.Timestamp.Equal(p.Timestamp) &&
				existing.Source == p.Source && existing.Interval == p.Interval {
				m.points[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			m.points = append(m.points, p)
		}
	}
	return nil
}

func (m *mockStore) Latest(ctx context.Context, ticker string, maxAge time.Duration) (*domain.PricePoint, error) {
	m.readCalls++
	var best *domain.PricePoint
	for _, p := range m.points {
		if p.Ticker != ticker {
			continue
		}
		if maxAge > 0 && m.now.Sub(p.Timestamp) >= maxAge {
			continue
		}
		if best == nil || p.Timestamp.After(best.Timestamp) {
			best = p
		}
	}
	return best, nil
}

func (m *mockStore) At(ctx context.Context, ticker string, instant time.Time) (*domain.PricePoint, error) {
	m.readCalls++
	var best *domain.PricePoint
	var bestDist time.Duration
	for _, p := range m.points {
		if p.Ticker != ticker {
			continue
		}
		dist := instant.Sub(p.Timestamp)
		if dist < 0 {
			dist = -dist
		}
		if best == nil || dist < bestDist {
			best, bestDist = p, dist
		}
	}
	return best, nil
}

func (m *mockStore) Range(ctx context.Context, ticker string, start, end time.Time, interval domain.Interval) ([]*domain.PricePoint, error) {
	m.readCalls++
	var out []*domain.PricePoint
	for _, p := range m.points {
		if p.Ticker != ticker || p.Interval != interval {
			continue
		}
		if p.Timestamp.Before(start) || p.Timestamp.After(end) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

type fakeCache struct {
	data     map[string]*domain.PricePoint
	getCalls int
	setCalls int
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string]*domain.PricePoint)}
}

func (f *fakeCache) Get(ctx context.Context, ticker string) (*domain.PricePoint, error) {
	f.getCalls++
	return f.data[ticker], nil
}

func (f *fakeCache) Set(ctx context.Context, point *domain.PricePoint, ttl time.Duration) error {
	f.setCalls++
	f.data[point.Ticker] = point
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, ticker string) error {
	delete(f.data, ticker)
	return nil
}

type fakeLimiter struct {
	allow    bool
	consumed int
}

func (f *fakeLimiter) TryConsume(ctx context.Context) (bool, error) {
	if !f.allow {
		return false, nil
	}
	f.consumed++
	return true, nil
}

type fakeWatchlist struct {
	tracked []string
}

func (f *fakeWatchlist) Track(ctx context.Context, ticker string, priority int, refreshInterval time.Duration) error {
	f.tracked = append(f.tracked, ticker)
	return nil
}

type fixture struct {
	svc      *MarketDataService
	provider *mockProvider
	store    *mockStore
	cache    *fakeCache
	limiter  *fakeLimiter
}

func newFixture(now time.Time) *fixture {
	provider := &mockProvider{}
	store := &mockStore{now: now}
	cache := newFakeCache()
	limiter := &fakeLimiter{allow: true}
	svc := NewMarketDataService(testTracer, provider, store, cache, limiter, nil)
	svc.now = func() time.Time { return now }
	return &fixture{svc: svc, provider: provider, store: store, cache: cache, limiter: limiter}
}

func livePoint(ticker string, ts time.Time) *domain.PricePoint {
	return &domain.PricePoint{
		Ticker:    ticker,
		Price:     domain.USD("187.42"),
		Timestamp: ts,
		Source:    domain.SourceLiveUpstream,
		Interval:  domain.IntervalRealtime,
	}
}

func dailyPoint(ticker string, ts time.Time, amount string) *domain.PricePoint {
	return &domain.PricePoint{
		Ticker:    ticker,
		Price:     domain.USD(amount),
		Timestamp: ts,
		Source:    domain.SourceLiveUpstream,
		Interval:  domain.Interval1Day,
	}
}

func close21(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 21, 0, 0, 0, time.UTC)
}

func TestCurrentPriceColdStartThenHotHit(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.provider.quote = livePoint("AAPL", friday)

	got, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != domain.SourceLiveUpstream {
		t.Fatalf("expected live-upstream, got %s", got.Source)
	}
	if f.limiter.consumed != 1 || f.provider.quoteCalls != 1 {
		t.Fatalf("expected one token and one upstream call, got %d/%d", f.limiter.consumed, f.provider.quoteCalls)
	}
	if f.store.upsertCalls != 1 {
		t.Fatalf("expected warm write-back, got %d upserts", f.store.upsertCalls)
	}
	if f.cache.setCalls != 1 {
		t.Fatalf("expected hot write-through, got %d sets", f.cache.setCalls)
	}

	// Second call is served from the hot tier with no extra upstream work.
	again, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.Source != domain.SourceHotCache {
		t.Fatalf("expected hot-cache, got %s", again.Source)
	}
	if !again.Price.Amount.Equal(got.Price.Amount) {
		t.Fatalf("price changed between tiers: %s vs %s", again.Price.Amount, got.Price.Amount)
	}
	if f.provider.quoteCalls != 1 || f.limiter.consumed != 1 {
		t.Fatalf("hot hit must not consume budget: %d calls, %d tokens", f.provider.quoteCalls, f.limiter.consumed)
	}
}

func TestCurrentPriceWarmHitWritesThrough(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	stored := livePoint("AAPL", friday.Add(-2*time.Hour))
	stored.Source = domain.SourceLiveUpstream
	f.store.points = append(f.store.points, stored)

	got, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != domain.SourceWarmStore {
		t.Fatalf("expected warm-store, got %s", got.Source)
	}
	if f.cache.setCalls != 1 {
		t.Fatal("warm hit must write through to the hot tier")
	}
	if f.provider.quoteCalls != 0 || f.limiter.consumed != 0 {
		t.Fatal("warm hit must not touch the limiter or upstream")
	}
	// Relabeling must not rewrite the stored record's provenance.
	if stored.Source != domain.SourceLiveUpstream {
		t.Fatalf("stored record mutated: %s", stored.Source)
	}
}

func TestCurrentPriceWeekendShortCircuit(t *testing.T) {
	t.Parallel()

	f := newFixture(sunday)
	fridayClose := dailyPoint("AAPL", close21(2026, 8, 28), "187.42")
	f.store.points = append(f.store.points, fridayClose)

	got, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != domain.SourceStaleFallback {
		t.Fatalf("expected stale-fallback, got %s", got.Source)
	}
	if !got.Timestamp.Equal(fridayClose.Timestamp) {
		t.Fatalf("expected Friday's close, got %v", got.Timestamp)
	}
	if f.limiter.consumed != 0 {
		t.Fatalf("weekend short-circuit must not consume budget, consumed %d", f.limiter.consumed)
	}
	if f.provider.quoteCalls != 0 {
		t.Fatal("weekend short-circuit must not call upstream")
	}
}

func TestCurrentPriceRateLimitedFallsBackToStale(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.limiter.allow = false
	old := livePoint("AAPL", friday.Add(-26*time.Hour))
	f.store.points = append(f.store.points, old)

	got, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != domain.SourceStaleFallback {
		t.Fatalf("expected stale-fallback, got %s", got.Source)
	}
	if f.provider.quoteCalls != 0 {
		t.Fatal("rate-limit denial must not reach upstream")
	}
}

func TestCurrentPriceRateLimitedWithNothingCached(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.limiter.allow = false

	_, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if !errors.Is(err, domain.ErrMarketDataUnavailable) {
		t.Fatalf("expected ErrMarketDataUnavailable, got %v", err)
	}
}

func TestCurrentPriceInvalidTickerFailsFast(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)

	_, err := f.svc.CurrentPrice(context.Background(), "toolong!")
	if !errors.Is(err, domain.ErrInvalidTicker) {
		t.Fatalf("expected ErrInvalidTicker, got %v", err)
	}
	if f.cache.getCalls != 0 || f.store.readCalls != 0 || f.provider.quoteCalls != 0 {
		t.Fatal("invalid ticker must be rejected before any I/O")
	}
}

func TestCurrentPriceTickerNotFoundPropagates(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.provider.quoteErr = fmt.Errorf("%w: ZZZZZ", domain.ErrTickerNotFound)

	_, err := f.svc.CurrentPrice(context.Background(), "ZZZZZ")
	if !errors.Is(err, domain.ErrTickerNotFound) {
		t.Fatalf("expected ErrTickerNotFound, got %v", err)
	}
}

func TestCurrentPriceTransientUpstreamFailureServesStale(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.provider.quoteErr = fmt.Errorf("%w: timeout", domain.ErrMarketDataUnavailable)
	old := livePoint("AAPL", friday.Add(-26*time.Hour))
	f.store.points = append(f.store.points, old)

	got, err := f.svc.CurrentPrice(context.Background(), "AAPL")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Source != domain.SourceStaleFallback {
		t.Fatalf("expected stale-fallback, got %s", got.Source)
	}
}

func TestCurrentPriceTracksWatchlist(t *testing.T) {
	t.Parallel()

	provider := &mockProvider{quote: livePoint("AAPL", friday)}
	store := &mockStore{now: friday}
	watchlist := &fakeWatchlist{}
	svc := NewMarketDataService(testTracer, provider, store, newFakeCache(), &fakeLimiter{allow: true}, watchlist)
	svc.now = func() time.Time { return friday }

	if _, err := svc.CurrentPrice(context.Background(), "aapl"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(watchlist.tracked) != 1 || watchlist.tracked[0] != "AAPL" {
		t.Fatalf("expected normalized ticker tracked, got %v", watchlist.tracked)
	}
}

// seedTradingDays stores one 21:00 UTC daily close per trading day in [from, to].
func seedTradingDays(store *mockStore, ticker string, from, to time.Time) int {
	seeded := 0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		switch d.Weekday() {
		case time.Saturday, time.Sunday:
			continue
		}
		store.points = append(store.points, dailyPoint(ticker, close21(d.Year(), d.Month(), d.Day()), "180.00"))
		seeded++
	}
	return seeded
}

func TestPriceHistoryCompleteCacheSkipsUpstream(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	seedTradingDays(f.store, "AAPL", start, end)

	got, err := f.svc.PriceHistory(context.Background(), "AAPL", start, end, domain.Interval1Day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 trading-day points, got %d", len(got))
	}
	if f.provider.seriesCalls != 0 || f.limiter.consumed != 0 {
		t.Fatalf("complete cache must not go upstream: %d calls, %d tokens", f.provider.seriesCalls, f.limiter.consumed)
	}
}

func TestPriceHistoryIncompleteCacheTopsUp(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)

	// Warm store is missing the first week of the request.
	seedTradingDays(f.store, "AAPL", time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), end)

	// Upstream returns the full range.
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		f.provider.series = append(f.provider.series, dailyPoint("AAPL", close21(d.Year(), d.Month(), d.Day()), "181.00"))
	}

	got, err := f.svc.PriceHistory(context.Background(), "AAPL", start, end, domain.Interval1Day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.provider.seriesCalls != 1 || f.limiter.consumed != 1 {
		t.Fatalf("expected exactly one upstream fetch: %d calls, %d tokens", f.provider.seriesCalls, f.limiter.consumed)
	}
	if len(got) == 0 {
		t.Fatal("expected merged history")
	}
	if got[0].Timestamp.Sub(start) > 24*time.Hour {
		t.Fatalf("earliest point %v not within 1 day of start %v", got[0].Timestamp, start)
	}

	// Identical second call now finds a complete cache: no second fetch.
	if _, err := f.svc.PriceHistory(context.Background(), "AAPL", start, end, domain.Interval1Day); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.provider.seriesCalls != 1 {
		t.Fatalf("second identical call must be a cache hit, got %d fetches", f.provider.seriesCalls)
	}
}

func TestPriceHistoryDailyDedupPrefersMarketClose(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	start := time.Date(2026, 8, 27, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 27, 23, 0, 0, 0, time.UTC)

	intraday := dailyPoint("AAPL", time.Date(2026, 8, 27, 13, 35, 0, 0, time.UTC), "184.00")
	eod := dailyPoint("AAPL", close21(2026, 8, 27), "185.10")
	f.store.points = append(f.store.points, intraday, eod)

	got, err := f.svc.PriceHistory(context.Background(), "AAPL", start, end, domain.Interval1Day)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one entry per calendar date, got %d", len(got))
	}
	if !got[0].Timestamp.Equal(eod.Timestamp) {
		t.Fatalf("expected the 21:00 UTC close to win, got %v", got[0].Timestamp)
	}
	if f.provider.seriesCalls != 0 {
		t.Fatal("dedup input was complete; no upstream call expected")
	}
}

func TestPriceHistoryRateLimitedServesCachedSlice(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.limiter.allow = false
	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	seedTradingDays(f.store, "AAPL", time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC), end)

	got, err := f.svc.PriceHistory(context.Background(), "AAPL", start, end, domain.Interval1Day)
	if err != nil {
		t.Fatalf("rate-limited history with cached data must degrade, got %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected the partial cached slice")
	}
	if f.provider.seriesCalls != 0 {
		t.Fatal("denied budget must not reach upstream")
	}
}

func TestPriceHistoryRateLimitedEmptyCacheErrors(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	f.limiter.allow = false

	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)
	_, err := f.svc.PriceHistory(context.Background(), "AAPL", start, end, domain.Interval1Day)
	if !errors.Is(err, domain.ErrMarketDataUnavailable) {
		t.Fatalf("expected ErrMarketDataUnavailable, got %v", err)
	}
}

func TestPriceHistoryIntradayIntervalStaysLocal(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	start := friday.Add(-6 * time.Hour)
	hourly := &domain.PricePoint{
		Ticker: "AAPL", Price: domain.USD("186.00"),
		Timestamp: friday.Add(-3 * time.Hour),
		Source:    domain.SourceLiveUpstream, Interval: domain.Interval1Hour,
	}
	f.store.points = append(f.store.points, hourly)

	got, err := f.svc.PriceHistory(context.Background(), "AAPL", start, friday, domain.Interval1Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected stored intraday slice, got %d", len(got))
	}
	if f.provider.seriesCalls != 0 || f.limiter.consumed != 0 {
		t.Fatal("intraday history is served from the warm store only")
	}
}

func TestPriceHistoryRejectsReversedRange(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	_, err := f.svc.PriceHistory(context.Background(), "AAPL", friday, friday.Add(-time.Hour), domain.Interval1Day)
	if !errors.Is(err, domain.ErrInvalidTicker) {
		t.Fatalf("expected input error, got %v", err)
	}
	if f.store.readCalls != 0 {
		t.Fatal("invalid range must be rejected before any I/O")
	}
}

func TestIsCacheCompleteBoundaries(t *testing.T) {
	t.Parallel()

	f := newFixture(friday)
	start := time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 8, 28, 23, 0, 0, 0, time.UTC)

	if f.svc.isCacheComplete(nil, start, end) {
		t.Fatal("empty slice can never be complete")
	}

	var full []*domain.PricePoint
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		full = append(full, dailyPoint("AAPL", close21(d.Year(), d.Month(), d.Day()), "180.00"))
	}
	if !f.svc.isCacheComplete(full, start, end) {
		t.Fatal("dense full-coverage slice must be complete")
	}

	// Sparse coverage that still touches both boundaries fails the density check.
	sparse := []*domain.PricePoint{full[0], full[len(full)-1]}
	if f.svc.isCacheComplete(sparse, start, end) {
		t.Fatal("2 of 10 expected trading days must fail the density check")
	}

	// Long spans skip the density check.
	longStart := end.Add(-60 * 24 * time.Hour)
	longSparse := []*domain.PricePoint{
		dailyPoint("AAPL", longStart.Add(12*time.Hour), "170.00"),
		full[len(full)-1],
	}
	if !f.svc.isCacheComplete(longSparse, longStart, end) {
		t.Fatal("density is not enforced beyond 30-day spans")
	}
}
