package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"paper-trader/internal/calendar"
	"paper-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const (
	// hotMaxAge bounds how long a hot-cache hit is trusted without checking
	// the warm tier.
	hotMaxAge = time.Hour
	// warmMaxAge bounds how long a warm-store hit is trusted without going
	// upstream.
	warmMaxAge = 4 * time.Hour

	// boundaryTolerance absorbs timezone and market-close skew when deciding
	// whether a cached range covers a requested boundary.
	boundaryTolerance = 24 * time.Hour
	// densitySpanLimit bounds the span on which the density check runs;
	// longer ranges produce too many false negatives.
	densitySpanLimit = 30 * 24 * time.Hour
	// densityFloor is the minimum fraction of expected trading days a cached
	// range must cover to be trusted without an upstream fetch.
	densityFloor = 0.7

	defaultCacheTTL      = time.Hour
	trackPriority        = 100
	trackRefreshInterval = 15 * time.Minute
)

type PriceProvider interface {
	FetchQuote(ctx context.Context, ticker string) (*domain.PricePoint, error)
	FetchDailySeries(ctx context.Context, ticker string, start, end time.Time) ([]*domain.PricePoint, error)
}

type PriceStore interface {
	Upsert(ctx context.Context, points ...*domain.PricePoint) error
	Latest(ctx context.Context, ticker string, maxAge time.Duration) (*domain.PricePoint, error)
	At(ctx context.Context, ticker string, instant time.Time) (*domain.PricePoint, error)
	Range(ctx context.Context, ticker string, start, end time.Time, interval domain.Interval) ([]*domain.PricePoint, error)
}

type HotCache interface {
	Get(ctx context.Context, ticker string) (*domain.PricePoint, error)
	Set(ctx context.Context, point *domain.PricePoint, ttl time.Duration) error
}

type Limiter interface {
	TryConsume(ctx context.Context) (bool, error)
}

type Watchlist interface {
	Track(ctx context.Context, ticker string, priority int, refreshInterval time.Duration) error
}

// MarketDataService answers current-price and price-history requests through
// the tier chain: hot cache, warm store, then the rate-limited upstream.
// Safe for concurrent use; all mutable state lives in the shared stores.
type MarketDataService struct {
	tracer    trace.Tracer
	provider  PriceProvider
	store     PriceStore
	cache     HotCache
	limiter   Limiter
	watchlist Watchlist // optional
	cacheTTL  time.Duration
	now       func() time.Time
}

func NewMarketDataService(
	tracer trace.Tracer,
	provider PriceProvider,
	store PriceStore,
	cache HotCache,
	limiter Limiter,
	watchlist Watchlist,
) *MarketDataService {
	return &MarketDataService{
		tracer:    tracer,
		provider:  provider,
		store:     store,
		cache:     cache,
		limiter:   limiter,
		watchlist: watchlist,
		cacheTTL:  defaultCacheTTL,
		now:       time.Now,
	}
}

// SetCacheTTL overrides how long write-through entries live in the hot tier.
func (s *MarketDataService) SetCacheTTL(d time.Duration) {
	if d > 0 {
		s.cacheTTL = d
	}
}

// CurrentPrice returns the freshest price obtainable for ticker within the
// upstream budget. The returned point's Source records which tier served it.
func (s *MarketDataService) CurrentPrice(ctx context.Context, ticker string) (*domain.PricePoint, error) {
	ctx, span := s.tracer.Start(ctx, "market-data.current-price")
	defer span.End()

	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !domain.ValidTicker(ticker) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTicker, ticker)
	}
	s.track(ctx, ticker)

	now := s.now().UTC()

	// Hot tier.
	if cached, err := s.cache.Get(ctx, ticker); err != nil {
		log.Printf("hot cache read error for %s: %v", ticker, err)
	} else if cached != nil && cached.Age(now) < hotMaxAge {
		return cached.WithSource(domain.SourceHotCache), nil
	}

	// Warm tier.
	if stored, err := s.store.Latest(ctx, ticker, warmMaxAge); err != nil {
		log.Printf("warm store read error for %s: %v", ticker, err)
	} else if stored != nil {
		s.writeThrough(ctx, stored)
		return stored.WithSource(domain.SourceWarmStore), nil
	}

	// Closed market: serve the last trading day's close without touching the
	// rate budget. Must run before the limiter check.
	if !calendar.IsTradingDay(now) {
		lastOpen := calendar.LastTradingDayAtOrBefore(now)
		if stored, err := s.store.At(ctx, ticker, calendar.MarketClose(lastOpen)); err != nil {
			log.Printf("warm store closed-day read error for %s: %v", ticker, err)
		} else if stored != nil {
			return stored.WithSource(domain.SourceStaleFallback), nil
		}
	}

	granted, err := s.limiter.TryConsume(ctx)
	if err != nil {
		log.Printf("rate limiter error, treating as denied: %v", err)
		granted = false
	}
	if !granted {
		if fallback := s.bestFallback(ctx, ticker); fallback != nil {
			return fallback.WithSource(domain.SourceStaleFallback), nil
		}
		return nil, fmt.Errorf("%w: rate budget exhausted for %s with no cached data", domain.ErrMarketDataUnavailable, ticker)
	}

	// Token consumed: issue the upstream call immediately so a cancellation
	// cannot strand a consumed token before the request was dispatched.
	quote, err := s.provider.FetchQuote(ctx, ticker)
	if err != nil {
		if errors.Is(err, domain.ErrTickerNotFound) {
			return nil, err
		}
		if fallback := s.bestFallback(ctx, ticker); fallback != nil {
			log.Printf("upstream quote failed for %s, serving stale: %v", ticker, err)
			return fallback.WithSource(domain.SourceStaleFallback), nil
		}
		return nil, err
	}

	if err := s.store.Upsert(ctx, quote); err != nil {
		log.Printf("warm store write error for %s: %v", ticker, err)
	}
	s.writeThrough(ctx, quote)
	return quote, nil
}

// PriceHistory returns points for [start, end] at the given interval,
// ascending and (for 1day) one per calendar date. The warm store is trusted
// only when it passes the completeness check; otherwise the range is topped
// up from upstream within budget.
func (s *MarketDataService) PriceHistory(ctx context.Context, ticker string, start, end time.Time, interval domain.Interval) ([]*domain.PricePoint, error) {
	ctx, span := s.tracer.Start(ctx, "market-data.price-history")
	defer span.End()

	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !domain.ValidTicker(ticker) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidTicker, ticker)
	}
	if !domain.ValidInterval(interval) {
		return nil, fmt.Errorf("%w: unknown interval %q", domain.ErrInvalidTicker, interval)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("%w: range end %v before start %v", domain.ErrInvalidTicker, end, start)
	}

	cached, err := s.store.Range(ctx, ticker, start, end, interval)
	if err != nil {
		return nil, err
	}

	// Upstream only serves daily series; finer intervals are whatever the
	// warm store has accumulated.
	if interval != domain.Interval1Day || s.isCacheComplete(cached, start, end) {
		return finalizeHistory(cached, interval), nil
	}

	granted, lerr := s.limiter.TryConsume(ctx)
	if lerr != nil {
		log.Printf("rate limiter error, treating as denied: %v", lerr)
		granted = false
	}
	if !granted {
		if len(cached) > 0 {
			return finalizeHistory(cached, interval), nil
		}
		return nil, fmt.Errorf("%w: rate budget exhausted for %s history with no cached data", domain.ErrMarketDataUnavailable, ticker)
	}

	fetched, err := s.provider.FetchDailySeries(ctx, ticker, start, end)
	if err != nil {
		if errors.Is(err, domain.ErrTickerNotFound) {
			return nil, err
		}
		if len(cached) > 0 {
			log.Printf("upstream series failed for %s, serving cached range: %v", ticker, err)
			return finalizeHistory(cached, interval), nil
		}
		return nil, err
	}

	if len(fetched) > 0 {
		if err := s.store.Upsert(ctx, fetched...); err != nil {
			log.Printf("warm store write error for %s history: %v", ticker, err)
		}
	}

	merged, err := s.store.Range(ctx, ticker, start, end, interval)
	if err != nil {
		return nil, err
	}
	return finalizeHistory(merged, interval), nil
}

// isCacheComplete decides whether a cached slice can be trusted over an
// upstream fetch: both boundaries covered within a day, and for short spans a
// point count near the calendar's expected trading days. Returning any
// non-empty slice unchecked silently under-reports history.
func (s *MarketDataService) isCacheComplete(points []*domain.PricePoint, start, end time.Time) bool {
	if len(points) == 0 {
		return false
	}

	first := points[0].Timestamp
	last := points[len(points)-1].Timestamp
	if first.Sub(start) > boundaryTolerance {
		return false
	}
	if end.Sub(last) > boundaryTolerance {
		return false
	}

	if end.Sub(start) <= densitySpanLimit {
		expected := calendar.TradingDaysBetween(start, end)
		if expected > 0 && float64(len(points)) < densityFloor*float64(expected) {
			return false
		}
	}
	return true
}

// finalizeHistory sorts ascending and, for daily data, collapses to one entry
// per calendar date preferring the market-close reading. Intraday intervals
// legitimately carry many points per day and are left alone.
func finalizeHistory(points []*domain.PricePoint, interval domain.Interval) []*domain.PricePoint {
	out := make([]*domain.PricePoint, len(points))
	copy(out, points)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	if interval != domain.Interval1Day {
		return out
	}

	byDate := make(map[string]*domain.PricePoint, len(out))
	var dates []string
	for _, p := range out {
		key := p.Timestamp.UTC().Format("2006-01-02")
		cur, seen := byDate[key]
		if !seen {
			byDate[key] = p
			dates = append(dates, key)
			continue
		}
		if preferDaily(p, cur) {
			byDate[key] = p
		}
	}

	deduped := make([]*domain.PricePoint, 0, len(dates))
	for _, key := range dates {
		deduped = append(deduped, byDate[key])
	}
	sort.Slice(deduped, func(i, j int) bool {
		return deduped[i].Timestamp.Before(deduped[j].Timestamp)
	})
	return deduped
}

// preferDaily reports whether candidate should replace current as a date's
// single daily entry: a market-close reading beats anything else, otherwise
// the later observation wins.
func preferDaily(candidate, current *domain.PricePoint) bool {
	candClose := isMarketClose(candidate.Timestamp)
	curClose := isMarketClose(current.Timestamp)
	if candClose != curClose {
		return candClose
	}
	return candidate.Timestamp.After(current.Timestamp)
}

func isMarketClose(t time.Time) bool {
	u := t.UTC()
	return u.Hour() == calendar.MarketCloseHourUTC && u.Minute() == 0
}

// bestFallback is the most recent trustworthy value from any tier, with no
// age bound.
func (s *MarketDataService) bestFallback(ctx context.Context, ticker string) *domain.PricePoint {
	if cached, err := s.cache.Get(ctx, ticker); err == nil && cached != nil {
		return cached
	}
	if stored, err := s.store.Latest(ctx, ticker, 0); err == nil && stored != nil {
		return stored
	}
	return nil
}

func (s *MarketDataService) writeThrough(ctx context.Context, point *domain.PricePoint) {
	if err := s.cache.Set(ctx, point, s.cacheTTL); err != nil {
		log.Printf("hot cache write error for %s: %v", point.Ticker, err)
	}
}

func (s *MarketDataService) track(ctx context.Context, ticker string) {
	if s.watchlist == nil {
		return
	}
	if err := s.watchlist.Track(ctx, ticker, trackPriority, trackRefreshInterval); err != nil {
		log.Printf("watchlist track error for %s: %v", ticker, err)
	}
}
