package job

import (
	"context"
	"log"
	"time"

	"paper-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const dueBatchSize = 10

// WatchlistStore is the slice of the watchlist repository the refresher needs.
type WatchlistStore interface {
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.WatchlistEntry, error)
	MarkRefreshed(ctx context.Context, ticker string, at time.Time) error
}

type PriceFetcher interface {
	CurrentPrice(ctx context.Context, ticker string) (*domain.PricePoint, error)
}

// WatchlistRefresher keeps watched tickers warm by refreshing the ones whose
// schedule has come due. Each refresh goes through the service's tier chain,
// so a ticker that is already warm costs no upstream budget.
type WatchlistRefresher struct {
	tracer       trace.Tracer
	watchlist    WatchlistStore
	fetcher      PriceFetcher
	pollInterval time.Duration
	now          func() time.Time
}

func NewWatchlistRefresher(tracer trace.Tracer, watchlist WatchlistStore, fetcher PriceFetcher, pollIntervalSecs int) *WatchlistRefresher {
	return &WatchlistRefresher{
		tracer:       tracer,
		watchlist:    watchlist,
		fetcher:      fetcher,
		pollInterval: time.Duration(pollIntervalSecs) * time.Second,
		now:          time.Now,
	}
}

// Start runs the refresh loop. Blocks until ctx is cancelled.
func (r *WatchlistRefresher) Start(ctx context.Context) {
	log.Println("Watchlist refresher starting...")

	// Run immediately on start
	r.refreshDue(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Watchlist refresher stopped")
			return
		case <-ticker.C:
			r.refreshDue(ctx)
		}
	}
}

// refreshDue processes one batch of due entries. Failed refreshes are still
// marked, pushing the next attempt out by the entry's interval so one broken
// ticker cannot monopolize the loop.
func (r *WatchlistRefresher) refreshDue(ctx context.Context) {
	ctx, span := r.tracer.Start(ctx, "watchlist-refresher.refresh-due")
	defer span.End()

	now := r.now().UTC()
	entries, err := r.watchlist.Due(ctx, now, dueBatchSize)
	if err != nil {
		log.Printf("watchlist due query error: %v", err)
		return
	}

	for _, entry := range entries {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.fetcher.CurrentPrice(ctx, entry.Ticker); err != nil {
			log.Printf("watchlist refresh error for %s: %v", entry.Ticker, err)
		}
		if err := r.watchlist.MarkRefreshed(ctx, entry.Ticker, now); err != nil {
			log.Printf("watchlist mark-refreshed error for %s: %v", entry.Ticker, err)
		}
	}
}
