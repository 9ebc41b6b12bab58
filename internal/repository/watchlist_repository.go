package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"paper-trader/internal/domain"

	"go.opentelemetry.io/otel/trace"
)

const createWatchlistTable = `
CREATE TABLE IF NOT EXISTS watchlist (
    ticker            TEXT        PRIMARY KEY,
    priority          INT         NOT NULL DEFAULT 100,
    refresh_interval  BIGINT      NOT NULL,
    last_refresh_at   TIMESTAMPTZ,
    next_refresh_at   TIMESTAMPTZ NOT NULL,
    is_active         BOOLEAN     NOT NULL DEFAULT TRUE
);

CREATE INDEX IF NOT EXISTS idx_watchlist_due
    ON watchlist (next_refresh_at) WHERE is_active;
`

// WatchlistRepository persists background-refresh schedules. Entries are only
// deactivated, never deleted.
type WatchlistRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewWatchlistRepository(pool PgxPool, tracer trace.Tracer) *WatchlistRepository {
	return &WatchlistRepository{pool: pool, tracer: tracer}
}

func (r *WatchlistRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "watchlist-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createWatchlistTable)
	return err
}

// Track registers a ticker for background refresh if it is not already known.
// An existing entry (active or not) is left untouched.
func (r *WatchlistRepository) Track(ctx context.Context, ticker string, priority int, refreshInterval time.Duration) error {
	_, span := r.tracer.Start(ctx, "watchlist-repo.track")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`INSERT INTO watchlist (ticker, priority, refresh_interval, next_refresh_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (ticker) DO NOTHING`,
		ticker, priority, int64(refreshInterval.Seconds()),
	)
	if err != nil {
		return fmt.Errorf("track %s: %w", ticker, err)
	}
	return nil
}

// Due returns up to limit active entries whose next refresh has passed,
// most urgent (lowest priority value) first.
func (r *WatchlistRepository) Due(ctx context.Context, now time.Time, limit int) ([]*domain.WatchlistEntry, error) {
	_, span := r.tracer.Start(ctx, "watchlist-repo.due")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT ticker, priority, refresh_interval, last_refresh_at, next_refresh_at, is_active
		 FROM watchlist
		 WHERE is_active AND next_refresh_at <= $1
		 ORDER BY priority ASC, next_refresh_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("due query: %w", err)
	}
	defer rows.Close()

	var entries []*domain.WatchlistEntry
	for rows.Next() {
		var (
			e            domain.WatchlistEntry
			intervalSecs int64
			lastRefresh  sql.NullTime
		)
		if err := rows.Scan(&e.Ticker, &e.Priority, &intervalSecs, &lastRefresh, &e.NextRefreshAt, &e.IsActive); err != nil {
			return nil, err
		}
		e.RefreshInterval = time.Duration(intervalSecs) * time.Second
		if lastRefresh.Valid {
			e.LastRefreshAt = lastRefresh.Time
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkRefreshed records a refresh attempt (success or failure) at the given
// instant and pushes the next refresh out by the entry's interval, keeping
// next_refresh_at >= last_refresh_at + refresh_interval.
func (r *WatchlistRepository) MarkRefreshed(ctx context.Context, ticker string, at time.Time) error {
	_, span := r.tracer.Start(ctx, "watchlist-repo.mark-refreshed")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`UPDATE watchlist
		 SET last_refresh_at = $2,
		     next_refresh_at = $2 + make_interval(secs => refresh_interval)
		 WHERE ticker = $1`,
		ticker, at,
	)
	if err != nil {
		return fmt.Errorf("mark refreshed %s: %w", ticker, err)
	}
	return nil
}

// Deactivate stops background refreshes without losing the entry.
func (r *WatchlistRepository) Deactivate(ctx context.Context, ticker string) error {
	_, span := r.tracer.Start(ctx, "watchlist-repo.deactivate")
	defer span.End()

	_, err := r.pool.Exec(ctx,
		`UPDATE watchlist SET is_active = FALSE WHERE ticker = $1`, ticker)
	if err != nil {
		return fmt.Errorf("deactivate %s: %w", ticker, err)
	}
	return nil
}
