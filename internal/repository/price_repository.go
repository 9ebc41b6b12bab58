package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"paper-trader/internal/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

const createPricePointsTable = `
CREATE TABLE IF NOT EXISTS price_points (
    ticker      TEXT        NOT NULL,
    ts          TIMESTAMPTZ NOT NULL,
    source      TEXT        NOT NULL,
    interval    TEXT        NOT NULL,
    amount      NUMERIC     NOT NULL CHECK (amount > 0),
    currency    TEXT        NOT NULL,
    open        NUMERIC,
    high        NUMERIC,
    low         NUMERIC,
    close       NUMERIC,
    volume      BIGINT,
    PRIMARY KEY (ticker, ts, source, interval)
);

CREATE INDEX IF NOT EXISTS idx_price_points_ticker_ts
    ON price_points (ticker, ts DESC);
`

// PgxPool is the subset of *pgxpool.Pool the repositories use.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PriceRepository is the warm tier: a durable upsert log of price points,
// indexed on (ticker, ts) so point and range lookups stay independent of
// total row count.
type PriceRepository struct {
	pool   PgxPool
	tracer trace.Tracer
}

func NewPriceRepository(pool PgxPool, tracer trace.Tracer) *PriceRepository {
	return &PriceRepository{pool: pool, tracer: tracer}
}

func (r *PriceRepository) RunMigrations(ctx context.Context) error {
	_, span := r.tracer.Start(ctx, "price-repo.run-migrations")
	defer span.End()

	_, err := r.pool.Exec(ctx, createPricePointsTable)
	return err
}

const pricePointColumns = `ticker, ts, source, interval, amount, currency, open, high, low, close, volume`

// Upsert writes points, overwriting the price fields when the same
// (ticker, ts, source, interval) identity already exists. Points failing
// validation are rejected wholesale before any write.
func (r *PriceRepository) Upsert(ctx context.Context, points ...*domain.PricePoint) error {
	if len(points) == 0 {
		return nil
	}

	_, span := r.tracer.Start(ctx, "price-repo.upsert")
	defer span.End()

	for _, p := range points {
		if err := p.Validate(); err != nil {
			return err
		}
	}

	batch := &pgx.Batch{}
	for _, p := range points {
		batch.Queue(
			`INSERT INTO price_points (`+pricePointColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (ticker, ts, source, interval) DO UPDATE SET
			     amount = EXCLUDED.amount,
			     currency = EXCLUDED.currency,
			     open = EXCLUDED.open,
			     high = EXCLUDED.high,
			     low = EXCLUDED.low,
			     close = EXCLUDED.close,
			     volume = EXCLUDED.volume`,
			p.Ticker, p.Timestamp.UTC(), string(p.Source), string(p.Interval),
			p.Price.Amount, p.Price.Currency,
			nullAmount(p.Open), nullAmount(p.High), nullAmount(p.Low), nullAmount(p.Close),
			nullVolume(p.Volume),
		)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range points {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("upsert price points: %w", err)
		}
	}
	return nil
}

// Latest returns the most recent point for ticker no older than maxAge.
// maxAge <= 0 means unbounded, which backs the stale-fallback path.
func (r *PriceRepository) Latest(ctx context.Context, ticker string, maxAge time.Duration) (*domain.PricePoint, error) {
	_, span := r.tracer.Start(ctx, "price-repo.latest")
	defer span.End()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().UTC().Add(-maxAge)
	}

	row := r.pool.QueryRow(ctx,
		`SELECT `+pricePointColumns+`
		 FROM price_points
		 WHERE ticker = $1 AND ts >= $2
		 ORDER BY ts DESC
		 LIMIT 1`,
		ticker, cutoff,
	)
	return scanPricePointRow(row)
}

// At returns the stored point closest in time to instant, from either side.
func (r *PriceRepository) At(ctx context.Context, ticker string, instant time.Time) (*domain.PricePoint, error) {
	_, span := r.tracer.Start(ctx, "price-repo.at")
	defer span.End()

	// Two indexed lookups instead of one ABS(epoch) sort that would scan.
	before, err := scanPricePointRow(r.pool.QueryRow(ctx,
		`SELECT `+pricePointColumns+`
		 FROM price_points
		 WHERE ticker = $1 AND ts <= $2
		 ORDER BY ts DESC
		 LIMIT 1`,
		ticker, instant,
	))
	if err != nil {
		return nil, err
	}

	after, err := scanPricePointRow(r.pool.QueryRow(ctx,
		`SELECT `+pricePointColumns+`
		 FROM price_points
		 WHERE ticker = $1 AND ts > $2
		 ORDER BY ts ASC
		 LIMIT 1`,
		ticker, instant,
	))
	if err != nil {
		return nil, err
	}

	switch {
	case before == nil:
		return after, nil
	case after == nil:
		return before, nil
	case instant.Sub(before.Timestamp) <= after.Timestamp.Sub(instant):
		return before, nil
	default:
		return after, nil
	}
}

// Range returns points for ticker in [start, end] at the given interval,
// ascending by timestamp.
func (r *PriceRepository) Range(ctx context.Context, ticker string, start, end time.Time, interval domain.Interval) ([]*domain.PricePoint, error) {
	_, span := r.tracer.Start(ctx, "price-repo.range")
	defer span.End()

	rows, err := r.pool.Query(ctx,
		`SELECT `+pricePointColumns+`
		 FROM price_points
		 WHERE ticker = $1 AND interval = $2 AND ts >= $3 AND ts <= $4
		 ORDER BY ts ASC`,
		ticker, string(interval), start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("range query %s: %w", ticker, err)
	}
	defer rows.Close()

	var points []*domain.PricePoint
	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPricePoint(row rowScanner) (*domain.PricePoint, error) {
	var (
		p                      domain.PricePoint
		source, interval       string
		open, high, low, close_ decimal.NullDecimal
		volume                 sql.NullInt64
	)
	err := row.Scan(
		&p.Ticker, &p.Timestamp, &source, &interval,
		&p.Price.Amount, &p.Price.Currency,
		&open, &high, &low, &close_, &volume,
	)
	if err != nil {
		return nil, err
	}

	p.Source = domain.Source(source)
	p.Interval = domain.Interval(interval)
	p.Open = moneyFrom(open, p.Price.Currency)
	p.High = moneyFrom(high, p.Price.Currency)
	p.Low = moneyFrom(low, p.Price.Currency)
	p.Close = moneyFrom(close_, p.Price.Currency)
	if volume.Valid {
		p.Volume = volume.Int64
	}
	return &p, nil
}

func scanPricePointRow(row pgx.Row) (*domain.PricePoint, error) {
	p, err := scanPricePoint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan price point: %w", err)
	}
	return p, nil
}

func moneyFrom(d decimal.NullDecimal, currency string) *domain.Money {
	if !d.Valid {
		return nil
	}
	return &domain.Money{Amount: d.Decimal, Currency: currency}
}

func nullAmount(m *domain.Money) decimal.NullDecimal {
	if m == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: m.Amount, Valid: true}
}

func nullVolume(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
