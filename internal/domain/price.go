package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Source records which tier a price point was served from.
type Source string

const (
	SourceLiveUpstream  Source = "live-upstream"
	SourceHotCache      Source = "hot-cache"
	SourceWarmStore     Source = "warm-store"
	SourceStaleFallback Source = "stale-fallback"
)

// Interval is the sampling granularity of a price point.
type Interval string

const (
	IntervalRealtime Interval = "realtime"
	Interval1Day     Interval = "1day"
	Interval1Hour    Interval = "1hour"
	Interval5Min     Interval = "5min"
	Interval1Min     Interval = "1min"
)

// SupportedIntervals lists the intervals the warm store accepts.
var SupportedIntervals = []Interval{
	IntervalRealtime, Interval1Day, Interval1Hour, Interval5Min, Interval1Min,
}

// ValidInterval reports whether s is one of SupportedIntervals.
func ValidInterval(s Interval) bool {
	for _, i := range SupportedIntervals {
		if s == i {
			return true
		}
	}
	return false
}

// Money is a decimal amount in an ISO 4217 currency.
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// USD builds a Money value in USD from a decimal string such as "187.42".
// Panics on malformed input; intended for literals and parsed upstream fields
// that were already validated.
func USD(amount string) Money {
	return Money{Amount: decimal.RequireFromString(amount), Currency: "USD"}
}

func (m Money) String() string {
	return m.Amount.String() + " " + m.Currency
}

var tickerPattern = regexp.MustCompile(`^[A-Z]{1,5}$`)

// ValidTicker reports whether s is a well-formed symbol: 1-5 uppercase letters.
func ValidTicker(s string) bool {
	return tickerPattern.MatchString(s)
}

// PricePoint is an immutable price observation for one ticker.
//
// Identity is defined over (ticker, price, timestamp, source, interval) only;
// the OHLCV fields are supplementary metadata and never participate in
// equality.
type PricePoint struct {
	Ticker    string    `json:"ticker"`
	Price     Money     `json:"price"`
	Timestamp time.Time `json:"timestamp"`
	Source    Source    `json:"source"`
	Interval  Interval  `json:"interval"`

	Open   *Money `json:"open,omitempty"`
	High   *Money `json:"high,omitempty"`
	Low    *Money `json:"low,omitempty"`
	Close  *Money `json:"close,omitempty"`
	Volume int64  `json:"volume,omitempty"`
}

// Validate checks the invariants every stored point must hold.
func (p *PricePoint) Validate() error {
	if !ValidTicker(p.Ticker) {
		return fmt.Errorf("%w: %q", ErrInvalidTicker, p.Ticker)
	}
	if !p.Price.Amount.IsPositive() {
		return fmt.Errorf("%w: non-positive amount %s for %s", ErrInvalidPriceData, p.Price.Amount, p.Ticker)
	}
	if p.Price.Currency == "" {
		return fmt.Errorf("%w: missing currency for %s", ErrInvalidPriceData, p.Ticker)
	}
	if !ValidInterval(p.Interval) {
		return fmt.Errorf("%w: unknown interval %q for %s", ErrInvalidPriceData, p.Interval, p.Ticker)
	}
	return nil
}

// IdentityKey returns the hash/equality key over the identity fields.
func (p *PricePoint) IdentityKey() string {
	return fmt.Sprintf("%s|%s|%s|%d|%s|%s",
		p.Ticker, p.Price.Amount.String(), p.Price.Currency,
		p.Timestamp.UTC().UnixNano(), p.Source, p.Interval)
}

// Equal compares identity fields only.
func (p *PricePoint) Equal(other *PricePoint) bool {
	if p == nil || other == nil {
		return p == other
	}
	return p.IdentityKey() == other.IdentityKey()
}

// WithSource returns a copy relabeled with the tier that served it. The
// receiver (and any persisted record it came from) is left untouched, so
// provenance in the warm store is never rewritten by a read.
func (p *PricePoint) WithSource(s Source) *PricePoint {
	cp := *p
	cp.Source = s
	return &cp
}

// Age is the time elapsed since the point was observed.
func (p *PricePoint) Age(now time.Time) time.Duration {
	return now.Sub(p.Timestamp)
}
