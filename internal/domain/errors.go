package domain

import "errors"

var (
	// ErrInvalidTicker means the symbol is malformed. Rejected before any I/O.
	ErrInvalidTicker = errors.New("invalid ticker")

	// ErrTickerNotFound means the upstream provider confirmed the symbol does
	// not exist. Not retried.
	ErrTickerNotFound = errors.New("ticker not found")

	// ErrMarketDataUnavailable means no price could be served: rate budget
	// exhausted or upstream unreachable, with no cached fallback.
	ErrMarketDataUnavailable = errors.New("market data unavailable")

	// ErrInvalidPriceData means the upstream payload failed validation
	// (e.g. a non-positive price). Never cached.
	ErrInvalidPriceData = errors.New("invalid price data")
)
