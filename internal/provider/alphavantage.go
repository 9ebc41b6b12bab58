package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"paper-trader/internal/calendar"
	"paper-trader/internal/domain"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/trace"
)

const (
	alphaVantageBaseURL = "https://www.alphavantage.co"

	requestTimeout = 5 * time.Second
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond

	// The daily endpoint's compact output covers roughly the 100 most recent
	// trading days; anything older needs outputsize=full.
	compactWindow = 100 * 24 * time.Hour
)

// AlphaVantage fetches quotes and daily series from the metered Alpha Vantage
// HTTP API. Retries are for transient network/5xx failures only; rate-limit
// denials never reach this client (the orchestrator checks the budget first).
type AlphaVantage struct {
	client  *http.Client
	baseURL string
	apiKey  string
	tracer  trace.Tracer
	now     func() time.Time
	backoff time.Duration
}

func NewAlphaVantage(apiKey string, tracer trace.Tracer) *AlphaVantage {
	return &AlphaVantage{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: alphaVantageBaseURL,
		apiKey:  apiKey,
		tracer:  tracer,
		now:     time.Now,
		backoff: initialBackoff,
	}
}

type errorEnvelope struct {
	ErrorMessage string `json:"Error Message"`
	Note         string `json:"Note"`
	Information  string `json:"Information"`
}

type quoteResponse struct {
	errorEnvelope
	GlobalQuote struct {
		Symbol           string `json:"01. symbol"`
		Open             string `json:"02. open"`
		High             string `json:"03. high"`
		Low              string `json:"04. low"`
		Price            string `json:"05. price"`
		Volume           string `json:"06. volume"`
		LatestTradingDay string `json:"07. latest trading day"`
	} `json:"Global Quote"`
}

type dailyResponse struct {
	errorEnvelope
	Series map[string]struct {
		Open   string `json:"1. open"`
		High   string `json:"2. high"`
		Low    string `json:"3. low"`
		Close  string `json:"4. close"`
		Volume string `json:"5. volume"`
	} `json:"Time Series (Daily)"`
}

// FetchQuote returns the current price for ticker as a realtime point stamped
// at the fetch instant.
func (p *AlphaVantage) FetchQuote(ctx context.Context, ticker string) (*domain.PricePoint, error) {
	_, span := p.tracer.Start(ctx, "alphavantage.fetch-quote")
	defer span.End()

	body, err := p.doRequest(ctx, p.queryURL("GLOBAL_QUOTE", ticker, ""))
	if err != nil {
		return nil, fmt.Errorf("fetch quote %s: %w", ticker, err)
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse quote for %s: %v", domain.ErrInvalidPriceData, ticker, err)
	}
	if err := resp.errorEnvelope.toError(ticker); err != nil {
		return nil, err
	}
	// An unknown symbol comes back as an empty quote object, not an error.
	if resp.GlobalQuote.Symbol == "" {
		return nil, fmt.Errorf("%w: %s", domain.ErrTickerNotFound, ticker)
	}

	price, err := parsePositiveAmount(resp.GlobalQuote.Price, ticker)
	if err != nil {
		return nil, err
	}

	point := &domain.PricePoint{
		Ticker:    ticker,
		Price:     domain.Money{Amount: price, Currency: "USD"},
		Timestamp: p.now().UTC().Truncate(time.Second),
		Source:    domain.SourceLiveUpstream,
		Interval:  domain.IntervalRealtime,
	}
	if v, err := decimal.NewFromString(resp.GlobalQuote.Volume); err == nil {
		point.Volume = v.IntPart()
	}
	return point, nil
}

// FetchDailySeries returns daily close points for ticker filtered to
// [start, end], ascending. Each point is stamped at that date's market close
// so end-of-day readings win the per-day dedup downstream.
func (p *AlphaVantage) FetchDailySeries(ctx context.Context, ticker string, start, end time.Time) ([]*domain.PricePoint, error) {
	_, span := p.tracer.Start(ctx, "alphavantage.fetch-daily-series")
	defer span.End()

	outputSize := "compact"
	if p.now().Sub(start) > compactWindow {
		outputSize = "full"
	}

	body, err := p.doRequest(ctx, p.queryURL("TIME_SERIES_DAILY", ticker, outputSize))
	if err != nil {
		return nil, fmt.Errorf("fetch daily series %s: %w", ticker, err)
	}

	var resp dailyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse daily series for %s: %v", domain.ErrInvalidPriceData, ticker, err)
	}
	if err := resp.errorEnvelope.toError(ticker); err != nil {
		return nil, err
	}
	if len(resp.Series) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrTickerNotFound, ticker)
	}

	var points []*domain.PricePoint
	for date, bar := range resp.Series {
		day, err := time.Parse("2006-01-02", date)
		if err != nil {
			return nil, fmt.Errorf("%w: bad date %q for %s", domain.ErrInvalidPriceData, date, ticker)
		}
		ts := calendar.MarketClose(day)
		if ts.Before(start) || ts.After(end.Add(24*time.Hour)) {
			continue
		}

		closePrice, err := parsePositiveAmount(bar.Close, ticker)
		if err != nil {
			return nil, err
		}

		point := &domain.PricePoint{
			Ticker:    ticker,
			Price:     domain.Money{Amount: closePrice, Currency: "USD"},
			Timestamp: ts,
			Source:    domain.SourceLiveUpstream,
			Interval:  domain.Interval1Day,
			Close:     &domain.Money{Amount: closePrice, Currency: "USD"},
		}
		if open, err := decimal.NewFromString(bar.Open); err == nil {
			point.Open = &domain.Money{Amount: open, Currency: "USD"}
		}
		if high, err := decimal.NewFromString(bar.High); err == nil {
			point.High = &domain.Money{Amount: high, Currency: "USD"}
		}
		if low, err := decimal.NewFromString(bar.Low); err == nil {
			point.Low = &domain.Money{Amount: low, Currency: "USD"}
		}
		if v, err := decimal.NewFromString(bar.Volume); err == nil {
			point.Volume = v.IntPart()
		}
		points = append(points, point)
	}

	sort.Slice(points, func(i, j int) bool {
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	return points, nil
}

func (p *AlphaVantage) queryURL(function, ticker, outputSize string) string {
	q := url.Values{}
	q.Set("function", function)
	q.Set("symbol", ticker)
	q.Set("apikey", p.apiKey)
	if outputSize != "" {
		q.Set("outputsize", outputSize)
	}
	return p.baseURL + "/query?" + q.Encode()
}

// doRequest performs the GET with bounded retries and exponential backoff.
// Only network errors and 5xx responses are retried.
func (p *AlphaVantage) doRequest(ctx context.Context, reqURL string) ([]byte, error) {
	backoff := p.backoff
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		body, retryable, err := p.attempt(ctx, reqURL)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %v", domain.ErrMarketDataUnavailable, lastErr)
}

func (p *AlphaVantage) attempt(ctx context.Context, reqURL string) (body []byte, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("upstream status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		io.Copy(io.Discard, resp.Body)
		return nil, false, fmt.Errorf("%w: upstream status %d", domain.ErrMarketDataUnavailable, resp.StatusCode)
	}

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, err
	}
	return body, false, nil
}

func (e errorEnvelope) toError(ticker string) error {
	if e.ErrorMessage != "" {
		return fmt.Errorf("%w: %s: %s", domain.ErrTickerNotFound, ticker, e.ErrorMessage)
	}
	// "Note"/"Information" is the provider's own throttle message; the caller
	// treats it like any other unavailability and falls back to cache.
	if e.Note != "" || e.Information != "" {
		return fmt.Errorf("%w: upstream throttled %s", domain.ErrMarketDataUnavailable, ticker)
	}
	return nil
}

func parsePositiveAmount(s, ticker string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: bad amount %q for %s", domain.ErrInvalidPriceData, s, ticker)
	}
	if !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: non-positive amount %s for %s", domain.ErrInvalidPriceData, amount, ticker)
	}
	return amount, nil
}
