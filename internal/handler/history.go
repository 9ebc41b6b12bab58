package handler

import (
	"net/http"
	"strings"
	"time"

	"paper-trader/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

const defaultHistorySpan = 30 * 24 * time.Hour

// GetHistory godoc
// @Summary      Get historical prices for a ticker
// @Description  Returns price points in [start, end] at the given interval, ascending; daily data carries one entry per trading day
// @Tags         prices
// @Produce      json
// @Param        ticker    path   string  true   "Stock ticker (e.g., AAPL, MSFT)"
// @Param        start     query  string  false  "Range start (RFC 3339 or YYYY-MM-DD, default 30 days ago)"
// @Param        end       query  string  false  "Range end (RFC 3339 or YYYY-MM-DD, default now)"
// @Param        interval  query  string  false  "Sampling interval (1day, 1hour, 5min, 1min)"  default(1day)
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/history/{ticker} [get]
func (h *Handler) GetHistory(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-history")
	defer span.End()

	ticker := strings.ToUpper(c.Param("ticker"))
	span.SetAttributes(attribute.String("ticker", ticker))

	now := time.Now().UTC()
	end, ok := parseTimeParam(c, "end", now)
	if !ok {
		return
	}
	start, ok := parseTimeParam(c, "start", end.Add(-defaultHistorySpan))
	if !ok {
		return
	}
	interval := domain.Interval(c.DefaultQuery("interval", string(domain.Interval1Day)))

	points, err := h.market.PriceHistory(ctx, ticker, start, end, interval)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"ticker":   ticker,
		"interval": interval,
		"start":    start,
		"end":      end,
		"points":   points,
	})
}

// parseTimeParam reads a query param as RFC 3339 or a bare date, falling back
// to def when absent. On a malformed value it writes a 400 and returns false.
func parseTimeParam(c *gin.Context, name string, def time.Time) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.UTC(), true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name + ": " + raw})
	return time.Time{}, false
}
