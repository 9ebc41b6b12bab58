package handler

import (
	"errors"
	"net/http"
	"strings"

	"paper-trader/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
)

// GetPrice godoc
// @Summary      Get current price for a ticker
// @Description  Returns the freshest price available within the upstream rate budget; the source field records which tier served it
// @Tags         prices
// @Produce      json
// @Param        ticker  path  string  true  "Stock ticker (e.g., AAPL, MSFT)"
// @Success      200  {object}  domain.PricePoint
// @Failure      400  {object}  map[string]string
// @Failure      404  {object}  map[string]string
// @Failure      503  {object}  map[string]string
// @Router       /api/price/{ticker} [get]
func (h *Handler) GetPrice(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "handler.get-price")
	defer span.End()

	ticker := strings.ToUpper(c.Param("ticker"))
	span.SetAttributes(attribute.String("ticker", ticker))

	point, err := h.market.CurrentPrice(ctx, ticker)
	if err != nil {
		writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, point)
}

// writeDomainError maps the service error taxonomy onto HTTP statuses.
func writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidTicker):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrTickerNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrMarketDataUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
