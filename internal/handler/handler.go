package handler

import (
	"context"
	"time"

	"paper-trader/internal/domain"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// MarketData is the slice of the market-data service the HTTP layer needs.
type MarketData interface {
	CurrentPrice(ctx context.Context, ticker string) (*domain.PricePoint, error)
	PriceHistory(ctx context.Context, ticker string, start, end time.Time, interval domain.Interval) ([]*domain.PricePoint, error)
}

type Handler struct {
	tracer trace.Tracer
	market MarketData
}

func New(tracer trace.Tracer, market MarketData) *Handler {
	return &Handler{tracer: tracer, market: market}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.GET("/api/price/:ticker", h.GetPrice)
	r.GET("/api/history/:ticker", h.GetHistory)
}
