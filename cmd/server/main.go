package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"paper-trader/internal/cache"
	"paper-trader/internal/config"
	"paper-trader/internal/db"
	"paper-trader/internal/handler"
	"paper-trader/internal/job"
	"paper-trader/internal/provider"
	"paper-trader/internal/ratelimit"
	"paper-trader/internal/repository"
	"paper-trader/internal/service"
	"paper-trader/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
)

var (
	loadEnvFunc         = godotenv.Load
	loadConfigFunc      = config.Load
	initPostgresFunc    = db.InitPostgres
	initRedisFunc       = cache.InitRedis
	initTracerFunc      = tracing.InitTracer
	newAlphaVantageFunc = func(apiKey string, tracer trace.Tracer) service.PriceProvider {
		return provider.NewAlphaVantage(apiKey, tracer)
	}
	newRefresherFunc       = job.NewWatchlistRefresher
	startRefresherFunc     = func(r *job.WatchlistRefresher, ctx context.Context) { go r.Start(ctx) }
	newHandlerFunc         = handler.New
	newRouterFunc          = gin.Default
	setupSignalNotify      = signal.Notify
	waitForSignalFunc      = func(quit <-chan os.Signal) { <-quit }
	startHTTPServerFunc    = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFunc = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
)

// @title           Paper Trader Market Data API
// @version         1.0
// @description     Rate-limit-aware market data acquisition with tiered caching.

// @host      localhost:8080
// @BasePath  /
func main() {
	loadEnvFunc()

	cfg := loadConfigFunc()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Init Postgres and Redis
	os.Setenv("DATABASE_URL", cfg.DatabaseURL)
	os.Setenv("REDIS_URL", cfg.RedisURL)
	initPostgresFunc(ctx)
	initRedisFunc(ctx)

	// Init tracing
	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
	}()

	// Create repositories and run migrations
	priceRepo := repository.NewPriceRepository(db.Pool, tracer)
	watchlistRepo := repository.NewWatchlistRepository(db.Pool, tracer)
	if db.Pool != nil {
		if err := priceRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run price migrations: %v", err)
		}
		if err := watchlistRepo.RunMigrations(ctx); err != nil {
			log.Fatalf("failed to run watchlist migrations: %v", err)
		}
	}

	// Upstream provider behind the shared request budget
	av := newAlphaVantageFunc(cfg.AlphaVantageAPIKey, tracer)
	limiter := ratelimit.New(cache.Client, "alphavantage", cfg.RateLimitPerMin, cfg.RateLimitPerDay)
	priceCache := cache.NewPriceCache(cache.Client)

	marketData := service.NewMarketDataService(tracer, av, priceRepo, priceCache, limiter, watchlistRepo)
	marketData.SetCacheTTL(time.Duration(cfg.HotCacheTTLSecs) * time.Second)

	// Background watchlist refresher (stopped by ctx cancel)
	refresher := newRefresherFunc(tracer, watchlistRepo, marketData, cfg.WatchlistPollSecs)
	startRefresherFunc(refresher, ctx)

	// Create handlers and routes
	h := newHandlerFunc(tracer, marketData)

	r := newRouterFunc()
	r.Use(otelgin.Middleware("paper-trader"))
	r.Use(handler.APIKeyAuth(cfg.MarketAPIKey))

	h.RegisterRoutes(r)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	waitForSignalFunc(quit)
	log.Println("Shutting down server...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFunc(srv, shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exiting")
}
