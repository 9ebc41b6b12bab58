package config

import (
	"log"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DatabaseURL        string
	RedisURL           string
	AlphaVantageAPIKey string
	MarketAPIKey       string
	Port               int

	RateLimitPerMin   int
	RateLimitPerDay   int
	HotCacheTTLSecs   int
	WatchlistPollSecs int
}

func Load() *Config {
	cfg := &Config{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AlphaVantageAPIKey: os.Getenv("ALPHAVANTAGE_API_KEY"),
		MarketAPIKey:       os.Getenv("MARKET_API_KEY"),
		RedisURL:           os.Getenv("REDIS_URL"),
	}

	if cfg.DatabaseURL == "" {
		log.Println("Warning: DATABASE_URL not set")
	}
	if cfg.AlphaVantageAPIKey == "" {
		log.Println("Warning: ALPHAVANTAGE_API_KEY not set, upstream fetches will fail")
	}
	if cfg.MarketAPIKey == "" {
		log.Println("Warning: MARKET_API_KEY not set, API auth disabled")
	}
	if cfg.RedisURL == "" {
		log.Println("Warning: REDIS_URL not set, defaulting to localhost:6379")
		cfg.RedisURL = "localhost:6379"
	}

	cfg.Port = 8080
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}

	cfg.RateLimitPerMin = 5
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_PER_MIN")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPerMin = n
		}
	}

	cfg.RateLimitPerDay = 500
	if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_PER_DAY")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RateLimitPerDay = n
		}
	}

	cfg.HotCacheTTLSecs = 3600
	if v := strings.TrimSpace(os.Getenv("HOT_CACHE_TTL_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.HotCacheTTLSecs = n
		}
	}

	cfg.WatchlistPollSecs = 60
	if v := strings.TrimSpace(os.Getenv("WATCHLIST_POLL_SECS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WatchlistPollSecs = n
		}
	}

	return cfg
}
