// Package redis is the latest-quote speed layer. Every sync cycle caches
// its fetched quotes so /ltp can answer from here when the market is
// closed. Best effort: cache failures are logged and ignored.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/mehtaportfolio/mehta-ao-prices/internal/model"
)

// Quotes older than a trading day are useless: the next LCP cycle rewrites
// them anyway.
const defaultQuoteTTL = 24 * time.Hour

// CacheConfig configures the Redis quote cache.
type CacheConfig struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
}

// Cache stores the newest quote per instrument under quote:{exchange}:{token}.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
}

// Client returns the underlying Redis client for health checks.
func (c *Cache) Client() *goredis.Client { return c.client }

// NewCache connects to Redis and pings the server.
func NewCache(cfg CacheConfig) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return &Cache{client: client, ttl: defaultQuoteTTL}, nil
}

func quoteKey(exchange, token string) string {
	return "quote:" + exchange + ":" + token
}

// StoreQuotes caches every quote in the slice. Pipelined; a failed pipeline
// is logged, never propagated.
func (c *Cache) StoreQuotes(ctx context.Context, fetched []model.Quote) {
	if len(fetched) == 0 {
		return
	}
	pipe := c.client.Pipeline()
	for _, q := range fetched {
		data, err := json.Marshal(q)
		if err != nil {
			continue
		}
		pipe.Set(ctx, quoteKey(q.Exchange, q.SymbolToken), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[redis] quote cache write failed: %v", err)
	}
}

// Quote returns the cached quote for one instrument, or nil when absent.
func (c *Cache) Quote(ctx context.Context, exchange, token string) (*model.Quote, error) {
	data, err := c.client.Get(ctx, quoteKey(exchange, token)).Bytes()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get quote: %w", err)
	}
	var q model.Quote
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("redis decode quote: %w", err)
	}
	return &q, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}
