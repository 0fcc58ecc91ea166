package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"tradingagent/internal/candle"
)

// CachedGateway decorates a Gateway with a Redis read-through cache for
// historical/latest-closed lookups, with graceful degradation when Redis is
// unavailable. Grounded on internal/cache/cache_service.go's self-tracking
// health/circuit pattern (failure count, healthy flag, recovery backoff),
// re-keyed from settings caching to candle caching.
type CachedGateway struct {
	inner  Gateway
	client *redis.Client
	ttl    time.Duration
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures     int
	checkInterval   time.Duration
}

// NewCachedGateway builds a CachedGateway. If the initial ping fails, the
// gateway starts in degraded mode and falls straight through to inner
// without caching until a later health check recovers it.
func NewCachedGateway(inner Gateway, redisAddr, redisPassword string, db, poolSize int, ttl time.Duration, log zerolog.Logger) *CachedGateway {
	client := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           db,
		PoolSize:     poolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	cg := &CachedGateway{
		inner:         inner,
		client:        client,
		ttl:           ttl,
		log:           log.With().Str("component", "marketdata_cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		cg.log.Warn().Err(err).Msg("initial redis connection failed, starting in degraded mode")
		return cg
	}
	cg.healthy = true
	cg.lastCheck = time.Now()
	return cg
}

func (cg *CachedGateway) recordFailure() {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.failureCount++
	if cg.failureCount >= cg.maxFailures && cg.healthy {
		cg.log.Warn().Int("failures", cg.failureCount).Msg("market data cache marked unhealthy")
		cg.healthy = false
	}
}

func (cg *CachedGateway) recordSuccess() {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	if !cg.healthy {
		cg.log.Info().Msg("market data cache recovered")
	}
	cg.healthy = true
	cg.failureCount = 0
	cg.lastCheck = time.Now()
}

func (cg *CachedGateway) isHealthy() bool {
	cg.mu.RLock()
	defer cg.mu.RUnlock()
	if cg.healthy {
		return true
	}
	if time.Since(cg.lastCheck) < cg.checkInterval {
		return false
	}
	return false // recovery only confirmed by a successful op, checked lazily below
}

func (cg *CachedGateway) maybeRecheck(ctx context.Context) {
	cg.mu.RLock()
	shouldCheck := !cg.healthy && time.Since(cg.lastCheck) >= cg.checkInterval
	cg.mu.RUnlock()
	if !shouldCheck {
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := cg.client.Ping(pingCtx).Err(); err == nil {
		cg.recordSuccess()
	} else {
		cg.mu.Lock()
		cg.lastCheck = time.Now()
		cg.mu.Unlock()
	}
}

func historicalKey(asset string, tf candle.Timeframe, start, end time.Time) string {
	return fmt.Sprintf("marketdata:historical:%s:%s:%d:%d", asset, tf, start.Unix(), end.Unix())
}

func latestKey(asset string, tf candle.Timeframe) string {
	return fmt.Sprintf("marketdata:latest:%s:%s", asset, tf)
}

// Historical serves from Redis when healthy and present, otherwise falls
// through to the wrapped gateway and (if healthy) populates the cache.
func (cg *CachedGateway) Historical(ctx context.Context, asset string, tf candle.Timeframe, start, end time.Time) ([]candle.Candle, error) {
	cg.maybeRecheck(ctx)
	key := historicalKey(asset, tf, start, end)

	if cg.isHealthy() {
		if raw, err := cg.client.Get(ctx, key).Bytes(); err == nil {
			var cached []candle.Candle
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				cg.recordSuccess()
				return cached, nil
			}
		}
	}

	candles, err := cg.inner.Historical(ctx, asset, tf, start, end)
	if err != nil {
		return nil, err
	}

	if cg.isHealthy() {
		if body, marshalErr := json.Marshal(candles); marshalErr == nil {
			if setErr := cg.client.Set(ctx, key, body, cg.ttl).Err(); setErr != nil {
				cg.recordFailure()
			} else {
				cg.recordSuccess()
			}
		}
	}
	return candles, nil
}

// LatestClosed serves a short-TTL cache of the most recently closed candle
// to absorb repeated polling within one timeframe period.
func (cg *CachedGateway) LatestClosed(ctx context.Context, asset string, tf candle.Timeframe) (*candle.Candle, error) {
	cg.maybeRecheck(ctx)
	key := latestKey(asset, tf)

	if cg.isHealthy() {
		if raw, err := cg.client.Get(ctx, key).Bytes(); err == nil {
			var cached candle.Candle
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				cg.recordSuccess()
				return &cached, nil
			}
		}
	}

	c, err := cg.inner.LatestClosed(ctx, asset, tf)
	if err != nil || c == nil {
		return c, err
	}

	if cg.isHealthy() {
		if body, marshalErr := json.Marshal(c); marshalErr == nil {
			shortTTL := tf.Duration()
			if shortTTL <= 0 {
				shortTTL = cg.ttl
			}
			if setErr := cg.client.Set(ctx, key, body, shortTTL).Err(); setErr != nil {
				cg.recordFailure()
			} else {
				cg.recordSuccess()
			}
		}
	}
	return c, nil
}

// CurrentPrice is never cached (it is meant to be near-real-time); it
// passes straight through to the wrapped gateway.
func (cg *CachedGateway) CurrentPrice(ctx context.Context, asset string) (*CurrentPrice, error) {
	return cg.inner.CurrentPrice(ctx, asset)
}

// Close releases the Redis client.
func (cg *CachedGateway) Close() error {
	return cg.client.Close()
}
