// Package cache provides Redis-backed caching for market data with
// graceful degradation to an in-process store when Redis is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrCacheMiss is returned when the key is absent in both tiers.
var ErrCacheMiss = errors.New("cache miss")

// Key patterns for market data.
const (
	prefixTickers = "md:tickers"
	prefixMarkets = "md:markets"
	prefixKlines  = "md:klines:%s:%s" // symbol, interval
)

// Default TTLs for market data. Klines can be cached longer since closed
// candles never change.
const (
	DefaultTickerTTL = 5 * time.Second
	DefaultMarketTTL = 5 * time.Minute
	DefaultKlineTTL  = 30 * time.Second
)

// Config holds Redis connection settings. An empty Addr disables Redis
// entirely and the service runs on the in-process tier alone.
type Config struct {
	Addr     string
	Password string
	DB       int
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// Service is a two-tier cache. Redis is the primary tier; a small TTL map
// covers Redis outages. A circuit breaker stops hammering a dead Redis.
type Service struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration

	memMu  sync.RWMutex
	memory map[string]memoryEntry
}

// New creates the cache service. Redis connectivity is verified once; a
// failed ping leaves the service in degraded mode rather than failing
// startup.
func New(cfg Config, logger zerolog.Logger) *Service {
	s := &Service{
		logger:        logger.With().Str("component", "Cache").Logger(),
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		memory:        make(map[string]memoryEntry),
	}

	if cfg.Addr == "" {
		s.logger.Info().Msg("Redis not configured, using in-process cache only")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("Initial Redis connection failed, running degraded")
		return s
	}

	s.healthy = true
	s.lastCheck = time.Now()
	s.logger.Info().Str("addr", cfg.Addr).Msg("Redis connected")
	return s
}

// IsHealthy reports whether the Redis tier is usable.
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil && s.healthy
}

func (s *Service) recordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.failureCount >= s.maxFailures {
		if s.healthy {
			s.logger.Warn().Int("failures", s.failureCount).Msg("Circuit breaker open, Redis marked unhealthy")
		}
		s.healthy = false
	}
}

func (s *Service) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.healthy && s.client != nil {
		s.logger.Info().Msg("Circuit breaker closed, Redis recovered")
	}
	s.healthy = true
	s.failureCount = 0
	s.lastCheck = time.Now()
}

// checkHealth pings Redis in the background when the breaker has been open
// long enough.
func (s *Service) checkHealth() {
	s.mu.RLock()
	shouldCheck := s.client != nil && !s.healthy && time.Since(s.lastCheck) >= s.checkInterval
	s.mu.RUnlock()

	if !shouldCheck {
		return
	}

	s.mu.Lock()
	s.lastCheck = time.Now()
	s.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := s.client.Ping(ctx).Err(); err == nil {
			s.recordSuccess()
		}
	}()
}

// GetJSON retrieves and unmarshals a cached value, trying Redis first and
// the in-process tier second.
func (s *Service) GetJSON(ctx context.Context, key string, dest interface{}) error {
	s.checkHealth()

	if s.IsHealthy() {
		data, err := s.client.Get(ctx, key).Bytes()
		if err == nil {
			s.recordSuccess()
			return json.Unmarshal(data, dest)
		}
		if !errors.Is(err, redis.Nil) {
			s.recordFailure()
		}
	}

	s.memMu.RLock()
	entry, ok := s.memory[key]
	s.memMu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return ErrCacheMiss
	}
	return json.Unmarshal(entry.data, dest)
}

// SetJSON marshals and stores a value in both tiers.
func (s *Service) SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal cached value: %w", err)
	}

	s.memMu.Lock()
	s.memory[key] = memoryEntry{data: data, expiresAt: time.Now().Add(ttl)}
	s.memMu.Unlock()

	if !s.IsHealthy() {
		return nil
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		s.recordFailure()
		return nil
	}
	s.recordSuccess()
	return nil
}

// Delete removes a key from both tiers.
func (s *Service) Delete(ctx context.Context, key string) {
	s.memMu.Lock()
	delete(s.memory, key)
	s.memMu.Unlock()

	if s.IsHealthy() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.recordFailure()
		}
	}
}

// PruneMemory drops expired in-process entries. Called periodically so the
// fallback tier does not grow without bound during long Redis outages.
func (s *Service) PruneMemory() int {
	now := time.Now()
	s.memMu.Lock()
	defer s.memMu.Unlock()

	removed := 0
	for key, entry := range s.memory {
		if now.After(entry.expiresAt) {
			delete(s.memory, key)
			removed++
		}
	}
	return removed
}

// Stats reports cache health for the dashboard.
type Stats struct {
	RedisConfigured bool `json:"redis_configured"`
	Healthy         bool `json:"healthy"`
	FailureCount    int  `json:"failure_count"`
	MemoryEntries   int  `json:"memory_entries"`
}

// GetStats returns a health snapshot.
func (s *Service) GetStats() Stats {
	s.mu.RLock()
	healthy := s.healthy
	failures := s.failureCount
	configured := s.client != nil
	s.mu.RUnlock()

	s.memMu.RLock()
	entries := len(s.memory)
	s.memMu.RUnlock()

	return Stats{
		RedisConfigured: configured,
		Healthy:         configured && healthy,
		FailureCount:    failures,
		MemoryEntries:   entries,
	}
}

// Close releases the Redis connection.
func (s *Service) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// TickersKey returns the cache key for the ticker snapshot.
func TickersKey() string { return prefixTickers }

// MarketsKey returns the cache key for the market catalog.
func MarketsKey() string { return prefixMarkets }

// KlinesKey returns the cache key for one symbol's candles at an interval.
func KlinesKey(symbol, interval string) string {
	return fmt.Sprintf(prefixKlines, symbol, interval)
}
