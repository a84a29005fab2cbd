// SPDX-License-Identifier: MIT

// Package ledger tracks which (source, item, provider) triples have already
// been shared, plus a value cache keyed by (source, item) so one upstream
// fetch can serve several providers.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/holdernet/holdgate/internal/log"
	"github.com/holdernet/holdgate/internal/metrics"
)

// Config holds Redis connection settings and entry lifetimes. A zero TTL
// keeps entries forever.
type Config struct {
	Addr     string
	Password string
	DB       int
	ShareTTL time.Duration
	CacheTTL time.Duration
}

// Ledger is the Redis-backed deduplication and cache store.
type Ledger struct {
	client   *redis.Client
	shareTTL time.Duration
	cacheTTL time.Duration
	logger   zerolog.Logger
}

// New connects to Redis and verifies the connection.
func New(cfg Config) (*Ledger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ledger: redis connection failed: %w", err)
	}

	return &Ledger{
		client:   client,
		shareTTL: cfg.ShareTTL,
		cacheTTL: cfg.CacheTTL,
		logger:   log.WithComponent("ledger"),
	}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(client *redis.Client, shareTTL, cacheTTL time.Duration) *Ledger {
	return &Ledger{
		client:   client,
		shareTTL: shareTTL,
		cacheTTL: cacheTTL,
		logger:   log.WithComponent("ledger"),
	}
}

func shareKey(dataSourceID, dataItemID, serviceProviderID string) string {
	return fmt.Sprintf("share:%s:%s:%s", dataSourceID, dataItemID, serviceProviderID)
}

func cacheKey(dataSourceID, dataItemID string) string {
	return fmt.Sprintf("cache:%s:%s", dataSourceID, dataItemID)
}

// AlreadyShared reports whether the item was previously delivered to the
// provider. Callers must consult this before fetching the item upstream.
func (l *Ledger) AlreadyShared(ctx context.Context, dataSourceID, dataItemID, serviceProviderID string) (bool, error) {
	n, err := l.client.Exists(ctx, shareKey(dataSourceID, dataItemID, serviceProviderID)).Result()
	if err != nil {
		return false, fmt.Errorf("ledger: dedup check: %w", err)
	}
	if n > 0 {
		metrics.IncLedgerCheck("duplicate")
		return true, nil
	}
	metrics.IncLedgerCheck("new")
	return false, nil
}

// MarkShared records a delivery. The write is insert-if-absent, so replayed
// deliveries leave the original timestamp in place.
func (l *Ledger) MarkShared(ctx context.Context, dataSourceID, dataItemID, serviceProviderID string) error {
	key := shareKey(dataSourceID, dataItemID, serviceProviderID)
	set, err := l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), l.shareTTL).Result()
	if err != nil {
		return fmt.Errorf("ledger: mark shared: %w", err)
	}
	if !set {
		l.logger.Debug().
			Str("event", "ledger.duplicate_mark").
			Str(log.FieldDataSource, dataSourceID).
			Str(log.FieldDataItem, dataItemID).
			Str(log.FieldProviderID, serviceProviderID).
			Msg("share already recorded")
	}
	return nil
}

// CachedValue returns the cached payload for an item, or (nil, nil) on a
// cache miss.
func (l *Ledger) CachedValue(ctx context.Context, dataSourceID, dataItemID string) (json.RawMessage, error) {
	val, err := l.client.Get(ctx, cacheKey(dataSourceID, dataItemID)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheLookup("miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: cache get: %w", err)
	}
	metrics.IncCacheLookup("hit")
	return json.RawMessage(val), nil
}

// StoreCached saves a fetched payload for reuse by later shares of the same
// item.
func (l *Ledger) StoreCached(ctx context.Context, dataSourceID, dataItemID string, value json.RawMessage) error {
	if err := l.client.Set(ctx, cacheKey(dataSourceID, dataItemID), []byte(value), l.cacheTTL).Err(); err != nil {
		return fmt.Errorf("ledger: cache set: %w", err)
	}
	return nil
}

// Close releases the Redis connection pool.
func (l *Ledger) Close() error {
	return l.client.Close()
}
