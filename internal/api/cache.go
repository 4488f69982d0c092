package api

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/resident-x/go-victron/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// CacheConfig holds configuration for the reading cache.
type CacheConfig struct {
	// StaleAfter is how long a reading stays fresh
	StaleAfter time.Duration
	// MaxDevices bounds the number of cached readings. Each reading costs 1.
	MaxDevices int64
	// BufferItems is the number of keys per Get buffer
	BufferItems int64
}

// DefaultCacheConfig returns defaults for a trailer-sized installation.
func DefaultCacheConfig(staleAfter time.Duration) CacheConfig {
	return CacheConfig{
		StaleAfter:  staleAfter,
		MaxDevices:  1024,
		BufferItems: 64,
	}
}

// ReadingCache holds the latest reading per device and forgets it once it is
// older than StaleAfter. It is a domain.ReadingSink.
type ReadingCache struct {
	cache      *ristretto.Cache
	staleAfter time.Duration
	logger     zerolog.Logger
}

// NewReadingCache creates the freshness cache.
func NewReadingCache(cfg CacheConfig) (*ReadingCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxDevices * 10,
		MaxCost:     cfg.MaxDevices,
		BufferItems: cfg.BufferItems,
		// Cost counts readings, not bytes.
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}

	return &ReadingCache{
		cache:      cache,
		staleAfter: cfg.StaleAfter,
		logger:     log.With().Str("component", "cache").Logger(),
	}, nil
}

// Name implements domain.ReadingSink.
func (c *ReadingCache) Name() string {
	return "cache"
}

// Publish implements domain.ReadingSink. Readings are copied before caching.
func (c *ReadingCache) Publish(_ context.Context, reading *domain.Reading) error {
	r := *reading
	if !c.cache.SetWithTTL(r.MAC, &r, 1, c.staleAfter) {
		c.logger.Debug().Str("mac", r.MAC).Msg("Reading rejected by cache")
	}
	// Make the reading visible to the next Get.
	c.cache.Wait()
	return nil
}

// Get returns the fresh reading for mac, if any.
func (c *ReadingCache) Get(mac string) (*domain.Reading, bool) {
	v, ok := c.cache.Get(mac)
	if !ok {
		return nil, false
	}
	r, ok := v.(*domain.Reading)
	return r, ok
}

// Fresh returns the fresh readings for the given MACs, preserving order.
func (c *ReadingCache) Fresh(macs []string) []*domain.Reading {
	readings := make([]*domain.Reading, 0, len(macs))
	for _, mac := range macs {
		if r, ok := c.Get(mac); ok {
			readings = append(readings, r)
		}
	}
	return readings
}

// StaleAfter returns the freshness window.
func (c *ReadingCache) StaleAfter() time.Duration {
	return c.staleAfter
}

// Close implements domain.ReadingSink.
func (c *ReadingCache) Close() error {
	c.cache.Close()
	return nil
}
