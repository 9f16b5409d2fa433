// Package readcache memoises the latest device status for a short TTL so
// that bursts of API reads do not each hit the Tuya cloud.
package readcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nicktill/tinyair/pkg/metrics"
	"github.com/nicktill/tinyair/pkg/tuya"
)

// Fetcher is the upstream read the cache wraps. *tuya.Fetcher satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, deviceID string) (*tuya.Payload, error)
}

// Cache holds the most recent fetch outcome for one device.
// Both payloads and errors are served until the entry is older than the TTL.
type Cache struct {
	fetcher  Fetcher
	deviceID string
	ttl      time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time

	mu        sync.Mutex
	payload   *tuya.Payload
	err       error
	fetchedAt time.Time
	filled    bool
}

// New creates a cache in front of fetcher for deviceID.
func New(fetcher Fetcher, deviceID string, ttl time.Duration, m *metrics.Metrics) *Cache {
	return &Cache{
		fetcher:  fetcher,
		deviceID: deviceID,
		ttl:      ttl,
		metrics:  m,
		now:      time.Now,
	}
}

// Get returns the cached outcome while it is fresh, otherwise fetches and stores a new one.
// Concurrent callers during a fetch wait for it and share its result.
func (c *Cache) Get(ctx context.Context) (*tuya.Payload, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.filled && c.now().Sub(c.fetchedAt) < c.ttl {
		c.metrics.CacheLookup(true)
		return c.payload, c.err
	}
	c.metrics.CacheLookup(false)

	p, err := c.fetcher.Fetch(ctx, c.deviceID)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// The caller gave up; the next caller should not inherit that.
		return nil, err
	}

	c.payload = p
	c.err = err
	c.fetchedAt = c.now()
	c.filled = true
	return p, err
}

// Reset drops the cached entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.payload = nil
	c.err = nil
	c.filled = false
}
