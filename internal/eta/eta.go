package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the interface used by the engine to estimate pickup ETAs.
type Client interface {
	EstimateSeconds(from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for ETA lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lon, c.Lat)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a Client with the TTL cache.
type Cached struct {
	Client Client
	Cache  *Cache
}

func (c *Cached) EstimateSeconds(from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Client.EstimateSeconds(from, to)
	if err != nil {
		return 0, err
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}

// Naive ETA: distance / speed_mps. In prod use a routing engine.
func EstimateSeconds(from, to models.Coord, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return d / speedMps
}
