// Package eta estimates pickup arrival times via an external routing
// service. Estimates annotate offers only; candidate ranking never
// depends on them.
package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Client is the routing lookup used to annotate offers.
type Client interface {
	EstimateSeconds(from, to models.Coordinate) (float64, error)
}

// Estimator combines an optional routing client with a TTL cache and a
// straight-line fallback so offer annotation never blocks dispatch.
type Estimator struct {
	Client   Client
	Cache    *Cache
	SpeedMps float64
}

func (e *Estimator) EstimateSeconds(from, to models.Coordinate) (float64, error) {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if e.Client != nil {
		if v, err := e.Client.EstimateSeconds(from, to); err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return Naive(from, to, e.SpeedMps), nil
}

// Naive is distance over an assumed city speed.
func Naive(from, to models.Coordinate, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = 8.0 // ~28.8 km/h
	}
	return geo.DistanceKm(from, to) * 1000 / speedMps
}

// Cache is a small in-memory TTL cache keyed by the coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func pairKey(a, b models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coordinate) (float64, bool) {
	k := pairKey(a, b)
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

func (c *Cache) Set(a, b models.Coordinate, v float64) {
	k := pairKey(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
