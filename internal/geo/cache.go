// Package geo resolves IPv4 addresses to coordinates via a MaxMind city
// database, fronted by a bounded TTL cache. Firewall logs are dominated by
// private addresses, so negative results are cached with the same weight as
// positive ones.
package geo

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/oschwald/geoip2-golang"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
)

// ErrNotReady is returned by Get before the database load has completed.
// The database open is slow and runs asynchronously at startup; callers
// degrade to a nil result rather than block.
var ErrNotReady = errors.New("geoip database not loaded yet")

const (
	cacheMax = 10_000
	// cacheTTL is fixed, not sliding: a hot private IP must still expire
	// and re-resolve once an hour.
	cacheTTL = time.Hour

	warnAfterLookups = 100
	warnHitRate      = 0.80
)

// Data is a resolved location. A nil *Data is itself a legitimate cached
// value meaning "known to be unresolvable".
type Data struct {
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	City        string  `json:"city,omitempty"`
	Country     string  `json:"country,omitempty"`
	CountryName string  `json:"countryName,omitempty"`
}

// CityReader is the slice of *geoip2.Reader the cache depends on.
type CityReader interface {
	City(ip net.IP) (*geoip2.City, error)
}

// Stats is a point-in-time snapshot of cache effectiveness.
type Stats struct {
	Hits      int64
	Misses    int64
	HitRate   float64
	Size      int
	Max       int
	StartTime time.Time
}

// Cache wraps the MMDB reader with an LRU-evicting TTL cache.
type Cache struct {
	log     *slog.Logger
	metrics *monitoring.Metrics
	items   *ttlcache.Cache[string, *Data]

	mu     sync.RWMutex
	reader CityReader
	closer interface{ Close() error }

	hits   atomic.Int64
	misses atomic.Int64
	start  time.Time
}

// NewCache creates the cache. Call Open (or have it run in the background)
// before lookups can succeed.
func NewCache(metrics *monitoring.Metrics, log *slog.Logger) *Cache {
	items := ttlcache.New[string, *Data](
		ttlcache.WithTTL[string, *Data](cacheTTL),
		ttlcache.WithCapacity[string, *Data](cacheMax),
		ttlcache.WithDisableTouchOnHit[string, *Data](),
	)
	go items.Start()

	return &Cache{
		log:     log.With("component", "geo"),
		metrics: metrics,
		items:   items,
		start:   time.Now(),
	}
}

// Open loads the MMDB file and arms the cache. Safe to call from a goroutine;
// Get returns ErrNotReady until it completes.
func (c *Cache) Open(path string) error {
	reader, err := geoip2.Open(path)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.reader = reader
	c.closer = reader
	c.mu.Unlock()
	c.log.Info("geoip database loaded", "path", path)
	return nil
}

// setReader swaps in a reader directly (tests).
func (c *Cache) setReader(r CityReader) {
	c.mu.Lock()
	c.reader = r
	c.mu.Unlock()
}

// Get resolves one IP. Invalid input returns (nil, nil) and is never cached:
// bad keys would pollute the keyspace. A cached nil is a hit. Reader errors
// are logged, return nil, and the nil is cached.
func (c *Cache) Get(ip string) (*Data, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil || !addr.Is4() {
		return nil, nil
	}

	c.mu.RLock()
	reader := c.reader
	c.mu.RUnlock()
	if reader == nil {
		return nil, ErrNotReady
	}

	// Explicit membership check: a present-but-nil entry is a hit, which
	// is exactly how negative caching stays cheap.
	if item := c.items.Get(ip); item != nil {
		c.hits.Add(1)
		c.metrics.GeoHits.Inc()
		return item.Value(), nil
	}

	c.misses.Add(1)
	c.metrics.GeoMisses.Inc()

	data := c.resolve(reader, ip)
	c.items.Set(ip, data, ttlcache.DefaultTTL)
	return data, nil
}

func (c *Cache) resolve(reader CityReader, ip string) *Data {
	rec, err := reader.City(net.ParseIP(ip))
	if err != nil {
		c.log.Warn("geoip lookup failed", "ip", ip, "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	// The MMDB returns an empty record, not an error, for addresses it
	// has no row for (private ranges, bogons).
	if rec.Country.IsoCode == "" && rec.Location.Latitude == 0 && rec.Location.Longitude == 0 {
		return nil
	}
	return &Data{
		Latitude:    rec.Location.Latitude,
		Longitude:   rec.Location.Longitude,
		City:        rec.City.Names["en"],
		Country:     rec.Country.IsoCode,
		CountryName: rec.Country.Names["en"],
	}
}

// Stats snapshots the counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Hits:      hits,
		Misses:    misses,
		HitRate:   rate,
		Size:      c.items.Len(),
		Max:       cacheMax,
		StartTime: c.start,
	}
}

// RunStatsLogger logs cache effectiveness at the given interval until ctx is
// cancelled, warning when the hit rate stays low after a meaningful number of
// lookups.
func (c *Cache) RunStatsLogger(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s := c.Stats()
			c.log.Info("geo cache stats",
				"hits", s.Hits,
				"misses", s.Misses,
				"hit_rate_pct", int(s.HitRate*100),
				"size", s.Size,
				"max", s.Max,
			)
			if s.Hits+s.Misses >= warnAfterLookups && s.HitRate < warnHitRate {
				c.log.Warn("geo cache hit rate below 80%; check for high-cardinality source IPs",
					"hit_rate_pct", int(s.HitRate*100))
			}
		}
	}
}

// Close stops the cache janitor and releases the MMDB reader.
func (c *Cache) Close() {
	c.items.Stop()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		c.closer.Close()
		c.closer = nil
	}
	c.reader = nil
}
