package geo

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"

	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
)

// fakeReader serves canned city records and counts reader traffic.
type fakeReader struct {
	calls   int
	records map[string]*geoip2.City
	err     error
}

func (f *fakeReader) City(ip net.IP) (*geoip2.City, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	if rec, ok := f.records[ip.String()]; ok {
		return rec, nil
	}
	return &geoip2.City{}, nil // empty record, MMDB style
}

func cityRecord(lat, lon float64, iso, name, city string) *geoip2.City {
	rec := &geoip2.City{}
	rec.Location.Latitude = lat
	rec.Location.Longitude = lon
	rec.Country.IsoCode = iso
	rec.Country.Names = map[string]string{"en": name}
	rec.City.Names = map[string]string{"en": city}
	return rec
}

func newTestCache(t *testing.T, reader CityReader) *Cache {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewCache(monitoring.NewMetrics(prometheus.NewRegistry()), log)
	t.Cleanup(c.Close)
	if reader != nil {
		c.setReader(reader)
	}
	return c
}

func TestGetBeforeOpenIsAnError(t *testing.T) {
	c := newTestCache(t, nil)
	_, err := c.Get("8.8.8.8")
	assert.ErrorIs(t, err, ErrNotReady)
}

// A missing or unreadable database file must surface as an Open error; the
// process treats that as fatal misconfiguration rather than running blind.
func TestOpenMissingDatabaseFails(t *testing.T) {
	c := newTestCache(t, nil)
	err := c.Open(filepath.Join(t.TempDir(), "no-such.mmdb"))
	require.Error(t, err)

	_, err = c.Get("8.8.8.8")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestHitMissSequence(t *testing.T) {
	reader := &fakeReader{records: map[string]*geoip2.City{
		"8.8.8.8": cityRecord(37.4, -122.0, "US", "United States", "Mountain View"),
	}}
	c := newTestCache(t, reader)

	// Miss, fill.
	d, err := c.Get("8.8.8.8")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "US", d.Country)
	assert.Equal(t, "United States", d.CountryName)

	// Hit: reader untouched.
	d2, err := c.Get("8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, d, d2)
	assert.Equal(t, 1, reader.calls)

	// Private IP: miss, negative fill.
	d3, err := c.Get("192.168.1.1")
	require.NoError(t, err)
	assert.Nil(t, d3)

	// Cached negative: hit returning nil, reader untouched.
	d4, err := c.Get("192.168.1.1")
	require.NoError(t, err)
	assert.Nil(t, d4)
	assert.Equal(t, 2, reader.calls)

	s := c.Stats()
	assert.EqualValues(t, 2, s.Hits)
	assert.EqualValues(t, 2, s.Misses)
	assert.InDelta(t, 0.5, s.HitRate, 0.001)
}

func TestInvalidInputIsNotCached(t *testing.T) {
	reader := &fakeReader{}
	c := newTestCache(t, reader)

	for _, ip := range []string{"", "::1", "256.0.0.0", "8.8.8.8:53", "hostname"} {
		d, err := c.Get(ip)
		assert.NoError(t, err, ip)
		assert.Nil(t, d, ip)
	}
	assert.Zero(t, reader.calls)
	assert.Zero(t, c.Stats().Size)
}

func TestReaderErrorIsCachedAsNegative(t *testing.T) {
	reader := &fakeReader{err: errors.New("corrupt db page")}
	c := newTestCache(t, reader)

	d, err := c.Get("203.0.113.7")
	require.NoError(t, err)
	assert.Nil(t, d)

	// Second lookup is a hit on the cached nil.
	_, err = c.Get("203.0.113.7")
	require.NoError(t, err)
	assert.Equal(t, 1, reader.calls)
}
