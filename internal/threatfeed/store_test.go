package threatfeed

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
)

func newTestStore(t *testing.T, demo bool) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threat-feed.json")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(nil)
	t.Cleanup(bus.Close)
	s := NewStore(path, demo, bus, monitoring.NewMetrics(prometheus.NewRegistry()), log)
	return s, path
}

func TestMissingAndCorruptFileStartEmpty(t *testing.T) {
	s, path := newTestStore(t, false)
	assert.Empty(t, s.Active())

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(nil)
	defer bus.Close()
	s2 := NewStore(path, false, bus, monitoring.NewMetrics(prometheus.NewRegistry()), log)
	assert.Empty(t, s2.Active())
}

func TestIngestDefaultsAndTruncation(t *testing.T) {
	s, _ := newTestStore(t, false)

	added := s.Ingest([]Incoming{
		{Text: strings.Repeat("x", 600), Severity: "bogus", Source: strings.Repeat("s", 150)},
		{Text: ""}, // rejected: text is required
	})
	assert.Equal(t, 1, added)

	items := s.Active()
	require.Len(t, items, 1)
	assert.Len(t, items[0].Text, 500)
	assert.Equal(t, "medium", items[0].Severity)
	assert.Len(t, items[0].Source, 100)
	assert.NotEmpty(t, items[0].ID)
}

func TestSeverityIsCaseInsensitive(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Critical", "critical"},
		{"HIGH", "high"},
		{" low ", "low"},
		{"medium", "medium"},
		{"bogus", "medium"},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			s, _ := newTestStore(t, false)
			s.Ingest([]Incoming{{Text: "advisory", Severity: tc.in}})
			items := s.Active()
			require.Len(t, items, 1)
			assert.Equal(t, tc.want, items[0].Severity)
		})
	}
}

func TestSourceDefaultsToN8N(t *testing.T) {
	s, _ := newTestStore(t, false)
	s.Ingest([]Incoming{{Text: "advisory"}})
	items := s.Active()
	require.Len(t, items, 1)
	assert.Equal(t, "N8N", items[0].Source)
}

func TestCapAtFifty(t *testing.T) {
	s, _ := newTestStore(t, false)

	var wg sync.WaitGroup
	for i := 0; i < 51; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Ingest([]Incoming{{Text: "item"}})
		}()
	}
	wg.Wait()

	assert.Len(t, s.Active(), 50)
}

func TestExpiredItemsFilteredAndDemoFallback(t *testing.T) {
	s, _ := newTestStore(t, true)

	past := time.Now().Add(-time.Second)
	added := s.Ingest([]Incoming{{Text: "already expired", ExpiresAt: &past}})
	assert.Equal(t, 1, added) // stored...

	items := s.Active() // ...but filtered on read; empty list falls back to demo
	require.NotEmpty(t, items)
	for _, it := range items {
		assert.True(t, strings.HasPrefix(it.ID, "demo-"))
	}
}

func TestDemoDisabled(t *testing.T) {
	s, _ := newTestStore(t, false)
	assert.Empty(t, s.Active())
}

func TestDeletePersistsRemoval(t *testing.T) {
	s, path := newTestStore(t, false)

	s.Ingest([]Incoming{{Text: "keep"}, {Text: "remove"}})
	items := s.Active()
	require.Len(t, items, 2)

	var victim string
	for _, it := range items {
		if it.Text == "remove" {
			victim = it.ID
		}
	}
	require.NoError(t, s.Delete(victim))
	assert.ErrorIs(t, s.Delete(victim), ErrNotFound)

	// The persistence file no longer contains the deleted id.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var persisted []Item
	require.NoError(t, json.Unmarshal(data, &persisted))
	require.Len(t, persisted, 1)
	assert.Equal(t, "keep", persisted[0].Text)
}

func TestRestartYieldsSameActiveSet(t *testing.T) {
	s, path := newTestStore(t, false)
	s.Ingest([]Incoming{{Text: "one"}, {Text: "two", Severity: "high"}})
	before := s.Active()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(nil)
	defer bus.Close()
	s2 := NewStore(path, false, bus, monitoring.NewMetrics(prometheus.NewRegistry()), log)
	after := s2.Active()

	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
		assert.Equal(t, before[i].Text, after[i].Text)
		assert.Equal(t, before[i].Severity, after[i].Severity)
	}
}

func TestIngestBroadcastsActiveSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.json")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(nil)
	defer bus.Close()
	s := NewStore(path, false, bus, monitoring.NewMetrics(prometheus.NewRegistry()), log)

	got := make(chan []Item, 1)
	bus.Subscribe(events.TopicThreatFeed, "t", func(payload any) {
		got <- payload.([]Item)
	})

	s.Ingest([]Incoming{{Text: "broadcast me"}})

	select {
	case items := <-got:
		require.Len(t, items, 1)
		assert.Equal(t, "broadcast me", items[0].Text)
	case <-time.After(time.Second):
		t.Fatal("no broadcast on ingest")
	}
}
