// Package threatfeed maintains the small durable list of threat advisories
// shown on the dashboard. The list is authoritative in memory, persisted to
// disk on every mutation, and broadcast to connected clients via the bus.
package threatfeed

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/parser"
)

// ErrNotFound is returned by Delete for an unknown id.
var ErrNotFound = errors.New("threat feed item not found")

const (
	maxItems     = 50
	maxTextLen   = 500
	maxSourceLen = 100

	defaultSeverity = "medium"
	defaultSource   = "N8N"
)

var validSeverities = map[string]bool{
	"critical": true,
	"high":     true,
	"medium":   true,
	"low":      true,
}

// Item is one advisory. ExpiresAt nil means the item never expires; expiry is
// evaluated lazily on every read.
type Item struct {
	ID        string     `json:"id"`
	Text      string     `json:"text"`
	Severity  string     `json:"severity"`
	Source    string     `json:"source"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Incoming is the ingest body shape for one item. Only Text is required.
type Incoming struct {
	Text      string     `json:"text"`
	Severity  string     `json:"severity"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Store is the bounded, file-backed advisory list.
type Store struct {
	path    string
	demo    bool
	log     *slog.Logger
	bus     *events.Bus
	metrics *monitoring.Metrics
	now     func() time.Time

	mu    sync.Mutex
	items []Item
}

// NewStore loads the persisted feed. A missing or corrupt file starts an
// empty list; that is not an error.
func NewStore(path string, demo bool, bus *events.Bus, metrics *monitoring.Metrics, log *slog.Logger) *Store {
	s := &Store{
		path:    path,
		demo:    demo,
		bus:     bus,
		metrics: metrics,
		log:     log.With("component", "threatfeed"),
		now:     time.Now,
	}
	s.load()
	return s
}

func (s *Store) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("could not read threat feed file; starting empty", "error", err)
		}
		return
	}
	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		s.log.Warn("threat feed file is corrupt; starting empty", "error", err)
		return
	}
	s.items = items
	s.log.Info("threat feed loaded", "items", len(items))
}

// Active returns the non-expired items, newest first. When the live list is
// empty and demo mode is on, the built-in demo advisories are returned so a
// fresh dashboard never renders an empty feed.
func (s *Store) Active() []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeLocked()
}

func (s *Store) activeLocked() []Item {
	now := s.now()
	active := make([]Item, 0, len(s.items))
	for _, it := range s.items {
		if it.ExpiresAt != nil && !it.ExpiresAt.After(now) {
			continue
		}
		active = append(active, it)
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].CreatedAt.After(active[j].CreatedAt)
	})
	s.metrics.FeedItems.Set(float64(len(active)))
	if len(active) == 0 && s.demo {
		return demoItems()
	}
	return active
}

// Ingest validates and stores the given advisories, evicting oldest over the
// cap, persisting, and broadcasting the new active set. Returns how many
// items were accepted.
func (s *Store) Ingest(incoming []Incoming) int {
	s.mu.Lock()

	added := 0
	now := s.now()
	for _, in := range incoming {
		if in.Text == "" {
			continue
		}
		item := Item{
			ID:        uuid.NewString(),
			Text:      parser.Truncate(in.Text, maxTextLen),
			Severity:  normalizeSeverity(in.Severity),
			Source:    normalizeSource(in.Source),
			CreatedAt: now,
			ExpiresAt: in.ExpiresAt,
		}
		s.items = append(s.items, item)
		added++
	}
	if added == 0 {
		s.mu.Unlock()
		return 0
	}

	// Trim to the newest 50. Items are appended in arrival order, so the
	// front of the slice is the oldest.
	if len(s.items) > maxItems {
		s.items = s.items[len(s.items)-maxItems:]
	}

	s.persistLocked()
	active := s.activeLocked()
	s.mu.Unlock()

	s.bus.Publish(events.TopicThreatFeed, active)
	return added
}

// Delete removes one item by id, persists, and broadcasts.
func (s *Store) Delete(id string) error {
	s.mu.Lock()

	idx := -1
	for i, it := range s.items {
		if it.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.items = append(s.items[:idx], s.items[idx+1:]...)

	s.persistLocked()
	active := s.activeLocked()
	s.mu.Unlock()

	s.bus.Publish(events.TopicThreatFeed, active)
	return nil
}

// persistLocked writes the full list synchronously while the lock is held.
// A write failure is logged and ignored: memory state stays authoritative.
func (s *Store) persistLocked() {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("threat feed persist failed", "error", err)
		return
	}
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		s.log.Warn("threat feed persist failed", "error", err)
		return
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		s.log.Warn("threat feed persist failed", "error", err)
	}
}

func normalizeSeverity(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if validSeverities[s] {
		return s
	}
	return defaultSeverity
}

func normalizeSource(raw string) string {
	if raw == "" {
		return defaultSource
	}
	return parser.Truncate(raw, maxSourceLen)
}

// demoItems is the fallback feed for empty deployments. Stable ids keep
// client-side dedup predictable across reconnects.
func demoItems() []Item {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return []Item{
		{ID: "demo-1", Text: "Increased scanning activity against exposed RDP endpoints observed across the region.", Severity: "high", Source: "DEMO", CreatedAt: created},
		{ID: "demo-2", Text: "Phishing campaign impersonating district IT support is circulating; verify sender domains.", Severity: "medium", Source: "DEMO", CreatedAt: created},
		{ID: "demo-3", Text: "New ransomware variant reported targeting unpatched VPN concentrators.", Severity: "critical", Source: "DEMO", CreatedAt: created},
	}
}
