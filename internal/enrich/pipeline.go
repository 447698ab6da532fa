// Package enrich attaches geolocation and the OCDE-target flag to parsed
// events. The pipeline never drops an event: every parsed event yields
// exactly one enriched event, degraded fields and all.
package enrich

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/geo"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/parser"
)

// latencyWarnThreshold is the end-to-end budget for a single enrichment.
const latencyWarnThreshold = 5 * time.Second

// Event is a parsed event augmented with location and target data; the unit
// of broadcast.
type Event struct {
	parser.Event
	Geo              *geo.Data `json:"geo"`
	IsTarget         bool      `json:"is_target"`
	EnrichmentTimeMS uint32    `json:"enrichment_time_ms"`
	EnrichmentError  string    `json:"enrichment_error,omitempty"`
}

// LatencyWarning is published on the latency topic when one enrichment blows
// the 5s budget. It never blocks the enriched event itself.
type LatencyWarning struct {
	SourceIP  string        `json:"source_ip"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// Pipeline subscribes to parsed events and emits enriched ones.
type Pipeline struct {
	bus      *events.Bus
	cache    *geo.Cache
	prefixes []netip.Prefix
	log      *slog.Logger
	metrics  *monitoring.Metrics
}

// New creates the pipeline. prefixes is the OCDE CIDR set, already parsed by
// the config layer; it is never re-read.
func New(bus *events.Bus, cache *geo.Cache, prefixes []netip.Prefix, metrics *monitoring.Metrics, log *slog.Logger) *Pipeline {
	return &Pipeline{
		bus:      bus,
		cache:    cache,
		prefixes: prefixes,
		metrics:  metrics,
		log:      log.With("component", "enrich"),
	}
}

// Start subscribes the pipeline to the parsed topic.
func (p *Pipeline) Start() func() {
	return p.bus.Subscribe(events.TopicParsed, "enrich", func(payload any) {
		ev, ok := payload.(parser.Event)
		if !ok {
			return
		}
		p.bus.Publish(events.TopicEnriched, p.Enrich(ev))
	})
}

// Enrich produces the enriched event for one parsed event. Failures inside
// the lookup or matcher degrade the fields; they never suppress the event.
func (p *Pipeline) Enrich(ev parser.Event) Event {
	start := time.Now()

	out := Event{Event: ev}
	out.IsTarget = p.isTarget(ev.DestinationIP)

	func() {
		defer func() {
			if r := recover(); r != nil {
				out.Geo = nil
				out.EnrichmentError = fmt.Sprintf("enrichment panic: %v", r)
			}
		}()
		data, err := p.cache.Get(ev.SourceIP)
		if err != nil {
			out.EnrichmentError = err.Error()
			return
		}
		out.Geo = data
	}()

	elapsed := time.Since(start)
	out.EnrichmentTimeMS = uint32(elapsed.Milliseconds())

	p.metrics.EnrichedTotal.Inc()
	p.metrics.EnrichLatency.Observe(elapsed.Seconds())
	if out.EnrichmentError != "" {
		p.metrics.EnrichErrors.Inc()
		p.bus.Publish(events.TopicEnrichError, out.EnrichmentError)
	}
	if elapsed > latencyWarnThreshold {
		p.metrics.LatencyExceeded.Inc()
		p.log.Warn("enrichment exceeded latency budget", "elapsed", elapsed, "source_ip", ev.SourceIP)
		p.bus.Publish(events.TopicLatencyExceeded, LatencyWarning{
			SourceIP:  ev.SourceIP,
			Elapsed:   elapsed,
			Timestamp: time.Now(),
		})
	}
	return out
}

// isTarget reports whether dst falls inside the configured OCDE ranges.
// False when the set is empty or dst is absent/malformed.
func (p *Pipeline) isTarget(dst string) bool {
	if dst == "" || len(p.prefixes) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(dst)
	if err != nil {
		return false
	}
	for _, prefix := range p.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
