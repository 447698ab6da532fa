// Package monitoring holds the Prometheus metric set for the pipeline.
package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the ingestion pipeline.
// One instance per process, created in main and shared by reference.
type Metrics struct {
	// Ingestion
	DatagramsReceived prometheus.Counter
	ReceiveErrors     prometheus.Counter

	// Parser
	ParsedTotal   prometheus.Counter
	FilteredTotal prometheus.Counter
	ParseErrors   prometheus.Counter
	// CSVNoAction counts Palo Alto CSV messages that yielded no action
	// field; used to calibrate the version-specific CSV indices.
	CSVNoAction prometheus.Counter

	// Geo cache
	GeoHits   prometheus.Counter
	GeoMisses prometheus.Counter

	// Enrichment
	EnrichedTotal    prometheus.Counter
	EnrichErrors     prometheus.Counter
	EnrichLatency    prometheus.Histogram
	LatencyExceeded  prometheus.Counter

	// Broadcast
	BatchesSent      prometheus.Counter
	EventsBroadcast  prometheus.Counter
	ConnectedClients prometheus.Gauge

	// Bus
	BusDropped *prometheus.CounterVec

	// Threat feed
	FeedItems prometheus.Gauge

	// DLQ
	DLQWritten prometheus.Counter
	DLQDropped prometheus.Counter
}

// NewMetrics creates and registers all metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "syslog_datagrams_received_total",
			Help: "UDP datagrams received on the syslog socket",
		}),
		ReceiveErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "syslog_receive_errors_total",
			Help: "Recoverable socket errors during UDP receive",
		}),
		ParsedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parser_events_total",
			Help: "Messages parsed into deny events",
		}),
		FilteredTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "parser_filtered_total",
			Help: "Messages discarded by the deny-only action filter",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "parser_errors_total",
			Help: "Messages that produced a parse error",
		}),
		CSVNoAction: factory.NewCounter(prometheus.CounterOpts{
			Name: "parser_csv_no_action_total",
			Help: "Palo Alto CSV messages whose action field could not be read",
		}),
		GeoHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "geo_cache_hits_total",
			Help: "Geo lookups answered from the cache",
		}),
		GeoMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "geo_cache_misses_total",
			Help: "Geo lookups that consulted the MMDB reader",
		}),
		EnrichedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "enrich_events_total",
			Help: "Enriched events produced",
		}),
		EnrichErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "enrich_errors_total",
			Help: "Enrichment failures (event still emitted with error field)",
		}),
		EnrichLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "enrich_duration_seconds",
			Help:    "Wall-clock time from parsed event to enriched event",
			Buckets: prometheus.DefBuckets,
		}),
		LatencyExceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "enrich_latency_exceeded_total",
			Help: "Enrichments slower than the 5s warning threshold",
		}),
		BatchesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_batches_total",
			Help: "Batch frames sent to WebSocket clients",
		}),
		EventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Name: "broadcast_events_total",
			Help: "Enriched events included in batch frames",
		}),
		ConnectedClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connected_clients",
			Help: "Currently connected WebSocket clients",
		}),
		BusDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}, []string{"topic", "subscriber"}),
		FeedItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "threat_feed_items",
			Help: "Active items in the threat feed",
		}),
		DLQWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlq_lines_written_total",
			Help: "Parse errors appended to the dead-letter file",
		}),
		DLQDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "dlq_dropped_total",
			Help: "Parse errors dropped because the DLQ writer queue was full",
		}),
	}
}
