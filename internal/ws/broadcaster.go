package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/enrich"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
)

const (
	flushInterval = 100 * time.Millisecond
	maxBatchSize  = 50

	statsInterval = 5 * time.Second
)

// Sender is the fan-out surface the broadcaster needs from the hub.
type Sender interface {
	Broadcast(data []byte)
	ClientCount() int
}

// Broadcaster batches enriched events by time and size and hands serialized
// frames to the hub. Serialization happens once per batch, never per client;
// per-client marshalling is a demonstrated bottleneck at high load.
type Broadcaster struct {
	sender  Sender
	log     *slog.Logger
	metrics *monitoring.Metrics

	mu    sync.Mutex
	queue []WireEvent

	// window counters for the periodic stats line
	windowEvents  int64
	windowBatches int64

	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewBroadcaster creates the broadcaster over the given sender.
func NewBroadcaster(sender Sender, metrics *monitoring.Metrics, log *slog.Logger) *Broadcaster {
	return &Broadcaster{
		sender:  sender,
		metrics: metrics,
		log:     log.With("component", "broadcast"),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Start subscribes to the enriched topic and launches the flusher.
func (b *Broadcaster) Start(bus *events.Bus) func() {
	go b.run()
	return bus.Subscribe(events.TopicEnriched, "broadcaster", func(payload any) {
		ev, ok := payload.(enrich.Event)
		if !ok {
			return
		}
		b.Publish(ev)
	})
}

// Publish queues one event. Reaching the batch-size cap flushes immediately;
// otherwise the next tick picks the queue up.
func (b *Broadcaster) Publish(ev enrich.Event) {
	b.mu.Lock()
	b.queue = append(b.queue, ToWire(ev))
	var full []WireEvent
	if len(b.queue) >= maxBatchSize {
		full = b.queue[:maxBatchSize]
		b.queue = append([]WireEvent(nil), b.queue[maxBatchSize:]...)
	}
	b.mu.Unlock()

	if full != nil {
		b.send(full)
	}
}

func (b *Broadcaster) run() {
	defer close(b.stopped)

	flush := time.NewTicker(flushInterval)
	defer flush.Stop()
	stats := time.NewTicker(statsInterval)
	defer stats.Stop()

	for {
		select {
		case <-flush.C:
			b.Flush()
		case <-stats.C:
			b.logStats()
		case <-b.stop:
			return
		}
	}
}

// Flush sends whatever is queued, in batches of at most maxBatchSize.
func (b *Broadcaster) Flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		n := len(b.queue)
		if n > maxBatchSize {
			n = maxBatchSize
		}
		batch := b.queue[:n]
		b.queue = append([]WireEvent(nil), b.queue[n:]...)
		b.mu.Unlock()

		b.send(batch)
	}
}

func (b *Broadcaster) send(batch []WireEvent) {
	data, err := MarshalBatchFrame(batch)
	if err != nil {
		b.log.Error("batch marshal failed", "error", err, "events", len(batch))
		return
	}
	b.sender.Broadcast(data)

	b.metrics.BatchesSent.Inc()
	b.metrics.EventsBroadcast.Add(float64(len(batch)))
	b.mu.Lock()
	b.windowEvents += int64(len(batch))
	b.windowBatches++
	b.mu.Unlock()
}

func (b *Broadcaster) logStats() {
	b.mu.Lock()
	ev, batches := b.windowEvents, b.windowBatches
	b.windowEvents, b.windowBatches = 0, 0
	b.mu.Unlock()

	if ev == 0 && b.sender.ClientCount() == 0 {
		return
	}
	b.log.Info("broadcast stats",
		"events", ev,
		"batches", batches,
		"events_per_sec", ev/int64(statsInterval/time.Second),
		"clients", b.sender.ClientCount(),
	)
}

// Stop halts the flusher and sends any queued events. Skipping this drops
// the final batch on shutdown.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stop)
		<-b.stopped
		b.Flush()
	})
}
