// Package events implements the in-process pub/sub bus that decouples the
// pipeline stages. Exactly one Bus exists per process; it is created in main
// and handed by reference to each component at wiring time.
package events

import (
	"log/slog"
	"sync"
)

// Topic classifies the event streams carried by the bus. The set is closed:
// producers and consumers agree on the payload type per topic statically.
type Topic string

const (
	TopicMessage         Topic = "message"           // syslog.RawMessage
	TopicParsed          Topic = "parsed"            // parser.Event
	TopicParseError      Topic = "parse-error"       // parser.ParseError
	TopicEnriched        Topic = "enriched"          // enrich.Event
	TopicThreatFeed      Topic = "threat-feed"       // []threatfeed.Item
	TopicLatencyExceeded Topic = "latency:exceeded"  // enrich.LatencyWarning
	TopicEnrichError     Topic = "enrichment:error"  // string
)

// Handler processes one event payload. Handlers run on a per-subscription
// goroutine; a handler never blocks the publisher.
type Handler func(payload any)

// subscriberQueue is the buffer between a publisher and one subscriber's
// handler goroutine. Publish never blocks on it: when the queue is full the
// newest event is dropped and counted, so a slow subscriber can stall neither
// the UDP receiver nor the parser.
const subscriberQueue = 256

type subscription struct {
	id   int
	name string
	ch   chan any
	done chan struct{}
	// finished closes once the drain goroutine has flushed and exited,
	// making unsubscribe a synchronization point: after it returns, no
	// further handler call happens and nothing is left queued.
	finished chan struct{}
}

// Bus is an in-memory topic broker. Fan-out is bounded-queue asynchronous:
// each subscription owns a buffered channel drained by its own goroutine, so
// subscriptions are isolated from each other and from publishers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*subscription
	nextID int
	closed bool
	wg     sync.WaitGroup
	log    *slog.Logger

	// OnDrop, when set, is invoked each time a full subscriber queue forces
	// an event to be discarded. Used to feed the bus_dropped metric.
	OnDrop func(topic Topic, subscriber string)
}

// NewBus creates the process-wide event bus.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		subs: make(map[Topic][]*subscription),
		log:  log.With("component", "bus"),
	}
}

// Subscribe registers a handler for a topic. The name identifies the
// subscriber in logs and drop metrics. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, name string, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}

	b.nextID++
	sub := &subscription{
		id:       b.nextID,
		name:     name,
		ch:       make(chan any, subscriberQueue),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	b.subs[topic] = append(b.subs[topic], sub)

	b.wg.Add(1)
	go b.drain(topic, sub, fn)

	id := sub.id
	return func() {
		b.mu.Lock()
		var target *subscription
		subs := b.subs[topic]
		for i, s := range subs {
			if s.id == id {
				b.subs[topic] = append(subs[:i], subs[i+1:]...)
				target = s
				break
			}
		}
		b.mu.Unlock()

		// Removal happens under the lock; the wait must not, or a slow
		// handler would block every publisher.
		if target != nil {
			close(target.done)
			<-target.finished
		}
	}
}

// drain delivers queued events to one subscriber in publish order. A panic in
// the handler is recovered and logged; it never reaches the publisher or any
// other subscriber.
func (b *Bus) drain(topic Topic, sub *subscription, fn Handler) {
	defer b.wg.Done()
	defer close(sub.finished)
	for {
		select {
		case payload := <-sub.ch:
			b.deliver(topic, sub.name, fn, payload)
		case <-sub.done:
			// Flush whatever is still queued before exiting.
			for {
				select {
				case payload := <-sub.ch:
					b.deliver(topic, sub.name, fn, payload)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(topic Topic, name string, fn Handler, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("subscriber panic", "topic", string(topic), "subscriber", name, "panic", r)
		}
	}()
	fn(payload)
}

// Publish fans the payload out to every subscriber of the topic. It never
// blocks: a subscriber whose queue is full loses this event.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- payload:
		default:
			if b.OnDrop != nil {
				b.OnDrop(topic, sub.name)
			}
		}
	}
}

// Close stops all subscriptions and waits for queued events to be delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.subs = make(map[Topic][]*subscription)
	b.mu.Unlock()

	b.wg.Wait()
}
