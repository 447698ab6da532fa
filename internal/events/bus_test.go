package events

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	const subscribers = 20
	var wg sync.WaitGroup
	wg.Add(subscribers)
	var received atomic.Int64

	for i := 0; i < subscribers; i++ {
		bus.Subscribe(TopicParsed, "test", func(payload any) {
			assert.Equal(t, "hello", payload)
			received.Add(1)
			wg.Done()
		})
	}

	bus.Publish(TopicParsed, "hello")

	waitDone(t, &wg)
	assert.EqualValues(t, subscribers, received.Load())
}

func TestDeliveryOrderPerSubscriber(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var mu sync.Mutex
	var got []int
	var wg sync.WaitGroup
	wg.Add(100)

	bus.Subscribe(TopicEnriched, "order", func(payload any) {
		mu.Lock()
		got = append(got, payload.(int))
		mu.Unlock()
		wg.Done()
	})

	for i := 0; i < 100; i++ {
		bus.Publish(TopicEnriched, i)
	}

	waitDone(t, &wg)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var wg sync.WaitGroup
	wg.Add(1)

	bus.Subscribe(TopicMessage, "bad", func(any) {
		panic("boom")
	})
	bus.Subscribe(TopicMessage, "good", func(any) {
		wg.Done()
	})

	bus.Publish(TopicMessage, struct{}{})

	// The healthy subscriber still gets the event.
	waitDone(t, &wg)
}

func TestTopicsAreIndependent(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var parsed atomic.Int64
	bus.Subscribe(TopicParsed, "parsed", func(any) { parsed.Add(1) })

	bus.Publish(TopicParseError, "other topic")
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 0, parsed.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(1)
	unsub := bus.Subscribe(TopicParsed, "once", func(any) {
		count.Add(1)
		wg.Done()
	})

	bus.Publish(TopicParsed, 1)
	waitDone(t, &wg)

	unsub()
	bus.Publish(TopicParsed, 2)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, count.Load())
}

func TestUnsubscribeDrainsQueuedEvents(t *testing.T) {
	bus := NewBus(nil)
	defer bus.Close()

	var count atomic.Int64
	unsub := bus.Subscribe(TopicParsed, "drain", func(any) {
		count.Add(1)
	})

	for i := 0; i < 100; i++ {
		bus.Publish(TopicParsed, i)
	}
	unsub()

	// No waiting: unsubscribe returns only after the flush completed.
	assert.EqualValues(t, 100, count.Load())
}

func TestFullQueueDropsAndCounts(t *testing.T) {
	bus := NewBus(nil)

	var dropped atomic.Int64
	bus.OnDrop = func(topic Topic, name string) {
		assert.Equal(t, TopicMessage, topic)
		dropped.Add(1)
	}

	block := make(chan struct{})
	bus.Subscribe(TopicMessage, "slow", func(any) {
		<-block
	})

	// One in the handler, subscriberQueue in the channel, rest dropped.
	for i := 0; i < subscriberQueue+50; i++ {
		bus.Publish(TopicMessage, i)
	}
	assert.Positive(t, dropped.Load())

	close(block)
	bus.Close()
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}
