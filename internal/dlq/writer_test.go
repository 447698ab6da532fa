package dlq

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/parser"
)

func TestWritesOneJSONLinePerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "failed-messages.jsonl")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWriter(path, monitoring.NewMetrics(prometheus.NewRegistry()), log)

	bus := events.NewBus(nil)
	defer bus.Close()
	w.Start(bus)

	bus.Publish(events.TopicParseError, parser.ParseError{
		ErrorMessage: "no endpoints",
		RawMessage:   strings.Repeat("a", 700),
		Timestamp:    time.Now(),
	})
	bus.Publish(events.TopicParseError, parser.ParseError{
		ErrorMessage: "panic recovered",
		RawMessage:   "short",
		Timestamp:    time.Now(),
	})

	// Close flushes everything queued.
	time.Sleep(50 * time.Millisecond)
	w.Close()

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []parser.ParseError
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var pe parser.ParseError
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &pe))
		lines = append(lines, pe)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, 500, len(lines[0].RawMessage))
	assert.Equal(t, "panic recovered", lines[1].ErrorMessage)
}

func TestEnqueueNeverBlocksWhenFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "failed.jsonl")
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	w := NewWriter(path, monitoring.NewMetrics(prometheus.NewRegistry()), log)
	// No Start: nothing drains the queue.

	done := make(chan struct{})
	go func() {
		for i := 0; i < queueSize*2; i++ {
			w.Enqueue(parser.ParseError{ErrorMessage: "x", Timestamp: time.Now()})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}
