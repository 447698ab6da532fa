// Package dlq persists parse failures, one JSON object per line, for offline
// forensics. Durability is subordinate to pipeline liveness: the writer runs
// on its own goroutine behind a bounded queue, drops oldest on overflow, and
// swallows write errors.
package dlq

import (
	"bufio"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/parser"
)

const queueSize = 1024

// Writer appends ParseError records to the dead-letter file.
type Writer struct {
	path    string
	log     *slog.Logger
	metrics *monitoring.Metrics

	mu     sync.Mutex
	queue  chan parser.ParseError
	done   chan struct{}
	closed bool
}

// NewWriter creates a writer for the given file path. Start must be called
// before records flow.
func NewWriter(path string, metrics *monitoring.Metrics, log *slog.Logger) *Writer {
	return &Writer{
		path:    path,
		metrics: metrics,
		log:     log.With("component", "dlq"),
		queue:   make(chan parser.ParseError, queueSize),
		done:    make(chan struct{}),
	}
}

// Start subscribes to the parse-error topic and launches the writer loop.
func (w *Writer) Start(bus *events.Bus) func() {
	go w.run()
	return bus.Subscribe(events.TopicParseError, "dlq", func(payload any) {
		pe, ok := payload.(parser.ParseError)
		if !ok {
			return
		}
		w.Enqueue(pe)
	})
}

// Enqueue hands one record to the writer without blocking. When the queue is
// full the oldest queued record is dropped to make room: recent failures are
// worth more than stale ones.
func (w *Writer) Enqueue(pe parser.ParseError) {
	pe.RawMessage = parser.Truncate(pe.RawMessage, 500)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	for {
		select {
		case w.queue <- pe:
			return
		default:
			select {
			case <-w.queue:
				w.metrics.DLQDropped.Inc()
			default:
			}
		}
	}
}

func (w *Writer) run() {
	defer close(w.done)

	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.log.Warn("cannot create dlq directory; parse failures will not be persisted", "error", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		w.log.Warn("cannot open dlq file; parse failures will not be persisted", "path", w.path, "error", err)
		// Keep draining so producers never block.
		for range w.queue {
		}
		return
	}
	defer f.Close()

	buf := bufio.NewWriter(f)
	defer buf.Flush()

	enc := json.NewEncoder(buf)
	for pe := range w.queue {
		if err := enc.Encode(pe); err != nil {
			w.log.Warn("dlq write failed", "error", err)
			continue
		}
		w.metrics.DLQWritten.Inc()
		// Flush per record: the file is read by humans mid-incident,
		// and the volume here is parse failures, not the hot path.
		if err := buf.Flush(); err != nil {
			w.log.Warn("dlq flush failed", "error", err)
		}
	}
}

// Close drains the queue and closes the file.
func (w *Writer) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}
