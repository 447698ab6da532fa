// Package syslog accepts Palo Alto firewall syslog messages over UDP and
// publishes each datagram as a raw message on the event bus. The receiver is
// deliberately lossy below the kernel: its job is to keep the socket drained,
// not to guarantee delivery.
package syslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
)

// recvBufferBytes is the requested OS receive buffer. Ingestion is lossy at
// the kernel below this threshold under burst; this is the single most
// important knob on the ingest path.
const recvBufferBytes = 32 << 20 // 32 MiB

// maxDatagram is the largest UDP payload we read. One datagram is one
// message; there is no length-prefix framing.
const maxDatagram = 65536

// RawMessage is one received datagram, decoded to text. Immutable after
// creation; the bus forwards it by value.
type RawMessage struct {
	Raw        string
	RemoteAddr string
	RemotePort uint16
	ReceivedAt time.Time
}

// Receiver owns the UDP socket and the receive loop.
type Receiver struct {
	bind    string
	port    int
	bus     *events.Bus
	log     *slog.Logger
	metrics *monitoring.Metrics

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewReceiver creates a receiver bound at Run time to bind:port.
func NewReceiver(bind string, port int, bus *events.Bus, metrics *monitoring.Metrics, log *slog.Logger) *Receiver {
	return &Receiver{
		bind:    bind,
		port:    port,
		bus:     bus,
		metrics: metrics,
		log:     log.With("component", "syslog"),
	}
}

// Listen binds the socket. A bind failure is fatal to the caller; binding a
// privileged port (<1024) without the privilege is reported distinctly.
func (r *Receiver) Listen() (*net.UDPAddr, error) {
	addr := &net.UDPAddr{IP: net.ParseIP(r.bind), Port: r.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("binding udp port %d requires elevated privileges: %w", r.port, err)
		}
		return nil, fmt.Errorf("bind udp %s:%d: %w", r.bind, r.port, err)
	}

	// Best effort: the kernel may clamp or deny the requested size.
	if err := conn.SetReadBuffer(recvBufferBytes); err != nil {
		r.log.Warn("could not set 32MiB receive buffer; bursts may drop at the kernel", "error", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	local := conn.LocalAddr().(*net.UDPAddr)
	r.log.Info("syslog UDP listener started", "addr", local.String())
	return local, nil
}

// Run reads datagrams until ctx is cancelled. Socket-level read errors are
// counted and swallowed; they never terminate the loop.
func (r *Receiver) Run(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("syslog receiver: Run called before Listen")
	}

	buf := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Short deadline so cancellation is observed promptly.
		conn.SetReadDeadline(time.Now().Add(time.Second))

		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.metrics.ReceiveErrors.Inc()
			r.log.Warn("udp read error", "error", err)
			continue
		}
		if n == 0 {
			continue
		}

		r.metrics.DatagramsReceived.Inc()

		// Invalid bytes are replaced, never rejected: a garbled
		// datagram still flows to the parser as best-effort text.
		msg := RawMessage{
			Raw:        strings.ToValidUTF8(string(buf[:n]), "�"),
			RemoteAddr: remote.IP.String(),
			RemotePort: uint16(remote.Port),
			ReceivedAt: time.Now(),
		}
		r.bus.Publish(events.TopicMessage, msg)
	}
}

// Stop releases the socket.
func (r *Receiver) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
}
