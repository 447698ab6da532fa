// Package ws is the broadcast side of the pipeline: it upgrades dashboard
// connections, tracks the client set, and fans serialized frames out to every
// open socket. The channel is broadcast-only; nothing a client sends is
// processed.
package ws

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/events"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/monitoring"
	"github.com/OCDEkr/OCDEThreatMap-sub001/internal/threatfeed"
)

const (
	writeWait = 10 * time.Second
	// sendBuffer bounds the per-client outbound queue. A client that can
	// not drain it is dead weight and gets terminated, not waited on.
	sendBuffer = 256

	maxReadSize = 4096
)

// Identity is who a WebSocket client is. Anonymous clients are first-class:
// the dashboard is public.
type Identity struct {
	Authenticated bool
	UserID        string
}

// IdentityFn resolves the session attached to an upgrade request. It returns
// the user id and whether the session is authenticated.
type IdentityFn func(r *http.Request) (string, bool)

// Hub owns the tracked client set.
type Hub struct {
	log      *slog.Logger
	metrics  *monitoring.Metrics
	upgrader websocket.Upgrader
	identify IdentityFn
	// snapshot supplies the active threat feed sent to every client
	// immediately after upgrade.
	snapshot func() []threatfeed.Item

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates the hub. identify may be nil (every client anonymous);
// snapshot may be nil (no initial feed frame).
func NewHub(identify IdentityFn, snapshot func() []threatfeed.Item, metrics *monitoring.Metrics, log *slog.Logger) *Hub {
	return &Hub{
		log:      log.With("component", "ws"),
		metrics:  metrics,
		identify: identify,
		snapshot: snapshot,
		clients:  make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Same-origin dashboard; the session cookie is the
			// actual trust boundary.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start wires the hub to the threat-feed topic so feed changes reach every
// connected client.
func (h *Hub) Start(bus *events.Bus) func() {
	return bus.Subscribe(events.TopicThreatFeed, "ws-hub", func(payload any) {
		items, ok := payload.([]threatfeed.Item)
		if !ok {
			return
		}
		data, err := MarshalFeedFrame(items)
		if err != nil {
			h.log.Warn("feed frame marshal failed", "error", err)
			return
		}
		h.Broadcast(data)
	})
}

// HandleUpgrade upgrades a dashboard connection. Anonymous sessions are
// accepted with a generated identity.
func (h *Hub) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	identity := Identity{}
	if h.identify != nil {
		if userID, ok := h.identify(r); ok {
			identity = Identity{Authenticated: true, UserID: userID}
		}
	}
	if !identity.Authenticated {
		identity.UserID = "anon-" + uuid.NewString()
	}
	h.accept(w, r, identity)
}

// HandleAdminUpgrade is the reserved admin path: anonymous upgrades are
// rejected before the handshake.
func (h *Hub) HandleAdminUpgrade(w http.ResponseWriter, r *http.Request) {
	if h.identify == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID, ok := h.identify(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.accept(w, r, Identity{Authenticated: true, UserID: userID})
}

func (h *Hub) accept(w http.ResponseWriter, r *http.Request, identity Identity) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		hub:      h,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
	client.isAlive.Store(true)
	client.lastPong.Store(time.Now().UnixMilli())

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.ConnectedClients.Set(float64(count))

	h.log.Info("client connected", "id", client.ID, "authenticated", identity.Authenticated, "clients", count)

	go client.writePump()
	go client.readPump()

	// New clients get the current feed right away instead of waiting for
	// the next ingest.
	if h.snapshot != nil {
		if data, err := MarshalFeedFrame(h.snapshot()); err == nil {
			client.trySend(data)
		}
	}
}

// Broadcast queues the same byte string on every open client. A client whose
// queue is full is terminated; one broken peer never stops fan-out.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	var stale []*Client
	for client := range h.clients {
		if !client.trySend(data) {
			stale = append(stale, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stale {
		h.log.Warn("client send queue overflow; terminating", "id", client.ID)
		client.Terminate()
	}
}

// ClientCount returns the tracked client count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	count := len(h.clients)
	h.mu.Unlock()

	if present {
		h.metrics.ConnectedClients.Set(float64(count))
		h.log.Info("client disconnected", "id", client.ID, "clients", count)
	}
}

// CloseAll force-terminates every client (shutdown path).
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		all = append(all, client)
	}
	h.mu.RUnlock()

	for _, client := range all {
		client.Terminate()
	}
}
